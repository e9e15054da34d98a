package partition

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelos/agent/internal/coreerr"
)

func newImageServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
}

func devicePath(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dev")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
	return path
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestFlashFullVerifiesDigest(t *testing.T) {
	withFakeDeviceSizes(t, 1<<20, 512)
	payload := []byte("the quick brown fox jumps over the lazy dog")
	server := newImageServer(t, payload)
	defer server.Close()

	dev := devicePath(t, 1<<20)
	saved, err := Flash(context.Background(), server.Client(), nil, FlashRequest{
		SourceURL:      server.URL,
		TargetDevice:   dev,
		ExpectedDigest: digestOf(payload),
		ImageSize:      int64(len(payload)),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), saved)
}

func TestFlashFullRejectsDigestMismatch(t *testing.T) {
	withFakeDeviceSizes(t, 1<<20, 512)
	payload := []byte("actual content")
	server := newImageServer(t, payload)
	defer server.Close()

	dev := devicePath(t, 1<<20)
	_, err := Flash(context.Background(), server.Client(), nil, FlashRequest{
		SourceURL:      server.URL,
		TargetDevice:   dev,
		ExpectedDigest: "0000000000000000000000000000000000000000000000000000000000000000"[:64],
		ImageSize:      int64(len(payload)),
	})
	require.Error(t, err)
	kind, ok := coreerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, coreerr.IntegrityMismatch, kind)
}

func TestFlashDeltaFallsBackToFullOnFailure(t *testing.T) {
	withFakeDeviceSizes(t, 1<<20, 512)
	fullPayload := []byte("full image contents")

	var callCount int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		w.Write(fullPayload)
	}))
	defer server.Close()

	dev := devicePath(t, 1<<20)
	saved, err := Flash(context.Background(), server.Client(), failingApplier{}, FlashRequest{
		SourceURL:    server.URL,
		TargetDevice: dev,
		IsDelta:      true,
		FallbackURL:  server.URL,
		ImageSize:    int64(len(fullPayload)),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), saved)
	assert.Equal(t, 2, callCount) // one delta attempt, one full fallback
}

func TestFlashWithoutFallbackSurfacesDeltaError(t *testing.T) {
	withFakeDeviceSizes(t, 1<<20, 512)
	server := newImageServer(t, []byte("delta bytes"))
	defer server.Close()

	dev := devicePath(t, 1<<20)
	_, err := Flash(context.Background(), server.Client(), failingApplier{}, FlashRequest{
		SourceURL:    server.URL,
		TargetDevice: dev,
		IsDelta:      true,
		ImageSize:    16,
	})
	assert.Error(t, err)
}

type failingApplier struct{}

func (failingApplier) Apply(ctx context.Context, dst io.Writer, delta io.Reader, base string) (int64, error) {
	return 0, errors.New("delta apply failed")
}
