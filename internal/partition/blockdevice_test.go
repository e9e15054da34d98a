package partition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withFakeDeviceSizes(t *testing.T, size uint64, sectorSize int) {
	t.Helper()
	origSize, origSector := BlockDeviceGetSizeOf, BlockDeviceGetSectorSizeOf
	BlockDeviceGetSizeOf = func(*os.File) (uint64, error) { return size, nil }
	BlockDeviceGetSectorSizeOf = func(*os.File) (int, error) { return sectorSize, nil }
	t.Cleanup(func() {
		BlockDeviceGetSizeOf, BlockDeviceGetSectorSizeOf = origSize, origSector
	})
}

func TestOpenBlockDeviceRejectsTooSmallDevice(t *testing.T) {
	withFakeDeviceSizes(t, 10, 512)

	path := filepath.Join(t.TempDir(), "dev")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	_, err := openBlockDevice(path, 100)
	assert.Error(t, err)
}

func TestOpenBlockDeviceWritesAndClosesCleanly(t *testing.T) {
	withFakeDeviceSizes(t, 1<<20, 512)

	path := filepath.Join(t.TempDir(), "dev")
	require.NoError(t, os.WriteFile(path, make([]byte, 1<<20), 0644))

	payload := make([]byte, 2048)
	for i := range payload {
		payload[i] = byte(i)
	}

	dev, err := openBlockDevice(path, int64(len(payload)))
	require.NoError(t, err)

	n, err := dev.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	require.NoError(t, dev.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got[:len(payload)])
}

func TestOpenBlockDeviceCapsWritesAtImageSize(t *testing.T) {
	withFakeDeviceSizes(t, 1<<20, 512)

	path := filepath.Join(t.TempDir(), "dev")
	require.NoError(t, os.WriteFile(path, make([]byte, 1<<20), 0644))

	dev, err := openBlockDevice(path, 5)
	require.NoError(t, err)

	_, err = dev.Write([]byte("abcdefgh"))
	assert.Error(t, err)
}
