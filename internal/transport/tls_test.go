package transport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelos/agent/internal/identity"
)

type fakeCertSource struct {
	ca          *identity.CA
	needsReload bool
	cleared     int
}

func (f *fakeCertSource) CA() *identity.CA  { return f.ca }
func (f *fakeCertSource) NeedsReload() bool { return f.needsReload }
func (f *fakeCertSource) ClearReload()      { f.cleared++; f.needsReload = false }

func writeServerLeaf(t *testing.T, ca *identity.CA) (certPath, keyPath string) {
	t.Helper()
	certPEM, keyPEM, err := ca.IssueLeaf("keel-agent", 90, true)
	require.NoError(t, err)

	dir := t.TempDir()
	certPath = filepath.Join(dir, "server.pem")
	keyPath = filepath.Join(dir, "server.key")
	require.NoError(t, os.WriteFile(certPath, certPEM, 0600))
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0600))
	return certPath, keyPath
}

func TestBuilderGetBuildsOnFirstCall(t *testing.T) {
	ca, err := identity.GenerateCA("test CA", 365)
	require.NoError(t, err)
	certPath, keyPath := writeServerLeaf(t, ca)

	source := &fakeCertSource{ca: ca}
	b := NewBuilder(source, Config{ServerCertPath: certPath, ServerKeyPath: keyPath})

	cfg, err := b.Get()
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.NotNil(t, cfg.ClientCAs)
}

func TestBuilderGetRebuildsOnNeedsReload(t *testing.T) {
	ca, err := identity.GenerateCA("test CA", 365)
	require.NoError(t, err)
	certPath, keyPath := writeServerLeaf(t, ca)

	source := &fakeCertSource{ca: ca}
	b := NewBuilder(source, Config{ServerCertPath: certPath, ServerKeyPath: keyPath})

	_, err = b.Get()
	require.NoError(t, err)

	source.needsReload = true
	_, err = b.Get()
	require.NoError(t, err)
	assert.Equal(t, 1, source.cleared)
}

func TestBuilderGetErrorsWithoutCA(t *testing.T) {
	ca, err := identity.GenerateCA("test CA", 365)
	require.NoError(t, err)
	certPath, keyPath := writeServerLeaf(t, ca)

	source := &fakeCertSource{ca: nil}
	b := NewBuilder(source, Config{ServerCertPath: certPath, ServerKeyPath: keyPath})

	_, err = b.Get()
	assert.Error(t, err)
}
