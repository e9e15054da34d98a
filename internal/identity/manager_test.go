package identity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(dir string) Config {
	return Config{
		CACertPath:               filepath.Join(dir, "ca.pem"),
		CAKeyPath:                filepath.Join(dir, "ca.key"),
		ServerCertPath:           filepath.Join(dir, "server.pem"),
		ServerKeyPath:            filepath.Join(dir, "server.key"),
		RotationDaysBeforeExpiry: 30,
		CertValidityDays:         90,
		ServerCommonName:         "keel-agent",
	}
}

func TestInitializeCAGeneratesAndIssuesServerLeaf(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(testConfig(dir))

	require.NoError(t, m.InitializeCA())

	assert.FileExists(t, filepath.Join(dir, "ca.pem"))
	assert.FileExists(t, filepath.Join(dir, "ca.key"))
	assert.FileExists(t, filepath.Join(dir, "server.pem"))
	assert.FileExists(t, filepath.Join(dir, "server.key"))
}

func TestInitializeCALoadsExistingCA(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	ca, err := GenerateCA("keelos CA", 900)
	require.NoError(t, err)
	require.NoError(t, ca.Save(cfg.CACertPath, cfg.CAKeyPath))

	m := NewManager(cfg)
	require.NoError(t, m.InitializeCA())
	assert.Equal(t, ca.Cert.SerialNumber, m.CA().Cert.SerialNumber)
}

func TestRotateServerLeafBeforeInitializeFails(t *testing.T) {
	m := NewManager(testConfig(t.TempDir()))
	err := m.RotateServerLeaf()
	assert.Error(t, err)
}

func TestCheckAndRotateSetsNeedsReloadWhenExpiringSoon(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.CertValidityDays = 10 // short enough to trip the 30-day rotation threshold

	m := NewManager(cfg)
	require.NoError(t, m.InitializeCA())
	assert.False(t, m.NeedsReload())

	require.NoError(t, m.checkAndRotate())
	assert.True(t, m.NeedsReload())
}

func TestMonitorStopsOnContextCancellation(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(testConfig(dir))
	require.NoError(t, m.InitializeCA())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Monitor(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after context cancellation")
	}
}

func TestClearReloadResetsFlag(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.CertValidityDays = 10

	m := NewManager(cfg)
	require.NoError(t, m.InitializeCA())
	require.NoError(t, m.checkAndRotate())
	require.True(t, m.NeedsReload())

	m.ClearReload()
	assert.False(t, m.NeedsReload())
}

func TestInitializeCACreatesParentDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "crypto")
	cfg := testConfig(dir)

	m := NewManager(cfg)
	require.NoError(t, m.InitializeCA())

	_, err := os.Stat(dir)
	assert.NoError(t, err)
}
