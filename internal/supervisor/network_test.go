package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelos/agent/internal/system/systest"
)

func TestLoadNetworkConfigParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "network.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"interface":"eth1","address":"192.168.1.5","netmask":"255.255.255.0","gateway":"192.168.1.1"}`), 0644))

	cfg, err := LoadNetworkConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "eth1", cfg.Interface)
	assert.Equal(t, "192.168.1.5", cfg.Address)
}

func TestLoadNetworkConfigErrorsWhenMissing(t *testing.T) {
	_, err := LoadNetworkConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestConfigureNetworkingFallsBackToStaticDefault(t *testing.T) {
	calls := systest.New("", 0)
	ConfigureNetworking(calls, filepath.Join(t.TempDir(), "missing.json"))

	assert.Equal(t, "busybox", calls.LastName)
	assert.Contains(t, calls.LastArgs, "route")
}

func TestConfigureNetworkingUsesConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "network.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"interface":"eth1","address":"192.168.1.5","netmask":"255.255.255.0","gateway":"192.168.1.1"}`), 0644))

	calls := systest.New("", 0)
	ConfigureNetworking(calls, path)

	assert.Equal(t, "busybox", calls.LastName)
}
