package rollback

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelos/agent/internal/system/systest"
)

func TestBootProbePassesOnRealUptime(t *testing.T) {
	p := NewBootProbe()
	result := p.Check(context.Background())
	// /proc/uptime is only readable on Linux test hosts; accept either a
	// pass or an explicit read error rather than assuming CI has /proc.
	if !result.Pass {
		assert.Contains(t, result.Message, "uptime")
	}
}

func TestBootProbeName(t *testing.T) {
	assert.Equal(t, "boot", NewBootProbe().Name())
	assert.True(t, NewBootProbe().IsCritical())
}

func TestNetworkProbeIsNonCritical(t *testing.T) {
	assert.False(t, NewNetworkProbe().IsCritical())
	assert.Equal(t, "network", NewNetworkProbe().Name())
}

func TestAPIProbePassesWhenPortListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	p := NewAPIProbe(port)
	p.Timeout = time.Second

	result := p.Check(context.Background())
	assert.True(t, result.Pass)
}

func TestAPIProbeFailsWhenPortClosed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	p := NewAPIProbe(port)
	p.Timeout = time.Second

	result := p.Check(context.Background())
	assert.False(t, result.Pass)
}

func TestAPIProbeIsCritical(t *testing.T) {
	assert.True(t, NewAPIProbe(1234).IsCritical())
}

func TestServiceProbePassesWhenPgrepSucceeds(t *testing.T) {
	calls := systest.New("1234\n", 0)
	p := NewServiceProbe("keel-agent", calls)

	result := p.Check(context.Background())
	assert.True(t, result.Pass)
	assert.Equal(t, "pgrep", calls.LastName)
	assert.Equal(t, []string{"-x", "keel-agent"}, calls.LastArgs)
}

func TestServiceProbeFailsWhenPgrepFindsNothing(t *testing.T) {
	calls := systest.New("", 1)
	p := NewServiceProbe("keel-agent", calls)

	result := p.Check(context.Background())
	assert.False(t, result.Pass)
}

func TestServiceProbeNameIncludesServiceName(t *testing.T) {
	p := NewServiceProbe("kubelet", systest.New("", 0))
	assert.Equal(t, "service:kubelet", p.Name())
	assert.True(t, p.IsCritical())
}
