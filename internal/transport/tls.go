// Package transport builds the mTLS configuration the agent's RPC surface
// listens with, consuming the identity bundle managed by internal/identity
// and rebuilding whenever a certificate rotation signals needs_reload.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/keelos/agent/internal/identity"
)

// CertSource is the subset of identity.Manager the transport layer needs:
// the trust anchor and the rotation-reload signal.
type CertSource interface {
	CA() *identity.CA
	NeedsReload() bool
	ClearReload()
}

// Config names where the server's own cert/key live; the CA itself comes
// from the CertSource's CA().
type Config struct {
	ServerCertPath string
	ServerKeyPath string
}

// Builder produces and caches a *tls.Config, rebuilding it whenever the
// identity manager reports a rotation.
type Builder struct {
	source CertSource
	config Config

	mu      sync.Mutex
	current atomic.Pointer[tls.Config]
}

func NewBuilder(source CertSource, config Config) *Builder {
	return &Builder{source: source, config: config}
}

// Get returns the current *tls.Config, building it on first use and
// rebuilding it whenever the identity manager's needs_reload flag is set.
// Safe for concurrent use.
func (b *Builder) Get() (*tls.Config, error) {
	if cfg := b.current.Load(); cfg != nil && !b.source.NeedsReload() {
		return cfg, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if cfg := b.current.Load(); cfg != nil && !b.source.NeedsReload() {
		return cfg, nil
	}

	cfg, err := b.build()
	if err != nil {
		return nil, err
	}

	b.current.Store(cfg)
	b.source.ClearReload()
	log.WithField("component", "transport").Info("rebuilt mTLS configuration")
	return cfg, nil
}

func (b *Builder) build() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(b.config.ServerCertPath, b.config.ServerKeyPath)
	if err != nil {
		return nil, errors.Wrap(err, "transport: loading server certificate")
	}

	ca := b.source.CA()
	if ca == nil {
		return nil, errors.New("transport: identity CA not initialized")
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)

	// VerifyClientCertIfGiven, not Require: the bootstrap-signing RPC must be
	// reachable before a node has any client certificate at all, while a
	// certificate that is presented must chain to ClientCAs. Whether a
	// connection carries a verified peer certificate is left to each handler.
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.VerifyClientCertIfGiven,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
