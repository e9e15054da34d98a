package identity

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/keelos/agent/internal/coreerr"
	"github.com/keelos/agent/internal/metrics"
)

var errNotInitialized = errors.New("identity manager CA not initialized")

// MonitorInterval is how often the rotation monitor checks the server
// leaf's expiry.
const MonitorInterval = 24 * time.Hour

// Config is the subset of the agent's configuration the identity manager
// consumes.
type Config struct {
	CACertPath               string
	CAKeyPath                string
	ServerCertPath           string
	ServerKeyPath            string
	RotationDaysBeforeExpiry int
	CertValidityDays         int
	ServerCommonName         string
}

// Manager owns the bootstrap CA and drives leaf issuance, rotation, and the
// needs_reload flag the transport layer consumes.
type Manager struct {
	config Config
	ca     *CA

	needsReload atomic.Bool
}

func NewManager(config Config) *Manager {
	return &Manager{config: config}
}

// InitializeCA loads the CA from disk if present, else generates and
// persists a new one, then issues an initial server leaf if none exists.
func (m *Manager) InitializeCA() error {
	if _, err := os.Stat(m.config.CACertPath); err == nil {
		ca, err := LoadCA(m.config.CACertPath, m.config.CAKeyPath)
		if err != nil {
			return err
		}
		m.ca = ca
	} else {
		log.WithField("component", "identity").Warn("CA not found, generating new CA")
		ca, err := GenerateCA("keelos CA", m.config.CertValidityDays*10)
		if err != nil {
			return err
		}
		if err := ca.Save(m.config.CACertPath, m.config.CAKeyPath); err != nil {
			return err
		}
		m.ca = ca
	}

	if _, err := os.Stat(m.config.ServerCertPath); err != nil {
		log.WithField("component", "identity").Info("server leaf not found, issuing initial certificate")
		return m.RotateServerLeaf()
	}
	return nil
}

// CA returns the loaded/generated CA bundle, for use by SignCSR callers.
func (m *Manager) CA() *CA {
	return m.ca
}

// RotateServerLeaf issues a fresh server leaf and atomically rotates it
// into place.
func (m *Manager) RotateServerLeaf() error {
	if m.ca == nil {
		return coreerr.New(coreerr.IllegalState, "identity.Manager.RotateServerLeaf", errNotInitialized)
	}

	certPEM, keyPEM, err := m.ca.IssueLeaf(m.config.ServerCommonName, m.config.CertValidityDays, true)
	if err != nil {
		return err
	}

	return AtomicRotate(m.config.ServerCertPath, m.config.ServerKeyPath, certPEM, keyPEM)
}

// NeedsReload reports whether the transport owner should rebuild its TLS
// configuration since the last ClearReload.
func (m *Manager) NeedsReload() bool {
	return m.needsReload.Load()
}

// ClearReload resets the needs_reload flag after the transport owner has
// picked up the rotation.
func (m *Manager) ClearReload() {
	m.needsReload.Store(false)
}

// Monitor runs until ctx is cancelled, checking the server leaf's expiry
// every MonitorInterval and rotating when it's within
// RotationDaysBeforeExpiry of expiring.
func (m *Manager) Monitor(ctx context.Context) {
	logger := log.WithField("component", "identity")

	for {
		if err := m.checkAndRotate(); err != nil {
			logger.WithError(err).Error("certificate rotation check failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(MonitorInterval):
		}
	}
}

func (m *Manager) checkAndRotate() error {
	certPEM, err := os.ReadFile(m.config.ServerCertPath)
	if err != nil {
		return coreerr.Wrap(coreerr.IO, "identity.Manager.checkAndRotate", err, "reading server certificate")
	}

	info, err := CheckExpiry(certPEM, m.config.RotationDaysBeforeExpiry)
	if err != nil {
		return err
	}

	metrics.CertificateDaysUntilExpiry.WithLabelValues(m.config.ServerCommonName).Set(float64(info.DaysUntilExpiry))

	if !info.IsExpiringSoon {
		return nil
	}

	log.WithField("component", "identity").
		WithField("days_until_expiry", info.DaysUntilExpiry).
		Info("server leaf expiring soon, rotating")

	if err := m.RotateServerLeaf(); err != nil {
		metrics.CertificateRotationsTotal.WithLabelValues("failure").Inc()
		return err
	}

	metrics.CertificateRotationsTotal.WithLabelValues("success").Inc()
	m.needsReload.Store(true)
	return nil
}
