package control

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/client-go/tools/clientcmd"

	"github.com/keelos/agent/internal/coreerr"
	"github.com/keelos/agent/internal/identity"
)

var (
	errJoinedAlready    = errors.New("node has already joined a cluster")
	errCANotInitialized = errors.New("bootstrap CA not initialized")
)

// SignedCertificate answers SignBootstrapCertificate.
type SignedCertificate struct {
	LeafPEM []byte `json:"leaf_pem"`
	CAPEM   []byte `json:"ca_pem"`
}

// SignBootstrapCertificate signs csrPEM against the bootstrap CA, but only
// while this node has not yet joined a cluster: once joined, a node has no
// business minting certificates for other nodes.
func (s *Server) SignBootstrapCertificate(csrPEM []byte) (SignedCertificate, error) {
	if s.isJoined() {
		return SignedCertificate{}, coreerr.New(coreerr.IllegalState, "control.SignBootstrapCertificate",
			errJoinedAlready)
	}

	ca := s.Identity.CA()
	if ca == nil {
		return SignedCertificate{}, coreerr.New(coreerr.IllegalState, "control.SignBootstrapCertificate",
			errCANotInitialized)
	}

	leafPEM, err := ca.SignCSR(csrPEM)
	if err != nil {
		return SignedCertificate{}, err
	}

	return SignedCertificate{LeafPEM: leafPEM, CAPEM: ca.CertPEM()}, nil
}

// BootstrapResult answers BootstrapCluster.
type BootstrapResult struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	ConfigPath string `json:"config_path"`
}

// BootstrapCluster joins this node to a cluster via identity.JoinCluster.
func (s *Server) BootstrapCluster(endpoint string, auth identity.AuthMaterial, nodeName string) BootstrapResult {
	path, err := identity.JoinCluster(s.JoinConfig, endpoint, auth, nodeName)
	if err != nil {
		return BootstrapResult{Success: false, Message: err.Error()}
	}
	return BootstrapResult{Success: true, Message: "joined", ConfigPath: path}
}

// BootstrapStatus answers GetBootstrapStatus.
type BootstrapStatus struct {
	IsJoined   bool      `json:"is_joined"`
	Endpoint   string    `json:"endpoint,omitempty"`
	NodeName   string    `json:"node_name,omitempty"`
	ConfigPath string    `json:"config_path,omitempty"`
	JoinedAt   time.Time `json:"joined_at,omitempty"`
}

// GetBootstrapStatus reports whether this node has joined a cluster and,
// if so, the details recorded at join time. Everything here is recovered
// by re-reading what JoinCluster persisted, rather than tracked separately,
// since the join marker and kubeconfig are already the durable record.
func (s *Server) GetBootstrapStatus() BootstrapStatus {
	markerPath := filepath.Join(s.JoinConfig.JoinDir, identity.JoinMarkerFile)
	info, err := os.Stat(markerPath)
	if err != nil {
		return BootstrapStatus{IsJoined: false}
	}

	configPath := filepath.Join(s.JoinConfig.JoinDir, "kubeconfig")
	status := BootstrapStatus{IsJoined: true, ConfigPath: configPath, JoinedAt: info.ModTime()}

	if markerBytes, err := os.ReadFile(markerPath); err == nil {
		status.NodeName = strings.TrimSpace(string(markerBytes))
	}

	if cfg, err := clientcmd.LoadFromFile(configPath); err == nil {
		if cluster, ok := cfg.Clusters[cfg.CurrentContext]; ok {
			status.Endpoint = cluster.Server
		} else {
			for _, c := range cfg.Clusters {
				status.Endpoint = c.Server
				break
			}
		}
	}

	return status
}

func (s *Server) isJoined() bool {
	markerPath := filepath.Join(s.JoinConfig.JoinDir, identity.JoinMarkerFile)
	_, err := os.Stat(markerPath)
	return err == nil
}
