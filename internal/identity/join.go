package identity

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/keelos/agent/internal/coreerr"
)

// JoinMarkerFile is the name of the file under the join directory whose
// presence means this node has already joined a cluster.
const JoinMarkerFile = "joined"

// AuthMaterial carries the credentials join_cluster needs: either a
// token+CA-cert pair, or a pre-baked kubeconfig.
type AuthMaterial struct {
	Token      string
	CACertPEM  []byte
	Kubeconfig []byte
}

// JoinConfig names the stable directories join_cluster writes into.
type JoinConfig struct {
	JoinDir           string // where the materialized kubeconfig + join marker live
	KubeletSentinelPath string // volatile sentinel PID-1 watches for
}

func (a AuthMaterial) validate() error {
	hasTokenAndCA := a.Token != "" && len(a.CACertPEM) > 0
	hasKubeconfig := len(a.Kubeconfig) > 0
	if !hasTokenAndCA && !hasKubeconfig {
		return coreerr.New(coreerr.IllegalState, "identity.AuthMaterial.validate",
			errors.New("either token+ca-cert or a pre-baked kubeconfig is required"))
	}
	return nil
}

// JoinCluster validates the supplied auth material, materializes a cluster
// access kubeconfig under cfg.JoinDir, persists a join marker, and writes
// the kubelet-restart sentinel so PID-1 restarts the cluster agent with
// the new credentials.
func JoinCluster(cfg JoinConfig, endpoint string, auth AuthMaterial, nodeIdentity string) (string, error) {
	if endpoint == "" {
		return "", coreerr.New(coreerr.IllegalState, "identity.JoinCluster", errors.New("endpoint is required"))
	}
	if err := auth.validate(); err != nil {
		return "", err
	}

	if err := os.MkdirAll(cfg.JoinDir, 0700); err != nil {
		return "", coreerr.Wrap(coreerr.IO, "identity.JoinCluster", err, "creating join directory")
	}

	kubeconfigPath := filepath.Join(cfg.JoinDir, "kubeconfig")

	if len(auth.Kubeconfig) > 0 {
		if err := os.WriteFile(kubeconfigPath, auth.Kubeconfig, 0600); err != nil {
			return "", coreerr.Wrap(coreerr.IO, "identity.JoinCluster", err, "writing pre-baked kubeconfig")
		}
	} else {
		kc := buildKubeconfig(endpoint, auth.CACertPEM, auth.Token, nodeIdentity)
		if err := clientcmd.WriteToFile(*kc, kubeconfigPath); err != nil {
			return "", coreerr.Wrap(coreerr.IO, "identity.JoinCluster", err, "materializing kubeconfig")
		}
	}

	markerPath := filepath.Join(cfg.JoinDir, JoinMarkerFile)
	if err := os.WriteFile(markerPath, []byte(nodeIdentity+"\n"), 0600); err != nil {
		return "", coreerr.Wrap(coreerr.IO, "identity.JoinCluster", err, "writing join marker")
	}

	if err := os.WriteFile(cfg.KubeletSentinelPath, nil, 0600); err != nil {
		return "", coreerr.Wrap(coreerr.IO, "identity.JoinCluster", err, "writing kubelet-restart sentinel")
	}

	log.WithField("component", "identity").WithField("endpoint", endpoint).Info("joined cluster")
	return kubeconfigPath, nil
}

func buildKubeconfig(endpoint string, caPEM []byte, token, nodeIdentity string) *clientcmdapi.Config {
	const contextName = "keelos"

	kc := clientcmdapi.NewConfig()
	kc.Clusters[contextName] = &clientcmdapi.Cluster{
		Server:                   endpoint,
		CertificateAuthorityData: caPEM,
	}
	kc.AuthInfos[nodeIdentity] = &clientcmdapi.AuthInfo{
		Token: token,
	}
	kc.Contexts[contextName] = &clientcmdapi.Context{
		Cluster:  contextName,
		AuthInfo: nodeIdentity,
	}
	kc.CurrentContext = contextName

	return kc
}
