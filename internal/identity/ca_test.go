package identity

import (
	"crypto/x509"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCAProducesSelfSignedCert(t *testing.T) {
	ca, err := GenerateCA("test CA", 365)
	require.NoError(t, err)
	assert.True(t, ca.Cert.IsCA)
	assert.Equal(t, "test CA", ca.Cert.Subject.CommonName)
	assert.Equal(t, []string{Organization}, ca.Cert.Subject.Organization)
}

func TestSaveThenLoadCARoundTrips(t *testing.T) {
	ca, err := GenerateCA("test CA", 365)
	require.NoError(t, err)

	dir := t.TempDir()
	certPath := filepath.Join(dir, "nested", "ca.pem")
	keyPath := filepath.Join(dir, "nested", "ca.key")

	require.NoError(t, ca.Save(certPath, keyPath))

	loaded, err := LoadCA(certPath, keyPath)
	require.NoError(t, err)
	assert.Equal(t, ca.Cert.SerialNumber, loaded.Cert.SerialNumber)
	assert.Equal(t, ca.Cert.Subject.CommonName, loaded.Cert.Subject.CommonName)
}

func TestIssueLeafServerHasServerAndClientAuth(t *testing.T) {
	ca, err := GenerateCA("test CA", 365)
	require.NoError(t, err)

	certPEM, keyPEM, err := ca.IssueLeaf("keel-agent", 90, true)
	require.NoError(t, err)
	assert.Contains(t, string(certPEM), "BEGIN CERTIFICATE")
	assert.Contains(t, string(keyPEM), "BEGIN EC PRIVATE KEY")

	cert, err := parseCertPEM(certPEM)
	require.NoError(t, err)
	assert.Contains(t, cert.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
}

func TestIssueLeafClientOnlyHasNoServerAuth(t *testing.T) {
	ca, err := GenerateCA("test CA", 365)
	require.NoError(t, err)

	certPEM, _, err := ca.IssueLeaf("osctl-client", 30, false)
	require.NoError(t, err)

	cert, err := parseCertPEM(certPEM)
	require.NoError(t, err)
	assert.Len(t, cert.ExtKeyUsage, 1)
}

func TestSignCSRRejectsGarbage(t *testing.T) {
	ca, err := GenerateCA("test CA", 365)
	require.NoError(t, err)

	_, err = ca.SignCSR([]byte("not a csr"))
	assert.Error(t, err)
}

func TestSignCSRAcceptsValidRequest(t *testing.T) {
	ca, err := GenerateCA("test CA", 365)
	require.NoError(t, err)

	csrPEM := generateTestCSR(t, "worker-7")

	leafPEM, err := ca.SignCSR(csrPEM)
	require.NoError(t, err)

	leaf, err := parseCertPEM(leafPEM)
	require.NoError(t, err)
	assert.Equal(t, "worker-7", leaf.Subject.CommonName)
}
