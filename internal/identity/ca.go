// Package identity implements the mTLS identity lifecycle: CA bundle
// generation, leaf issuance, CSR signing, expiry checks, and atomic
// rotation, following the teacher's write-then-rename persistence idiom.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/keelos/agent/internal/coreerr"
)

// Organization is the constant organization name stamped into every
// certificate this system issues.
const Organization = "keelos"

// CA is a certificate authority bundle: certificate plus private key.
type CA struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// GenerateCA creates a new self-signed ECDSA P-256 CA certificate valid for
// validityDays.
func GenerateCA(commonName string, validityDays int) (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IO, "identity.GenerateCA", err, "generating CA key")
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{Organization},
		},
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, validityDays),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IO, "identity.GenerateCA", err, "self-signing CA certificate")
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IO, "identity.GenerateCA", err, "parsing freshly-signed CA certificate")
	}

	return &CA{Cert: cert, Key: key}, nil
}

// LoadCA reads an existing CA certificate and key from PEM files.
func LoadCA(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IO, "identity.LoadCA", err, "reading CA certificate")
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IO, "identity.LoadCA", err, "reading CA key")
	}

	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return nil, err
	}
	key, err := parseECKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}

	return &CA{Cert: cert, Key: key}, nil
}

// Save writes the CA certificate and key as PEM files, owner-only
// permissions, creating the parent directory if necessary.
func (ca *CA) Save(certPath, keyPath string) error {
	if err := os.MkdirAll(filepath.Dir(certPath), 0700); err != nil {
		return coreerr.Wrap(coreerr.IO, "identity.CA.Save", err, "creating crypto directory")
	}
	if err := writePEMFile(certPath, "CERTIFICATE", ca.Cert.Raw, 0600); err != nil {
		return err
	}
	keyBytes, err := x509.MarshalECPrivateKey(ca.Key)
	if err != nil {
		return coreerr.Wrap(coreerr.IO, "identity.CA.Save", err, "marshaling CA key")
	}
	return writePEMFile(keyPath, "EC PRIVATE KEY", keyBytes, 0600)
}

// CertPEM returns the CA certificate encoded as PEM.
func (ca *CA) CertPEM() []byte {
	return encodePEM("CERTIFICATE", ca.Cert.Raw)
}

// IssueLeaf builds and signs a leaf certificate for commonName: server
// leaves get server-auth (and client-auth, for mTLS health probing from
// peers), client-only leaves get client-auth only.
func (ca *CA) IssueLeaf(commonName string, validityDays int, isServer bool) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, coreerr.Wrap(coreerr.IO, "identity.CA.IssueLeaf", err, "generating leaf key")
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{Organization},
		},
		NotBefore:   now,
		NotAfter:    now.AddDate(0, 0, validityDays),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		DNSNames:    []string{commonName},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1")},
	}
	if isServer {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	} else {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, &key.PublicKey, ca.Key)
	if err != nil {
		return nil, nil, coreerr.Wrap(coreerr.IO, "identity.CA.IssueLeaf", err, "signing leaf certificate")
	}

	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, coreerr.Wrap(coreerr.IO, "identity.CA.IssueLeaf", err, "marshaling leaf key")
	}

	return encodePEM("CERTIFICATE", der), encodePEM("EC PRIVATE KEY", keyBytes), nil
}

// SignCSR parses csrPEM, rejects it if its self-signature doesn't verify,
// and signs a 24-hour leaf carrying the CSR's subject and public key.
func (ca *CA) SignCSR(csrPEM []byte) ([]byte, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, coreerr.New(coreerr.CertificateInvalid, "identity.CA.SignCSR", errors.New("not a PEM CSR"))
	}

	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CertificateInvalid, "identity.CA.SignCSR", err, "parsing CSR")
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, coreerr.Wrap(coreerr.CertificateInvalid, "identity.CA.SignCSR", err, "CSR self-signature mismatch")
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:    serial,
		Subject:         csr.Subject,
		NotBefore:       now,
		NotAfter:        now.Add(24 * time.Hour),
		KeyUsage:        x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		DNSNames:        csr.DNSNames,
		IPAddresses:     csr.IPAddresses,
		PublicKey:       csr.PublicKey,
		PublicKeyAlgorithm: csr.PublicKeyAlgorithm,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, csr.PublicKey, ca.Key)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IO, "identity.CA.SignCSR", err, "signing CSR")
	}

	return encodePEM("CERTIFICATE", der), nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IO, "identity.randomSerial", err, "generating serial number")
	}
	return serial, nil
}

func encodePEM(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}

func writePEMFile(path, blockType string, der []byte, perm os.FileMode) error {
	data := encodePEM(blockType, der)
	if err := os.WriteFile(path, data, perm); err != nil {
		return coreerr.Wrap(coreerr.IO, "identity.writePEMFile", err, "writing "+path)
	}
	return nil
}

func parseCertPEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, coreerr.New(coreerr.CertificateInvalid, "identity.parseCertPEM", errors.New("no PEM block found"))
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CertificateInvalid, "identity.parseCertPEM", err, "parsing certificate")
	}
	return cert, nil
}

func parseECKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, coreerr.New(coreerr.CertificateInvalid, "identity.parseECKeyPEM", errors.New("no PEM block found"))
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CertificateInvalid, "identity.parseECKeyPEM", err, "parsing EC private key")
	}
	return key, nil
}
