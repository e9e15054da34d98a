package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/keelos/agent/internal/coreerr"
)

const (
	csrPollInterval = 5 * time.Second
	csrPollTimeout  = 5 * time.Minute
)

// CSRSubmitter is the opaque external signing API: request_operational_leaf
// hands it a CSR and polls it for completion. The wire protocol is an
// external collaborator's concern, not this package's.
type CSRSubmitter interface {
	// Submit sends the CSR and returns an opaque request handle.
	Submit(ctx context.Context, csrPEM []byte, nodeName string) (requestID string, err error)
	// Poll checks on a previously submitted request. done is false while
	// the request is still pending; denied carries the operator's reason
	// when the request was explicitly rejected.
	Poll(ctx context.Context, requestID string) (certPEM []byte, done bool, denied string, err error)
}

// RequestOperationalLeaf builds a CSR for nodeIdentity, submits it through
// submitter, and polls for the signed certificate with a fixed 5-second
// interval bounded by a 5-minute deadline, matching the prototype's
// poll-with-backoff shape (here a fixed interval, since the deadline is
// already tight enough that backoff buys nothing).
func RequestOperationalLeaf(ctx context.Context, submitter CSRSubmitter, nodeIdentity string) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, coreerr.Wrap(coreerr.IO, "identity.RequestOperationalLeaf", err, "generating node key")
	}

	csrTemplate := &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: nodeIdentity, Organization: []string{Organization}},
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, csrTemplate, key)
	if err != nil {
		return nil, nil, coreerr.Wrap(coreerr.IO, "identity.RequestOperationalLeaf", err, "creating CSR")
	}
	csrPEM := encodePEM("CERTIFICATE REQUEST", csrDER)

	requestID, err := submitter.Submit(ctx, csrPEM, nodeIdentity)
	if err != nil {
		return nil, nil, coreerr.Wrap(coreerr.NetworkError, "identity.RequestOperationalLeaf", err, "submitting CSR")
	}

	log.WithField("component", "identity").WithField("request_id", requestID).Info("submitted operational CSR, polling for signature")

	var issued []byte
	pollErr := wait.PollUntilContextTimeout(ctx, csrPollInterval, csrPollTimeout, true,
		func(ctx context.Context) (bool, error) {
			cert, done, denied, err := submitter.Poll(ctx, requestID)
			if err != nil {
				return false, nil // transient poll errors keep retrying until the deadline
			}
			if denied != "" {
				return false, coreerr.New(coreerr.SigningDenied, "identity.RequestOperationalLeaf", errors.New(denied))
			}
			if !done {
				return false, nil
			}
			issued = cert
			return true, nil
		})

	if pollErr != nil {
		if kind, ok := coreerr.KindOf(pollErr); ok && kind == coreerr.SigningDenied {
			return nil, nil, pollErr
		}
		return nil, nil, coreerr.Wrap(coreerr.Timeout, "identity.RequestOperationalLeaf", pollErr, "timed out waiting for CSR signature")
	}

	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, coreerr.Wrap(coreerr.IO, "identity.RequestOperationalLeaf", err, "marshaling node key")
	}

	return issued, encodePEM("EC PRIVATE KEY", keyBytes), nil
}
