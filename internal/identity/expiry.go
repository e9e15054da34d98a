package identity

import (
	"time"

	"github.com/pkg/errors"

	"github.com/keelos/agent/internal/coreerr"
)

var errExpired = errors.New("certificate already expired")

// ExpiryInfo is the result of check_expiry, carried forward from the
// prototype's rotation.rs ExpiryInfo.
type ExpiryInfo struct {
	NotBefore       time.Time
	NotAfter        time.Time
	DaysUntilExpiry int64
	IsExpiringSoon  bool
}

// CheckExpiry parses leafPEM and reports how many whole days remain before
// it expires, and whether that is within warnDays.
func CheckExpiry(leafPEM []byte, warnDays int) (ExpiryInfo, error) {
	cert, err := parseCertPEM(leafPEM)
	if err != nil {
		return ExpiryInfo{}, err
	}

	daysUntilExpiry := int64(time.Until(cert.NotAfter) / (24 * time.Hour))

	return ExpiryInfo{
		NotBefore:       cert.NotBefore,
		NotAfter:        cert.NotAfter,
		DaysUntilExpiry: daysUntilExpiry,
		IsExpiringSoon:  daysUntilExpiry <= int64(warnDays),
	}, nil
}

func mustNotExpired(info ExpiryInfo) error {
	if time.Now().After(info.NotAfter) {
		return coreerr.New(coreerr.CertificateInvalid, "identity.mustNotExpired", errExpired)
	}
	return nil
}
