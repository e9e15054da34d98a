package identity

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/keelos/agent/internal/coreerr"
)

// AtomicRotate writes newCert/newKey to temp-suffixed siblings of
// certPath/keyPath, verifies the new certificate parses and isn't already
// expired, then renames both into place. A concurrent transport reload
// never observes a mismatched cert/key pair: either both renames have
// happened or neither has. If either rename fails after the first
// succeeds, the first is reverted on a best-effort basis.
func AtomicRotate(certPath, keyPath string, newCert, newKey []byte) error {
	tmpCert := certPath + ".new"
	tmpKey := keyPath + ".new"

	if err := os.WriteFile(tmpCert, newCert, 0600); err != nil {
		return coreerr.Wrap(coreerr.IO, "identity.AtomicRotate", err, "writing new certificate")
	}
	if err := os.WriteFile(tmpKey, newKey, 0600); err != nil {
		os.Remove(tmpCert)
		return coreerr.Wrap(coreerr.IO, "identity.AtomicRotate", err, "writing new key")
	}

	info, err := CheckExpiry(newCert, 0)
	if err != nil {
		os.Remove(tmpCert)
		os.Remove(tmpKey)
		return err
	}
	if err := mustNotExpired(info); err != nil {
		os.Remove(tmpCert)
		os.Remove(tmpKey)
		return err
	}

	var oldCert []byte
	if b, err := os.ReadFile(certPath); err == nil {
		oldCert = b
	}

	if err := os.Rename(tmpCert, certPath); err != nil {
		os.Remove(tmpCert)
		os.Remove(tmpKey)
		return coreerr.Wrap(coreerr.IO, "identity.AtomicRotate", err, "renaming new certificate into place")
	}

	if err := os.Rename(tmpKey, keyPath); err != nil {
		if oldCert != nil {
			if revertErr := os.WriteFile(certPath, oldCert, 0600); revertErr != nil {
				log.WithField("component", "identity").WithError(revertErr).
					Error("failed to revert certificate after key rename failure")
			}
		}
		os.Remove(tmpKey)
		return coreerr.Wrap(coreerr.IO, "identity.AtomicRotate", err, "renaming new key into place")
	}

	return nil
}
