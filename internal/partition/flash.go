package partition

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/keelos/agent/internal/coreerr"
)

// DeltaApplier materializes a delta stream against the inactive slot's
// current contents, writing the resulting full image to dst. The delta
// format itself is not dictated by this package; callers provide an
// implementation appropriate to the format they use.
type DeltaApplier interface {
	Apply(ctx context.Context, dst io.Writer, delta io.Reader, base string) (bytesSaved int64, err error)
}

// FlashRequest bundles a flash() call's parameters.
type FlashRequest struct {
	SourceURL      string
	TargetDevice   string
	ExpectedDigest string // hex, case-insensitive; empty disables verification
	IsDelta        bool
	FallbackURL    string // used when IsDelta and the delta path fails
	ImageSize      int64  // declared size of the payload, for device-capacity checks; 0 caps writes at the device size
}

// Flash streams SourceURL to TargetDevice, verifying ExpectedDigest if given.
// When IsDelta, delta is applied against the device's current contents via
// applier; any failure on the delta path falls back to a full flash of
// FallbackURL, provided one was given. Returns bytes saved: 0 for a full
// flash, the applier's estimate for a successful delta.
func Flash(ctx context.Context, httpClient *http.Client, applier DeltaApplier, req FlashRequest) (int64, error) {
	if req.IsDelta {
		saved, err := flashDelta(ctx, httpClient, applier, req)
		if err == nil {
			return saved, nil
		}
		log.WithField("component", "partition").WithError(err).
			Warn("delta flash failed, target device is dirty")
		if req.FallbackURL == "" {
			return 0, err
		}
		log.WithField("component", "partition").Info("falling back to full image flash")
		fullReq := req
		fullReq.SourceURL = req.FallbackURL
		fullReq.IsDelta = false
		return flashFull(ctx, httpClient, fullReq)
	}
	return flashFull(ctx, httpClient, req)
}

func flashFull(ctx context.Context, httpClient *http.Client, req FlashRequest) (int64, error) {
	body, err := fetch(ctx, httpClient, req.SourceURL)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	dev, err := openBlockDevice(req.TargetDevice, req.ImageSize)
	if err != nil {
		return 0, err
	}

	hasher := sha256.New()
	writer := io.MultiWriter(dev, hasher)

	if _, err := io.Copy(writer, body); err != nil {
		dev.Close()
		return 0, coreerr.Wrap(coreerr.NetworkError, "partition.flashFull", err, "streaming image")
	}

	if err := dev.Close(); err != nil {
		return 0, coreerr.Wrap(coreerr.IO, "partition.flashFull", err, "flushing target device")
	}

	if req.ExpectedDigest != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, req.ExpectedDigest) {
			return 0, coreerr.New(coreerr.IntegrityMismatch, "partition.flashFull",
				errors.Errorf("digest mismatch: got %s, expected %s", got, req.ExpectedDigest))
		}
	}

	return 0, nil
}

func flashDelta(ctx context.Context, httpClient *http.Client, applier DeltaApplier, req FlashRequest) (int64, error) {
	if applier == nil {
		return 0, coreerr.New(coreerr.NotFound, "partition.flashDelta", errors.New("no delta applier configured"))
	}

	body, err := fetch(ctx, httpClient, req.SourceURL)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	// Hash verification of the delta payload itself is the integrity
	// anchor before apply, since the applied result isn't independently
	// verifiable here.
	var r io.Reader = body
	var hasher = sha256.New()
	if req.ExpectedDigest != "" {
		r = io.TeeReader(body, hasher)
	}

	deltaBytes, err := io.ReadAll(r)
	if err != nil {
		return 0, coreerr.Wrap(coreerr.NetworkError, "partition.flashDelta", err, "downloading delta")
	}
	if req.ExpectedDigest != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, req.ExpectedDigest) {
			return 0, coreerr.New(coreerr.IntegrityMismatch, "partition.flashDelta",
				errors.Errorf("delta digest mismatch: got %s, expected %s", got, req.ExpectedDigest))
		}
	}

	dev, err := openBlockDevice(req.TargetDevice, req.ImageSize)
	if err != nil {
		return 0, err
	}

	saved, err := applier.Apply(ctx, dev, strings.NewReader(string(deltaBytes)), req.TargetDevice)
	if err != nil {
		dev.Close()
		return 0, coreerr.Wrap(coreerr.IO, "partition.flashDelta", err, "applying delta")
	}

	if err := dev.Close(); err != nil {
		return 0, coreerr.Wrap(coreerr.IO, "partition.flashDelta", err, "flushing target device")
	}

	return saved, nil
}

func fetch(ctx context.Context, httpClient *http.Client, url string) (io.ReadCloser, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.NetworkError, "partition.fetch", err, "building request")
	}
	resp, err := httpClient.Do(request)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.NetworkError, "partition.fetch", err, "fetching image")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, coreerr.New(coreerr.NetworkError, "partition.fetch",
			errors.Errorf("unexpected status %d fetching %s", resp.StatusCode, url))
	}
	return resp.Body, nil
}
