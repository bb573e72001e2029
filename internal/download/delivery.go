package download

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hbomb79/Mixtape/internal/metrics"
	"github.com/hbomb79/Mixtape/pkg/logger"
)

var ErrFormatMismatch = errors.New("requested format does not match the download")

type (
	// Files is the subset of the scratch manager needed to hand an artifact
	// over exactly once.
	Files interface {
		Resolve(name string) (string, error)
		Claim(path string) (string, error)
		Release(path string)
	}

	Deliverer struct {
		issuer *Issuer
		files  Files
	}

	// Delivery is an artifact which has been claimed for a single redemption.
	// Close must always be called; it deletes the artifact.
	Delivery struct {
		Handle      Handle
		Filename    string
		ContentType string
		Size        int64
		ModTime     time.Time

		file  *os.File
		path  string
		files Files
	}
)

func NewDeliverer(issuer *Issuer, files Files) *Deliverer {
	return &Deliverer{issuer: issuer, files: files}
}

// Open redeems the token and claims the artifact it refers to. Once a
// token's artifact has been claimed, every further redemption of that token
// fails with ErrArtifactGone even while the token itself remains unexpired.
func (d *Deliverer) Open(token string, requestedFormat string) (*Delivery, error) {
	handle, err := d.issuer.Redeem(token)
	if err != nil {
		metrics.IncRedemption("invalid_token")
		return nil, err
	}

	if requestedFormat != "" {
		format, err := ParseFormat(requestedFormat)
		if err != nil {
			metrics.IncRedemption("bad_format")
			return nil, err
		}
		if format != handle.Format {
			metrics.IncRedemption("bad_format")
			return nil, fmt.Errorf("%w: requested %s, token is for %s", ErrFormatMismatch, format, handle.Format)
		}
	}

	path, err := d.files.Resolve(handle.Artifact)
	if err != nil {
		metrics.IncRedemption("invalid_token")
		return nil, ErrInvalidToken
	}

	claimed, err := d.files.Claim(path)
	if err != nil {
		metrics.IncRedemption("gone")
		log.Debugf("Artifact %s could not be claimed: %v\n", handle.Artifact, err)
		return nil, ErrArtifactGone
	}

	delivery := &Delivery{
		Handle:      handle,
		Filename:    Filename(handle.DisplayTitle, handle.Artifact),
		ContentType: contentType(handle.Artifact),
		path:        claimed,
		files:       d.files,
	}

	fh, err := os.Open(claimed)
	if err != nil {
		delivery.Close()
		metrics.IncRedemption("error")
		return nil, fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	delivery.file = fh

	if info, err := fh.Stat(); err == nil {
		delivery.Size = info.Size()
		delivery.ModTime = info.ModTime()
	}

	return delivery, nil
}

// WriteTo streams the artifact to w.
func (delivery *Delivery) WriteTo(w io.Writer) (int64, error) {
	n, err := io.Copy(w, delivery.file)
	if err != nil {
		metrics.IncRedemption("error")
		return n, fmt.Errorf("%w after %d bytes: %w", ErrDelivery, n, err)
	}

	metrics.IncRedemption("delivered")
	log.Emit(logger.SUCCESS, "Delivered %q (%d bytes)\n", delivery.Filename, n)
	return n, nil
}

// Close releases the claimed artifact. It is safe to call more than once.
func (delivery *Delivery) Close() error {
	if delivery.file != nil {
		delivery.file.Close()
		delivery.file = nil
	}
	if delivery.path != "" {
		delivery.files.Release(delivery.path)
		delivery.path = ""
	}

	return nil
}
