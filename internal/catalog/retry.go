package catalog

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/maxdollinger/sandboxd/pkg/oci"
)

const maxBackoff = 30 * time.Second

// retry runs fn up to attempts times, doubling the delay after each failure.
// It returns the number of attempts made.
func retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) (int, error) {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := backoff
	for i := 1; i <= attempts; i++ {
		err = fn()
		if err == nil || !isRetryable(err) || i == attempts {
			return i, err
		}

		select {
		case <-ctx.Done():
			return i, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxBackoff)
	}
	return attempts, err
}

// isRetryable reports whether another attempt could succeed. Corrupt blobs,
// bad references and client errors from the registry will not improve.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if oci.IsIntegrityError(err) ||
		errors.Is(err, oci.ErrInvalidReference) ||
		errors.Is(err, oci.ErrPlatformMismatch) ||
		errors.Is(err, oci.ErrNoConfig) {
		return false
	}

	var terr *transport.Error
	if errors.As(err, &terr) {
		switch {
		case terr.StatusCode == http.StatusTooManyRequests, terr.StatusCode == http.StatusRequestTimeout:
			return true
		case terr.StatusCode >= 400 && terr.StatusCode < 500:
			return false
		}
	}
	return true
}
