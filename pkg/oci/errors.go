package oci

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

var (
	ErrInvalidReference = errors.New("invalid image reference")
	ErrNoConfig         = errors.New("no config file in image")
	ErrPlatformMismatch = errors.New("no manifest for host platform")
)

// IntegrityError reports a blob whose content does not hash to its digest.
type IntegrityError struct {
	Expected digest.Digest
	Actual   digest.Digest
}

func (e *IntegrityError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("integrity check failed for %s", e.Expected)
	}
	return fmt.Sprintf("integrity check failed: expected %s, got %s", e.Expected, e.Actual)
}

// IsIntegrityError reports whether err or anything it wraps is an IntegrityError.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
