package catalog

import "errors"

var (
	ErrImageNotFound = errors.New("image not found in catalog")
	ErrImageInUse    = errors.New("image is used by an active sandbox")
)

// PullError reports a pull that failed after all attempts.
type PullError struct {
	Reference string
	Attempts  int
	Err       error
}

func (e *PullError) Error() string {
	return "pull " + e.Reference + ": " + e.Err.Error()
}

func (e *PullError) Unwrap() error { return e.Err }
