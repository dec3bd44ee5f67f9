package supervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/maxdollinger/sandboxd/internal/config"
	"github.com/maxdollinger/sandboxd/internal/db/models"
	"github.com/maxdollinger/sandboxd/internal/vm"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrStartAborted      = errors.New("start aborted by stop")
	ErrAlreadyStopped    = errors.New("supervisor already stopped")
)

// MaxBackoff caps the delay between restarts.
const MaxBackoff = 30 * time.Second

var transitions = map[models.SandboxStatus][]models.SandboxStatus{
	models.StatusPending:  {models.StatusStarting, models.StatusFailed},
	models.StatusStarting: {models.StatusRunning, models.StatusFailed, models.StatusStopping, models.StatusCrashed},
	models.StatusRunning:  {models.StatusStopping, models.StatusCrashed},
	models.StatusStopping: {models.StatusStopped},
	models.StatusCrashed:  {models.StatusStarting, models.StatusFailed, models.StatusStopping},
	models.StatusStopped:  {models.StatusStarting, models.StatusFailed},
	models.StatusFailed:   {models.StatusStarting, models.StatusFailed},
}

// CanTransition reports whether a sandbox may move from one status to another.
func CanTransition(from, to models.SandboxStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition for illegal moves.
func CheckTransition(from, to models.SandboxStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ShouldRestart applies a restart policy to a guest exit. restarts is the
// number of restarts already done. Restarts are always bounded, an unset
// MaxRetries falls back to config.DefaultMaxRetries.
func ShouldRestart(policy config.RestartPolicy, exit vm.Exit, restarts int) bool {
	if restarts >= policy.Retries() {
		return false
	}
	switch policy.Policy {
	case config.RestartAlways:
		return true
	case config.RestartOnFailure:
		return !exit.Success()
	default:
		return false
	}
}

// Backoff doubles base for every restart already done, capped at MaxBackoff.
func Backoff(base time.Duration, restarts int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < restarts; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	return min(d, MaxBackoff)
}
