package vm

import (
	"context"
	"syscall"
)

// Launcher starts guests and finds them again after a restart.
type Launcher interface {
	// Launch boots a guest. It returns once the runner process is started.
	Launch(ctx context.Context, cfg LaunchConfig) (Guest, error)

	// Attach watches a guest started earlier, possibly by another process.
	Attach(ctx context.Context, pid int) (Guest, error)

	// Alive reports whether pid refers to a running process.
	Alive(ctx context.Context, pid int) bool
}

// Guest is a running sandbox process.
type Guest interface {
	PID() int
	// Done is closed once the guest has exited.
	Done() <-chan struct{}
	// Exit is valid after Done is closed.
	Exit() Exit
	Signal(sig syscall.Signal) error
}
