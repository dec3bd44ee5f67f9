package orchestrator

import "errors"

var (
	ErrUnknownSandbox    = errors.New("unknown sandbox")
	ErrUnknownGroup      = errors.New("unknown group")
	ErrSandboxActive     = errors.New("sandbox is active")
	ErrDependencyFailed  = errors.New("dependency failed")
	ErrDependencySkipped = errors.New("dependency did not start")
)
