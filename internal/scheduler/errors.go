package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownDependency = errors.New("unknown dependency")

// CycleError names the sandboxes that depend on each other in a loop.
type CycleError struct {
	Cycle []string // first element repeated at the end
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// DepthError reports a dependency chain longer than MaxDepth.
type DepthError struct {
	Chain []string // from the deepest sandbox down to a root
	Max   int
}

func (e *DepthError) Error() string {
	return fmt.Sprintf("dependency chain of %s is %d deep, maximum is %d", e.Chain[0], len(e.Chain)-1, e.Max)
}
