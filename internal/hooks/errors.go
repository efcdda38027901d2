package hooks

import (
	"errors"
	"fmt"
)

var ErrTimeout = errors.New("hook timed out")

// ExecutionError reports the hook that aborted an invocation.
type ExecutionError struct {
	Stage Stage
	// Index is the hook's position in registration order for its stage.
	Index int
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("hook %d at stage %s: %v", e.Index, e.Stage, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

type panicError struct {
	value any
}

func (e panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}
