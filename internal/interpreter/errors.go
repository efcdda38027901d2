package interpreter

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnresolved is returned by a Page when a selector does not match anything on the current page.
var ErrUnresolved = errors.New("selector did not resolve")

// ElementNotFoundError means an action's selector never resolved within the probe window.
type ElementNotFoundError struct {
	Line     int
	Action   string
	Selector string
	Window   time.Duration
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf(
		"line %d: %s: element %q not found within %s",
		e.Line, e.Action, e.Selector, e.Window,
	)
}

func (e *ElementNotFoundError) Unwrap() error {
	return ErrUnresolved
}

// AuthenticationError means the page never reached the state a WAIT expected. In a login script this is
// the point where the flow is known to have failed.
type AuthenticationError struct {
	Stage    string
	Line     int
	Selector string
	Timeout  time.Duration
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf(
		"line %d: authentication failed at %s: %q did not appear within %s",
		e.Line, e.Stage, e.Selector, e.Timeout,
	)
}

// RecursionError means procedure calls nested deeper than the configured maximum.
type RecursionError struct {
	Line      int
	Procedure string
	MaxDepth  int
}

func (e *RecursionError) Error() string {
	return fmt.Sprintf(
		"line %d: call to %q exceeds the maximum call depth of %d",
		e.Line, e.Procedure, e.MaxDepth,
	)
}

// Retryable reports whether a caller may reasonably run the script again, possibly with longer timeouts.
// The interpreter itself never retries.
func Retryable(err error) bool {
	var notFound *ElementNotFoundError
	var auth *AuthenticationError
	return errors.As(err, &notFound) || errors.As(err, &auth)
}
