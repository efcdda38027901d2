package interpreter

import (
	"context"

	"authcrawl-backend/internal/script"
)

// Page is the browser page a script drives. The interpreter borrows it for the length of a run and never
// closes it. Implementations return ErrUnresolved (possibly wrapped) when a selector matches nothing.
//
// note: fault injection point
type Page interface {
	Click(ctx context.Context, selector string) error
	// Type types text into whatever element currently has focus.
	Type(ctx context.Context, text string) error
	Set(ctx context.Context, selector, value string) error
	Scroll(ctx context.Context, direction script.Direction, distance int) error
	Exists(ctx context.Context, selector string) (bool, error)
}
