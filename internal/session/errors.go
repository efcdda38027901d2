package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrReleased is returned when a session is used after its lease was released.
	ErrReleased = errors.New("session already released")
)

// ExpiredError is returned when restoring a session that was not used within its time to live. The session
// is evicted, the caller has to create a new one and authenticate again.
type ExpiredError struct {
	ID         string
	LastUsedAt time.Time
	TTL        time.Duration
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf(
		"session %s expired: last used %s, ttl %s",
		e.ID, e.LastUsedAt.Format(time.RFC3339), e.TTL,
	)
}

// ConflictError is returned when another owner holds the session.
type ConflictError struct {
	ID    string
	Until time.Time
}

func (e *ConflictError) Error() string {
	if e.Until.IsZero() {
		return fmt.Sprintf("session %s is in use by another owner", e.ID)
	}
	return fmt.Sprintf("session %s is in use by another owner until %s", e.ID, e.Until.Format(time.RFC3339))
}
