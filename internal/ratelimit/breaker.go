package ratelimit

import "time"

type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// State is a snapshot of one provider's limiter.
type State struct {
	Provider            string
	Tokens              float64
	Breaker             BreakerState
	ConsecutiveFailures int
	// ReopenAt is when an open breaker lets a trial call through.
	ReopenAt time.Time
	// TrialOutstanding is set while the single half-open trial permit is held.
	TrialOutstanding bool
}
