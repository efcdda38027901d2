package chrono

import (
	"context"
	"sync"
	"time"
)

// API is the clock every time-dependent component takes.
//
// note: fault injection point
type API interface {
	Now() time.Time
	Location() *time.Location
	// After behaves like time.After.
	After(d time.Duration) <-chan time.Time
}

type StandardImpl struct {
	location *time.Location
}

// NewStandardImpl creates a wall clock reporting times in the named location, an empty name means UTC.
func NewStandardImpl(location string) (StandardImpl, error) {
	if location == "" {
		return StandardImpl{location: time.UTC}, nil
	}
	loc, err := time.LoadLocation(location)
	if err != nil {
		return StandardImpl{}, err
	}
	return StandardImpl{location: loc}, nil
}

func (s StandardImpl) Now() time.Time {
	return time.Now().In(s.Location())
}

func (s StandardImpl) Location() *time.Location {
	if s.location == nil {
		return time.UTC
	}
	return s.location
}

func (s StandardImpl) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Simulated is a virtual clock for tests. Time only moves when Advance is called or when something waits
// on After, which moves the clock forward by the waited duration and fires immediately.
type Simulated struct {
	mutex sync.Mutex
	now   time.Time
}

func NewSimulated(start time.Time) *Simulated {
	return &Simulated{now: start}
}

func (s *Simulated) Now() time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.now
}

func (s *Simulated) Location() *time.Location {
	return time.UTC
}

func (s *Simulated) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- s.Advance(d)
	return ch
}

// Advance moves the clock forward and returns the new time.
func (s *Simulated) Advance(d time.Duration) time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if d > 0 {
		s.now = s.now.Add(d)
	}
	return s.now
}

// Sleep waits for d on the given clock, returning early with the context error if ctx is done first.
func Sleep(ctx context.Context, clock API, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
