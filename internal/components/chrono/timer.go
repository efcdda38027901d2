package chrono

import "time"

// Timer adapts a clock to the timer interface retry libraries such as cenkalti/backoff accept, so retry delays
// follow simulated time in tests.
type Timer struct {
	clock API
	c     <-chan time.Time
}

func NewTimer(clock API) *Timer {
	return &Timer{clock: clock}
}

func (t *Timer) Start(d time.Duration) {
	t.c = t.clock.After(d)
}

// Stop abandons the pending tick. Channels from After cannot be cancelled, the tick is only ignored.
func (t *Timer) Stop() {}

func (t *Timer) C() <-chan time.Time {
	return t.c
}
