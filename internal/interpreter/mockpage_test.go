package interpreter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"authcrawl-backend/internal/components/chrono"
	"authcrawl-backend/internal/script"
)

type reveal struct {
	after string
	delay time.Duration
}

// mockPage is a scripted page: selectors are present from the start, or appear some time after another
// selector was clicked.
type mockPage struct {
	clock chrono.API

	mutex     sync.Mutex
	present   map[string]bool
	reveals   map[string]reveal
	clickedAt map[string]time.Time
	values    map[string]string
	focused   string
	calls     []string
}

func newMockPage(clock chrono.API, present ...string) *mockPage {
	p := &mockPage{
		clock:     clock,
		present:   map[string]bool{},
		reveals:   map[string]reveal{},
		clickedAt: map[string]time.Time{},
		values:    map[string]string{},
	}
	for _, sel := range present {
		p.present[sel] = true
	}
	return p
}

func (p *mockPage) revealAfter(selector, after string, delay time.Duration) {
	p.reveals[selector] = reveal{after: after, delay: delay}
}

func (p *mockPage) exists(selector string) bool {
	if p.present[selector] {
		return true
	}
	r, ok := p.reveals[selector]
	if !ok {
		return false
	}
	clicked, ok := p.clickedAt[r.after]
	return ok && !p.clock.Now().Before(clicked.Add(r.delay))
}

func (p *mockPage) record(call string) {
	p.calls = append(p.calls, call)
}

func (p *mockPage) Click(ctx context.Context, selector string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.record("click " + selector)
	if !p.exists(selector) {
		return fmt.Errorf("click: %w", ErrUnresolved)
	}
	p.focused = selector
	p.clickedAt[selector] = p.clock.Now()
	return nil
}

func (p *mockPage) Type(ctx context.Context, text string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.record("type")
	p.values[p.focused] += text
	return nil
}

func (p *mockPage) Set(ctx context.Context, selector, value string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.record("set " + selector)
	if !p.exists(selector) {
		return ErrUnresolved
	}
	p.values[selector] = value
	return nil
}

func (p *mockPage) Scroll(ctx context.Context, direction script.Direction, distance int) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.record(fmt.Sprintf("scroll %s %d", direction, distance))
	return nil
}

func (p *mockPage) Exists(ctx context.Context, selector string) (bool, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.record("exists " + selector)
	return p.exists(selector), nil
}

func (p *mockPage) Calls() []string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}
