// Package scheduler abstracts the periodic tick that drives reconcile cycles so
// tests can fire cycles without waiting on wall-clock time.
package scheduler

import (
	"context"
	"sync"
	"time"
)

// Ticker delivers tick times on C until Stop is called.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type wallTicker struct {
	t *time.Ticker
}

// NewTicker returns a Ticker backed by time.Ticker. Non-positive intervals fall
// back to one second.
func NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		d = time.Second
	}
	return wallTicker{t: time.NewTicker(d)}
}

func (w wallTicker) C() <-chan time.Time { return w.t.C }

func (w wallTicker) Stop() { w.t.Stop() }

type Option func(*Manual)

func WithNow(now func() time.Time) Option {
	return func(m *Manual) {
		if now != nil {
			m.now = now
		}
	}
}

// Manual is a Ticker fired explicitly by Tick. The channel is unbuffered, so
// Tick returns only once the consumer has received the tick.
type Manual struct {
	ch   chan time.Time
	now  func() time.Time
	once sync.Once
	done chan struct{}
}

// NewManual returns a ticker that fires only when Tick is called.
func NewManual(opts ...Option) *Manual {
	m := &Manual{
		ch:   make(chan time.Time),
		now:  time.Now,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manual) C() <-chan time.Time { return m.ch }

func (m *Manual) Stop() {
	m.once.Do(func() { close(m.done) })
}

// Tick delivers one tick. It returns false if the ticker was stopped or ctx
// ended before the consumer received it.
func (m *Manual) Tick(ctx context.Context) bool {
	select {
	case m.ch <- m.now():
		return true
	case <-m.done:
		return false
	case <-ctx.Done():
		return false
	}
}
