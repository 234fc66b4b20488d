package testutil

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ImmediateTimers hands out backoff timers that fire at once and records the
// waits they were asked for
type ImmediateTimers struct {
	mu     sync.Mutex
	delays []time.Duration
}

func NewImmediateTimers() *ImmediateTimers {
	return &ImmediateTimers{}
}

// Factory matches retry.TimerFactory
func (t *ImmediateTimers) Factory() func() backoff.Timer {
	return func() backoff.Timer {
		return &immediateTimer{parent: t, c: make(chan time.Time, 1)}
	}
}

func (t *ImmediateTimers) Delays() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Duration, len(t.delays))
	copy(out, t.delays)
	return out
}

type immediateTimer struct {
	parent *ImmediateTimers
	c      chan time.Time
}

func (t *immediateTimer) Start(d time.Duration) {
	t.parent.mu.Lock()
	t.parent.delays = append(t.parent.delays, d)
	t.parent.mu.Unlock()
	select {
	case t.c <- time.Now():
	default:
	}
}

func (t *immediateTimer) Stop() {}

func (t *immediateTimer) C() <-chan time.Time {
	return t.c
}
