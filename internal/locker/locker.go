// Package locker serializes work per key in arrival order.
package locker

import (
	"context"
	"sync"
)

// KeyedLocker grants locks on the same key in FIFO order. Different keys never contend.
type KeyedLocker struct {
	mu    sync.Mutex
	tails map[string]*ticket
}

type ticket struct {
	done chan struct{}
}

func New() *KeyedLocker {
	return &KeyedLocker{tails: make(map[string]*ticket)}
}

// Lock blocks until every earlier holder of key released it. If ctx ends first
// Lock returns the context error and the queue position is handed over once the
// predecessor finishes.
func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	prev := l.tails[key]
	t := &ticket{done: make(chan struct{})}
	l.tails[key] = t
	l.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			if l.tails[key] == t {
				delete(l.tails, key)
			}
			l.mu.Unlock()
			close(t.done)
		})
	}

	if prev == nil {
		return release, nil
	}

	select {
	case <-prev.done:
		return release, nil
	case <-ctx.Done():
		go func() {
			<-prev.done
			release()
		}()
		return nil, ctx.Err()
	}
}

// WithLock runs fn while holding key
func (l *KeyedLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	unlock, err := l.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// Len returns the number of keys currently held or waited on
func (l *KeyedLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tails)
}
