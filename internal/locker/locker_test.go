package locker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLocker_FIFO(t *testing.T) {
	l := New()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "sub_1")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		queued := make(chan struct{})
		go func(n int) {
			defer wg.Done()
			close(queued)
			assert.NoError(t, l.WithLock(ctx, "sub_1", func(context.Context) error {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil
			}))
		}(i)
		<-queued
		// give the goroutine time to take its place in the queue
		time.Sleep(10 * time.Millisecond)
	}

	unlock()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 0, l.Len())
}

func TestKeyedLocker_IndependentKeys(t *testing.T) {
	l := New()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "sub_1")
	require.NoError(t, err)
	defer unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		unlockOther, err := l.Lock(ctx, "sub_2")
		assert.NoError(t, err)
		unlockOther()
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on an unrelated key blocked")
	}
}

func TestKeyedLocker_CanceledWaiterHandsOver(t *testing.T) {
	l := New()

	unlock, err := l.Lock(context.Background(), "sub_1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "sub_1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		unlockNext, err := l.Lock(context.Background(), "sub_1")
		assert.NoError(t, err)
		close(acquired)
		unlockNext()
	}()

	select {
	case <-acquired:
		t.Fatal("acquired before the holder released")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock was not handed over after a canceled waiter")
	}
}

func TestKeyedLocker_UnlockIsIdempotent(t *testing.T) {
	l := New()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()
	unlock()
	assert.Equal(t, 0, l.Len())
}
