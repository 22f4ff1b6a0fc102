package process

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsTurnsInOrder(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, s.CallSoon(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, s.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestSchedulerQueuesTurnsBeforeStart(t *testing.T) {
	s := NewScheduler()
	ran := make(chan struct{})
	require.NoError(t, s.CallSoon(func() { close(ran) }))

	select {
	case <-ran:
		t.Fatal("turn ran before Start")
	case <-time.After(20 * time.Millisecond):
	}

	s.Start()
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("queued turn never ran after Start")
	}
}

func TestSchedulerTurnsNeverOverlap(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	var inFlight, maxInFlight int
	var mu sync.Mutex
	for i := 0; i < 50; i++ {
		require.NoError(t, s.CallSoon(func() {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
		}))
	}
	require.NoError(t, s.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight)
}

func TestSchedulerStop(t *testing.T) {
	t.Run("rejects turns after stop", func(t *testing.T) {
		s := NewScheduler()
		s.Start()
		s.Stop()

		err := s.CallSoon(func() {})
		assert.ErrorIs(t, err, ErrSchedulerStopped)
		assert.False(t, s.Running())
	})

	t.Run("stop twice is a no-op", func(t *testing.T) {
		s := NewScheduler()
		s.Start()
		s.Stop()
		assert.NotPanics(t, s.Stop)
	})

	t.Run("flush unblocks when scheduler stops", func(t *testing.T) {
		s := NewScheduler()
		// Never started: queued turns cannot run.
		require.NoError(t, s.CallSoon(func() {}))

		errCh := make(chan error, 1)
		go func() {
			errCh <- s.Flush(context.Background())
		}()
		s.Stop()

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrSchedulerStopped)
		case <-time.After(time.Second):
			t.Fatal("flush did not unblock on stop")
		}
	})
}

func TestSchedulerCallLater(t *testing.T) {
	t.Run("fires after the delay", func(t *testing.T) {
		s := NewScheduler()
		s.Start()
		defer s.Stop()

		fired := make(chan time.Time, 1)
		start := time.Now()
		s.CallLater(30*time.Millisecond, func() { fired <- time.Now() })

		select {
		case at := <-fired:
			assert.GreaterOrEqual(t, at.Sub(start), 25*time.Millisecond)
		case <-time.After(time.Second):
			t.Fatal("timer turn never fired")
		}
	})

	t.Run("cancel stops the timer", func(t *testing.T) {
		s := NewScheduler()
		s.Start()
		defer s.Stop()

		fired := make(chan struct{}, 1)
		cancel := s.CallLater(30*time.Millisecond, func() { fired <- struct{}{} })
		cancel()

		select {
		case <-fired:
			t.Fatal("cancelled timer turn fired")
		case <-time.After(80 * time.Millisecond):
		}
	})

	t.Run("non-positive delay posts immediately", func(t *testing.T) {
		s := NewScheduler()
		s.Start()
		defer s.Stop()

		fired := make(chan struct{}, 1)
		s.CallLater(0, func() { fired <- struct{}{} })

		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatal("turn never ran")
		}
	})
}

func TestSchedulerFlushCoversQueuedTurns(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	var mu sync.Mutex
	count := 0
	for i := 0; i < 5; i++ {
		require.NoError(t, s.CallSoon(func() {
			mu.Lock()
			count++
			mu.Unlock()
		}))
	}
	require.NoError(t, s.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, count)
}
