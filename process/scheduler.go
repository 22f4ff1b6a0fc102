package process

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler drains a FIFO queue of turns on a single goroutine. Every
// process mutation runs as a turn, so any number of processes interleave
// without per-process locking: within one scheduler there is never more
// than one turn in flight.
type Scheduler struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	started bool
	stopped bool
	logger  *slog.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler creates a scheduler. Turns posted before Start are queued
// and run once the loop starts.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the turn loop. Starting twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	pending := len(s.queue) > 0
	s.mu.Unlock()

	go s.loop()
	if pending {
		s.signal()
	}
}

// Stop ends the loop after the turn in flight, discarding queued turns.
// Stopping twice is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
}

// Running reports whether the loop accepts turns.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// Done is closed once the scheduler stopped. Waiters blocked on a posted
// turn select on it to avoid hanging across shutdown.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// CallSoon appends a turn to the queue. It returns ErrSchedulerStopped once
// the scheduler stopped.
func (s *Scheduler) CallSoon(fn func()) error {
	if fn == nil {
		return nil
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	s.signal()
	return nil
}

// CallLater posts the turn after the delay elapses. The returned cancel
// stops the timer; cancelling after the turn was posted has no effect.
func (s *Scheduler) CallLater(delay time.Duration, fn func()) (cancel func()) {
	if delay <= 0 {
		_ = s.CallSoon(fn)
		return func() {}
	}
	t := time.AfterFunc(delay, func() {
		if err := s.CallSoon(fn); err != nil {
			s.logger.Debug("timer turn dropped", "error", err)
		}
	})
	return func() { t.Stop() }
}

// Flush posts a marker turn and blocks until it runs, so every turn queued
// before the call has completed. Turns those turns queue are not covered.
func (s *Scheduler) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	if err := s.CallSoon(func() { close(marker) }); err != nil {
		return err
	}
	select {
	case <-marker:
		return nil
	case <-s.done:
		return ErrSchedulerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			fn := s.next()
			if fn == nil {
				break
			}
			fn()
		}
	}
}

func (s *Scheduler) next() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || len(s.queue) == 0 {
		return nil
	}
	fn := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return fn
}
