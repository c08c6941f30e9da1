// Package runtime implements the chat client's event loop.
//
// Every callback in the core (channel frames, timer ticks, REST completions)
// is posted to a single goroutine, so conversation, typing and view state are
// only ever touched from that goroutine and need no locking. Blocking work runs
// elsewhere and posts its completion back through Async.
package runtime

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrStopped is returned when work is handed to a loop that is no longer running.
var ErrStopped = errors.New("event loop stopped")

// Config holds loop configuration.
type Config struct {
	// QueueSize is the capacity of the pending task queue.
	QueueSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{QueueSize: 256}
}

// Loop is a single-threaded cooperative task runner.
type Loop struct {
	tasks    chan func()
	stopped  chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// New creates a Loop. It does nothing until Run is called.
func New(cfg Config, logger zerolog.Logger) *Loop {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Loop{
		tasks:   make(chan func(), cfg.QueueSize),
		stopped: make(chan struct{}),
		logger:  logger.With().Str("component", "event-loop").Logger(),
	}
}

// Run executes posted tasks in order. Blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stopOnce.Do(func() { close(l.stopped) })

	l.logger.Debug().Msg("event loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Debug().Msg("event loop stopped")
			return ctx.Err()
		case fn := <-l.tasks:
			l.exec(fn)
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.stopped
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("recovered panic in loop task")
		}
	}()
	fn()
}

// Post queues fn to run on the loop goroutine. Returns false if the loop has
// stopped. Must not be called from the loop goroutine while the queue is full.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.stopped:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.stopped:
		return false
	}
}

// Do runs fn on the loop goroutine and waits for it to finish. Must not be
// called from the loop goroutine.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Async runs work on its own goroutine and delivers the outcome to done on the
// loop goroutine. A panic in work is reported to done as an error.
func Async[T any](l *Loop, ctx context.Context, work func(ctx context.Context) (T, error), done func(T, error)) {
	go func() {
		var (
			v   T
			err error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{Value: r}
				}
			}()
			v, err = work(ctx)
		}()
		if !l.Post(func() { done(v, err) }) {
			l.logger.Debug().Msg("dropping async completion, loop stopped")
		}
	}()
}

// PanicError wraps a value recovered from a panicking async job.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "async job panicked"
}

// Timer is a cancellable loop timer. Its fields are only touched on the loop goroutine.
type Timer struct {
	t         *time.Timer
	cancelled bool
}

// Stop cancels the timer. A callback that already fired but has not run yet is
// skipped. Safe to call on a nil Timer and more than once.
func (tm *Timer) Stop() {
	if tm == nil {
		return
	}
	tm.cancelled = true
	if tm.t != nil {
		tm.t.Stop()
	}
}

// Active reports whether the timer can still fire.
func (tm *Timer) Active() bool {
	return tm != nil && !tm.cancelled
}

// AfterFunc runs fn on the loop goroutine after d. Call from the loop goroutine.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.cancelled {
				return
			}
			tm.cancelled = true
			fn()
		})
	})
	return tm
}

// Every runs fn on the loop goroutine every d until the timer is stopped. The
// next tick is armed after fn returns, so ticks never pile up behind a slow
// callback. Call from the loop goroutine.
func (l *Loop) Every(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	var arm func()
	arm = func() {
		tm.t = time.AfterFunc(d, func() {
			l.Post(func() {
				if tm.cancelled {
					return
				}
				fn()
				if !tm.cancelled {
					arm()
				}
			})
		})
	}
	arm()
	return tm
}
