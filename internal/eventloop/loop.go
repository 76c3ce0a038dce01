package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned when work is submitted to a loop that is not running.
var ErrStopped = errors.New("event loop stopped")

// Timer is a pending scheduled callback.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the timer
	// already fired or was stopped. A callback that fired but has not yet been
	// run by the loop may still run; owners guard against that with a
	// generation counter.
	Stop() bool
}

// Scheduler is how loop-confined components wait.
type Scheduler interface {
	// AfterFunc runs fn on the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer

	// Go runs work off the loop and then runs done(err) on the loop.
	// work observes cancellation through ctx when the loop stops.
	Go(work func(ctx context.Context) error, done func(error))

	// Now returns the scheduler's current time.
	Now() time.Time
}

// Config holds configuration for the loop.
type Config struct {
	// Logger for loop activity
	Logger *zap.SugaredLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: zap.NewNop().Sugar(),
	}
}

// Loop serializes callbacks onto one goroutine.
type Loop struct {
	config *Config

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	running bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a loop. Use Start to begin draining it.
func New(config *Config) *Loop {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		config: config,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the loop goroutine.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return ErrStopped
	}
	if l.running {
		return fmt.Errorf("event loop already running")
	}
	l.running = true

	l.wg.Add(1)
	go l.run()
	return nil
}

// Stop cancels in-flight work, drops queued callbacks and waits for every
// goroutine started by the loop to return.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.queue = nil
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
}

// Context is cancelled when the loop stops.
func (l *Loop) Context() context.Context {
	return l.ctx
}

// Post enqueues fn. It is safe to call from any goroutine and never blocks.
// It returns false if the loop has been stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to return. It must not be called
// from the loop goroutine itself.
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
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return ErrStopped
	}
}

// AfterFunc implements Scheduler.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, func() {
		l.Post(fn)
	})
}

// Go implements Scheduler.
func (l *Loop) Go(work func(ctx context.Context) error, done func(error)) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		err := work(l.ctx)
		if done != nil {
			l.Post(func() { done(err) })
		}
	}()
}

// Now implements Scheduler.
func (l *Loop) Now() time.Time {
	return time.Now()
}

func (l *Loop) run() {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.wake:
		}

		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			l.invoke(fn)
			if l.ctx.Err() != nil {
				return
			}
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

// invoke keeps a panicking callback from taking the loop down with it.
func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.config.Logger.Errorw("Callback panicked", "panic", r)
		}
	}()
	fn()
}
