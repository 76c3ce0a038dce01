package field

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/tasked/tasked/internal/model"
)

// ErrSuperseded ends a write once a newer write of the same field was issued.
var ErrSuperseded = errors.New("superseded by a newer write")

// Write is one field update sent to the remote store.
type Write struct {
	EntityType model.EntityType
	EntityID   string
	Field      model.Field
	// Value is the wire representation; nil clears the field.
	Value any
	// Seq orders writes issued by one session.
	Seq uint64
}

func (w Write) String() string {
	return fmt.Sprintf("%s/%s.%s", w.EntityType, w.EntityID, w.Field)
}

// Writer sends field writes to the remote store.
//
// Implementations must be safe for concurrent use; writes run off the loop.
type Writer interface {
	PatchField(ctx context.Context, w Write) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, w Write) error

// PatchField implements Writer.
func (f WriterFunc) PatchField(ctx context.Context, w Write) error {
	return f(ctx, w)
}

// Journal keeps a durable record of writes the remote store rejected, so the
// failure stays visible after the session is gone.
//
// Implementations must be safe for concurrent use.
type Journal interface {
	// Record notes that w failed with cause.
	Record(ctx context.Context, w Write, cause error) error
	// Resolve clears recorded failures for the field after a successful write.
	Resolve(ctx context.Context, entityType model.EntityType, entityID string, field model.Field) error
}

// RetryPolicy bounds how hard a session tries before declaring a write failed.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed caps the total time spent on one write; zero means no cap
	// beyond MaxRetries.
	MaxElapsed time.Duration
	MaxRetries uint64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsed:      time.Minute,
		MaxRetries:      5,
	}
}

// NoRetry never retries.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	if p.MaxRetries == 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsed
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// Retryable reports whether err is worth another attempt. Errors that carry a
// Retryable() bool method decide for themselves; cancellation never retries;
// anything else (transport failures) does.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// lane orders the writes of one session. Attempts never overlap, and a
// write stops at its next attempt once a newer one was issued, so the newest
// value is the last to reach the remote store.
type lane struct {
	mu     sync.Mutex
	latest atomic.Uint64
}

// issue marks seq as the newest write. It must be called before the write
// is handed to its goroutine.
func (l *lane) issue(seq uint64) {
	l.latest.Store(seq)
}

func (l *lane) superseded(seq uint64) bool {
	return l.latest.Load() > seq
}

// settle journals the outcome of w. Only the newest write touches the
// journal, so a stale failure never outlives a newer success and a stale
// success never clears a newer failure.
func (l *lane) settle(ctx context.Context, j Journal, w Write, err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if j == nil || l.superseded(w.Seq) {
		return nil
	}
	if err != nil {
		return j.Record(ctx, w, err)
	}
	return j.Resolve(ctx, w.EntityType, w.EntityID, w.Field)
}

// send performs w under policy. A non-retryable error ends the attempts at
// once, and so does a newer write on l, with ErrSuperseded.
func send(ctx context.Context, writer Writer, w Write, policy RetryPolicy, l *lane, notify func(error, time.Duration)) error {
	var final error
	op := func() error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.superseded(w.Seq) {
			final = ErrSuperseded
			return nil
		}

		err := writer.PatchField(ctx, w)
		switch {
		case err == nil:
			return nil
		case !Retryable(err):
			final = err
			return nil
		case l.superseded(w.Seq):
			final = ErrSuperseded
			return nil
		}
		return err
	}

	if err := backoff.RetryNotify(op, policy.backOff(ctx), notify); err != nil {
		return err
	}
	return final
}
