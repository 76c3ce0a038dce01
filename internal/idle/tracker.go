// Package idle tracks whether the user is interacting with the client and
// whether the client is visible.
//
// A Tracker is an explicitly constructed service with the lifetime of the
// application session. It is loop-confined; input sources feed it through
// Attach, which hops events onto the loop.
package idle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tasked/tasked/internal/eventloop"
)

// DefaultIdleAfter is how long without input before the user counts as idle.
const DefaultIdleAfter = 5 * time.Second

// EventKind classifies an input event.
type EventKind int

const (
	KeyDown EventKind = iota
	PointerMove
	PointerDown
	Visibility
)

func (k EventKind) String() string {
	switch k {
	case KeyDown:
		return "keydown"
	case PointerMove:
		return "pointermove"
	case PointerDown:
		return "pointerdown"
	case Visibility:
		return "visibility"
	default:
		return "unknown"
	}
}

// InputEvent is one observation from an input source. Visible is only
// meaningful for Visibility events.
type InputEvent struct {
	Kind    EventKind
	Visible bool
}

// State is the tracker's current view of user attention.
type State struct {
	Visible bool
	Idle    bool
}

// Poster enqueues work on the loop. *eventloop.Loop satisfies it.
type Poster interface {
	Post(fn func()) bool
}

// Config holds configuration for the tracker.
type Config struct {
	// IdleAfter is the quiet period after which the user is idle
	IdleAfter time.Duration

	// Logger for tracker activity
	Logger *zap.SugaredLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		IdleAfter: DefaultIdleAfter,
		Logger:    zap.NewNop().Sugar(),
	}
}

type listener struct {
	id int
	fn func(prev, next State)
}

// Tracker holds {visible, idle}, initially {true, true}.
type Tracker struct {
	sched  eventloop.Scheduler
	config *Config

	state     State
	timer     eventloop.Timer
	gen       uint64
	listeners []listener
	nextID    int

	attachMu sync.Mutex
	cancels  []context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a tracker in the visible, idle state.
func New(sched eventloop.Scheduler, config *Config) *Tracker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.IdleAfter <= 0 {
		config.IdleAfter = DefaultIdleAfter
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}
	return &Tracker{
		sched:  sched,
		config: config,
		state:  State{Visible: true, Idle: true},
	}
}

// State returns the current state.
func (t *Tracker) State() State {
	return t.state
}

// Visible reports whether the client is visible.
func (t *Tracker) Visible() bool {
	return t.state.Visible
}

// Idle reports whether the user has been quiet for the idle period.
func (t *Tracker) Idle() bool {
	return t.state.Idle
}

// Observe applies one input event. Keyboard and pointer activity clear the
// idle flag and restart the idle timer; visibility events set the visible flag.
func (t *Tracker) Observe(ev InputEvent) {
	switch ev.Kind {
	case KeyDown, PointerMove, PointerDown:
		t.restartTimer()
		t.set(State{Visible: t.state.Visible, Idle: false})
	case Visibility:
		t.set(State{Visible: ev.Visible, Idle: t.state.Idle})
	default:
		t.config.Logger.Debugw("Ignoring unknown input event", "kind", ev.Kind)
	}
}

// OnChange registers fn to be called after every state change.
// The returned function unregisters it.
func (t *Tracker) OnChange(fn func(prev, next State)) (cancel func()) {
	t.nextID++
	id := t.nextID
	t.listeners = append(t.listeners, listener{id: id, fn: fn})
	return func() {
		for i, l := range t.listeners {
			if l.id == id {
				t.listeners = append(t.listeners[:i:i], t.listeners[i+1:]...)
				return
			}
		}
	}
}

// SetIdleAfter changes the idle period. It applies from the next activity.
func (t *Tracker) SetIdleAfter(d time.Duration) {
	if d > 0 {
		t.config.IdleAfter = d
	}
}

// Attach starts forwarding events from src to the loop until ctx is done,
// src is closed, or the tracker is stopped. It is safe to call from any goroutine.
func (t *Tracker) Attach(ctx context.Context, loop Poster, src <-chan InputEvent) {
	ctx, cancel := context.WithCancel(ctx)

	t.attachMu.Lock()
	t.cancels = append(t.cancels, cancel)
	t.wg.Add(1)
	t.attachMu.Unlock()

	go func() {
		defer t.wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-src:
				if !ok {
					return
				}
				if !loop.Post(func() { t.Observe(ev) }) {
					return
				}
			}
		}
	}()
}

// Stop detaches every input source and cancels the idle timer. Call it from
// outside the loop; it waits for the forwarding goroutines to exit.
func (t *Tracker) Stop() {
	t.attachMu.Lock()
	cancels := t.cancels
	t.cancels = nil
	t.attachMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	t.wg.Wait()
}

// StopTimer cancels the idle timer. It must run on the loop.
func (t *Tracker) StopTimer() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Tracker) restartTimer() {
	t.StopTimer()
	gen := t.gen
	t.timer = t.sched.AfterFunc(t.config.IdleAfter, func() {
		if gen != t.gen {
			return
		}
		t.timer = nil
		t.set(State{Visible: t.state.Visible, Idle: true})
	})
}

func (t *Tracker) set(next State) {
	prev := t.state
	if prev == next {
		return
	}
	t.state = next
	t.config.Logger.Debugw("Attention changed", "visible", next.Visible, "idle", next.Idle)

	listeners := append([]listener(nil), t.listeners...)
	for _, l := range listeners {
		l.fn(prev, next)
	}
}
