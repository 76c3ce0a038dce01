// Package debounce implements a trailing-edge debouncer on top of an
// eventloop.Scheduler.
package debounce

import (
	"time"

	"github.com/tasked/tasked/internal/eventloop"
)

// Debouncer propagates the latest pushed value once delay has passed without
// a newer one. At most one timer is outstanding at any moment; every Push
// restarts it. There is no maximum wait.
//
// A Debouncer is loop-confined: call it only from the scheduler's loop.
type Debouncer[T any] struct {
	sched    eventloop.Scheduler
	delay    time.Duration
	onSettle func(T)

	value   T
	input   T
	timer   eventloop.Timer
	gen     uint64
	pending bool
	stopped bool
}

// New creates a debouncer whose output starts at initial. onSettle is called
// with the new output every time the timer fires.
func New[T any](sched eventloop.Scheduler, delay time.Duration, initial T, onSettle func(T)) *Debouncer[T] {
	return &Debouncer[T]{
		sched:    sched,
		delay:    delay,
		onSettle: onSettle,
		value:    initial,
		input:    initial,
	}
}

// Push records a new input value and restarts the timer.
func (d *Debouncer[T]) Push(v T) {
	if d.stopped {
		return
	}
	d.input = v
	d.cancelTimer()
	d.pending = true

	gen := d.gen
	d.timer = d.sched.AfterFunc(d.delay, func() { d.fire(gen) })
}

// Reset cancels any pending timer and sets the output to v immediately.
// onSettle is not called.
func (d *Debouncer[T]) Reset(v T) {
	d.cancelTimer()
	d.pending = false
	d.input = v
	d.value = v
}

// Flush fires a pending timer now. It reports whether anything was pending.
func (d *Debouncer[T]) Flush() bool {
	if !d.pending {
		return false
	}
	d.cancelTimer()
	d.settle()
	return true
}

// Value returns the debounced output.
func (d *Debouncer[T]) Value() T {
	return d.value
}

// Pending reports whether a timer is outstanding.
func (d *Debouncer[T]) Pending() bool {
	return d.pending
}

// Delay returns the delay applied to the next Push.
func (d *Debouncer[T]) Delay() time.Duration {
	return d.delay
}

// SetDelay changes the delay used by subsequent pushes. A timer already
// running keeps its original deadline.
func (d *Debouncer[T]) SetDelay(delay time.Duration) {
	d.delay = delay
}

// Stop cancels the pending timer and ignores further pushes.
func (d *Debouncer[T]) Stop() {
	d.cancelTimer()
	d.pending = false
	d.stopped = true
}

func (d *Debouncer[T]) cancelTimer() {
	// Bumping the generation also invalidates a callback that already fired
	// but is still queued on the loop.
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer[T]) fire(gen uint64) {
	if gen != d.gen || !d.pending || d.stopped {
		return
	}
	d.timer = nil
	d.settle()
}

func (d *Debouncer[T]) settle() {
	d.pending = false
	d.value = d.input
	if d.onSettle != nil {
		d.onSettle(d.value)
	}
}
