// Package eventlooptest provides a virtual-time Scheduler for deterministic tests.
package eventlooptest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tasked/tasked/internal/eventloop"
)

// Epoch is the initial virtual time of a Manual scheduler.
var Epoch = time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)

// Manual is a Scheduler driven by the test. Time only moves on Advance, and
// async work only runs on Flush or RunJob, so a test can hold a write
// "in flight" for as long as it likes and complete writes out of order.
//
// Callbacks run on the goroutine calling Advance/Flush, which plays the role
// of the loop goroutine.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
	jobs   []job

	ctx    context.Context
	cancel context.CancelFunc
}

type manualTimer struct {
	m       *Manual
	when    time.Time
	seq     uint64
	fn      func()
	stopped bool
	fired   bool
}

type job struct {
	work func(ctx context.Context) error
	done func(error)
}

var _ eventloop.Scheduler = (*Manual)(nil)

// NewManual returns a scheduler whose clock reads Epoch.
func NewManual() *Manual {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manual{now: Epoch, ctx: ctx, cancel: cancel}
}

// AfterFunc implements eventloop.Scheduler.
func (m *Manual) AfterFunc(d time.Duration, fn func()) eventloop.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d < 0 {
		d = 0
	}
	m.seq++
	t := &manualTimer{m: m, when: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Go implements eventloop.Scheduler. The job is queued until Flush or RunJob.
func (m *Manual) Go(work func(ctx context.Context) error, done func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job{work: work, done: done})
}

// Now implements eventloop.Scheduler.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d, firing every timer that comes due in
// deadline order. Timers scheduled by fired callbacks also run if they come
// due within the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		t := m.popDue(target)
		if t == nil {
			break
		}
		t.fn()
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

// Tick fires timers that are already due, such as zero-delay timers.
func (m *Manual) Tick() {
	m.Advance(0)
}

func (m *Manual) popDue(target time.Time) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	m.timers = live
	if len(m.timers) == 0 {
		return nil
	}

	sort.Slice(m.timers, func(i, j int) bool {
		if m.timers[i].when.Equal(m.timers[j].when) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].when.Before(m.timers[j].when)
	})

	t := m.timers[0]
	if t.when.After(target) {
		return nil
	}
	t.fired = true
	if t.when.After(m.now) {
		m.now = t.when
	}
	return t
}

// PendingTimers returns the number of timers that have not fired or been stopped.
func (m *Manual) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Jobs returns the number of queued async jobs.
func (m *Manual) Jobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// RunJob runs the queued job at index i (0 is the oldest) and its completion.
// It returns false if there is no such job.
func (m *Manual) RunJob(i int) bool {
	m.mu.Lock()
	if i < 0 || i >= len(m.jobs) {
		m.mu.Unlock()
		return false
	}
	j := m.jobs[i]
	m.jobs = append(m.jobs[:i:i], m.jobs[i+1:]...)
	m.mu.Unlock()

	err := j.work(m.ctx)
	if j.done != nil {
		j.done(err)
	}
	return true
}

// Flush runs queued jobs oldest first, including jobs queued while flushing,
// and returns how many ran.
func (m *Manual) Flush() int {
	n := 0
	for m.RunJob(0) {
		n++
	}
	return n
}

// Close cancels the context handed to jobs.
func (m *Manual) Close() {
	m.cancel()
}

// Stop implements eventloop.Timer.
func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
