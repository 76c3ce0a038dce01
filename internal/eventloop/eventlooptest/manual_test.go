package eventlooptest

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestManual_AdvanceFiresInDeadlineOrder(t *testing.T) {
	m := NewManual()

	var got []string
	m.AfterFunc(30*time.Millisecond, func() { got = append(got, "c") })
	m.AfterFunc(10*time.Millisecond, func() { got = append(got, "a") })
	m.AfterFunc(20*time.Millisecond, func() {
		got = append(got, "b")
		m.AfterFunc(5*time.Millisecond, func() { got = append(got, "b+5") })
	})
	m.AfterFunc(time.Second, func() { got = append(got, "late") })

	m.Advance(30 * time.Millisecond)

	if diff := cmp.Diff([]string{"a", "b", "b+5", "c"}, got); diff != "" {
		t.Errorf("fire order mismatch (-want +got):\n%s", diff)
	}
	if want := Epoch.Add(30 * time.Millisecond); !m.Now().Equal(want) {
		t.Errorf("Now() = %v, want %v", m.Now(), want)
	}
	if m.PendingTimers() != 1 {
		t.Errorf("PendingTimers() = %d, want 1", m.PendingTimers())
	}
}

func TestManual_StoppedTimerDoesNotFire(t *testing.T) {
	m := NewManual()

	fired := false
	timer := m.AfterFunc(time.Millisecond, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop on pending timer should return true")
	}
	if timer.Stop() {
		t.Error("second Stop should return false")
	}

	m.Advance(time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestManual_JobsRunOnlyWhenFlushed(t *testing.T) {
	m := NewManual()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		m.Go(func(ctx context.Context) error { return nil }, func(error) { order = append(order, i) })
	}

	if m.Jobs() != 3 {
		t.Fatalf("Jobs() = %d, want 3", m.Jobs())
	}
	if len(order) != 0 {
		t.Fatal("jobs ran before Flush")
	}

	if !m.RunJob(2) {
		t.Fatal("RunJob(2) reported no job")
	}
	if n := m.Flush(); n != 2 {
		t.Errorf("Flush ran %d jobs, want 2", n)
	}

	if diff := cmp.Diff([]int{2, 0, 1}, order); diff != "" {
		t.Errorf("completion order mismatch (-want +got):\n%s", diff)
	}
}
