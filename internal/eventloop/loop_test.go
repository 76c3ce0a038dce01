package eventloop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(nil)
	if err := l.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(l.Stop)
	return l
}

func TestLoop_PostRunsInOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Do(ctx, func() {}); err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	if len(got) != 100 {
		t.Fatalf("ran %d callbacks, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("callback %d ran at position %d", v, i)
		}
	}
}

func TestLoop_GoDeliversDoneOnLoop(t *testing.T) {
	l := startLoop(t)

	wantErr := errors.New("boom")
	result := make(chan error, 1)
	l.Go(func(ctx context.Context) error {
		return wantErr
	}, func(err error) {
		result <- err
	})

	select {
	case err := <-result:
		if !errors.Is(err, wantErr) {
			t.Errorf("done got %v, want %v", err, wantErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("done callback never ran")
	}
}

func TestLoop_AfterFunc(t *testing.T) {
	l := startLoop(t)

	fired := make(chan struct{})
	l.AfterFunc(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}

	var stopped atomic.Bool
	timer := l.AfterFunc(time.Hour, func() { stopped.Store(true) })
	if !timer.Stop() {
		t.Error("Stop on a pending timer should return true")
	}
}

func TestLoop_PanicDoesNotKillLoop(t *testing.T) {
	l := startLoop(t)

	l.Post(func() { panic("callback failure") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ran := false
	if err := l.Do(ctx, func() { ran = true }); err != nil {
		t.Fatalf("Do after panic failed: %v", err)
	}
	if !ran {
		t.Error("loop stopped running callbacks after a panic")
	}
}

func TestLoop_StopCancelsWork(t *testing.T) {
	l := New(nil)
	if err := l.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	started := make(chan struct{})
	l.Go(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	<-started
	l.Stop()

	if l.Post(func() {}) {
		t.Error("Post after Stop should report false")
	}
	if err := l.Do(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Errorf("Do after Stop = %v, want ErrStopped", err)
	}
	if err := l.Start(); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop = %v, want ErrStopped", err)
	}
}
