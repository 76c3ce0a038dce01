package pushchan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tasked/tasked/internal/model"
	"github.com/tasked/tasked/internal/pushchan/pushtest"
)

type recorder struct {
	mu       sync.Mutex
	events   []model.ChangeEvent
	statuses []Status
	resyncs  int
	notify   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 100)}
}

func (r *recorder) HandleEvent(ev model.ChangeEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *recorder) HandleStatus(s Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *recorder) Resync() {
	r.mu.Lock()
	r.resyncs++
	r.mu.Unlock()
}

func (r *recorder) snapshot() ([]model.ChangeEvent, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ChangeEvent(nil), r.events...), r.resyncs
}

func startHub(t *testing.T) *pushtest.Hub {
	t.Helper()
	hub := pushtest.NewHub(nil)
	if err := hub.Start(); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}
	t.Cleanup(func() { _ = hub.Stop() })
	return hub
}

func startClient(t *testing.T, url string, h Handler) *Client {
	t.Helper()
	c, err := NewClient(&Config{
		URL:              url,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		DialTimeout:      time.Second,
	}, h)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClient_DeliversDecodedEvents(t *testing.T) {
	hub := startHub(t)
	rec := newRecorder()
	c := startClient(t, hub.URL(), rec)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hub.WaitForClients(ctx, 1); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connected status", func() bool { return c.Status() == StatusConnected })
	if c.Stale() {
		t.Error("connected client should not be stale")
	}

	hub.PublishRaw([]byte(`{"kind":"Bogus","entity_type":"Task","entity_id":"x"}`))
	hub.Publish(model.ChangeEvent{Kind: model.ChangeCreate, EntityType: model.EntityTask, EntityID: "t1"})
	hub.Publish(model.ChangeEvent{Kind: model.ChangeDestroy, EntityType: model.EntityProject, EntityID: "p2"})

	for i := 0; i < 2; i++ {
		select {
		case <-rec.notify:
		case <-ctx.Done():
			t.Fatal("timed out waiting for events")
		}
	}

	events, resyncs := rec.snapshot()
	want := []model.ChangeEvent{
		{Kind: model.ChangeCreate, EntityType: model.EntityTask, EntityID: "t1"},
		{Kind: model.ChangeDestroy, EntityType: model.EntityProject, EntityID: "p2"},
	}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if resyncs != 0 {
		t.Errorf("resyncs = %d on first connect, want 0", resyncs)
	}

	stats := c.GetStats()
	if stats.Events != 2 || stats.DecodeErrors != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestClient_ReconnectsAndResyncs(t *testing.T) {
	hub := startHub(t)
	rec := newRecorder()
	c := startClient(t, hub.URL(), rec)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hub.WaitForClients(ctx, 1); err != nil {
		t.Fatal(err)
	}

	hub.DisconnectAll()

	waitFor(t, "second subscription", func() bool { return hub.Accepted() >= 2 })
	waitFor(t, "resync", func() bool {
		_, resyncs := rec.snapshot()
		return resyncs >= 1
	})
	waitFor(t, "connected status", func() bool { return c.Status() == StatusConnected })

	rec.mu.Lock()
	statuses := append([]Status(nil), rec.statuses...)
	rec.mu.Unlock()

	sawDisconnect := false
	for _, s := range statuses {
		if s == StatusDisconnected {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Errorf("statuses %v never reported the drop", statuses)
	}
	if c.GetStats().Connects < 2 {
		t.Errorf("Connects = %d, want at least 2", c.GetStats().Connects)
	}
}

func TestClient_StaleWhileServerDown(t *testing.T) {
	rec := newRecorder()
	c := startClient(t, "ws://127.0.0.1:1", rec)

	waitFor(t, "a failed attempt", func() bool { return c.GetStats().LastError != "" })
	if !c.Stale() {
		t.Error("client should be stale while it cannot connect")
	}

	c.Stop()
	if c.Status() != StatusStopped {
		t.Errorf("Status() = %v after Stop, want stopped", c.Status())
	}
}

func TestNewClient_RequiresURL(t *testing.T) {
	if _, err := NewClient(&Config{}, nil); err == nil {
		t.Error("expected an error for an empty URL")
	}

	c, err := NewClient(&Config{URL: "ws://example.test/"}, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.Endpoint() != "ws://example.test/subscribe" {
		t.Errorf("Endpoint() = %q", c.Endpoint())
	}
}
