package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tasked/tasked/internal/config"
	"github.com/tasked/tasked/internal/editor"
	"github.com/tasked/tasked/internal/model"
	"github.com/tasked/tasked/internal/pushchan/pushtest"
	"github.com/tasked/tasked/internal/querycache"
)

// fakeAPI serves one task and applies title patches.
type fakeAPI struct {
	mu      sync.Mutex
	title   string
	gets    int
	patches int
	fail    bool
}

func (f *fakeAPI) setTitle(title string) {
	f.mu.Lock()
	f.title = title
	f.mu.Unlock()
}

func (f *fakeAPI) snapshot() (title string, gets, patches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.title, f.gets, f.patches
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/tasks/t1":
		f.gets++
	case r.Method == http.MethodGet && r.URL.Path == "/tasks/t1/projects":
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[]"))
		return
	case r.Method == http.MethodPatch && r.URL.Path == "/tasks/t1":
		f.patches++
		if f.fail {
			http.Error(w, "rejected", http.StatusBadRequest)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if title, ok := body["title"].(string); ok {
			f.title = title
		}
	default:
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":          "t1",
		"title":       f.title,
		"description": nil,
		"status":      "todo",
		"due_date":    nil,
		"created_at":  "2026-01-02T15:04:05Z",
	})
}

type harness struct {
	api    *fakeAPI
	hub    *pushtest.Hub
	cfg    *config.Config
	engine *Engine
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	api := &fakeAPI{title: "Original"}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	hub := pushtest.NewHub(nil)
	if err := hub.Start(); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}
	t.Cleanup(func() { _ = hub.Stop() })

	cfg := config.Default()
	cfg.API.BaseURL = srv.URL
	cfg.Push.URL = hub.URL()
	cfg.Push.ReconnectInitial = 10 * time.Millisecond
	cfg.Push.ReconnectMax = 50 * time.Millisecond
	cfg.Sync.Debounce.Title = 10 * time.Millisecond
	cfg.Sync.Retry.MaxRetries = 0
	cfg.Outbox.Path = filepath.Join(t.TempDir(), "outbox.db")

	e, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop() })
	return &harness{api: api, hub: hub, cfg: cfg, engine: e}
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	if err := h.engine.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.hub.WaitForClients(ctx, 1); err != nil {
		t.Fatalf("push client never connected: %v", err)
	}
}

func (h *harness) open(t *testing.T) *editor.TaskEditor {
	t.Helper()
	ed, err := h.engine.OpenEditor(context.Background(), h.engine.EditorOptions("t1"))
	if err != nil {
		t.Fatalf("OpenEditor failed: %v", err)
	}
	h.waitLoop(t, "task loaded", ed.Loaded)
	return ed
}

// waitLoop polls cond on the loop until it holds.
func (h *harness) waitLoop(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var ok bool
		if err := h.engine.Do(context.Background(), func() { ok = cond() }); err != nil {
			t.Fatalf("Do failed: %v", err)
		}
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Error("New(nil) succeeded")
	}
	cfg := config.Default()
	cfg.Push.URL = ""
	if _, err := New(cfg, Options{}); err == nil {
		t.Error("New accepted a config without push.url")
	}
}

func TestDoBeforeRun(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.engine.Do(context.Background(), func() {}); err != ErrNotRunning {
		t.Errorf("Do before Run = %v, want ErrNotRunning", err)
	}
}

func TestEditWritesAndPushRefreshes(t *testing.T) {
	var (
		mu     sync.Mutex
		routed []model.ChangeEvent
	)
	h := newHarness(t, Options{
		OnEvent: func(ev model.ChangeEvent, _ []querycache.Key) {
			mu.Lock()
			routed = append(routed, ev)
			mu.Unlock()
		},
	})
	h.run(t)
	ed := h.open(t)

	if err := h.engine.Do(context.Background(), func() {
		if err := ed.EditTitle("Edited"); err != nil {
			t.Errorf("EditTitle failed: %v", err)
		}
	}); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	waitFor(t, "title patch", func() bool {
		title, _, _ := h.api.snapshot()
		return title == "Edited"
	})
	h.waitLoop(t, "edit settled", ed.Settled)

	// Another client changes the title and the push channel announces it.
	h.api.setTitle("Remote")
	_, getsBefore, _ := h.api.snapshot()
	h.hub.Publish(model.ChangeEvent{Kind: model.ChangeUpdate, EntityType: model.EntityTask, EntityID: "t1"})

	h.waitLoop(t, "remote title shown", func() bool {
		return ed.Controls().Title.Value() == "Remote"
	})
	if _, gets, _ := h.api.snapshot(); gets <= getsBefore {
		t.Errorf("task fetched %d times after the event, want a refetch", gets-getsBefore)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(routed) == 0 || routed[len(routed)-1].EntityID != "t1" {
		t.Errorf("OnEvent saw %v, want the t1 update", routed)
	}
}

func TestRejectedWriteLandsInOutbox(t *testing.T) {
	h := newHarness(t, Options{})
	h.api.fail = true
	h.run(t)
	ed := h.open(t)

	if err := h.engine.Do(context.Background(), func() { _ = ed.EditTitle("Nope") }); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	h.waitLoop(t, "write failed", func() bool { return len(ed.Failed()) == 1 })

	n, err := h.engine.Outbox().Count(context.Background())
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("outbox count = %d, want 1", n)
	}

	h.api.mu.Lock()
	h.api.fail = false
	h.api.mu.Unlock()

	result, err := h.engine.ReplayPending(context.Background())
	if err != nil {
		t.Fatalf("ReplayPending failed: %v", err)
	}
	if result.Resolved != 1 || result.Failed != 0 {
		t.Errorf("ReplayPending = %+v, want 1 resolved", result)
	}
	if title, _, _ := h.api.snapshot(); title != "Nope" {
		t.Errorf("server title = %q after replay, want Nope", title)
	}
	if n, _ := h.engine.Outbox().Count(context.Background()); n != 0 {
		t.Errorf("outbox count after replay = %d, want 0", n)
	}
}

func TestApplyConfigReconfiguresSessions(t *testing.T) {
	h := newHarness(t, Options{})
	h.run(t)
	ed := h.open(t)

	cfg := *h.cfg
	cfg.Sync.Debounce.Title = time.Hour
	if !h.engine.ApplyConfig(&cfg) {
		t.Fatal("ApplyConfig rejected a valid config")
	}
	if got := h.engine.Config().Sync.Debounce.Title; got != time.Hour {
		t.Errorf("Config().Sync.Debounce.Title = %v, want 1h", got)
	}

	if err := h.engine.Do(context.Background(), func() { _ = ed.EditTitle("Slow") }); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, _, patches := h.api.snapshot(); patches != 0 {
		t.Fatalf("title written %d times inside the new debounce window", patches)
	}

	// Blurring writes the pending edit regardless of the window.
	if err := h.engine.Do(context.Background(), func() { ed.Blur(model.FieldTitle) }); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	waitFor(t, "blur write", func() bool {
		title, _, _ := h.api.snapshot()
		return title == "Slow"
	})

	bad := *h.cfg
	bad.Sync.IdleAfter = 0
	if h.engine.ApplyConfig(&bad) {
		t.Error("ApplyConfig accepted an invalid config")
	}
}

func TestStartBlocksUntilCancelled(t *testing.T) {
	h := newHarness(t, Options{NoOutbox: true})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.engine.Start(ctx) }()

	waitFor(t, "engine running", h.engine.Running)
	if h.engine.Outbox() != nil {
		t.Error("outbox opened despite NoOutbox")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if h.engine.Running() {
		t.Error("engine still running after Start returned")
	}
	if err := h.engine.Stop(); err != nil {
		t.Errorf("second Stop = %v", err)
	}
	if err := h.engine.Run(context.Background()); err == nil {
		t.Error("Run after Stop succeeded")
	}
}
