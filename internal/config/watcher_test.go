package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := Default().WriteTOML(path); err != nil {
		t.Fatalf("WriteTOML failed: %v", err)
	}

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.SetDelay(20 * time.Millisecond)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := w.Start(); err == nil {
		t.Error("second Start succeeded")
	}

	// Unrelated files in the directory are ignored.
	writeFile(t, filepath.Join(filepath.Dir(path), "other.toml"), "x = 1\n")

	cfg := Default()
	cfg.Sync.Debounce.Title = 750 * time.Millisecond
	if err := cfg.WriteTOML(path); err != nil {
		t.Fatalf("WriteTOML failed: %v", err)
	}

	select {
	case got := <-w.Updates():
		if got.Sync.Debounce.Title != 750*time.Millisecond {
			t.Errorf("reloaded title debounce = %v, want 750ms", got.Sync.Debounce.Title)
		}
	case err := <-w.Errors():
		t.Fatalf("watcher error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcherReportsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := Default().WriteTOML(path); err != nil {
		t.Fatalf("WriteTOML failed: %v", err)
	}
	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.SetDelay(20 * time.Millisecond)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, "[sync]\nidle_after = \"-5s\"\n")

	select {
	case err := <-w.Errors():
		if err == nil {
			t.Error("got nil error")
		}
	case cfg := <-w.Updates():
		t.Fatalf("invalid config accepted: %+v", cfg)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error")
	}
}

func TestWatcherStopIdempotent(t *testing.T) {
	w, err := NewWatcher(filepath.Join(t.TempDir(), "config.toml"), nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop before Start = %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !w.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop = %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop = %v", err)
	}
	if _, ok := <-w.Updates(); ok {
		t.Error("Updates channel still open after Stop")
	}
}
