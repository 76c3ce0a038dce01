package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tasked/tasked/internal/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	want := map[model.Field]time.Duration{
		model.FieldTitle:       200 * time.Millisecond,
		model.FieldDescription: 200 * time.Millisecond,
		model.FieldStatus:      0,
		model.FieldDueDate:     0,
	}
	if diff := cmp.Diff(want, cfg.DebounceMap()); diff != "" {
		t.Errorf("DebounceMap mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `
[api]
base_url = "http://tracker.internal:9000"

[sync]
idle_after = "10s"

[sync.debounce]
title = "350ms"

[sync.retry]
max_retries = 2
`)
	t.Setenv("TASKED_PUSH_URL", "ws://push.internal:9001")
	t.Setenv("TASKED_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"api.base_url from file", cfg.API.BaseURL, "http://tracker.internal:9000"},
		{"api.timeout default", cfg.API.Timeout, 10 * time.Second},
		{"push.url from env", cfg.Push.URL, "ws://push.internal:9001"},
		{"sync.idle_after from file", cfg.Sync.IdleAfter, 10 * time.Second},
		{"sync.debounce.title from file", cfg.Sync.Debounce.Title, 350 * time.Millisecond},
		{"sync.debounce.description default", cfg.Sync.Debounce.Description, 200 * time.Millisecond},
		{"sync.retry.max_retries from file", cfg.Sync.Retry.MaxRetries, uint64(2)},
		{"log.level from env", cfg.Log.Level, "debug"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if got := cfg.RetryPolicy().MaxRetries; got != 2 {
		t.Errorf("RetryPolicy().MaxRetries = %d, want 2", got)
	}
}

func TestLoadMissingExplicitPath(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("Load of a missing explicit path succeeded")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[cache]\ngc_time = \"-1s\"\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "cache.gc_time") {
		t.Errorf("Load error = %v, want cache.gc_time complaint", err)
	}
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}
	if err := WriteDefault(path); err == nil {
		t.Error("second WriteDefault overwrote the file")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), `title = "200ms"`) {
		t.Errorf("config file does not spell durations as strings:\n%s", data)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load of written default failed: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
