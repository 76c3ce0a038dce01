package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/tasked/tasked/internal/field"
	"github.com/tasked/tasked/internal/model"
)

type retryableErr struct{ retry bool }

func (e retryableErr) Error() string   { return "server said no" }
func (e retryableErr) Retryable() bool { return e.retry }

func openTest(t *testing.T) *Outbox {
	t.Helper()
	o, err := Open(filepath.Join(t.TempDir(), "nested", "outbox.db"), nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func titleWrite(id, title string, seq uint64) field.Write {
	return field.Write{EntityType: model.EntityTask, EntityID: id, Field: model.FieldTitle, Value: title, Seq: seq}
}

func TestOpenCreatesSchema(t *testing.T) {
	o := openTest(t)

	var count int
	err := o.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='failed_writes'`).Scan(&count)
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if count != 1 {
		t.Error("failed_writes table does not exist")
	}

	var mode string
	if err := o.conn.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")
	ctx := context.Background()

	o, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := o.Record(ctx, titleWrite("t1", "Buy milk", 1), retryableErr{true}); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}

	o, err = Open(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer o.Close()
	n, err := o.Count(ctx)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Count() after reopen = %d, want 1", n)
	}
}

func TestRecordUpdatesUnresolvedEntry(t *testing.T) {
	o := openTest(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return base }

	if err := o.Record(ctx, titleWrite("t1", "Buy milk", 1), retryableErr{true}); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}
	o.now = func() time.Time { return base.Add(time.Minute) }
	if err := o.Record(ctx, titleWrite("t1", "Buy oat milk", 2), retryableErr{false}); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}
	desc := field.Write{EntityType: model.EntityTask, EntityID: "t1", Field: model.FieldDescription}
	if err := o.Record(ctx, desc, errors.New("boom")); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}

	entries, err := o.List(ctx, false)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	want := []Entry{
		{
			EntityType: model.EntityTask, EntityID: "t1", Field: model.FieldTitle,
			Value: "Buy oat milk", Seq: 2, Error: "server said no", Retryable: false, Attempts: 2,
			CreatedAt: base, UpdatedAt: base.Add(time.Minute),
		},
		{
			EntityType: model.EntityTask, EntityID: "t1", Field: model.FieldDescription,
			Value: nil, Error: "boom", Retryable: true, Attempts: 1,
			CreatedAt: base.Add(time.Minute), UpdatedAt: base.Add(time.Minute),
		},
	}
	if diff := cmp.Diff(want, entries, cmpopts.IgnoreFields(Entry{}, "ID")); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve(t *testing.T) {
	o := openTest(t)
	ctx := context.Background()

	if err := o.Record(ctx, titleWrite("t1", "a", 1), retryableErr{true}); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}
	if err := o.Record(ctx, titleWrite("t2", "b", 1), retryableErr{true}); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}
	if err := o.Resolve(ctx, model.EntityTask, "t1", model.FieldTitle); err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}

	n, _ := o.Count(ctx)
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
	all, err := o.List(ctx, true)
	if err != nil {
		t.Fatalf("List(true) failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List(true) returned %d entries, want 2", len(all))
	}
	if !all[0].Resolved() || all[1].Resolved() {
		t.Errorf("resolved flags = %v, %v; want true, false", all[0].Resolved(), all[1].Resolved())
	}

	// A new failure after resolution starts a fresh entry.
	if err := o.Record(ctx, titleWrite("t1", "c", 2), retryableErr{true}); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}
	all, _ = o.List(ctx, true)
	if len(all) != 3 || all[2].Attempts != 1 {
		t.Errorf("after re-failure got %d entries (last attempts %d), want 3 with attempts 1", len(all), all[len(all)-1].Attempts)
	}
}

func TestMarkResolvedAndGet(t *testing.T) {
	o := openTest(t)
	ctx := context.Background()

	if err := o.Record(ctx, titleWrite("t1", "a", 1), retryableErr{true}); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}
	entries, _ := o.List(ctx, false)
	id := entries[0].ID

	if err := o.MarkResolved(ctx, id); err != nil {
		t.Fatalf("MarkResolved() failed: %v", err)
	}
	e, err := o.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !e.Resolved() {
		t.Error("entry not resolved after MarkResolved")
	}

	if err := o.MarkResolved(ctx, id+100); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkResolved(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := o.Get(ctx, id+100); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestReplay(t *testing.T) {
	o := openTest(t)
	ctx := context.Background()

	for _, w := range []field.Write{titleWrite("t1", "ok", 1), titleWrite("t2", "still failing", 1)} {
		if err := o.Record(ctx, w, retryableErr{true}); err != nil {
			t.Fatalf("Record() failed: %v", err)
		}
	}

	var sent []field.Write
	writer := field.WriterFunc(func(_ context.Context, w field.Write) error {
		sent = append(sent, w)
		if w.EntityID == "t2" {
			return retryableErr{false}
		}
		return nil
	})

	got, err := o.Replay(ctx, writer)
	if err != nil {
		t.Fatalf("Replay() failed: %v", err)
	}
	if diff := cmp.Diff(ReplayResult{Resolved: 1, Failed: 1}, got); diff != "" {
		t.Errorf("Replay() mismatch (-want +got):\n%s", diff)
	}
	want := []field.Write{titleWrite("t1", "ok", 1), titleWrite("t2", "still failing", 1)}
	if diff := cmp.Diff(want, sent); diff != "" {
		t.Errorf("sent writes mismatch (-want +got):\n%s", diff)
	}

	entries, _ := o.List(ctx, false)
	if len(entries) != 1 || entries[0].EntityID != "t2" || entries[0].Attempts != 2 || entries[0].Retryable {
		t.Errorf("remaining entries = %+v, want t2 with 2 attempts, not retryable", entries)
	}
}
