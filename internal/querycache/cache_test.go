package querycache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tasked/tasked/internal/eventloop/eventlooptest"
	"github.com/tasked/tasked/internal/model"
)

// countingFetcher returns successive values and counts calls.
type countingFetcher struct {
	calls int
	err   error
}

func (f *countingFetcher) fetch(ctx context.Context) (any, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.calls, nil
}

func newCache() (*Cache, *eventlooptest.Manual) {
	m := eventlooptest.NewManual()
	return New(m, &Config{GCTime: time.Minute}), m
}

func TestCache_ObserveFetchesOnceAndServesCached(t *testing.T) {
	c, m := newCache()
	f := &countingFetcher{}
	key := EntityKey(model.EntityTask, "t1")

	var first, second []Result
	c.Observe(key, f.fetch, func(r Result) { first = append(first, r) })
	c.Observe(key, f.fetch, func(r Result) { second = append(second, r) })

	if len(first) != 0 {
		t.Fatal("observer received data before the fetch completed")
	}
	m.Flush()

	if f.calls != 1 {
		t.Errorf("fetcher called %d times, want 1 for concurrent observers", f.calls)
	}
	if diff := cmp.Diff([]Result{{Data: 1}}, first); diff != "" {
		t.Errorf("first observer mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Result{{Data: 1}}, second); diff != "" {
		t.Errorf("second observer mismatch (-want +got):\n%s", diff)
	}

	var third []Result
	c.Observe(key, f.fetch, func(r Result) { third = append(third, r) })
	if diff := cmp.Diff([]Result{{Data: 1}}, third); diff != "" {
		t.Errorf("valid data should be served immediately (-want +got):\n%s", diff)
	}
	if m.Jobs() != 0 {
		t.Error("valid data should not be refetched")
	}
}

func TestCache_InvalidateRefetchesMountedOnly(t *testing.T) {
	c, m := newCache()
	mounted := &countingFetcher{}
	unmounted := &countingFetcher{}

	var got []Result
	c.Observe(EntityKey(model.EntityTask, "t1"), mounted.fetch, func(r Result) { got = append(got, r) })
	c.Query(SearchKey("milk"), unmounted.fetch, func(Result) {})
	m.Flush()

	n := c.Invalidate(TaskListKey())
	if n != 2 {
		t.Errorf("Invalidate matched %d entries, want 2", n)
	}
	if m.Jobs() != 1 {
		t.Fatalf("Jobs() = %d, want only the mounted entry refetched", m.Jobs())
	}
	if c.Valid(SearchKey("milk")) {
		t.Error("unmounted entry should be stale")
	}
	if _, ok := c.Get(EntityKey(model.EntityTask, "t1")); ok {
		t.Error("Get should not serve a stale entry")
	}

	m.Flush()
	if diff := cmp.Diff([]Result{{Data: 1}, {Data: 2}}, got); diff != "" {
		t.Errorf("observer mismatch (-want +got):\n%s", diff)
	}

	// A new consumer of the stale entry triggers the refetch.
	var searched []Result
	c.Query(SearchKey("milk"), unmounted.fetch, func(r Result) { searched = append(searched, r) })
	if len(searched) != 0 {
		t.Fatal("stale entry was served to a new consumer")
	}
	m.Flush()
	if diff := cmp.Diff([]Result{{Data: 2}}, searched); diff != "" {
		t.Errorf("query mismatch (-want +got):\n%s", diff)
	}
}

func TestCache_InvalidateIsIdempotent(t *testing.T) {
	c, m := newCache()
	f := &countingFetcher{}
	c.Query(ProjectListKey(), f.fetch, func(Result) {})
	m.Flush()

	if n := c.Invalidate(EntityKey(model.EntityProject, "absent")); n != 0 {
		t.Errorf("absent key matched %d entries", n)
	}

	c.Invalidate(ProjectListKey())
	c.Invalidate(ProjectListKey())
	if m.Jobs() != 0 {
		t.Errorf("unobserved entry refetched %d times", m.Jobs())
	}

	var got []Result
	c.Observe(ProjectListKey(), f.fetch, func(r Result) { got = append(got, r) })
	c.Invalidate(ProjectListKey())
	c.Invalidate(ProjectListKey())
	m.Flush()

	// one fetch for the mount, one follow-up for the invalidations during it
	if f.calls != 3 {
		t.Errorf("fetcher called %d times, want 3", f.calls)
	}
	if len(got) != 2 {
		t.Errorf("observer called %d times, want 2", len(got))
	}
}

func TestCache_InvalidatedDuringFetchIsRefetched(t *testing.T) {
	c, m := newCache()
	f := &countingFetcher{}
	key := EntityKey(model.EntityTask, "t1")

	var got []Result
	c.Observe(key, f.fetch, func(r Result) { got = append(got, r) })
	c.Invalidate(key)
	if m.Jobs() != 1 {
		t.Fatalf("Jobs() = %d, want the original fetch only", m.Jobs())
	}

	m.RunJob(0)
	if !c.Fetching(key) {
		t.Fatal("entry invalidated mid-fetch should be fetched again")
	}
	m.Flush()

	if diff := cmp.Diff([]Result{{Data: 1}, {Data: 2}}, got); diff != "" {
		t.Errorf("observer mismatch (-want +got):\n%s", diff)
	}
	if !c.Valid(key) {
		t.Error("entry should be valid after the follow-up fetch")
	}
}

func TestCache_FetchFailureDropsData(t *testing.T) {
	c, m := newCache()
	f := &countingFetcher{}
	key := ProjectListKey()

	var got []Result
	o := c.Observe(key, f.fetch, func(r Result) { got = append(got, r) })
	m.Flush()

	boom := errors.New("boom")
	f.err = boom
	c.Invalidate(key)
	m.Flush()

	if len(got) != 2 || !errors.Is(got[1].Err, boom) || got[1].Data != nil {
		t.Fatalf("observer got %+v, want data then an error without data", got)
	}
	if _, ok := c.Get(key); ok {
		t.Error("failed entry should not serve data")
	}
	if r := o.Result(); !errors.Is(r.Err, boom) {
		t.Errorf("Result() = %+v, want the error", r)
	}

	f.err = nil
	o.Refetch()
	m.Flush()
	if r := o.Result(); r.Err != nil || r.Data != 3 {
		t.Errorf("Result() after retry = %+v, want data 3", r)
	}
}

func TestCache_SetData(t *testing.T) {
	c, m := newCache()
	f := &countingFetcher{}
	key := EntityKey(model.EntityTask, "t1")

	var got []Result
	c.Observe(key, f.fetch, func(r Result) { got = append(got, r) })
	m.Flush()

	c.SetData(key, "optimistic")
	if v, ok := c.Get(key); !ok || v != "optimistic" {
		t.Errorf("Get = %v, %v", v, ok)
	}
	if diff := cmp.Diff([]Result{{Data: 1}, {Data: "optimistic"}}, got); diff != "" {
		t.Errorf("observer mismatch (-want +got):\n%s", diff)
	}
}

func TestCache_ClosedObserverIsNotNotified(t *testing.T) {
	c, m := newCache()
	f := &countingFetcher{}
	key := TaskListKey()

	calls := 0
	o := c.Observe(key, f.fetch, func(Result) { calls++ })
	m.Flush()
	o.Close()
	o.Close()

	c.Invalidate(key)
	m.Flush()
	if calls != 1 {
		t.Errorf("observer called %d times, want 1", calls)
	}
	if f.calls != 1 {
		t.Errorf("unmounted entry refetched: %d calls", f.calls)
	}
}

func TestCache_GarbageCollectsUnobservedEntries(t *testing.T) {
	c, m := newCache()
	f := &countingFetcher{}

	kept := c.Observe(EntityKey(model.EntityTask, "kept"), f.fetch, func(Result) {})
	dropped := c.Observe(EntityKey(model.EntityTask, "dropped"), f.fetch, func(Result) {})
	m.Flush()
	dropped.Close()

	m.Advance(30 * time.Second)
	c.Query(SearchKey("later"), f.fetch, func(Result) {})
	m.Flush()

	m.Advance(30 * time.Second)
	if c.Len() != 2 {
		t.Fatalf("Len() = %d after one GC period, want 2", c.Len())
	}

	m.Advance(30 * time.Second)
	if c.Len() != 1 {
		t.Errorf("Len() = %d after the query aged out, want 1", c.Len())
	}
	if !c.Valid(EntityKey(model.EntityTask, "kept")) {
		t.Error("observed entry must never be collected")
	}
	if got := c.Stats().Collected; got != 2 {
		t.Errorf("Stats().Collected = %d, want 2", got)
	}
	kept.Close()
}

func TestCache_Close(t *testing.T) {
	c, m := newCache()
	f := &countingFetcher{}

	calls := 0
	c.Observe(TaskListKey(), f.fetch, func(Result) { calls++ })
	c.Close()
	m.Flush()

	if calls != 0 || c.Len() != 0 {
		t.Errorf("closed cache delivered %d results and holds %d entries", calls, c.Len())
	}
}

func TestWatch_Typed(t *testing.T) {
	c, m := newCache()

	var titles []string
	o := Watch(c, EntityKey(model.EntityTask, "t1"), func(ctx context.Context) (model.Task, error) {
		return model.Task{ID: "t1", Title: "Buy milk"}, nil
	}, func(task model.Task, err error) {
		if err != nil {
			t.Errorf("Watch delivered error: %v", err)
			return
		}
		titles = append(titles, task.Title)
	})
	m.Flush()

	if diff := cmp.Diff([]string{"Buy milk"}, titles); diff != "" {
		t.Errorf("titles mismatch (-want +got):\n%s", diff)
	}

	o.Close()
	c.SetData(EntityKey(model.EntityTask, "t1"), "not a task")
	var gotErr error
	Fetch(c, EntityKey(model.EntityTask, "t1"), func(ctx context.Context) (model.Task, error) {
		return model.Task{}, nil
	}, func(_ model.Task, err error) { gotErr = err })
	if gotErr == nil {
		t.Error("Fetch should report a type mismatch")
	}
}

func TestCache_InvalidateSeveralPrefixesFetchesOnce(t *testing.T) {
	c, m := newCache()
	f := &countingFetcher{}
	key := EntityKey(model.EntityTask, "t1")

	c.Observe(key, f.fetch, func(Result) {})
	m.Flush()

	if n := c.Invalidate(TaskListKey(), key); n != 1 {
		t.Errorf("Invalidate matched %d entries, want 1", n)
	}
	m.Flush()
	if f.calls != 2 {
		t.Errorf("fetcher called %d times, want 2", f.calls)
	}
}
