package querycache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tasked/tasked/internal/eventloop"
)

// DefaultGCTime is how long an unobserved entry is kept.
const DefaultGCTime = 5 * time.Minute

// Fetcher loads the value for a key. It runs off the loop.
type Fetcher func(ctx context.Context) (any, error)

// Result is what consumers receive. Exactly one of Data and Err is set.
type Result struct {
	Data any
	Err  error
}

// Config holds configuration for the cache.
type Config struct {
	// GCTime is how long unobserved entries are kept
	GCTime time.Duration

	// Logger for cache activity
	Logger *zap.SugaredLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		GCTime: DefaultGCTime,
		Logger: zap.NewNop().Sugar(),
	}
}

// Stats counts cache activity.
type Stats struct {
	Entries       int
	Fetches       int
	FetchErrors   int
	Invalidations int
	Collected     int
}

type entry struct {
	key     Key
	fetcher Fetcher

	data    any
	hasData bool
	valid   bool
	err     error

	fetching bool
	refetch  bool

	observers []*Observer
	waiters   []func(Result)

	inactiveSince time.Time
	updatedAt     time.Time
}

// Cache is a keyed store of fetched results.
type Cache struct {
	sched  eventloop.Scheduler
	config *Config

	entries map[string]*entry
	stats   Stats

	sweepTimer eventloop.Timer
	sweepGen   uint64
	closed     bool
}

// New creates an empty cache.
func New(sched eventloop.Scheduler, config *Config) *Cache {
	if config == nil {
		config = DefaultConfig()
	}
	if config.GCTime <= 0 {
		config.GCTime = DefaultGCTime
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}
	return &Cache{
		sched:   sched,
		config:  config,
		entries: make(map[string]*entry),
	}
}

// Observer is a mounted consumer of one key.
type Observer struct {
	cache  *Cache
	entry  *entry
	fn     func(Result)
	closed bool
}

// Observe mounts fn as a consumer of key. Valid data is delivered to fn
// before Observe returns; otherwise a fetch is started (or joined) and fn
// receives its result. fn is called again after every refetch.
//
// fetcher replaces the entry's fetcher for later refetches.
func (c *Cache) Observe(key Key, fetcher Fetcher, fn func(Result)) *Observer {
	e := c.entry(key)
	if fetcher != nil {
		e.fetcher = fetcher
	}
	o := &Observer{cache: c, entry: e, fn: fn}
	e.observers = append(e.observers, o)
	e.inactiveSince = time.Time{}

	switch {
	case e.valid:
		fn(Result{Data: e.data})
	case !e.fetching:
		c.fetch(e)
	}
	return o
}

// Query delivers the value for key once, fetching it first unless valid data
// is cached.
func (c *Cache) Query(key Key, fetcher Fetcher, fn func(Result)) {
	e := c.entry(key)
	if fetcher != nil {
		e.fetcher = fetcher
	}
	if e.valid {
		fn(Result{Data: e.data})
		c.markInactive(e)
		return
	}
	e.waiters = append(e.waiters, fn)
	e.inactiveSince = time.Time{}
	if !e.fetching {
		c.fetch(e)
	}
}

// Get returns the cached value for key if it is valid.
func (c *Cache) Get(key Key) (any, bool) {
	e, ok := c.entries[key.id()]
	if !ok || !e.valid {
		return nil, false
	}
	return e.data, true
}

// SetData stores v under key as valid data and notifies observers. It is for
// local optimistic writers; it does not cancel a fetch in flight.
func (c *Cache) SetData(key Key, v any) {
	e := c.entry(key)
	e.data, e.hasData, e.valid, e.err = v, true, true, nil
	e.updatedAt = c.sched.Now()
	c.notify(e, Result{Data: v})
	c.markInactive(e)
}

// Invalidate marks every entry whose key starts with one of prefixes as
// stale and refetches the ones with mounted observers. An entry matched by
// several prefixes is refetched once. An entry invalidated while it is being
// fetched is fetched again once that fetch lands. It returns the number of
// matched entries; absent keys match nothing.
func (c *Cache) Invalidate(prefixes ...Key) int {
	matched := 0
	for _, e := range c.entries {
		if !matchesAny(e.key, prefixes) {
			continue
		}
		matched++
		e.valid = false
		if len(e.observers) == 0 {
			continue
		}
		if e.fetching {
			e.refetch = true
			continue
		}
		c.fetch(e)
	}
	if matched > 0 {
		c.stats.Invalidations++
		c.config.Logger.Debugw("Invalidated", "prefixes", len(prefixes), "entries", matched)
	}
	return matched
}

func matchesAny(key Key, prefixes []Key) bool {
	for _, p := range prefixes {
		if key.HasPrefix(p) {
			return true
		}
	}
	return false
}

// InvalidateAll invalidates every entry.
func (c *Cache) InvalidateAll() int {
	return c.Invalidate(Key{})
}

// Valid reports whether key holds valid data.
func (c *Cache) Valid(key Key) bool {
	e, ok := c.entries[key.id()]
	return ok && e.valid
}

// Fetching reports whether a fetch for key is in flight.
func (c *Cache) Fetching(key Key) bool {
	e, ok := c.entries[key.id()]
	return ok && e.fetching
}

// Keys returns the keys of every entry, in no particular order.
func (c *Cache) Keys() []Key {
	keys := make([]Key, 0, len(c.entries))
	for _, e := range c.entries {
		keys = append(keys, e.key)
	}
	return keys
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Stats returns activity counters.
func (c *Cache) Stats() Stats {
	s := c.stats
	s.Entries = len(c.entries)
	return s
}

// SetGCTime changes how long unobserved entries are kept.
func (c *Cache) SetGCTime(d time.Duration) {
	if d > 0 {
		c.config.GCTime = d
	}
}

// Sweep drops entries that have been unobserved for at least GCTime and
// returns how many were dropped.
func (c *Cache) Sweep() int {
	now := c.sched.Now()
	dropped := 0
	for id, e := range c.entries {
		if !c.collectable(e) || e.inactiveSince.IsZero() || now.Sub(e.inactiveSince) < c.config.GCTime {
			continue
		}
		delete(c.entries, id)
		dropped++
	}
	if dropped > 0 {
		c.stats.Collected += dropped
		c.config.Logger.Debugw("Collected unobserved entries", "count", dropped)
	}
	return dropped
}

// Close drops every entry and stops garbage collection. Fetches in flight
// are ignored when they land.
func (c *Cache) Close() {
	c.closed = true
	c.sweepGen++
	if c.sweepTimer != nil {
		c.sweepTimer.Stop()
		c.sweepTimer = nil
	}
	for id, e := range c.entries {
		for _, o := range e.observers {
			o.closed = true
		}
		delete(c.entries, id)
	}
}

// Result returns the entry's current state as the observer would see it.
func (o *Observer) Result() Result {
	e := o.entry
	if e.err != nil && !e.hasData {
		return Result{Err: e.err}
	}
	return Result{Data: e.data}
}

// Refetch forces a fetch of the observed key, for example after a failure.
func (o *Observer) Refetch() {
	if o.closed {
		return
	}
	e := o.entry
	e.valid = false
	if e.fetching {
		e.refetch = true
		return
	}
	o.cache.fetch(e)
}

// Close unmounts the observer.
func (o *Observer) Close() {
	if o.closed {
		return
	}
	o.closed = true
	e := o.entry
	for i, other := range e.observers {
		if other == o {
			e.observers = append(e.observers[:i:i], e.observers[i+1:]...)
			break
		}
	}
	o.cache.markInactive(e)
}

func (c *Cache) entry(key Key) *entry {
	id := key.id()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{key: append(Key(nil), key...)}
		c.entries[id] = e
	}
	return e
}

func (c *Cache) fetch(e *entry) {
	if c.closed {
		return
	}
	if e.fetcher == nil {
		c.finish(e, nil, fmt.Errorf("no fetcher registered for %s", e.key))
		return
	}

	e.fetching = true
	c.stats.Fetches++
	fetcher := e.fetcher

	var data any
	c.sched.Go(func(ctx context.Context) error {
		var err error
		data, err = fetcher(ctx)
		return err
	}, func(err error) {
		c.finish(e, data, err)
	})
}

// finish applies a fetch result. A failed fetch drops the entry's data so
// consumers render nothing rather than stale data.
func (c *Cache) finish(e *entry, data any, err error) {
	if c.closed || c.entries[e.key.id()] != e {
		return
	}
	e.fetching = false

	var r Result
	if err != nil {
		c.stats.FetchErrors++
		e.data, e.hasData, e.valid, e.err = nil, false, false, err
		r = Result{Err: err}
		c.config.Logger.Warnw("Fetch failed", "key", e.key.String(), "error", err)
	} else {
		e.data, e.hasData, e.valid, e.err = data, true, true, nil
		e.updatedAt = c.sched.Now()
		r = Result{Data: data}
	}

	refetch := e.refetch
	e.refetch = false
	if refetch {
		e.valid = false
	}

	waiters := e.waiters
	e.waiters = nil
	c.notify(e, r)
	for _, w := range waiters {
		w(r)
	}

	if refetch && len(e.observers) > 0 {
		c.fetch(e)
		return
	}
	c.markInactive(e)
}

func (c *Cache) notify(e *entry, r Result) {
	observers := append([]*Observer(nil), e.observers...)
	for _, o := range observers {
		if !o.closed {
			o.fn(r)
		}
	}
}

func (c *Cache) collectable(e *entry) bool {
	return len(e.observers) == 0 && len(e.waiters) == 0 && !e.fetching
}

func (c *Cache) markInactive(e *entry) {
	if !c.collectable(e) {
		return
	}
	if e.inactiveSince.IsZero() {
		e.inactiveSince = c.sched.Now()
	}
	c.scheduleSweep()
}

func (c *Cache) scheduleSweep() {
	if c.closed || c.sweepTimer != nil {
		return
	}

	var earliest time.Time
	for _, e := range c.entries {
		if !c.collectable(e) || e.inactiveSince.IsZero() {
			continue
		}
		if earliest.IsZero() || e.inactiveSince.Before(earliest) {
			earliest = e.inactiveSince
		}
	}
	if earliest.IsZero() {
		return
	}

	c.sweepGen++
	gen := c.sweepGen
	delay := earliest.Add(c.config.GCTime).Sub(c.sched.Now())
	c.sweepTimer = c.sched.AfterFunc(delay, func() {
		if gen != c.sweepGen {
			return
		}
		c.sweepTimer = nil
		c.Sweep()
		c.scheduleSweep()
	})
}
