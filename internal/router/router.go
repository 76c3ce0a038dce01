// Package router turns push-channel change events into query cache
// invalidations.
package router

import (
	"time"

	"go.uber.org/zap"

	"github.com/tasked/tasked/internal/model"
	"github.com/tasked/tasked/internal/querycache"
)

// Invalidator is the part of the query cache the router drives.
// *querycache.Cache satisfies it.
type Invalidator interface {
	Invalidate(prefixes ...querycache.Key) int
	InvalidateAll() int
}

// KeysFor returns the cache keys an event invalidates.
//
// Every event invalidates the project list, whose per-project counters depend
// on every task and project mutation. Task events also invalidate every task
// collection. Events that name an entity invalidate that entity.
func KeysFor(ev model.ChangeEvent) []querycache.Key {
	keys := []querycache.Key{querycache.ProjectListKey()}
	if ev.EntityType == model.EntityTask {
		keys = append(keys, querycache.TaskListKey())
	}
	if ev.EntityID != "" {
		keys = append(keys, querycache.EntityKey(ev.EntityType, ev.EntityID))
	}
	return keys
}

// Stats counts the events the router has handled.
type Stats struct {
	Total         int                      `json:"total"`
	ByKind        map[model.ChangeKind]int `json:"by_kind"`
	ByEntity      map[model.EntityType]int `json:"by_entity"`
	Invalidations int                      `json:"invalidations"`
	Resyncs       int                      `json:"resyncs"`
	LastEvent     time.Time                `json:"last_event"`
}

// Router applies the invalidation fan-out for each change event.
//
// A Router is loop-confined.
type Router struct {
	cache  Invalidator
	logger *zap.SugaredLogger
	now    func() time.Time

	// OnEvent, if set, is called after each event is handled.
	OnEvent func(ev model.ChangeEvent, keys []querycache.Key)

	stats Stats
}

// New creates a router that invalidates cache.
func New(cache Invalidator, logger *zap.SugaredLogger) *Router {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Router{
		cache:  cache,
		logger: logger,
		now:    time.Now,
		stats: Stats{
			ByKind:   make(map[model.ChangeKind]int),
			ByEntity: make(map[model.EntityType]int),
		},
	}
}

// Handle invalidates the keys for ev. Duplicates are harmless because
// invalidation is idempotent.
func (r *Router) Handle(ev model.ChangeEvent) {
	keys := KeysFor(ev)
	matched := r.cache.Invalidate(keys...)
	r.logger.Debugw("Change event", "event", ev.String(), "keys", len(keys), "entries", matched)

	r.stats.Total++
	r.stats.ByKind[ev.Kind]++
	r.stats.ByEntity[ev.EntityType]++
	r.stats.Invalidations += len(keys)
	r.stats.LastEvent = r.now()

	if r.OnEvent != nil {
		r.OnEvent(ev, keys)
	}
}

// Resync invalidates everything. It is used after the push channel
// reconnects, since events sent while it was down are lost.
func (r *Router) Resync() {
	n := r.cache.InvalidateAll()
	r.stats.Resyncs++
	r.logger.Infow("Resynced query cache", "entries", n)
}

// GetStats returns a copy of the router's counters.
func (r *Router) GetStats() Stats {
	s := r.stats
	s.ByKind = make(map[model.ChangeKind]int, len(r.stats.ByKind))
	for k, v := range r.stats.ByKind {
		s.ByKind[k] = v
	}
	s.ByEntity = make(map[model.EntityType]int, len(r.stats.ByEntity))
	for k, v := range r.stats.ByEntity {
		s.ByEntity[k] = v
	}
	return s
}
