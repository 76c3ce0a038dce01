package field

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tasked/tasked/internal/idle"
	"github.com/tasked/tasked/internal/model"
)

// Member is the type-erased view of a Session the registry manages.
type Member interface {
	Key() Key
	State() string
	Reconcile()
	SetDebounce(d time.Duration)
	SetRetry(p RetryPolicy)
	Close()
}

// Notifier announces attention changes. *idle.Tracker satisfies it.
type Notifier interface {
	OnChange(fn func(prev, next idle.State)) (cancel func())
}

// Registry owns the sessions of one application session. When attention
// moves away from the client it lets every session apply refreshes it held
// back.
//
// A Registry is loop-confined.
type Registry struct {
	members map[Key]Member
	detach  func()
	logger  *zap.SugaredLogger
}

// NewRegistry creates a registry subscribed to n. n may be nil.
func NewRegistry(n Notifier, logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &Registry{
		members: make(map[Key]Member),
		logger:  logger,
	}
	if n != nil {
		r.detach = n.OnChange(func(prev, next idle.State) {
			r.ReconcileAll()
		})
	}
	return r
}

// Add registers m, closing any session previously registered under the same key.
func (r *Registry) Add(m Member) {
	key := m.Key()
	if old, ok := r.members[key]; ok && old != m {
		old.Close()
	}
	r.members[key] = m
}

// Remove closes and forgets the session registered under key.
func (r *Registry) Remove(key Key) {
	if m, ok := r.members[key]; ok {
		m.Close()
		delete(r.members, key)
	}
}

// RemoveEntity closes every session of one entity.
func (r *Registry) RemoveEntity(entityType model.EntityType, entityID string) {
	for key, m := range r.members {
		if key.EntityType == entityType && key.EntityID == entityID {
			m.Close()
			delete(r.members, key)
		}
	}
}

// Get returns the session registered under key.
func (r *Registry) Get(key Key) (Member, bool) {
	m, ok := r.members[key]
	return m, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return len(r.members)
}

// Keys returns the registered keys in a stable order.
func (r *Registry) Keys() []Key {
	keys := make([]Key, 0, len(r.members))
	for k := range r.members {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// ReconcileAll asks every session to apply held-back refreshes.
func (r *Registry) ReconcileAll() {
	for _, m := range r.members {
		m.Reconcile()
	}
}

// Failed returns the keys of sessions whose last write failed.
func (r *Registry) Failed() []Key {
	var keys []Key
	for _, k := range r.Keys() {
		if r.members[k].State() == StateFailed {
			keys = append(keys, k)
		}
	}
	return keys
}

// Configure applies new debounce windows and retry policy to live sessions.
// debounce maps a field to its window; fields not present keep theirs.
func (r *Registry) Configure(debounce map[model.Field]time.Duration, retry RetryPolicy) {
	for key, m := range r.members {
		if d, ok := debounce[key.Field]; ok {
			m.SetDebounce(d)
		}
		m.SetRetry(retry)
	}
	r.logger.Debugw("Applied session configuration", "sessions", len(r.members))
}

// Close closes every session and unsubscribes from attention changes.
func (r *Registry) Close() {
	if r.detach != nil {
		r.detach()
		r.detach = nil
	}
	for key, m := range r.members {
		m.Close()
		delete(r.members, key)
	}
}
