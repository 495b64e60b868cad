package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opsgraph/sleuth/pkg/config"
)

// Factory constructs a backend bound to one graph.
type Factory func(ctx context.Context, graphName string) (Backend, error)

// Registry maps connector keys to factories and caches live instances.
// All backend lookups go through here; nothing else instantiates backends.
type Registry struct {
	mu        sync.Mutex
	factories map[config.BackendType]Factory
	cache     map[string]*cacheEntry
	group     singleflight.Group
}

type cacheEntry struct {
	backend Backend
	lastUse time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[config.BackendType]Factory),
		cache:     make(map[string]*cacheEntry),
	}
}

// Register installs the factory for a connector key. Later registrations
// replace earlier ones (tests override production factories this way).
func (r *Registry) Register(t config.BackendType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// cacheKey is "{backend_type}:{graph_name}"; instances are never shared
// across backend types even for the same graph.
func cacheKey(t config.BackendType, graphName string) string {
	return string(t) + ":" + graphName
}

// Get returns the cached backend for (type, graph), instantiating via the
// registered factory on first use. Concurrent misses on the same key produce
// exactly one factory invocation.
func (r *Registry) Get(ctx context.Context, t config.BackendType, graphName string) (Backend, error) {
	key := cacheKey(t, graphName)

	r.mu.Lock()
	if entry, ok := r.cache[key]; ok {
		entry.lastUse = time.Now()
		r.mu.Unlock()
		return entry.backend, nil
	}
	factory, ok := r.factories[t]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no backend registered for connector %q", t)
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		// Re-check: another caller may have populated the cache between the
		// miss above and this singleflight slot.
		r.mu.Lock()
		if entry, ok := r.cache[key]; ok {
			entry.lastUse = time.Now()
			r.mu.Unlock()
			return entry.backend, nil
		}
		r.mu.Unlock()

		b, err := factory(ctx, graphName)
		if err != nil {
			return nil, fmt.Errorf("instantiate backend %s: %w", key, err)
		}

		r.mu.Lock()
		r.cache[key] = &cacheEntry{backend: b, lastUse: time.Now()}
		r.mu.Unlock()

		slog.Info("Backend instantiated", "backend", t, "graph", graphName)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Backend), nil
}

// Evict closes and removes one cached instance. Used when a scenario's
// underlying resources are replaced by a re-upload.
func (r *Registry) Evict(ctx context.Context, t config.BackendType, graphName string) {
	key := cacheKey(t, graphName)
	r.mu.Lock()
	entry, ok := r.cache[key]
	delete(r.cache, key)
	r.mu.Unlock()
	if ok {
		if err := entry.backend.Close(ctx); err != nil {
			slog.Warn("Error closing evicted backend", "key", key, "error", err)
		}
	}
}

// CloseAll closes every cached instance. Called on process shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	entries := make(map[string]*cacheEntry, len(r.cache))
	for k, e := range r.cache {
		entries[k] = e
	}
	r.cache = make(map[string]*cacheEntry)
	r.mu.Unlock()

	for key, entry := range entries {
		if err := entry.backend.Close(ctx); err != nil {
			slog.Warn("Error closing backend", "key", key, "error", err)
		}
	}
}

// Size returns the number of cached instances.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
