package scenario

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opsgraph/sleuth/pkg/config"
	"github.com/opsgraph/sleuth/pkg/store"
)

const resolverCacheTTL = 5 * time.Second

// Resolver maps an inbound graph name to a routing Context. Resolution never
// fails: if the config store is unreachable or the scenario has no stored
// manifest, the process-default backend is used and the downstream backend
// reports any real misconfiguration at query time. An error here would take
// down every unrelated endpoint.
type Resolver struct {
	store    store.Store
	defaults config.DefaultsConfig

	mu    sync.Mutex
	cache map[string]resolvedEntry
	now   func() time.Time
}

type resolvedEntry struct {
	graph     config.BackendType
	telemetry config.BackendType
	expires   time.Time
}

// NewResolver creates a resolver backed by the given config store.
func NewResolver(st store.Store, defaults config.DefaultsConfig) *Resolver {
	return &Resolver{
		store:    st,
		defaults: defaults,
		cache:    make(map[string]resolvedEntry),
		now:      time.Now,
	}
}

// Resolve builds the routing Context for one request. graphName is the
// X-Graph header value; empty falls back to the configured default graph.
func (r *Resolver) Resolve(ctx context.Context, graphName string) Context {
	if graphName == "" {
		graphName = r.defaults.GraphName
	}
	prefix := Prefix(graphName)
	graph, telemetry := r.backendsFor(ctx, prefix)

	return Context{
		GraphName:         graphName,
		GraphDatabase:     r.defaults.GraphDB,
		TelemetryDatabase: r.defaults.TelemetryDB,
		TelemetryPrefix:   prefix,
		PromptsDatabase:   r.defaults.PromptsDB,
		PromptsContainer:  prefix,
		Backend:           graph,
		TelemetryBackend:  telemetry,
	}
}

// backendsFor looks up the scenario's declared connectors, with a short TTL
// cache so hot paths do not hit the config store on every request.
func (r *Resolver) backendsFor(ctx context.Context, prefix string) (config.BackendType, config.BackendType) {
	r.mu.Lock()
	if entry, ok := r.cache[prefix]; ok && r.now().Before(entry.expires) {
		r.mu.Unlock()
		return entry.graph, entry.telemetry
	}
	r.mu.Unlock()

	graph, telemetry := r.lookup(ctx, prefix)

	r.mu.Lock()
	r.cache[prefix] = resolvedEntry{
		graph:     graph,
		telemetry: telemetry,
		expires:   r.now().Add(resolverCacheTTL),
	}
	r.mu.Unlock()
	return graph, telemetry
}

func (r *Resolver) lookup(ctx context.Context, prefix string) (config.BackendType, config.BackendType) {
	doc, err := r.store.Get(ctx, store.ContainerConfigs, prefix)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Scenario config lookup failed, using default backends",
				"scenario", prefix, "backend", r.defaults.Backend, "error", err)
		}
		return r.defaults.Backend, r.defaultTelemetry()
	}

	graph := r.connectorOrDefault(prefix, doc, "graph", r.defaults.Backend)
	telemetry := r.connectorOrDefault(prefix, doc, "telemetry", r.defaultTelemetry())
	return graph, telemetry
}

func (r *Resolver) connectorOrDefault(prefix string, doc store.Document, role string, fallback config.BackendType) config.BackendType {
	connector := dataSourceConnector(doc, role)
	if connector == "" {
		return fallback
	}
	backend := config.BackendType(connector)
	if !config.IsKnownBackend(backend) {
		slog.Warn("Scenario config declares unknown connector, using default",
			"scenario", prefix, "role", role, "connector", connector, "backend", fallback)
		return fallback
	}
	return backend
}

// defaultTelemetry picks the telemetry fallback. Ingest writes telemetry
// rows into the document store in every configuration, so the store-backed
// connector is the only default that can read them back; an external
// connector (kusto, cosmosdb-sql) must be declared in the manifest.
func (r *Resolver) defaultTelemetry() config.BackendType {
	return config.BackendStoreSQL
}

// dataSourceConnector digs data_sources.{role}.connector out of a stored
// manifest document.
func dataSourceConnector(doc store.Document, role string) string {
	sources, ok := doc["data_sources"].(map[string]any)
	if !ok {
		return ""
	}
	src, ok := sources[role].(map[string]any)
	if !ok {
		return ""
	}
	connector, _ := src["connector"].(string)
	return connector
}
