package scenario

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgraph/sleuth/pkg/config"
	"github.com/opsgraph/sleuth/pkg/store"
)

func testDefaults() config.DefaultsConfig {
	return config.DefaultsConfig{
		Scenario:    "demo",
		GraphName:   "demo-topology",
		Backend:     config.BackendMock,
		GraphDB:     "graphdb",
		TelemetryDB: "telemetry",
		PromptsDB:   "prompts",
	}
}

// countingStore wraps a store and counts Get calls, for cache assertions.
type countingStore struct {
	store.Store
	gets atomic.Int32
}

func (c *countingStore) Get(ctx context.Context, container, id string) (store.Document, error) {
	c.gets.Add(1)
	return c.Store.Get(ctx, container, id)
}

func seedManifest(t *testing.T, st store.Store, name, connector string) {
	t.Helper()
	reg := NewRegistry(st)
	require.NoError(t, reg.SaveManifest(context.Background(), &Manifest{
		Name: name,
		DataSources: map[string]DataSource{
			"graph": {Connector: connector},
		},
	}))
}

func TestResolver_HeaderToBackend(t *testing.T) {
	st := store.NewMemory()
	seedManifest(t, st, "telco-noc", string(config.BackendGremlin))

	r := NewResolver(st, testDefaults())
	sc := r.Resolve(context.Background(), "telco-noc-topology")

	assert.Equal(t, "telco-noc-topology", sc.GraphName)
	assert.Equal(t, "telco-noc", sc.TelemetryPrefix)
	assert.Equal(t, "telco-noc", sc.PromptsContainer)
	assert.Equal(t, "graphdb", sc.GraphDatabase)
	assert.Equal(t, config.BackendGremlin, sc.Backend)
}

func TestResolver_MissingHeaderUsesDefaults(t *testing.T) {
	r := NewResolver(store.NewMemory(), testDefaults())
	sc := r.Resolve(context.Background(), "")

	assert.Equal(t, "demo-topology", sc.GraphName)
	assert.Equal(t, "demo", sc.TelemetryPrefix)
	assert.Equal(t, config.BackendMock, sc.Backend)
}

func TestResolver_UnknownScenarioFallsBack(t *testing.T) {
	r := NewResolver(store.NewMemory(), testDefaults())
	sc := r.Resolve(context.Background(), "no-such-scenario-topology")
	assert.Equal(t, config.BackendMock, sc.Backend)
}

func TestResolver_UnknownConnectorFallsBack(t *testing.T) {
	st := store.NewMemory()
	seedManifest(t, st, "odd", "neo4j-bolt")

	r := NewResolver(st, testDefaults())
	sc := r.Resolve(context.Background(), "odd-topology")
	assert.Equal(t, config.BackendMock, sc.Backend)
}

func TestResolver_TelemetryConnector(t *testing.T) {
	st := store.NewMemory()
	reg := NewRegistry(st)
	require.NoError(t, reg.SaveManifest(context.Background(), &Manifest{
		Name: "telco-noc",
		DataSources: map[string]DataSource{
			"graph":     {Connector: string(config.BackendGremlin)},
			"telemetry": {Connector: string(config.BackendKusto)},
		},
	}))

	r := NewResolver(st, testDefaults())
	sc := r.Resolve(context.Background(), "telco-noc-topology")
	assert.Equal(t, config.BackendGremlin, sc.Backend)
	assert.Equal(t, config.BackendKusto, sc.TelemetryBackend)

	// Without a declared telemetry connector the store-backed default
	// applies, pointing reads at the containers ingest writes.
	sc = r.Resolve(context.Background(), "unknown-topology")
	assert.Equal(t, config.BackendStoreSQL, sc.TelemetryBackend)
}

func TestResolver_CachesWithinTTL(t *testing.T) {
	mem := store.NewMemory()
	seedManifest(t, mem, "telco-noc", string(config.BackendGQL))
	cs := &countingStore{Store: mem}

	r := NewResolver(cs, testDefaults())
	now := time.Now()
	r.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		sc := r.Resolve(context.Background(), "telco-noc-topology")
		assert.Equal(t, config.BackendGQL, sc.Backend)
	}
	assert.Equal(t, int32(1), cs.gets.Load())

	// Advancing past the TTL forces a fresh lookup.
	now = now.Add(resolverCacheTTL + time.Second)
	r.Resolve(context.Background(), "telco-noc-topology")
	assert.Equal(t, int32(2), cs.gets.Load())
}
