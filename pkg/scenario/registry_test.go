package scenario

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgraph/sleuth/pkg/store"
)

func TestRegistry_SaveThenList(t *testing.T) {
	reg := NewRegistry(store.NewMemory())
	ctx := context.Background()

	saved, err := reg.Save(ctx, SaveRequest{
		Name:        "telco-noc",
		DisplayName: "Telco NOC",
		Description: "fibre cut walkthrough",
	})
	require.NoError(t, err)
	assert.Equal(t, saved.Name, saved.ID)
	assert.Equal(t, "telco-noc-topology", saved.Resources.Graph)

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Telco NOC", list[0].DisplayName)
}

func TestRegistry_SaveRejectsInvalidName(t *testing.T) {
	reg := NewRegistry(store.NewMemory())
	_, err := reg.Save(context.Background(), SaveRequest{Name: "foo-topology"})
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestRegistry_UpsertOverwritesInPlace(t *testing.T) {
	reg := NewRegistry(store.NewMemory())
	ctx := context.Background()

	first, err := reg.Save(ctx, SaveRequest{Name: "telco-noc", Description: "v1"})
	require.NoError(t, err)

	second, err := reg.Save(ctx, SaveRequest{Name: "telco-noc", Description: "v2"})
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt, "creation timestamp survives re-save")

	got, err := reg.Get(ctx, "telco-noc")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Description)

	list, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRegistry_ListSortedByUpdatedAtDesc(t *testing.T) {
	reg := NewRegistry(store.NewMemory())
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	stamp := base
	reg.now = func() time.Time { return stamp }

	for _, name := range []string{"alpha", "beta", "gamma"} {
		_, err := reg.Save(ctx, SaveRequest{Name: name})
		require.NoError(t, err)
		stamp = stamp.Add(time.Minute)
	}

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "gamma", list[0].Name)
	assert.Equal(t, "alpha", list[2].Name)
}

func TestRegistry_RecordUploadMergesStatus(t *testing.T) {
	reg := NewRegistry(store.NewMemory())
	ctx := context.Background()

	require.NoError(t, reg.RecordUpload(ctx, "telco-noc", "graph", UploadStatus{
		Status: "complete",
		Counts: map[string]int{"vertices": 42, "edges": 68},
	}))
	require.NoError(t, reg.RecordUpload(ctx, "telco-noc", "prompts", UploadStatus{
		Status: "complete",
		Counts: map[string]int{"prompts": 5},
	}))

	got, err := reg.Get(ctx, "telco-noc")
	require.NoError(t, err)
	assert.Len(t, got.UploadStatus, 2)
	assert.Equal(t, 42, got.UploadStatus["graph"].Counts["vertices"])
}

func TestRegistry_DeleteRemovesRecordOnly(t *testing.T) {
	st := store.NewMemory()
	reg := NewRegistry(st)
	ctx := context.Background()

	_, err := reg.Save(ctx, SaveRequest{Name: "telco-noc"})
	require.NoError(t, err)
	require.NoError(t, reg.SaveManifest(ctx, &Manifest{Name: "telco-noc"}))

	require.NoError(t, reg.Delete(ctx, "telco-noc"))

	_, err = reg.Get(ctx, "telco-noc")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The manifest (a data resource) survives the registry delete.
	_, err = reg.LoadManifest(ctx, "telco-noc")
	assert.NoError(t, err)
}

func TestRegistry_DeleteMissing(t *testing.T) {
	reg := NewRegistry(store.NewMemory())
	err := reg.Delete(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManifest_ParseAndOrchestrator(t *testing.T) {
	raw := []byte(`
name: telco-noc
display_name: Telco NOC
data_sources:
  graph:
    connector: cosmosdb-gremlin
  telemetry:
    connector: cosmosdb-sql
agents:
  - name: graph-explorer
    role: graph
    data_source: graph
    tools:
      - type: openapi
        template: graph_query
  - name: orchestrator
    orchestrator: true
    connected_agents: [graph-explorer]
search_indexes:
  runbooks: telco-noc-runbooks-index
`)
	m, err := ParseManifest(raw)
	require.NoError(t, err)
	assert.Equal(t, "telco-noc", m.Name)
	assert.Equal(t, "cosmosdb-gremlin", m.DataSources["graph"].Connector)
	require.Len(t, m.Agents, 2)

	orch := m.Orchestrator()
	require.NotNil(t, orch)
	assert.Equal(t, "orchestrator", orch.Name)
	assert.Equal(t, []string{"graph-explorer"}, orch.ConnectedAgents)
}

func TestManifest_SaveLoadRoundTrip(t *testing.T) {
	reg := NewRegistry(store.NewMemory())
	ctx := context.Background()

	in := &Manifest{
		Name: "telco-noc",
		DataSources: map[string]DataSource{
			"graph": {Connector: "fabric-gql"},
		},
		Agents: []AgentSpec{{Name: "graph-explorer", DataSource: "graph"}},
	}
	require.NoError(t, reg.SaveManifest(ctx, in))

	out, err := reg.LoadManifest(ctx, "telco-noc")
	require.NoError(t, err)
	assert.Equal(t, "fabric-gql", out.DataSources["graph"].Connector)
	require.Len(t, out.Agents, 1)
	assert.Equal(t, "graph-explorer", out.Agents[0].Name)
}
