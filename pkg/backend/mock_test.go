package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMock_BuiltinTopology(t *testing.T) {
	m, err := NewMock("")
	require.NoError(t, err)

	topo := m.GetTopology(context.Background(), "", nil)
	assert.Empty(t, topo.Error)
	assert.Equal(t, len(topo.Nodes), topo.Meta.NodeCount)
	assert.Equal(t, len(topo.Edges), topo.Meta.EdgeCount)
	assert.NotEmpty(t, topo.Nodes)
	assert.Contains(t, topo.Meta.Labels, "router")
}

func TestMock_TopologyLabelFilter(t *testing.T) {
	m, err := NewMock("")
	require.NoError(t, err)

	topo := m.GetTopology(context.Background(), "", []string{"site"})
	require.NotEmpty(t, topo.Nodes)
	for _, n := range topo.Nodes {
		assert.Equal(t, "site", n.Label)
	}
	// Edges touching filtered-out vertices are excluded.
	for _, e := range topo.Edges {
		assert.NotEqual(t, "terminates", e.Label)
	}
}

func TestMock_CountQuery(t *testing.T) {
	m, err := NewMock("")
	require.NoError(t, err)

	res := m.ExecuteQuery(context.Background(), "how many vertices? count them", QueryOptions{})
	assert.Empty(t, res.Error)
	assert.Equal(t, []string{"vertices", "edges"}, res.Columns)
	require.Len(t, res.Data, 1)
}

func TestMock_VertexLookupByName(t *testing.T) {
	m, err := NewMock("")
	require.NoError(t, err)

	res := m.ExecuteQuery(context.Background(),
		"what is the status of LINK-SYD-MEL-FIBRE-01", QueryOptions{})
	assert.Empty(t, res.Error)
	require.NotEmpty(t, res.Data)
	assert.Equal(t, "LINK-SYD-MEL-FIBRE-01", res.Data[0][0])
}

func TestMock_NeighborsQuery(t *testing.T) {
	m, err := NewMock("")
	require.NoError(t, err)

	res := m.ExecuteQuery(context.Background(),
		"show neighbors of LINK-SYD-MEL-FIBRE-01", QueryOptions{})
	assert.Empty(t, res.Error)
	assert.NotEmpty(t, res.Data)
}

func TestMock_UnmatchedQueryReturnsHint(t *testing.T) {
	m, err := NewMock("")
	require.NoError(t, err)

	res := m.ExecuteQuery(context.Background(), "tell me about quasars", QueryOptions{})
	assert.Empty(t, res.Error)
	assert.Equal(t, []string{"hint"}, res.Columns)
}

func TestMock_CSVLoading(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vertices.csv"),
		[]byte("id,label,name\nV1,server,web-01\nV2,server,web-02\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "edges.csv"),
		[]byte("id,label,source,target\nE1,peers_with,V1,V2\n"), 0o644))

	m, err := NewMock(dir)
	require.NoError(t, err)

	topo := m.GetTopology(context.Background(), "", nil)
	assert.Len(t, topo.Nodes, 2)
	assert.Len(t, topo.Edges, 1)
	assert.Equal(t, "web-01", topo.Nodes[0].Properties["name"])
}

func TestMock_CSVMissingRequiredColumn(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vertices.csv"),
		[]byte("label,name\nserver,web-01\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "edges.csv"),
		[]byte("id,label,source,target\n"), 0o644))

	_, err := NewMock(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"id"`)
}

func TestMock_IngestReplacesData(t *testing.T) {
	m, err := NewMock("")
	require.NoError(t, err)

	counts, err := m.Ingest(context.Background(),
		[]Vertex{{ID: "N1", Label: "node"}},
		[]EdgeInput{},
		IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Vertices)

	topo := m.GetTopology(context.Background(), "", nil)
	assert.Len(t, topo.Nodes, 1)
	assert.Equal(t, "N1", topo.Nodes[0].ID)
}

func TestMock_ClosedBackend(t *testing.T) {
	m, err := NewMock("")
	require.NoError(t, err)
	require.NoError(t, m.Close(context.Background()))

	res := m.ExecuteQuery(context.Background(), "count", QueryOptions{})
	assert.Equal(t, "backend closed", res.Error)
	topo := m.GetTopology(context.Background(), "", nil)
	assert.Equal(t, "backend closed", topo.Error)
}
