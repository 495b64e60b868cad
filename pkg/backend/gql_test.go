package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgraph/sleuth/pkg/config"
	"github.com/opsgraph/sleuth/pkg/credentials"
)

func newGQLForTest(endpoint string) *GQL {
	b := NewGQL(config.GQLConfig{Endpoint: endpoint, Scope: "graph"},
		"telco-noc-topology", credentials.Static{Value: "tok"})
	b.sleep = func(time.Duration) {}
	return b
}

func TestGQL_ExecuteQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "telco-noc-topology", body["graph"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"columns": []string{"name", "status"},
			"rows": []map[string]any{
				{"name": "LINK-01", "status": "down"},
			},
		})
	}))
	defer srv.Close()

	res := newGQLForTest(srv.URL).ExecuteQuery(context.Background(),
		"MATCH (l:link) RETURN l.name, l.status", QueryOptions{})

	assert.Empty(t, res.Error)
	assert.Equal(t, []string{"name", "status"}, res.Columns)
	require.Len(t, res.Data, 1)
	assert.Equal(t, "LINK-01", res.Data[0][0])
}

func TestGQL_RetriesOn429ThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"columns": []string{"n"}, "rows": []map[string]any{{"n": 1}},
		})
	}))
	defer srv.Close()

	res := newGQLForTest(srv.URL).ExecuteQuery(context.Background(), "MATCH (n) RETURN n", QueryOptions{})

	assert.Empty(t, res.Error, "backend should absorb throttling within its retry budget")
	assert.Equal(t, int32(3), calls.Load())
}

func TestGQL_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	res := newGQLForTest(srv.URL).ExecuteQuery(context.Background(), "MATCH (n) RETURN n", QueryOptions{})

	assert.Contains(t, res.Error, "retries exhausted")
	assert.Equal(t, int32(gqlMaxAttempts), calls.Load())
}

func TestGQL_RemoteErrorInBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "syntax error near MACH"})
	}))
	defer srv.Close()

	res := newGQLForTest(srv.URL).ExecuteQuery(context.Background(), "MACH (n)", QueryOptions{})
	assert.Equal(t, "syntax error near MACH", res.Error)
}

func TestGQL_TopologyParsesShapeMarkers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"columns": []string{"n", "r", "m"},
			"rows": []map[string]any{
				{
					"n": map[string]any{"_id": "A", "_label": "router", "name": "core-01"},
					"r": map[string]any{"_id": "E1", "_label": "peers", "_source": "A", "_target": "B"},
					"m": map[string]any{"_id": "B", "_label": "router"},
				},
				// Malformed row: no markers. Skipped, not fatal.
				{"n": map[string]any{"name": "orphan"}},
			},
		})
	}))
	defer srv.Close()

	topo := newGQLForTest(srv.URL).GetTopology(context.Background(), "", nil)

	assert.Empty(t, topo.Error)
	assert.Len(t, topo.Nodes, 2)
	assert.Len(t, topo.Edges, 1)
	assert.Equal(t, "A", topo.Edges[0].Source)
	assert.Equal(t, 1, topo.Meta.Skipped)
	// Shape markers are stripped from node properties.
	for _, n := range topo.Nodes {
		if n.ID == "A" {
			assert.Equal(t, map[string]any{"name": "core-01"}, n.Properties)
		}
	}
}

func TestGQL_IngestNotSupported(t *testing.T) {
	_, err := newGQLForTest("http://unused").Ingest(context.Background(), nil, nil, IngestOptions{})
	assert.ErrorIs(t, err, ErrIngestNotSupported)
}

func TestGQL_NotConfigured(t *testing.T) {
	b := NewGQL(config.GQLConfig{}, "g", credentials.Static{Value: "tok"})
	res := b.ExecuteQuery(context.Background(), "MATCH (n) RETURN n", QueryOptions{})
	assert.Contains(t, res.Error, "not configured")
}

func TestKusto_ParsesPrimaryResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/rest/query", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"FrameType": "DataSetHeader"},
			{
				"FrameType": "DataTable",
				"TableKind": "PrimaryResult",
				"Columns":   []map[string]any{{"ColumnName": "ts"}, {"ColumnName": "value"}},
				"Rows":      [][]any{{"14:31:14", 99.5}},
			},
		})
	}))
	defer srv.Close()

	b := NewKusto(config.KustoConfig{ClusterURI: srv.URL, Database: "telemetry"},
		credentials.Static{Value: "tok"})
	res := b.ExecuteQuery(context.Background(), "Metrics | take 1", QueryOptions{})

	assert.Empty(t, res.Error)
	assert.Equal(t, []string{"ts", "value"}, res.Columns)
	require.Len(t, res.Data, 1)
}

func TestKusto_TopologyNotSupported(t *testing.T) {
	b := NewKusto(config.KustoConfig{ClusterURI: "http://unused"}, credentials.Static{Value: "t"})
	topo := b.GetTopology(context.Background(), "", nil)
	assert.Contains(t, topo.Error, "not supported")
}

func TestDocSQL_NotConfigured(t *testing.T) {
	b := NewDocSQL(config.DocSQLConfig{})
	res := b.ExecuteQuery(context.Background(), "SELECT * FROM c", QueryOptions{Container: "metrics"})
	assert.Contains(t, res.Error, "not configured")
}

func TestDocSQL_QueryResultShaping(t *testing.T) {
	res := rowsFromDocuments([]map[string]any{
		{"device": "RTR-01", "cpu": 91.2, "_rid": "internal"},
		{"device": "RTR-02", "cpu": 12.0},
	})
	assert.Equal(t, []string{"cpu", "device"}, res.Columns)
	require.Len(t, res.Data, 2)
	assert.Equal(t, "RTR-01", res.Data[0][1])
}
