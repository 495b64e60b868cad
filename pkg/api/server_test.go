package api

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgraph/sleuth/pkg/agentrt"
	"github.com/opsgraph/sleuth/pkg/backend"
	"github.com/opsgraph/sleuth/pkg/bridge"
	"github.com/opsgraph/sleuth/pkg/config"
	"github.com/opsgraph/sleuth/pkg/events"
	"github.com/opsgraph/sleuth/pkg/ingest"
	"github.com/opsgraph/sleuth/pkg/provision"
	"github.com/opsgraph/sleuth/pkg/scenario"
	"github.com/opsgraph/sleuth/pkg/store"
)

type testEnv struct {
	server      *Server
	broker      *events.Broker
	store       *store.Memory
	backends    *backend.Registry
	scenarios   *scenario.Registry
	pipeline    *ingest.Pipeline
	provisioner *provision.Provisioner
	bridge      *bridge.Bridge
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Server: config.ServerConfig{HeartbeatInterval: time.Second},
		Defaults: config.DefaultsConfig{
			Scenario:    "demo",
			GraphName:   "demo-topology",
			Backend:     config.BackendMock,
			GraphDB:     "graphdb",
			TelemetryDB: "telemetry",
			PromptsDB:   "prompts",
		},
	}

	broker := events.NewBroker(0, 0)
	st := store.NewMemory()
	backends := backend.NewRegistry()
	backends.Register(config.BackendMock, func(context.Context, string) (backend.Backend, error) {
		return backend.NewMock("")
	})
	backends.Register(config.BackendStoreSQL, func(context.Context, string) (backend.Backend, error) {
		return backend.NewStoreSQL(st), nil
	})

	scenarios := scenario.NewRegistry(st)
	resolver := scenario.NewResolver(st, cfg.Defaults)
	pipeline := ingest.New(broker, st, backends, scenarios, cfg.Defaults)

	rt := agentrt.NewStub()
	provisioner := provision.New(broker, rt, st, scenarios,
		config.ProvisionConfig{BaseURL: "http://localhost:8080"},
		"gpt-4o", filepath.Join(t.TempDir(), "agents.json"))
	br := bridge.New(broker, rt, st, provisioner.AgentIDs, cfg.Defaults.Scenario)

	server := NewServer(cfg, broker, resolver, backends, scenarios,
		pipeline, provisioner, br, st)

	return &testEnv{
		server:      server,
		broker:      broker,
		store:       st,
		backends:    backends,
		scenarios:   scenarios,
		pipeline:    pipeline,
		provisioner: provisioner,
		bridge:      br,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/healthz", nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body["version"], "sleuth/")
	assert.Equal(t, "stub", body["runtime"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestQueryGraph_BadBodyStillOK(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/query/graph", []byte("{not json"), nil)

	require.Equal(t, http.StatusOK, w.Code, "query endpoints never fail the HTTP layer")
	body := decodeBody(t, w)
	assert.Contains(t, body["error"], "invalid request body")
}

func TestQueryGraph_DefaultGraph(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/query/graph",
		map[string]string{"query": "count everything"}, nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Empty(t, body["error"])
	assert.Equal(t, []any{"vertices", "edges"}, body["columns"])
}

func TestQueryGraph_UnregisteredConnectorErrorInBody(t *testing.T) {
	env := newTestEnv(t)
	reg := scenario.NewRegistry(env.store)
	require.NoError(t, reg.SaveManifest(context.Background(), &scenario.Manifest{
		Name: "telco-noc",
		DataSources: map[string]scenario.DataSource{
			"graph": {Connector: string(config.BackendGremlin)},
		},
	}))

	w := env.do(t, http.MethodPost, "/query/graph",
		map[string]string{"query": "count"},
		map[string]string{"X-Graph": "telco-noc-topology"})

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Contains(t, body["error"], "no backend registered")
}

func TestQueryTopology(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/query/topology",
		map[string]any{"vertex_labels": []string{"router"}}, nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Empty(t, body["error"])
	nodes := body["nodes"].([]any)
	require.Len(t, nodes, 2)
}

func TestQueryTopology_EmptyBody(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/query/topology", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Empty(t, body["error"])
	assert.NotEmpty(t, body["nodes"])
}

func TestQueryTelemetry_EmptyScenarioIsEmptyResult(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/query/telemetry",
		map[string]string{"query": "SELECT * FROM c", "container": "metrics"}, nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Empty(t, body["error"])
	assert.Empty(t, body["data"])
}

func TestQueryTelemetry_UploadRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	archive := makeArchive(t, map[string]string{
		"telemetry.yaml": "name: telco-noc\ncontainers:\n" +
			"  - name: metrics\n    file: metrics.csv\n    numeric_columns: [cpu]\n",
		"metrics.csv": "device,cpu\nRTR-01,91.5\nRTR-02,12.0\n",
	})

	req := httptest.NewRequest(http.MethodPost, "/upload/telemetry", bytes.NewReader(archive))
	req.Header.Set("Content-Type", "application/gzip")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "event:complete")
	env.pipeline.Wait()

	// The rows land in the container the query path derives from the same
	// scenario prefix, so they are queryable immediately after the upload.
	w = env.do(t, http.MethodPost, "/query/telemetry",
		map[string]string{"query": "SELECT * FROM c WHERE c.cpu > 90", "container": "metrics"},
		map[string]string{"X-Graph": "telco-noc-topology"})

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.Empty(t, body["error"])
	assert.Contains(t, body["columns"], "cpu")
	data := body["data"].([]any)
	require.Len(t, data, 1)
	assert.Contains(t, data[0].([]any), 91.5)
}

func TestScenarioCRUD(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/scenarios/save", map[string]string{
		"name":         "telco-noc",
		"display_name": "Telco NOC",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	saved := decodeBody(t, w)
	resources := saved["resources"].(map[string]any)
	assert.Equal(t, "telco-noc-topology", resources["graph"])
	assert.Equal(t, "telco-noc-runbooks-index", resources["runbooks_index"])

	w = env.do(t, http.MethodGet, "/scenarios/saved", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])

	w = env.do(t, http.MethodGet, "/scenarios/saved/telco-noc", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Telco NOC", decodeBody(t, w)["display_name"])

	w = env.do(t, http.MethodDelete, "/scenarios/saved/telco-noc", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/scenarios/saved/telco-noc", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSaveScenario_InvalidName(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/scenarios/save",
		map[string]string{"name": "Bad--Name"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitAlert_StreamsRunToCompletion(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/alert",
		map[string]string{"alert": "fibre link down between SYD and MEL"}, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Run-Id"))

	stream := w.Body.String()
	assert.Contains(t, stream, "event:run_start")
	assert.Contains(t, stream, "event:step_complete")
	assert.Contains(t, stream, "event:run_complete")
	env.bridge.Wait()
}

func TestSubmitAlert_MissingText(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/alert", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func makeArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestUpload_GraphStreamsToComplete(t *testing.T) {
	env := newTestEnv(t)
	archive := makeArchive(t, map[string]string{
		"schema.yaml": "name: cloud-outage\nvertices:\n  - label: server\n    file: servers.csv\nedges: []\n",
		"servers.csv": "id,name\nS1,web-01\n",
	})

	req := httptest.NewRequest(http.MethodPost, "/upload/graph", bytes.NewReader(archive))
	req.Header.Set("Content-Type", "application/gzip")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Upload-Id"))
	stream := w.Body.String()
	assert.Contains(t, stream, "event:progress")
	assert.Contains(t, stream, "event:complete")
	env.pipeline.Wait()

	_, err := env.scenarios.Get(context.Background(), "cloud-outage")
	assert.NoError(t, err)
}

func TestUpload_UnknownKind(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/upload/widgets", []byte("x"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApplyConfig_StreamsActivation(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/config/apply",
		map[string]string{"scenario": "telco-noc"}, nil)

	require.Equal(t, http.StatusOK, w.Code)
	stream := w.Body.String()
	assert.Contains(t, stream, "event:complete")
	env.provisioner.Wait()

	// Agents from the activation are queryable afterwards.
	w = env.do(t, http.MethodGet, "/agents", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(5), body["count"])
}

func TestApplyConfig_InvalidScenario(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/config/apply",
		map[string]string{"scenario": "Bad--Name"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApplyConfig_ConcurrentIsConflict(t *testing.T) {
	env := newTestEnv(t)

	// Hold the activation lock via a direct Apply against a runtime that
	// parks until released.
	release := make(chan struct{})
	rt := &blockingRuntime{Stub: agentrt.NewStub(), release: release}
	p := provision.New(env.broker, rt, env.store, env.scenarios,
		config.ProvisionConfig{BaseURL: "http://localhost:8080"},
		"gpt-4o", filepath.Join(t.TempDir(), "agents.json"))
	env.server.provisioner = p

	require.NoError(t, p.Apply(provision.ApplyRequest{Scenario: "telco-noc"}))
	w := env.do(t, http.MethodPost, "/config/apply",
		map[string]string{"scenario": "other"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	close(release)
	p.Wait()
}

func TestApplyConfig_RejectedAttemptKeepsReplay(t *testing.T) {
	env := newTestEnv(t)

	release := make(chan struct{})
	rt := &blockingRuntime{Stub: agentrt.NewStub(), release: release}
	p := provision.New(env.broker, rt, env.store, env.scenarios,
		config.ProvisionConfig{BaseURL: "http://localhost:8080"},
		"gpt-4o", filepath.Join(t.TempDir(), "agents.json"))
	env.server.provisioner = p

	require.NoError(t, p.Apply(provision.ApplyRequest{Scenario: "telco-noc"}))

	w := env.do(t, http.MethodPost, "/config/apply",
		map[string]string{"scenario": "other"}, nil)
	require.Equal(t, http.StatusConflict, w.Code)

	close(release)
	p.Wait()

	// The rejected attempt must not have touched the ring: a subscriber
	// attaching now still replays the winning activation start to finish.
	ch, cancel := env.broker.Subscribe(events.SourceProvision)
	defer cancel()
	var kinds []events.Kind
	for evt := range ch {
		kinds = append(kinds, evt.Kind)
	}
	assert.Contains(t, kinds, events.KindProgress)
	require.NotEmpty(t, kinds)
	assert.Equal(t, events.KindComplete, kinds[len(kinds)-1])
}

type blockingRuntime struct {
	*agentrt.Stub
	release chan struct{}
}

func (r *blockingRuntime) EnsureAgent(ctx context.Context, def agentrt.AgentDef) (string, error) {
	<-r.release
	return r.Stub.EnsureAgent(ctx, def)
}

func TestListPrompts_ContentStripping(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Upsert(context.Background(), store.ContainerPrompts, store.Document{
		"id":       "telco-noc__graph-explorer__v1",
		"scenario": "telco-noc",
		"agent":    "graph-explorer",
		"content":  "very long instructions",
	}))

	w := env.do(t, http.MethodGet, "/prompts?scenario=telco-noc", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	prompts := body["prompts"].([]any)
	require.Len(t, prompts, 1)
	assert.NotContains(t, prompts[0].(map[string]any), "content")

	w = env.do(t, http.MethodGet, "/prompts?scenario=telco-noc&include_content=true", nil, nil)
	body = decodeBody(t, w)
	prompts = body["prompts"].([]any)
	assert.Equal(t, "very long instructions", prompts[0].(map[string]any)["content"])
}

func TestStreamLogs_DeliversLogEvents(t *testing.T) {
	env := newTestEnv(t)
	env.broker.Publish(events.SourceLogs, events.KindLog, map[string]any{
		"message": "backend instantiated",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/logs", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	assert.Contains(t, w.Body.String(), "backend instantiated")
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}
