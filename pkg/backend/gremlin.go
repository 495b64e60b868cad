package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/opsgraph/sleuth/pkg/config"
)

// Gremlin speaks the gremlin-server websocket protocol against a managed
// graph database. The wire protocol supports key auth only (no federated
// identity), so the account key travels in the SASL handshake.
//
// Rate-limit (429/x-ms-status 429) and handshake failures are retried with
// bounded exponential backoff, at most gremlinMaxAttempts attempts.
type Gremlin struct {
	cfg       config.GremlinConfig
	graphName string

	// newBackOff is swapped in tests to avoid real retry waits.
	newBackOff func() backoff.BackOff

	// mu serializes queries and close. Gremlin-server multiplexes by
	// requestId, but a connect-per-query model with a single in-flight
	// request keeps close-vs-query interleavings trivially safe.
	mu     sync.Mutex
	closed bool
}

const (
	gremlinMaxAttempts = 3
	gremlinMimeType    = "application/vnd.gremlin-v2.0+json"
	ingestProgressStep = 100
)

// NewGremlin creates a gremlin backend bound to one graph.
func NewGremlin(cfg config.GremlinConfig, graphName string) *Gremlin {
	return &Gremlin{
		cfg:        cfg,
		graphName:  graphName,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// gremlinRequest is the eval frame sent to the server.
type gremlinRequest struct {
	RequestID string         `json:"requestId"`
	Op        string         `json:"op"`
	Processor string         `json:"processor"`
	Args      map[string]any `json:"args"`
}

// gremlinResponse is one result frame. 200 terminal, 206 partial, 407
// authentication challenge, 429 throttled.
type gremlinResponse struct {
	RequestID string `json:"requestId"`
	Status    struct {
		Code       int            `json:"code"`
		Message    string         `json:"message"`
		Attributes map[string]any `json:"attributes"`
	} `json:"status"`
	Result struct {
		Data []any `json:"data"`
	} `json:"result"`
}

func (g *Gremlin) ExecuteQuery(ctx context.Context, query string, opts QueryOptions) QueryResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrorResult("backend closed")
	}
	if g.cfg.Endpoint == "" || g.cfg.Key == "" {
		return ErrorResult("gremlin backend not configured: set gremlin endpoint, key and database")
	}

	data, err := g.submit(ctx, query)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return rowsFromGremlin(data)
}

func (g *Gremlin) GetTopology(ctx context.Context, query string, vertexLabels []string) Topology {
	if query == "" {
		query = "g.V().limit(500)"
	}
	res := g.ExecuteQuery(ctx, query, QueryOptions{})
	if res.Error != "" {
		return ErrorTopology(res.Error)
	}

	edgeRes := g.ExecuteQuery(ctx, "g.E().limit(2000)", QueryOptions{})
	if edgeRes.Error != "" {
		return ErrorTopology(edgeRes.Error)
	}
	return topologyFromGremlin(res, edgeRes, vertexLabels)
}

func (g *Gremlin) Ingest(ctx context.Context, vertices []Vertex, edges []EdgeInput, opts IngestOptions) (IngestCounts, error) {
	counts := IngestCounts{}

	for i, v := range vertices {
		q := addVertexQuery(v, g.cfg.Database)
		if res := g.ExecuteQuery(ctx, q, QueryOptions{}); res.Error != "" {
			return counts, fmt.Errorf("vertex %s: %s", v.ID, res.Error)
		}
		counts.Vertices++
		if opts.Progress != nil && (i+1)%ingestProgressStep == 0 {
			opts.Progress("vertices", i+1, len(vertices))
		}
	}
	if opts.Progress != nil {
		opts.Progress("vertices", len(vertices), len(vertices))
	}

	for i, e := range edges {
		q := addEdgeQuery(e)
		if res := g.ExecuteQuery(ctx, q, QueryOptions{}); res.Error != "" {
			return counts, fmt.Errorf("edge %s: %s", e.ID, res.Error)
		}
		counts.Edges++
		if opts.Progress != nil && (i+1)%ingestProgressStep == 0 {
			opts.Progress("edges", i+1, len(edges))
		}
	}
	if opts.Progress != nil {
		opts.Progress("edges", len(edges), len(edges))
	}
	return counts, nil
}

func (g *Gremlin) Close(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

// DropAll removes every vertex (and thereby every edge) in the graph. Used
// by the ingestion pipeline when a re-upload requests a clean slate.
func (g *Gremlin) DropAll(ctx context.Context) error {
	if res := g.ExecuteQuery(ctx, "g.V().drop()", QueryOptions{}); res.Error != "" {
		return fmt.Errorf("drop graph: %s", res.Error)
	}
	return nil
}

// submit dials, authenticates, evaluates the query, and collects result
// frames. Retried on throttling and handshake errors.
func (g *Gremlin) submit(ctx context.Context, query string) ([]any, error) {
	var data []any

	operation := func() error {
		var err error
		data, err = g.submitOnce(ctx, query)
		if err == nil {
			return nil
		}
		if isGremlinRetryable(err) {
			slog.Warn("Gremlin query retryable failure", "graph", g.graphName, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		g.newBackOff(), gremlinMaxAttempts-1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return data, nil
}

func (g *Gremlin) submitOnce(ctx context.Context, query string) ([]any, error) {
	timeout := g.cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, _, err := dialer.DialContext(dialCtx, g.cfg.Endpoint, nil)
	if err != nil {
		return nil, &retryableError{fmt.Errorf("gremlin handshake failed: %w", err)}
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))

	requestID := uuid.New().String()
	if err := writeGremlinFrame(conn, gremlinRequest{
		RequestID: requestID,
		Op:        "eval",
		Args: map[string]any{
			"gremlin":  query,
			"language": "gremlin-groovy",
		},
	}); err != nil {
		return nil, fmt.Errorf("send query: %w", err)
	}

	var data []any
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		var resp gremlinResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("malformed response frame: %w", err)
		}

		switch resp.Status.Code {
		case 200, 204:
			return append(data, resp.Result.Data...), nil
		case 206:
			data = append(data, resp.Result.Data...)
		case 407:
			// SASL challenge: username is the collection path, password the key.
			user := fmt.Sprintf("/dbs/%s/colls/%s", g.cfg.Database, g.graphName)
			if err := writeGremlinFrame(conn, gremlinRequest{
				RequestID: requestID,
				Op:        "authentication",
				Args: map[string]any{
					"sasl": saslPlain(user, g.cfg.Key),
				},
			}); err != nil {
				return nil, fmt.Errorf("send auth: %w", err)
			}
		case 429:
			return nil, &retryableError{fmt.Errorf("gremlin throttled: %s", resp.Status.Message)}
		default:
			return nil, fmt.Errorf("gremlin query failed (status %d): %s",
				resp.Status.Code, resp.Status.Message)
		}
	}
}

func writeGremlinFrame(conn *websocket.Conn, req gremlinRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	// Binary frame: one length byte, the mime type, then the JSON body.
	frame := make([]byte, 0, 1+len(gremlinMimeType)+len(payload))
	frame = append(frame, byte(len(gremlinMimeType)))
	frame = append(frame, gremlinMimeType...)
	frame = append(frame, payload...)
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

func saslPlain(user, pass string) string {
	raw := append([]byte{0}, []byte(user)...)
	raw = append(raw, 0)
	raw = append(raw, []byte(pass)...)
	return base64.StdEncoding.EncodeToString(raw)
}

// retryableError marks failures worth another attempt (throttling, handshake).
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isGremlinRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// rowsFromGremlin flattens gremlin result data into the uniform row shape.
// Vertex/edge maps become (id, label, properties) rows; scalars become
// single-column rows.
func rowsFromGremlin(data []any) QueryResult {
	res := QueryResult{Columns: []string{"result"}, Data: [][]any{}}
	structured := false
	for _, item := range data {
		if m, ok := item.(map[string]any); ok {
			structured = true
			res.Data = append(res.Data, []any{m["id"], m["label"], m["properties"]})
			continue
		}
		res.Data = append(res.Data, []any{item})
	}
	if structured {
		res.Columns = []string{"id", "label", "properties"}
	}
	return res
}

func topologyFromGremlin(vertexRes, edgeRes QueryResult, vertexLabels []string) Topology {
	want := make(map[string]bool, len(vertexLabels))
	for _, l := range vertexLabels {
		want[l] = true
	}

	topo := Topology{Nodes: []Node{}, Edges: []Edge{}}
	for _, row := range vertexRes.Data {
		if len(row) < 2 {
			topo.Meta.Skipped++
			continue
		}
		id, _ := row[0].(string)
		label, _ := row[1].(string)
		if id == "" || (len(want) > 0 && !want[label]) {
			continue
		}
		props, _ := row[2].(map[string]any)
		topo.Nodes = append(topo.Nodes, Node{ID: id, Label: label, Properties: props})
	}
	for _, row := range edgeRes.Data {
		props, _ := row[2].(map[string]any)
		id, _ := row[0].(string)
		label, _ := row[1].(string)
		source, _ := stringProp(props, "outV")
		target, _ := stringProp(props, "inV")
		if id == "" || source == "" || target == "" {
			topo.Meta.Skipped++
			continue
		}
		topo.Edges = append(topo.Edges, Edge{ID: id, Label: label, Source: source, Target: target})
	}
	topo.Meta.NodeCount = len(topo.Nodes)
	topo.Meta.EdgeCount = len(topo.Edges)
	return topo
}

func stringProp(props map[string]any, key string) (string, bool) {
	if props == nil {
		return "", false
	}
	s, ok := props[key].(string)
	return s, ok
}

// addVertexQuery builds an idempotent upsert traversal for one vertex.
func addVertexQuery(v Vertex, partition string) string {
	q := fmt.Sprintf(
		"g.V(%q).fold().coalesce(unfold(), addV(%q).property('id', %q).property('pk', %q))",
		v.ID, v.Label, v.ID, partition)
	for k, val := range v.Properties {
		q += fmt.Sprintf(".property(%q, %q)", k, fmt.Sprint(val))
	}
	return q
}

// addEdgeQuery builds an idempotent upsert traversal for one edge.
func addEdgeQuery(e EdgeInput) string {
	q := fmt.Sprintf(
		"g.V(%q).as('s').V(%q).coalesce(inE(%q).where(outV().as('s')), addE(%q).from('s').property('id', %q))",
		e.Source, e.Target, e.Label, e.Label, e.ID)
	for k, val := range e.Properties {
		q += fmt.Sprintf(".property(%q, %q)", k, fmt.Sprint(val))
	}
	return q
}
