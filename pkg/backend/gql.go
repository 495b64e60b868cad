package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/opsgraph/sleuth/pkg/config"
	"github.com/opsgraph/sleuth/pkg/credentials"
)

// GQL speaks ISO GQL against a remote REST endpoint, authenticated with a
// bearer token from the credential provider. 429 responses are retried up
// to gqlMaxAttempts times with a linear (15s × attempt) backoff, and the
// token is re-acquired between attempts in case throttling outlived its
// validity.
type GQL struct {
	cfg       config.GQLConfig
	graphName string
	creds     credentials.Provider
	client    *http.Client

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(time.Duration)

	mu     sync.Mutex
	closed bool
}

const gqlMaxAttempts = 5

// NewGQL creates a GQL backend bound to one graph.
func NewGQL(cfg config.GQLConfig, graphName string, creds credentials.Provider) *GQL {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &GQL{
		cfg:       cfg,
		graphName: graphName,
		creds:     creds,
		client:    &http.Client{Timeout: timeout},
		sleep:     time.Sleep,
	}
}

// gqlResponse is the remote endpoint's result envelope.
type gqlResponse struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	Error   string           `json:"error"`
}

func (b *GQL) ExecuteQuery(ctx context.Context, query string, opts QueryOptions) QueryResult {
	if b.isClosed() {
		return ErrorResult("backend closed")
	}
	if b.cfg.Endpoint == "" {
		return ErrorResult("gql backend not configured: set gql endpoint")
	}

	resp, err := b.post(ctx, query)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if resp.Error != "" {
		return ErrorResult(resp.Error)
	}

	res := QueryResult{Columns: resp.Columns, Data: [][]any{}}
	for _, row := range resp.Rows {
		out := make([]any, len(resp.Columns))
		for i, col := range resp.Columns {
			out[i] = row[col]
		}
		res.Data = append(res.Data, out)
	}
	return res
}

// GetTopology runs the default full-graph query and parses rows carrying the
// _id/_label/_source/_target shape markers. Rows missing the markers are
// skipped and counted in meta rather than failing the response: the remote
// response shape has been observed to drift.
func (b *GQL) GetTopology(ctx context.Context, query string, vertexLabels []string) Topology {
	if query == "" {
		query = "MATCH (n) OPTIONAL MATCH (n)-[r]->(m) RETURN n, r, m LIMIT 2000"
	}
	if b.isClosed() {
		return ErrorTopology("backend closed")
	}

	resp, err := b.post(ctx, query)
	if err != nil {
		return ErrorTopology(err.Error())
	}
	if resp.Error != "" {
		return ErrorTopology(resp.Error)
	}

	want := make(map[string]bool, len(vertexLabels))
	for _, l := range vertexLabels {
		want[l] = true
	}

	topo := Topology{Nodes: []Node{}, Edges: []Edge{}}
	seenNodes := make(map[string]bool)
	for _, row := range resp.Rows {
		for _, cell := range row {
			m, ok := cell.(map[string]any)
			if !ok {
				continue
			}
			id, _ := m["_id"].(string)
			label, _ := m["_label"].(string)
			source, _ := m["_source"].(string)
			target, _ := m["_target"].(string)

			switch {
			case id != "" && source != "" && target != "":
				topo.Edges = append(topo.Edges, Edge{ID: id, Label: label, Source: source, Target: target})
			case id != "":
				if seenNodes[id] || (len(want) > 0 && !want[label]) {
					continue
				}
				seenNodes[id] = true
				topo.Nodes = append(topo.Nodes, Node{ID: id, Label: label, Properties: scrubMarkers(m)})
			default:
				topo.Meta.Skipped++
			}
		}
	}
	topo.Meta.NodeCount = len(topo.Nodes)
	topo.Meta.EdgeCount = len(topo.Edges)
	return topo
}

// Ingest is not supported: GQL graph data is loaded by external tooling.
func (b *GQL) Ingest(context.Context, []Vertex, []EdgeInput, IngestOptions) (IngestCounts, error) {
	return IngestCounts{}, ErrIngestNotSupported
}

func (b *GQL) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *GQL) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// post submits the query with retry on 429. Auth failures are not retried
// beyond the token re-acquisition that already happens between attempts.
func (b *GQL) post(ctx context.Context, query string) (*gqlResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= gqlMaxAttempts; attempt++ {
		if attempt > 1 {
			// Linear backoff; the remote throttles in long windows.
			b.sleep(time.Duration(attempt-1) * 15 * time.Second)
			b.creds.Invalidate(b.cfg.Scope)
		}

		token, err := b.creds.Token(ctx, b.cfg.Scope)
		if err != nil {
			return nil, fmt.Errorf("acquire token: %w", err)
		}

		body, err := json.Marshal(map[string]any{
			"graph": b.graphName,
			"query": query,
		})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := b.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("gql endpoint unreachable: %w", err)
		}
		raw, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("read gql response: %w", readErr)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("gql throttled (attempt %d/%d)", attempt, gqlMaxAttempts)
			slog.Warn("GQL backend throttled", "graph", b.graphName, "attempt", attempt)
			continue
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("gql auth failed: status %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("gql query failed: status %d: %s", resp.StatusCode, truncate(raw, 200))
		}

		var parsed gqlResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("malformed gql response: %w", err)
		}
		return &parsed, nil
	}
	return nil, fmt.Errorf("gql retries exhausted: %w", lastErr)
}

func scrubMarkers(m map[string]any) map[string]any {
	props := make(map[string]any)
	for k, v := range m {
		if len(k) > 0 && k[0] == '_' {
			continue
		}
		props[k] = v
	}
	if len(props) == 0 {
		return nil
	}
	return props
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
