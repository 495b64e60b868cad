package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/opsgraph/sleuth/pkg/config"
	"github.com/opsgraph/sleuth/pkg/credentials"
)

// Kusto speaks KQL against a cluster URI with bearer auth. Telemetry only:
// topology and ingest are not served from KQL clusters (their data arrives
// through external pipelines).
type Kusto struct {
	cfg    config.KustoConfig
	creds  credentials.Provider
	client *http.Client

	mu     sync.Mutex
	closed bool
}

// NewKusto creates a KQL backend.
func NewKusto(cfg config.KustoConfig, creds credentials.Provider) *Kusto {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Kusto{cfg: cfg, creds: creds, client: &http.Client{Timeout: timeout}}
}

// kustoResponse is the v2 REST protocol frame list; the primary result
// carries columns and rows.
type kustoResponse []struct {
	FrameType string `json:"FrameType"`
	TableKind string `json:"TableKind"`
	Columns   []struct {
		ColumnName string `json:"ColumnName"`
	} `json:"Columns"`
	Rows [][]any `json:"Rows"`
}

func (b *Kusto) ExecuteQuery(ctx context.Context, query string, opts QueryOptions) QueryResult {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrorResult("backend closed")
	}
	if b.cfg.ClusterURI == "" {
		return ErrorResult("kusto backend not configured: set kusto cluster_uri and database")
	}

	token, err := b.creds.Token(ctx, b.cfg.Scope)
	if err != nil {
		return ErrorResult(fmt.Sprintf("acquire token: %v", err))
	}

	database := opts.Database
	if database == "" {
		database = b.cfg.Database
	}
	body, err := json.Marshal(map[string]any{"db": database, "csl": query})
	if err != nil {
		return ErrorResult(err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.cfg.ClusterURI+"/v2/rest/query", bytes.NewReader(body))
	if err != nil {
		return ErrorResult(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := b.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("kusto cluster unreachable: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read kusto response: %v", err))
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrorResult("kusto throttled; retry shortly")
	}
	if resp.StatusCode != http.StatusOK {
		return ErrorResult(fmt.Sprintf("kusto query failed: status %d: %s",
			resp.StatusCode, truncate(raw, 200)))
	}

	var frames kustoResponse
	if err := json.Unmarshal(raw, &frames); err != nil {
		return ErrorResult(fmt.Sprintf("malformed kusto response: %v", err))
	}
	for _, frame := range frames {
		if frame.FrameType != "DataTable" || frame.TableKind != "PrimaryResult" {
			continue
		}
		res := QueryResult{Data: frame.Rows}
		for _, c := range frame.Columns {
			res.Columns = append(res.Columns, c.ColumnName)
		}
		if res.Data == nil {
			res.Data = [][]any{}
		}
		return res
	}
	return ErrorResult("kusto response contained no primary result table")
}

func (b *Kusto) GetTopology(context.Context, string, []string) Topology {
	return ErrorTopology("topology queries are not supported on the kusto backend; it serves telemetry only")
}

func (b *Kusto) Ingest(context.Context, []Vertex, []EdgeInput, IngestOptions) (IngestCounts, error) {
	return IngestCounts{}, ErrIngestNotSupported
}

func (b *Kusto) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
