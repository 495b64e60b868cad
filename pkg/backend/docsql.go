package backend

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opsgraph/sleuth/pkg/config"
)

// DocSQL speaks the document database's SQL dialect over REST for telemetry
// queries. Auth is the master-key HMAC signature scheme (the data plane does
// not take bearer tokens on key-auth accounts).
type DocSQL struct {
	cfg    config.DocSQLConfig
	client *http.Client

	mu     sync.Mutex
	closed bool
}

// NewDocSQL creates a document-SQL backend.
func NewDocSQL(cfg config.DocSQLConfig) *DocSQL {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &DocSQL{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (b *DocSQL) ExecuteQuery(ctx context.Context, query string, opts QueryOptions) QueryResult {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrorResult("backend closed")
	}
	if b.cfg.Endpoint == "" || b.cfg.Key == "" {
		return ErrorResult("docsql backend not configured: set docsql endpoint and key")
	}
	if opts.Container == "" {
		return ErrorResult("docsql query requires a container")
	}

	database := opts.Database
	if database == "" {
		database = b.cfg.Database
	}
	resource := fmt.Sprintf("dbs/%s/colls/%s", database, opts.Container)

	body, err := json.Marshal(map[string]any{
		"query":      query,
		"parameters": []any{},
	})
	if err != nil {
		return ErrorResult(err.Error())
	}

	endpoint := strings.TrimRight(b.cfg.Endpoint, "/") + "/" + resource + "/docs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return ErrorResult(err.Error())
	}

	date := time.Now().UTC().Format(http.TimeFormat)
	sig, err := signMasterKey(b.cfg.Key, http.MethodPost, "docs", resource, date)
	if err != nil {
		return ErrorResult(fmt.Sprintf("sign request: %v", err))
	}
	req.Header.Set("Authorization", sig)
	req.Header.Set("x-ms-date", date)
	req.Header.Set("x-ms-version", "2018-12-31")
	req.Header.Set("x-ms-documentdb-isquery", "true")
	req.Header.Set("x-ms-documentdb-query-enablecrosspartition", "true")
	req.Header.Set("Content-Type", "application/query+json")

	resp, err := b.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("docsql endpoint unreachable: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read docsql response: %v", err))
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrorResult(fmt.Sprintf("container %s not found in database %s", opts.Container, database))
	case http.StatusTooManyRequests:
		return ErrorResult("docsql throttled; retry shortly")
	default:
		return ErrorResult(fmt.Sprintf("docsql query failed: status %d: %s",
			resp.StatusCode, truncate(raw, 200)))
	}

	var parsed struct {
		Documents []map[string]any `json:"Documents"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ErrorResult(fmt.Sprintf("malformed docsql response: %v", err))
	}
	return rowsFromDocuments(parsed.Documents)
}

func (b *DocSQL) GetTopology(context.Context, string, []string) Topology {
	return ErrorTopology("topology queries are not supported on the docsql backend; it serves telemetry only")
}

func (b *DocSQL) Ingest(context.Context, []Vertex, []EdgeInput, IngestOptions) (IngestCounts, error) {
	return IngestCounts{}, ErrIngestNotSupported
}

func (b *DocSQL) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// rowsFromDocuments derives a stable column set (union of keys, sorted) and
// projects each document onto it.
func rowsFromDocuments(docs []map[string]any) QueryResult {
	colSet := make(map[string]bool)
	for _, d := range docs {
		for k := range d {
			if strings.HasPrefix(k, "_") {
				continue // store-internal fields (_rid, _etag, ...)
			}
			colSet[k] = true
		}
	}
	columns := make([]string, 0, len(colSet))
	for k := range colSet {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	res := QueryResult{Columns: columns, Data: [][]any{}}
	for _, d := range docs {
		row := make([]any, len(columns))
		for i, c := range columns {
			row[i] = d[c]
		}
		res.Data = append(res.Data, row)
	}
	return res
}

// signMasterKey produces the document store's keyed-hash authorization
// header for one request.
func signMasterKey(key, verb, resourceType, resourceLink, date string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("key is not valid base64: %w", err)
	}
	payload := strings.ToLower(verb) + "\n" +
		strings.ToLower(resourceType) + "\n" +
		resourceLink + "\n" +
		strings.ToLower(date) + "\n\n"

	mac := hmac.New(sha256.New, decoded)
	mac.Write([]byte(payload))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return url.QueryEscape("type=master&ver=1.0&sig=" + sig), nil
}
