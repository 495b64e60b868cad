package backend

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Mock is the static in-memory backend used for offline tests and demo mode.
// Data comes from CSV files (vertices.csv / edges.csv in a data directory)
// or, when no directory is configured, a built-in demo topology. Queries are
// pattern-matched natural language, not parsed.
type Mock struct {
	mu       sync.RWMutex
	vertices []Vertex
	edges    []EdgeInput
	closed   bool
}

// NewMock creates a mock backend. dataDir may be empty (built-in topology)
// or name a directory containing vertices.csv and edges.csv with at least
// id,label columns (edges: id,label,source,target); remaining columns become
// properties.
func NewMock(dataDir string) (*Mock, error) {
	m := &Mock{}
	if dataDir == "" {
		m.vertices, m.edges = builtinTopology()
		return m, nil
	}
	vertices, err := loadVertexCSV(filepath.Join(dataDir, "vertices.csv"))
	if err != nil {
		return nil, err
	}
	edges, err := loadEdgeCSV(filepath.Join(dataDir, "edges.csv"))
	if err != nil {
		return nil, err
	}
	m.vertices, m.edges = vertices, edges
	return m, nil
}

func (m *Mock) ExecuteQuery(_ context.Context, query string, _ QueryOptions) QueryResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrorResult("backend closed")
	}

	q := strings.ToLower(query)
	switch {
	case strings.Contains(q, "count"):
		return QueryResult{
			Columns: []string{"vertices", "edges"},
			Data:    [][]any{{len(m.vertices), len(m.edges)}},
		}
	case strings.Contains(q, "label"):
		labels := m.labels()
		rows := make([][]any, 0, len(labels))
		for _, l := range labels {
			rows = append(rows, []any{l})
		}
		return QueryResult{Columns: []string{"label"}, Data: rows}
	case strings.Contains(q, "neighbor") || strings.Contains(q, "connected"):
		return m.neighborsOf(q)
	default:
		// Fall back to matching vertex names mentioned in the query.
		var rows [][]any
		for _, v := range m.vertices {
			if strings.Contains(q, strings.ToLower(v.ID)) ||
				strings.Contains(q, strings.ToLower(nameOf(v))) {
				rows = append(rows, []any{v.ID, v.Label, v.Properties})
			}
		}
		if len(rows) == 0 {
			return QueryResult{
				Columns: []string{"hint"},
				Data: [][]any{{
					"no match; try asking for counts, labels, a vertex by name, or neighbors of <id>",
				}},
			}
		}
		return QueryResult{Columns: []string{"id", "label", "properties"}, Data: rows}
	}
}

func (m *Mock) GetTopology(_ context.Context, _ string, vertexLabels []string) Topology {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrorTopology("backend closed")
	}

	want := make(map[string]bool, len(vertexLabels))
	for _, l := range vertexLabels {
		want[strings.ToLower(l)] = true
	}

	topo := Topology{Nodes: []Node{}, Edges: []Edge{}}
	kept := make(map[string]bool)
	for _, v := range m.vertices {
		if len(want) > 0 && !want[strings.ToLower(v.Label)] {
			continue
		}
		kept[v.ID] = true
		topo.Nodes = append(topo.Nodes, Node{ID: v.ID, Label: v.Label, Properties: v.Properties})
	}
	for _, e := range m.edges {
		if !kept[e.Source] || !kept[e.Target] {
			continue
		}
		topo.Edges = append(topo.Edges, Edge{
			ID: e.ID, Label: e.Label, Source: e.Source, Target: e.Target, Properties: e.Properties,
		})
	}
	topo.Meta = TopologyMeta{
		NodeCount: len(topo.Nodes),
		EdgeCount: len(topo.Edges),
		Labels:    m.labels(),
	}
	return topo
}

// Ingest replaces the mock data set. Useful in tests exercising the full
// upload-then-query round trip without external stores.
func (m *Mock) Ingest(_ context.Context, vertices []Vertex, edges []EdgeInput, opts IngestOptions) (IngestCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return IngestCounts{}, fmt.Errorf("backend closed")
	}
	m.vertices = append([]Vertex(nil), vertices...)
	m.edges = append([]EdgeInput(nil), edges...)
	if opts.Progress != nil {
		opts.Progress("vertices", len(vertices), len(vertices))
		opts.Progress("edges", len(edges), len(edges))
	}
	return IngestCounts{Vertices: len(vertices), Edges: len(edges)}, nil
}

func (m *Mock) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Mock) labels() []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range m.vertices {
		if !seen[v.Label] {
			seen[v.Label] = true
			out = append(out, v.Label)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Mock) neighborsOf(q string) QueryResult {
	var rows [][]any
	for _, e := range m.edges {
		if strings.Contains(q, strings.ToLower(e.Source)) {
			rows = append(rows, []any{e.Source, e.Label, e.Target})
		} else if strings.Contains(q, strings.ToLower(e.Target)) {
			rows = append(rows, []any{e.Target, e.Label, e.Source})
		}
	}
	return QueryResult{Columns: []string{"vertex", "relationship", "neighbor"}, Data: rows}
}

func nameOf(v Vertex) string {
	if n, ok := v.Properties["name"].(string); ok {
		return n
	}
	return v.ID
}

func loadVertexCSV(path string) ([]Vertex, error) {
	header, rows, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	idx := columnIndex(header)
	if _, ok := idx["id"]; !ok {
		return nil, fmt.Errorf("%s: missing required column \"id\"", path)
	}
	var out []Vertex
	for _, row := range rows {
		v := Vertex{
			ID:         row[idx["id"]],
			Label:      cell(row, idx, "label"),
			Properties: properties(header, row, "id", "label"),
		}
		out = append(out, v)
	}
	return out, nil
}

func loadEdgeCSV(path string) ([]EdgeInput, error) {
	header, rows, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	idx := columnIndex(header)
	for _, required := range []string{"id", "source", "target"} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("%s: missing required column %q", path, required)
		}
	}
	var out []EdgeInput
	for _, row := range rows {
		out = append(out, EdgeInput{
			ID:         row[idx["id"]],
			Label:      cell(row, idx, "label"),
			Source:     row[idx["source"]],
			Target:     row[idx["target"]],
			Properties: properties(header, row, "id", "label", "source", "target"),
		})
	}
	return out, nil
}

func readCSV(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open mock data: %w", err)
	}
	defer func() { _ = f.Close() }()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("%s: empty file", path)
	}
	return records[0], records[1:], nil
}

func columnIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return idx
}

func cell(row []string, idx map[string]int, name string) string {
	if i, ok := idx[name]; ok && i < len(row) {
		return row[i]
	}
	return ""
}

func properties(header, row []string, reserved ...string) map[string]any {
	skip := make(map[string]bool, len(reserved))
	for _, r := range reserved {
		skip[r] = true
	}
	props := make(map[string]any)
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if skip[key] || i >= len(row) || row[i] == "" {
			continue
		}
		props[key] = row[i]
	}
	if len(props) == 0 {
		return nil
	}
	return props
}

// builtinTopology is a small telco network used when no data directory is
// configured: two sites joined by a fibre link, with routers and services.
func builtinTopology() ([]Vertex, []EdgeInput) {
	vertices := []Vertex{
		{ID: "SITE-SYD", Label: "site", Properties: map[string]any{"name": "Sydney"}},
		{ID: "SITE-MEL", Label: "site", Properties: map[string]any{"name": "Melbourne"}},
		{ID: "RTR-SYD-01", Label: "router", Properties: map[string]any{"name": "syd-core-01"}},
		{ID: "RTR-MEL-01", Label: "router", Properties: map[string]any{"name": "mel-core-01"}},
		{ID: "LINK-SYD-MEL-FIBRE-01", Label: "link", Properties: map[string]any{"medium": "fibre", "status": "down"}},
		{ID: "SVC-VOIP", Label: "service", Properties: map[string]any{"name": "voip", "tier": "critical"}},
	}
	edges := []EdgeInput{
		{ID: "e1", Label: "hosts", Source: "SITE-SYD", Target: "RTR-SYD-01"},
		{ID: "e2", Label: "hosts", Source: "SITE-MEL", Target: "RTR-MEL-01"},
		{ID: "e3", Label: "terminates", Source: "RTR-SYD-01", Target: "LINK-SYD-MEL-FIBRE-01"},
		{ID: "e4", Label: "terminates", Source: "RTR-MEL-01", Target: "LINK-SYD-MEL-FIBRE-01"},
		{ID: "e5", Label: "depends_on", Source: "SVC-VOIP", Target: "LINK-SYD-MEL-FIBRE-01"},
	}
	return vertices, edges
}
