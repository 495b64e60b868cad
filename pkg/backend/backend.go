// Package backend provides the pluggable data-source layer: a common query
// protocol, a string-keyed registry of connector factories, and a
// process-wide cache of live backend instances.
//
// Query errors are carried in the result body, never as Go errors or HTTP
// failure statuses. The consumers of these results are LLM agents calling
// through an HTTP tool that treats non-200 responses as fatal; an error in
// the body lets the agent read it, fix its query, and retry.
package backend

import (
	"context"
	"errors"
)

// ErrIngestNotSupported is returned by backends whose data is loaded through
// external tooling rather than the ingestion pipeline (GQL, KQL).
var ErrIngestNotSupported = errors.New("ingest not supported by this backend")

// QueryResult is the uniform shape of a query response. Error, when set,
// describes a failure the caller (an LLM agent) is expected to act on.
type QueryResult struct {
	Columns []string `json:"columns"`
	Data    [][]any  `json:"data"`
	Error   string   `json:"error,omitempty"`
}

// ErrorResult builds a QueryResult carrying only an error message.
func ErrorResult(msg string) QueryResult {
	return QueryResult{Columns: []string{}, Data: [][]any{}, Error: msg}
}

// QueryOptions carries per-request routing detail into a backend.
type QueryOptions struct {
	GraphName string
	Database  string
	Container string
}

// Node is a topology vertex.
type Node struct {
	ID         string         `json:"id"`
	Label      string         `json:"label"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Edge is a topology edge.
type Edge struct {
	ID         string         `json:"id"`
	Label      string         `json:"label"`
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Properties map[string]any `json:"properties,omitempty"`
}

// TopologyMeta summarizes a topology response.
type TopologyMeta struct {
	NodeCount int      `json:"node_count"`
	EdgeCount int      `json:"edge_count"`
	Labels    []string `json:"labels,omitempty"`
	// Skipped counts response rows that did not carry the expected shape
	// markers and were dropped rather than failing the whole response.
	Skipped int `json:"skipped,omitempty"`
}

// Topology is the visualisation payload. Like QueryResult, failures are
// carried in Error.
type Topology struct {
	Nodes []Node       `json:"nodes"`
	Edges []Edge       `json:"edges"`
	Meta  TopologyMeta `json:"meta"`
	Error string       `json:"error,omitempty"`
}

// ErrorTopology builds a Topology carrying only an error message.
func ErrorTopology(msg string) Topology {
	return Topology{Nodes: []Node{}, Edges: []Edge{}, Error: msg}
}

// Vertex is one vertex row for ingestion.
type Vertex struct {
	ID         string
	Label      string
	Properties map[string]any
}

// EdgeInput is one edge row for ingestion.
type EdgeInput struct {
	ID         string
	Label      string
	Source     string
	Target     string
	Properties map[string]any
}

// IngestOptions carries ingestion targets and a progress callback invoked
// every progress interval (implementation-chosen) with rows done so far.
type IngestOptions struct {
	GraphName     string
	GraphDatabase string
	Progress      func(step string, done, total int)
}

// IngestCounts reports rows written by an ingest call.
type IngestCounts struct {
	Vertices int `json:"vertices"`
	Edges    int `json:"edges"`
}

// Backend is the common protocol every connector implements.
//
// ExecuteQuery and GetTopology never return Go errors; failures are in the
// result body (see package doc). Ingest and Close use normal error returns
// because their callers are our own pipelines, not LLM agents.
type Backend interface {
	ExecuteQuery(ctx context.Context, query string, opts QueryOptions) QueryResult
	GetTopology(ctx context.Context, query string, vertexLabels []string) Topology
	Ingest(ctx context.Context, vertices []Vertex, edges []EdgeInput, opts IngestOptions) (IngestCounts, error)

	// Close releases backend resources. Idempotent; must serialize against
	// in-flight queries so closing never corrupts another caller's result.
	Close(ctx context.Context) error
}
