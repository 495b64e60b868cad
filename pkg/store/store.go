// Package store provides a minimal document-store abstraction serving
// scenarios, scenario configs, prompts, and interaction history. One
// interface, two implementations: MongoDB for deployments and an in-memory
// stub for tests and local development.
//
// Container creation is split into control plane and data plane. Creating a
// container can block for tens of seconds on managed document databases, so
// read paths never create: only EnsureContainer (used by ingest and other
// write paths) may touch the control plane. A read against a missing
// container fails fast with ErrNotFound.
package store

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a document or container does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrInvalidID is returned for document ids violating the id constraints.
	ErrInvalidID = errors.New("invalid document id")
)

// Well-known containers. Partition keys follow the persisted-state layout:
// scenarios partition by id, configs by scenario name, prompts by agent,
// interaction history by scenario.
const (
	ContainerScenarios    = "scenarios"
	ContainerConfigs      = "scenario_configs"
	ContainerPrompts      = "prompts"
	ContainerInteractions = "interaction_history"
)

// PartitionKey returns the partition key path for a well-known container.
func PartitionKey(container string) string {
	switch container {
	case ContainerScenarios:
		return "/id"
	case ContainerConfigs:
		return "/scenario_name"
	case ContainerPrompts:
		return "/agent"
	case ContainerInteractions:
		return "/scenario"
	default:
		return "/id"
	}
}

// Document is a schemaless record. Every document carries an "id" field.
type Document = map[string]any

// Store is the document-store contract. All methods are safe for concurrent
// use.
type Store interface {
	// Get fetches one document by id. Missing container or document yields
	// ErrNotFound. Never creates resources.
	Get(ctx context.Context, container, id string) (Document, error)

	// Upsert writes a document (doc["id"] required), overwriting in place.
	Upsert(ctx context.Context, container string, doc Document) error

	// Query returns documents matching all equality conditions in filter.
	// A nil or empty filter returns the whole container. Missing container
	// yields an empty result, not an error.
	Query(ctx context.Context, container string, filter map[string]any) ([]Document, error)

	// Delete removes one document by id. Missing document yields ErrNotFound.
	Delete(ctx context.Context, container, id string) error

	// EnsureContainer performs control-plane creation of a container if it
	// does not exist. Only write/ingest paths call this; it may block.
	EnsureContainer(ctx context.Context, container string) error

	// Close releases underlying connections. Idempotent.
	Close(ctx context.Context) error
}

// ValidateID enforces the document-id constraints: non-empty and none of
// the characters / \ ? # (reserved by the backing stores). Segments are
// joined with "__", see JoinID.
func ValidateID(id string) error {
	if id == "" {
		return ErrInvalidID
	}
	if strings.ContainsAny(id, `/\?#`) {
		return ErrInvalidID
	}
	return nil
}

// JoinID joins id segments with the double-underscore separator, e.g.
// JoinID("telco-noc", "telemetry", "v1") → "telco-noc__telemetry__v1".
func JoinID(segments ...string) string {
	return strings.Join(segments, "__")
}
