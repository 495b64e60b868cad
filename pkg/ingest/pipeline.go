// Package ingest implements the streaming upload path: archive extraction,
// manifest schema validation, per-kind resource creation and data upsert,
// with fine-grained progress published through the shared event broker.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsgraph/sleuth/pkg/backend"
	"github.com/opsgraph/sleuth/pkg/config"
	"github.com/opsgraph/sleuth/pkg/events"
	"github.com/opsgraph/sleuth/pkg/scenario"
	"github.com/opsgraph/sleuth/pkg/store"
)

// Kind identifies one of the five upload kinds.
type Kind string

const (
	KindGraph     Kind = "graph"
	KindTelemetry Kind = "telemetry"
	KindRunbooks  Kind = "runbooks"
	KindTickets   Kind = "tickets"
	KindPrompts   Kind = "prompts"
)

// ParseKind validates an upload kind from the request path.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindGraph, KindTelemetry, KindRunbooks, KindTickets, KindPrompts:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown upload kind %q", s)
}

// Pipeline runs uploads. One Pipeline per process.
type Pipeline struct {
	broker    *events.Broker
	store     store.Store
	backends  *backend.Registry
	scenarios *scenario.Registry
	defaults  config.DefaultsConfig
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// New creates the ingestion pipeline.
func New(broker *events.Broker, st store.Store, backends *backend.Registry,
	scenarios *scenario.Registry, defaults config.DefaultsConfig) *Pipeline {
	return &Pipeline{
		broker:    broker,
		store:     st,
		backends:  backends,
		scenarios: scenarios,
		defaults:  defaults,
		logger:    slog.With("component", "ingest"),
	}
}

// Upload starts processing an archive and returns the upload id whose event
// stream (events.UploadSource) carries progress until a terminal complete or
// error event. The override name, when non-empty, is authoritative over any
// name the archive's manifest declares.
func (p *Pipeline) Upload(kind Kind, archive io.Reader, overrideName string) string {
	uploadID := uuid.New().String()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// Detached from the request context: a disconnected subscriber must
		// not abort a half-finished resource creation.
		p.run(context.Background(), uploadID, kind, archive, overrideName)
	}()
	return uploadID
}

// Wait blocks until in-flight uploads finish. Used during shutdown.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) run(ctx context.Context, uploadID string, kind Kind, archive io.Reader, overrideName string) {
	source := events.UploadSource(uploadID)
	started := time.Now()
	p.progress(source, "extracting", "unpacking archive", 0)

	dir, err := os.MkdirTemp("", "sleuth-upload-*")
	if err != nil {
		p.fail(source, kind, overrideName, fmt.Errorf("create staging dir: %w", err))
		return
	}
	defer func() { _ = os.RemoveAll(dir) }()

	if err := extractArchive(archive, dir); err != nil {
		p.fail(source, kind, overrideName, err)
		return
	}

	var counts map[string]int
	var name string
	switch kind {
	case KindGraph:
		name, counts, err = p.ingestGraph(ctx, source, dir, overrideName)
	case KindTelemetry:
		name, counts, err = p.ingestTelemetry(ctx, source, dir, overrideName)
	case KindRunbooks, KindTickets:
		name, counts, err = p.ingestDocuments(ctx, source, dir, overrideName, kind)
	case KindPrompts:
		name, counts, err = p.ingestPrompts(ctx, source, dir, overrideName)
	default:
		err = fmt.Errorf("unknown upload kind %q", kind)
	}
	if err != nil {
		p.fail(source, kind, name, err)
		return
	}

	p.recordStatus(ctx, name, kind, "complete", counts)
	payload := map[string]any{"counts": counts, "scenario": name}
	p.broker.Complete(source, payload)
	p.logger.Info("Upload complete", "upload_id", uploadID, "kind", kind,
		"scenario", name, "elapsed", time.Since(started).Round(time.Millisecond))
}

// resolveName applies the authoritative override-over-manifest rule, shared
// by all five kinds, then validates the result.
func resolveName(override, manifestName string) (string, error) {
	name := override
	if name == "" {
		name = manifestName
	}
	if name == "" {
		return "", fmt.Errorf("no scenario name: pass ?scenario_name= or declare name in the manifest")
	}
	if err := scenario.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

func (p *Pipeline) progress(source, step, detail string, pct int) {
	p.broker.Publish(source, events.KindProgress, map[string]any{
		"step":   step,
		"detail": detail,
		"pct":    pct,
	})
}

func (p *Pipeline) fail(source string, kind Kind, name string, err error) {
	p.logger.Error("Upload failed", "kind", kind, "scenario", name, "error", err)
	if name != "" {
		p.recordStatus(context.Background(), name, kind, "failed", nil)
	}
	p.broker.Fail(source, err.Error())
}

func (p *Pipeline) recordStatus(ctx context.Context, name string, kind Kind, status string, counts map[string]int) {
	if name == "" || p.scenarios == nil {
		return
	}
	err := p.scenarios.RecordUpload(ctx, name, string(kind), scenario.UploadStatus{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Counts:    counts,
	})
	if err != nil {
		p.logger.Warn("Failed to record upload status", "scenario", name, "kind", kind, "error", err)
	}
}
