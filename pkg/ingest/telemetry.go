package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/opsgraph/sleuth/pkg/scenario"
	"github.com/opsgraph/sleuth/pkg/store"
)

const (
	telemetryManifestFile  = "telemetry.yaml"
	telemetryBatchSize     = 200
	telemetryUpsertWorkers = 4
)

func (p *Pipeline) ingestTelemetry(ctx context.Context, source, dir, override string) (string, map[string]int, error) {
	raw, err := os.ReadFile(filepath.Join(dir, telemetryManifestFile))
	if err != nil {
		return "", nil, fmt.Errorf("telemetry archive must contain %s at its root: %w", telemetryManifestFile, err)
	}
	var m TelemetryManifest
	if err := parseManifest(raw, "telemetry.schema.json", &m); err != nil {
		return "", nil, err
	}

	name, err := resolveName(override, m.Name)
	if err != nil {
		return "", nil, err
	}

	counts := map[string]int{}
	for ci, tc := range m.Containers {
		table, err := readCSV(filepath.Join(dir, tc.File))
		if err != nil {
			return name, counts, fmt.Errorf("telemetry file %s: %w", tc.File, err)
		}
		if err := table.requireColumns(tc.File, tc.NumericColumns); err != nil {
			return name, counts, err
		}

		// Same last-hyphen suffix convention the resolver derives names
		// with; see scenario.Prefix.
		container := scenario.TelemetryContainer(name, tc.Name)
		p.progress(source, "creating_container", container, 10+ci*5)
		if err := p.store.EnsureContainer(ctx, container); err != nil {
			return name, counts, fmt.Errorf("create telemetry container %s: %w", container, err)
		}

		docs := telemetryDocs(table, &tc)
		if err := p.upsertBatches(ctx, source, container, docs); err != nil {
			return name, counts, err
		}
		counts[tc.Name] = len(docs)
	}
	return name, counts, nil
}

// telemetryDocs converts CSV rows to documents, coercing declared numeric
// columns. Ids are deterministic per row so re-runs upsert in place.
func telemetryDocs(table *csvTable, tc *TelemetryContainer) []store.Document {
	numeric := make(map[string]bool, len(tc.NumericColumns))
	for _, c := range tc.NumericColumns {
		numeric[c] = true
	}

	docs := make([]store.Document, 0, len(table.Rows))
	for n, row := range table.Rows {
		doc := store.Document{"id": store.JoinID(tc.Name, fmt.Sprintf("%06d", n))}
		for i, col := range table.Header {
			if i >= len(row) {
				continue
			}
			if numeric[col] {
				if f, err := strconv.ParseFloat(row[i], 64); err == nil {
					doc[col] = f
					continue
				}
			}
			doc[col] = row[i]
		}
		docs = append(docs, doc)
	}
	return docs
}

// upsertBatches writes documents in bounded-parallel batches.
func (p *Pipeline) upsertBatches(ctx context.Context, source, container string, docs []store.Document) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(telemetryUpsertWorkers)

	for start := 0; start < len(docs); start += telemetryBatchSize {
		end := min(start+telemetryBatchSize, len(docs))
		batch := docs[start:end]
		g.Go(func() error {
			for _, doc := range batch {
				if err := p.store.Upsert(ctx, container, doc); err != nil {
					return fmt.Errorf("upsert into %s: %w", container, err)
				}
			}
			return nil
		})
		p.progress(source, "upserting", fmt.Sprintf("%s %d/%d", container, end, len(docs)),
			20+end*70/max(len(docs), 1))
	}
	return g.Wait()
}
