package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opsgraph/sleuth/pkg/backend"
	"github.com/opsgraph/sleuth/pkg/config"
	"github.com/opsgraph/sleuth/pkg/scenario"
	"github.com/opsgraph/sleuth/pkg/store"
)

// graphManifestFile is the expected manifest name inside a graph archive.
const graphManifestFile = "schema.yaml"

// dropper is implemented by backends that can clear a graph before reload.
type dropper interface {
	DropAll(ctx context.Context) error
}

func (p *Pipeline) ingestGraph(ctx context.Context, source, dir, override string) (string, map[string]int, error) {
	raw, err := os.ReadFile(filepath.Join(dir, graphManifestFile))
	if err != nil {
		return "", nil, fmt.Errorf("graph archive must contain %s at its root: %w", graphManifestFile, err)
	}
	var m GraphManifest
	if err := parseManifest(raw, "graph.schema.json", &m); err != nil {
		return "", nil, err
	}

	name, err := resolveName(override, m.Name)
	if err != nil {
		return "", nil, err
	}

	p.progress(source, "validating", "checking referenced CSV files", 5)
	vertices, edges, err := loadGraphData(dir, &m)
	if err != nil {
		return name, nil, err
	}

	// The -topology suffix here must stay in lockstep with the resolver's
	// Prefix derivation (split on last hyphen): data written under any other
	// suffix would be unreachable at query time.
	graphName := scenario.DeriveResources(name).Graph

	be, err := p.backends.Get(ctx, p.graphBackendType(ctx, name), graphName)
	if err != nil {
		return name, nil, fmt.Errorf("acquire graph backend: %w", err)
	}

	if m.DropExisting {
		if d, ok := be.(dropper); ok {
			p.progress(source, "dropping", "clearing existing graph data", 10)
			if err := d.DropAll(ctx); err != nil {
				return name, nil, fmt.Errorf("drop existing graph %s: %w", graphName, err)
			}
		}
	}

	total := len(vertices) + len(edges)
	p.progress(source, "creating_graph", fmt.Sprintf("0/%d", total), 15)
	counts, err := be.Ingest(ctx, vertices, edges, backend.IngestOptions{
		GraphName:     graphName,
		GraphDatabase: p.defaults.GraphDB,
		Progress: func(step string, done, rows int) {
			pct := 15
			if total > 0 {
				pct = 15 + done*80/total
			}
			p.progress(source, step, fmt.Sprintf("%d/%d", done, rows), pct)
		},
	})
	if err != nil {
		if errors.Is(err, backend.ErrIngestNotSupported) {
			return name, nil, fmt.Errorf("graph backend for %s loads data externally: %w", name, err)
		}
		// Partial state stands; an idempotent re-run recovers via upserts.
		return name, map[string]int{"vertices": counts.Vertices, "edges": counts.Edges},
			fmt.Errorf("graph ingest stopped at %d vertices, %d edges: %w",
				counts.Vertices, counts.Edges, err)
	}

	return name, map[string]int{"vertices": counts.Vertices, "edges": counts.Edges}, nil
}

// graphBackendType picks the connector declared by the stored scenario
// manifest, falling back to the process default.
func (p *Pipeline) graphBackendType(ctx context.Context, name string) config.BackendType {
	if p.scenarios != nil {
		if m, err := p.scenarios.LoadManifest(ctx, name); err == nil {
			if t := config.BackendType(m.DataSources["graph"].Connector); config.IsKnownBackend(t) {
				return t
			}
		}
	}
	return p.defaults.Backend
}

// loadGraphData verifies and parses every referenced CSV. Vertex files need
// an "id" column; declared columns must all exist.
func loadGraphData(dir string, m *GraphManifest) ([]backend.Vertex, []backend.EdgeInput, error) {
	var vertices []backend.Vertex
	for _, vf := range m.Vertices {
		table, err := readCSV(filepath.Join(dir, vf.File))
		if err != nil {
			return nil, nil, fmt.Errorf("vertex file %s: %w", vf.File, err)
		}
		if err := table.requireColumns(vf.File, append([]string{"id"}, vf.Columns...)); err != nil {
			return nil, nil, err
		}
		idCol := table.columnIndex("id")
		for _, row := range table.Rows {
			v := backend.Vertex{ID: row[idCol], Label: vf.Label, Properties: map[string]any{}}
			for i, col := range table.Header {
				if col == "id" || i >= len(row) {
					continue
				}
				v.Properties[col] = row[i]
			}
			vertices = append(vertices, v)
		}
	}

	var edges []backend.EdgeInput
	for _, ef := range m.Edges {
		table, err := readCSV(filepath.Join(dir, ef.File))
		if err != nil {
			return nil, nil, fmt.Errorf("edge file %s: %w", ef.File, err)
		}
		required := append([]string{ef.SourceColumn, ef.TargetColumn}, ef.Columns...)
		if err := table.requireColumns(ef.File, required); err != nil {
			return nil, nil, err
		}
		srcCol := table.columnIndex(ef.SourceColumn)
		dstCol := table.columnIndex(ef.TargetColumn)
		idCol := table.columnIndex("id")
		for n, row := range table.Rows {
			e := backend.EdgeInput{
				Label:      ef.Label,
				Source:     row[srcCol],
				Target:     row[dstCol],
				Properties: map[string]any{},
			}
			if idCol >= 0 {
				e.ID = row[idCol]
			} else {
				e.ID = store.JoinID(ef.Label, fmt.Sprint(n))
			}
			for i, col := range table.Header {
				if i >= len(row) || col == "id" || col == ef.SourceColumn || col == ef.TargetColumn {
					continue
				}
				e.Properties[col] = row[i]
			}
			edges = append(edges, e)
		}
	}
	return vertices, edges, nil
}
