package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opsgraph/sleuth/pkg/scenario"
	"github.com/opsgraph/sleuth/pkg/store"
)

// searchIndexContainer holds the search-index descriptors built after a
// runbooks or tickets upload.
const searchIndexContainer = "search_indexes"

// manifestFile optionally declares the scenario name for document and prompt
// archives (the graph and telemetry kinds have their own typed manifests).
const manifestFile = "manifest.yaml"

// ingestDocuments handles the runbooks and tickets kinds: upload every
// document, then build the search-index descriptor pointing at the container.
func (p *Pipeline) ingestDocuments(ctx context.Context, source, dir, override string, kind Kind) (string, map[string]int, error) {
	name, err := resolveName(override, readOptionalName(dir))
	if err != nil {
		return "", nil, err
	}

	files, err := listFiles(dir)
	if err != nil {
		return name, nil, fmt.Errorf("scan archive: %w", err)
	}

	container := name + "-" + string(kind)
	p.progress(source, "creating_container", container, 10)
	if err := p.store.EnsureContainer(ctx, container); err != nil {
		return name, nil, fmt.Errorf("create document container %s: %w", container, err)
	}

	uploaded := 0
	for _, rel := range files {
		if rel == manifestFile {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			return name, map[string]int{"documents": uploaded}, fmt.Errorf("read %s: %w", rel, err)
		}
		doc := store.Document{
			"id":       documentID(rel),
			"scenario": name,
			"path":     rel,
			"content":  string(content),
		}
		if err := p.store.Upsert(ctx, container, doc); err != nil {
			return name, map[string]int{"documents": uploaded},
				fmt.Errorf("upload %s into %s: %w", rel, container, err)
		}
		uploaded++
		p.progress(source, "uploading", fmt.Sprintf("%d/%d %s", uploaded, len(files), rel),
			10+uploaded*70/max(len(files), 1))
	}

	// Index naming follows the same derived-resource convention the
	// provisioner binds search tools to.
	indexName := scenario.DeriveResources(name).RunbooksIndex
	if kind == KindTickets {
		indexName = scenario.DeriveResources(name).TicketsIndex
	}
	p.progress(source, "building_index", indexName, 90)
	if err := p.store.EnsureContainer(ctx, searchIndexContainer); err != nil {
		return name, nil, fmt.Errorf("create index container: %w", err)
	}
	err = p.store.Upsert(ctx, searchIndexContainer, store.Document{
		"id":               indexName,
		"scenario":         name,
		"kind":             string(kind),
		"source_container": container,
		"document_count":   uploaded,
		"built_at":         time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return name, nil, fmt.Errorf("build index %s: %w", indexName, err)
	}

	return name, map[string]int{"documents": uploaded}, nil
}

// documentID maps an archive path to a legal document id.
func documentID(rel string) string {
	return strings.NewReplacer("/", "__", `\`, "__", "?", "-", "#", "-").Replace(rel)
}

// readOptionalName pulls the scenario name out of an optional manifest.yaml.
func readOptionalName(dir string) string {
	raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return ""
	}
	var m struct {
		Name string `yaml:"name"`
	}
	if yaml.Unmarshal(raw, &m) != nil {
		return ""
	}
	return m.Name
}
