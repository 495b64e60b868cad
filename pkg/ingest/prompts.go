package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opsgraph/sleuth/pkg/store"
)

// promptVersion is the version stamped on uploaded prompts. Re-uploads
// overwrite v1 in place; version history is not kept.
const promptVersion = 1

// ingestPrompts handles the prompts kind. The archive holds markdown
// organized by agent: either one "{agent}.md" file or an "{agent}/"
// directory of fragments concatenated in filename order. One document per
// agent, keyed "{scenario}__{agent}__v1".
func (p *Pipeline) ingestPrompts(ctx context.Context, source, dir, override string) (string, map[string]int, error) {
	name, err := resolveName(override, readOptionalName(dir))
	if err != nil {
		return "", nil, err
	}

	files, err := listFiles(dir)
	if err != nil {
		return name, nil, fmt.Errorf("scan archive: %w", err)
	}

	agents := map[string][]string{} // agent -> fragment paths, sorted below
	for _, rel := range files {
		if rel == manifestFile || !strings.HasSuffix(rel, ".md") {
			continue
		}
		agent := promptAgent(rel)
		agents[agent] = append(agents[agent], rel)
	}
	if len(agents) == 0 {
		return name, nil, fmt.Errorf("prompts archive contains no markdown files")
	}

	if err := p.store.EnsureContainer(ctx, store.ContainerPrompts); err != nil {
		return name, nil, fmt.Errorf("create prompts container: %w", err)
	}

	done := 0
	for _, agent := range sortedKeys(agents) {
		paths := agents[agent]
		sort.Strings(paths)
		var parts []string
		for _, rel := range paths {
			content, err := os.ReadFile(filepath.Join(dir, rel))
			if err != nil {
				return name, map[string]int{"prompts": done}, fmt.Errorf("read %s: %w", rel, err)
			}
			parts = append(parts, strings.TrimSpace(string(content)))
		}

		id := store.JoinID(name, agent, fmt.Sprintf("v%d", promptVersion))
		if err := store.ValidateID(id); err != nil {
			return name, map[string]int{"prompts": done}, fmt.Errorf("prompt id %q: %w", id, err)
		}
		doc := store.Document{
			"id":         id,
			"scenario":   name,
			"agent":      agent,
			"version":    promptVersion,
			"content":    strings.Join(parts, "\n\n"),
			"updated_at": time.Now().UTC().Format(time.RFC3339),
		}
		if err := p.store.Upsert(ctx, store.ContainerPrompts, doc); err != nil {
			return name, map[string]int{"prompts": done}, fmt.Errorf("upsert prompt %s: %w", id, err)
		}
		done++
		p.progress(source, "upserting", id, 10+done*80/len(agents))
	}

	return name, map[string]int{"prompts": done}, nil
}

// promptAgent derives the agent name from a file path: the top directory,
// or the file basename for flat archives.
func promptAgent(rel string) string {
	if i := strings.IndexByte(rel, '/'); i > 0 {
		return rel[:i]
	}
	return strings.TrimSuffix(rel, ".md")
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
