package scenario

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/opsgraph/sleuth/pkg/store"
)

// Manifest is the parsed content of a scenario's declared config: data
// sources, agent definitions, search indexes, visualization hints. It is the
// source of truth for per-scenario routing and provisioning decisions.
type Manifest struct {
	Name          string                `yaml:"name" json:"name"`
	DisplayName   string                `yaml:"display_name" json:"display_name"`
	Description   string                `yaml:"description" json:"description"`
	DataSources   map[string]DataSource `yaml:"data_sources" json:"data_sources"`
	Agents        []AgentSpec           `yaml:"agents" json:"agents"`
	SearchIndexes map[string]string     `yaml:"search_indexes" json:"search_indexes"`
	Visualization map[string]any        `yaml:"visualization" json:"visualization,omitempty"`
}

// DataSource declares one backing store for a scenario role (graph,
// telemetry, ...). Connector is a backend registry key.
type DataSource struct {
	Connector string         `yaml:"connector" json:"connector"`
	Config    map[string]any `yaml:"config" json:"config,omitempty"`
}

// AgentSpec declares one agent: identity, model, prompt source, and tools.
// Exactly one of Prompt (single file) or PromptDir (fragment directory) is
// set. ConnectedAgents is meaningful only on the orchestrator.
type AgentSpec struct {
	Name            string     `yaml:"name" json:"name"`
	Role            string     `yaml:"role" json:"role"`
	Model           string     `yaml:"model" json:"model"`
	Prompt          string     `yaml:"prompt" json:"prompt,omitempty"`
	PromptDir       string     `yaml:"prompt_dir" json:"prompt_dir,omitempty"`
	DataSource      string     `yaml:"data_source" json:"data_source,omitempty"`
	Tools           []ToolSpec `yaml:"tools" json:"tools"`
	Orchestrator    bool       `yaml:"orchestrator" json:"orchestrator,omitempty"`
	ConnectedAgents []string   `yaml:"connected_agents" json:"connected_agents,omitempty"`
}

// ToolSpec declares one tool binding on an agent.
type ToolSpec struct {
	// Type is one of "openapi", "azure_ai_search", "connected_agent".
	Type string `yaml:"type" json:"type"`
	// Template names the openapi spec template to fill.
	Template string `yaml:"template" json:"template,omitempty"`
	// Index is the search-index key declared under search_indexes.
	Index string `yaml:"index" json:"index,omitempty"`
}

// ParseManifest decodes a scenario manifest from YAML.
func ParseManifest(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse scenario manifest: %w", err)
	}
	return &m, nil
}

// Orchestrator returns the declared orchestrator agent, or nil.
func (m *Manifest) Orchestrator() *AgentSpec {
	for i := range m.Agents {
		if m.Agents[i].Orchestrator {
			return &m.Agents[i]
		}
	}
	return nil
}

// SaveManifest persists a manifest under the scenario's name. Write path:
// the config container is created if absent.
func (r *Registry) SaveManifest(ctx context.Context, m *Manifest) error {
	if err := ValidateName(m.Name); err != nil {
		return err
	}
	doc, err := encodeDoc(m)
	if err != nil {
		return fmt.Errorf("encode manifest %s: %w", m.Name, err)
	}
	doc["id"] = m.Name
	doc["scenario_name"] = m.Name
	if err := r.store.EnsureContainer(ctx, store.ContainerConfigs); err != nil {
		return fmt.Errorf("ensure config container: %w", err)
	}
	if err := r.store.Upsert(ctx, store.ContainerConfigs, doc); err != nil {
		return fmt.Errorf("save manifest %s: %w", m.Name, err)
	}
	return nil
}

// LoadManifest fetches the stored manifest for a scenario.
func (r *Registry) LoadManifest(ctx context.Context, name string) (*Manifest, error) {
	doc, err := r.store.Get(ctx, store.ContainerConfigs, name)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := decodeDoc(doc, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", name, err)
	}
	return &m, nil
}
