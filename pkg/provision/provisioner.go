// Package provision creates or updates the agent set on the hosted runtime
// for one scenario: system prompts composed from fragments, openapi tool
// specs filled from templates, search and connected-agent tools wired, and
// the resulting agent-id map recorded for the orchestration bridge.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/opsgraph/sleuth/pkg/agentrt"
	"github.com/opsgraph/sleuth/pkg/config"
	"github.com/opsgraph/sleuth/pkg/events"
	"github.com/opsgraph/sleuth/pkg/scenario"
	"github.com/opsgraph/sleuth/pkg/store"
)

// ErrActivationInProgress is returned while another activation holds the
// process-wide activation lock. Queries are unaffected; only concurrent
// provisioner runs are serialized, because interleaved agent writes would
// corrupt the connected-agent wiring.
var ErrActivationInProgress = errors.New("a scenario activation is already in progress")

// ApplyRequest selects the scenario to activate. Explicit bindings override
// the names derived from the scenario.
type ApplyRequest struct {
	Scenario       string `json:"scenario,omitempty"`
	Graph          string `json:"graph,omitempty"`
	RunbooksIndex  string `json:"runbooks_index,omitempty"`
	TicketsIndex   string `json:"tickets_index,omitempty"`
	PromptScenario string `json:"prompt_scenario,omitempty"`
}

// bindings are the fully resolved activation targets.
type bindings struct {
	scenario       string
	graph          string
	runbooksIndex  string
	ticketsIndex   string
	promptScenario string
}

// Provisioner rebuilds agent tool wiring. One per process.
type Provisioner struct {
	broker    *events.Broker
	runtime   agentrt.Runtime
	store     store.Store
	scenarios *scenario.Registry
	cfg       config.ProvisionConfig
	model     string
	mapPath   string
	logger    *slog.Logger

	activating sync.Mutex
	wg         sync.WaitGroup

	idMu     sync.RWMutex
	agentIDs map[string]string
}

// New creates a Provisioner. An existing agent map at mapPath is loaded so
// the bridge can run without re-provisioning after a restart.
func New(broker *events.Broker, runtime agentrt.Runtime, st store.Store,
	scenarios *scenario.Registry, cfg config.ProvisionConfig, model, mapPath string) *Provisioner {
	p := &Provisioner{
		broker:    broker,
		runtime:   runtime,
		store:     st,
		scenarios: scenarios,
		cfg:       cfg,
		model:     model,
		mapPath:   mapPath,
		logger:    slog.With("component", "provision"),
		agentIDs:  map[string]string{},
	}
	p.loadAgentMap()
	return p
}

// AgentIDs returns a copy of the current agent-id map (name to runtime id).
func (p *Provisioner) AgentIDs() map[string]string {
	p.idMu.RLock()
	defer p.idMu.RUnlock()
	out := make(map[string]string, len(p.agentIDs))
	for k, v := range p.agentIDs {
		out[k] = v
	}
	return out
}

// Apply starts an activation; progress streams on events.SourceProvision
// until a terminal complete or error event. Returns ErrActivationInProgress
// if another activation holds the lock.
func (p *Provisioner) Apply(req ApplyRequest) error {
	b, err := resolveBindings(req)
	if err != nil {
		return err
	}
	if !p.activating.TryLock() {
		return ErrActivationInProgress
	}

	// Clear the previous activation's ring under the lock, before any event
	// of this activation is published. A concurrent attempt that loses the
	// TryLock never reaches this line, so it cannot discard a live
	// activation's replay tail.
	p.broker.DropSource(events.SourceProvision)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.activating.Unlock()
		p.run(context.Background(), b)
	}()
	return nil
}

// Wait blocks until an in-flight activation finishes.
func (p *Provisioner) Wait() {
	p.wg.Wait()
}

func resolveBindings(req ApplyRequest) (bindings, error) {
	name := req.Scenario
	if name == "" && req.Graph != "" {
		name = scenario.Prefix(req.Graph)
	}
	if name == "" {
		return bindings{}, fmt.Errorf("apply request names no scenario (set scenario or graph)")
	}
	if err := scenario.ValidateName(name); err != nil {
		return bindings{}, err
	}

	res := scenario.DeriveResources(name)
	b := bindings{
		scenario:       name,
		graph:          res.Graph,
		runbooksIndex:  res.RunbooksIndex,
		ticketsIndex:   res.TicketsIndex,
		promptScenario: res.Prompts,
	}
	if req.Graph != "" {
		b.graph = req.Graph
	}
	if req.RunbooksIndex != "" {
		b.runbooksIndex = req.RunbooksIndex
	}
	if req.TicketsIndex != "" {
		b.ticketsIndex = req.TicketsIndex
	}
	if req.PromptScenario != "" {
		b.promptScenario = req.PromptScenario
	}
	return b, nil
}

func (p *Provisioner) run(ctx context.Context, b bindings) {
	source := events.SourceProvision
	started := time.Now()

	m := p.manifestFor(ctx, b.scenario)
	orch := m.Orchestrator()
	if orch == nil {
		p.broker.Fail(source, fmt.Sprintf("scenario %s declares no orchestrator agent", b.scenario))
		return
	}

	subAgents := make([]scenario.AgentSpec, 0, len(m.Agents))
	for _, a := range m.Agents {
		if !a.Orchestrator {
			subAgents = append(subAgents, a)
		}
	}

	ids := map[string]string{}
	total := len(subAgents) + 1
	for i, agent := range subAgents {
		p.progressStep(source, "creating_agent", agent.Name, i, total)
		id, err := p.provisionAgent(ctx, m, b, agent, nil)
		if err != nil {
			p.broker.Fail(source, err.Error())
			return
		}
		ids[agent.Name] = id
	}

	// The orchestrator goes last: its connected-agent tools reference the
	// sub-agent ids assigned above.
	p.progressStep(source, "creating_agent", orch.Name, len(subAgents), total)
	orchID, err := p.provisionAgent(ctx, m, b, *orch, connectedTools(*orch, subAgents, ids))
	if err != nil {
		p.broker.Fail(source, err.Error())
		return
	}
	ids[orch.Name] = orchID

	p.setAgentMap(ids)
	if err := p.writeAgentMap(ids); err != nil {
		p.logger.Warn("Failed to persist agent map", "path", p.mapPath, "error", err)
	}

	p.logger.Info("Scenario activated", "scenario", b.scenario,
		"agents", len(ids), "elapsed", time.Since(started).Round(time.Millisecond))
	p.broker.Complete(source, map[string]any{
		"scenario": b.scenario,
		"agents":   ids,
	})
}

func (p *Provisioner) progressStep(source, step, detail string, done, total int) {
	p.broker.Publish(source, events.KindProgress, map[string]any{
		"step":   step,
		"detail": detail,
		"pct":    done * 100 / total,
	})
}

// provisionAgent composes the prompt, builds the tool list, and creates or
// updates the agent on the runtime. extraTools carries the orchestrator's
// connected-agent tools.
func (p *Provisioner) provisionAgent(ctx context.Context, m *scenario.Manifest, b bindings,
	agent scenario.AgentSpec, extraTools []agentrt.Tool) (string, error) {

	connector := m.DataSources[agent.DataSource].Connector
	language := "mock"
	if connector != "" {
		language = connectorLanguage(connector)
	}

	prompt, err := p.composePrompt(ctx, b.promptScenario, agent, language)
	if err != nil {
		return "", err
	}

	var tools []agentrt.Tool
	for _, t := range agent.Tools {
		switch t.Type {
		case "openapi":
			spec, err := p.fillTemplate(t.Template, b.graph, language)
			if err != nil {
				return "", fmt.Errorf("agent %s: %w", agent.Name, err)
			}
			tools = append(tools, agentrt.Tool{Type: "openapi", Spec: spec})
		case "azure_ai_search":
			tools = append(tools, agentrt.Tool{
				Type:  "azure_ai_search",
				Index: p.searchIndex(m, b, t.Index),
			})
		case "connected_agent":
			// Built from sub-agent ids after those agents exist.
		default:
			return "", fmt.Errorf("agent %s declares unknown tool type %q", agent.Name, t.Type)
		}
	}
	tools = append(tools, extraTools...)

	model := agent.Model
	if model == "" {
		model = p.model
	}
	id, err := p.runtime.EnsureAgent(ctx, agentrt.AgentDef{
		Name:         agent.Name,
		Model:        model,
		Instructions: prompt,
		Tools:        tools,
	})
	if err != nil {
		return "", fmt.Errorf("provision agent %s: %w", agent.Name, err)
	}
	return id, nil
}

// searchIndex resolves a declared index key against the manifest, falling
// back to the derived per-scenario index names.
func (p *Provisioner) searchIndex(m *scenario.Manifest, b bindings, key string) string {
	if idx, ok := m.SearchIndexes[key]; ok && idx != "" {
		return idx
	}
	switch key {
	case "tickets":
		return b.ticketsIndex
	default:
		return b.runbooksIndex
	}
}

// connectedTools builds the orchestrator's connected-agent tool list. The
// declared connected_agents order wins; otherwise every sub-agent is wired
// in manifest order.
func connectedTools(orch scenario.AgentSpec, subAgents []scenario.AgentSpec, ids map[string]string) []agentrt.Tool {
	names := orch.ConnectedAgents
	if len(names) == 0 {
		for _, a := range subAgents {
			names = append(names, a.Name)
		}
	}
	var tools []agentrt.Tool
	for _, name := range names {
		id, ok := ids[name]
		if !ok {
			continue
		}
		tools = append(tools, agentrt.Tool{
			Type:        "connected_agent",
			AgentID:     id,
			Description: fmt.Sprintf("Delegate to the %s agent for its specialty.", name),
		})
	}
	return tools
}

// manifestFor loads the stored manifest, or substitutes the standard
// five-agent layout when the scenario has never uploaded one.
func (p *Provisioner) manifestFor(ctx context.Context, name string) *scenario.Manifest {
	if m, err := p.scenarios.LoadManifest(ctx, name); err == nil {
		return m
	}
	p.logger.Info("No stored manifest, using standard agent layout", "scenario", name)
	return defaultManifest(name)
}

// defaultManifest is the standard investigation team: four specialists and
// an orchestrator, all on the mock connector.
func defaultManifest(name string) *scenario.Manifest {
	return &scenario.Manifest{
		Name: name,
		DataSources: map[string]scenario.DataSource{
			"graph":     {Connector: string(config.BackendMock)},
			"telemetry": {Connector: string(config.BackendMock)},
		},
		Agents: []scenario.AgentSpec{
			{
				Name: "graph-explorer", Role: "graph", DataSource: "graph",
				Tools: []scenario.ToolSpec{
					{Type: "openapi", Template: "graph_query"},
					{Type: "openapi", Template: "topology"},
				},
			},
			{
				Name: "telemetry-analyst", Role: "telemetry", DataSource: "telemetry",
				Tools: []scenario.ToolSpec{{Type: "openapi", Template: "telemetry_query"}},
			},
			{
				Name: "runbook-knowledge", Role: "runbooks",
				Tools: []scenario.ToolSpec{{Type: "azure_ai_search", Index: "runbooks"}},
			},
			{
				Name: "ticket-historian", Role: "tickets",
				Tools: []scenario.ToolSpec{{Type: "azure_ai_search", Index: "tickets"}},
			},
			{
				Name: "orchestrator", Role: "orchestrator", Orchestrator: true,
				Tools: []scenario.ToolSpec{{Type: "connected_agent"}},
			},
		},
	}
}

func (p *Provisioner) setAgentMap(ids map[string]string) {
	p.idMu.Lock()
	defer p.idMu.Unlock()
	p.agentIDs = ids
}

func (p *Provisioner) writeAgentMap(ids map[string]string) error {
	if p.mapPath == "" {
		return nil
	}
	raw, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p.mapPath, raw, 0o644)
}

func (p *Provisioner) loadAgentMap() {
	if p.mapPath == "" {
		return
	}
	raw, err := os.ReadFile(p.mapPath)
	if err != nil {
		return
	}
	var ids map[string]string
	if err := json.Unmarshal(raw, &ids); err != nil {
		p.logger.Warn("Agent map file is unreadable, ignoring", "path", p.mapPath, "error", err)
		return
	}
	p.agentIDs = ids
}
