// Package agentrt defines the contract with the external hosted-agent
// runtime: agent CRUD keyed by name, thread and message management, and run
// execution with synchronous event callbacks. Two implementations exist: an
// HTTP client for a real runtime and a deterministic stub for local
// development and tests.
package agentrt

import (
	"context"
	"time"
)

// RunStatus is the terminal or in-flight state of a run.
type RunStatus string

const (
	StatusQueued     RunStatus = "queued"
	StatusInProgress RunStatus = "in_progress"
	StatusCompleted  RunStatus = "completed"
	StatusFailed     RunStatus = "failed"
	StatusCancelled  RunStatus = "cancelled"
)

// Tool is one tool binding on an agent definition.
type Tool struct {
	// Type is "openapi", "azure_ai_search", or "connected_agent".
	Type string `json:"type"`
	// Spec is the filled openapi document for openapi tools.
	Spec map[string]any `json:"spec,omitempty"`
	// Index is the search-index name for search tools.
	Index string `json:"index,omitempty"`
	// AgentID references the target agent for connected-agent tools.
	AgentID string `json:"agent_id,omitempty"`
	// Description tells the orchestrator when to invoke a connected agent.
	Description string `json:"description,omitempty"`
}

// AgentDef is the full definition of one agent, idempotent by Name.
type AgentDef struct {
	Name         string `json:"name"`
	Model        string `json:"model"`
	Instructions string `json:"instructions"`
	Tools        []Tool `json:"tools"`
}

// AgentInfo identifies a provisioned agent.
type AgentInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Step is one run step as reported by the runtime.
type Step struct {
	Index    int           `json:"index"`
	Agent    string        `json:"agent"`
	Query    string        `json:"query,omitempty"`
	Response string        `json:"response,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Callbacks receives run events. The runtime invokes them synchronously from
// the Run call; callers that need async delivery bridge them onto a channel
// from a dedicated goroutine. Any callback may be nil.
type Callbacks struct {
	OnRunUpdate    func(status RunStatus)
	OnStepStart    func(step Step)
	OnStepComplete func(step Step)
	OnMessage      func(text string)
}

// RunResult summarizes a finished run.
type RunResult struct {
	Status  RunStatus     `json:"status"`
	Steps   int           `json:"steps"`
	Tokens  int           `json:"tokens"`
	Elapsed time.Duration `json:"elapsed"`
}

// Runtime is the hosted-agent runtime contract.
type Runtime interface {
	// EnsureAgent creates or updates an agent by name and returns its id.
	EnsureAgent(ctx context.Context, def AgentDef) (string, error)

	// ListAgents returns the provisioned agents.
	ListAgents(ctx context.Context) ([]AgentInfo, error)

	// CreateThread opens a new conversation thread.
	CreateThread(ctx context.Context) (string, error)

	// PostMessage appends a message to a thread.
	PostMessage(ctx context.Context, threadID, role, text string) error

	// Run executes the agent against the thread, invoking callbacks for each
	// runtime event until the run reaches a terminal state.
	Run(ctx context.Context, threadID, agentID string, cb Callbacks) (RunResult, error)
}
