package agentrt

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// stubAgents is the fixed sub-agent walkthrough order.
var stubAgents = []string{
	"graph-explorer",
	"telemetry-analyst",
	"runbook-knowledge",
	"ticket-historian",
}

// Stub is a deterministic in-process runtime for local development and
// tests. A run walks each sub-agent through one canned step and produces a
// synthesized report from the alert text, with no cloud dependencies.
type Stub struct {
	// FailAgent, when set, makes that sub-agent's step report an error
	// without failing the run.
	FailAgent string
	// FailRuns makes the first N runs terminate with StatusFailed, to
	// exercise retry behavior.
	FailRuns int

	mu      sync.Mutex
	agents  map[string]AgentDef
	threads map[string][]threadMessage
	runs    int
	seq     int
}

type threadMessage struct {
	Role string
	Text string
}

// NewStub creates an empty stub runtime.
func NewStub() *Stub {
	return &Stub{
		agents:  make(map[string]AgentDef),
		threads: make(map[string][]threadMessage),
	}
}

func (s *Stub) EnsureAgent(_ context.Context, def AgentDef) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[def.Name] = def
	return "stub-" + def.Name, nil
}

func (s *Stub) ListAgents(context.Context) ([]AgentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentInfo, 0, len(s.agents))
	for name := range s.agents {
		out = append(out, AgentInfo{ID: "stub-" + name, Name: name})
	}
	return out, nil
}

func (s *Stub) CreateThread(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("thread-%d", s.seq)
	s.threads[id] = []threadMessage{}
	return id, nil
}

func (s *Stub) PostMessage(_ context.Context, threadID, role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.threads[threadID]
	if !ok {
		return fmt.Errorf("unknown thread %s", threadID)
	}
	s.threads[threadID] = append(msgs, threadMessage{Role: role, Text: text})
	return nil
}

// Messages returns the messages posted to a thread, oldest first.
func (s *Stub) Messages(threadID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.threads[threadID]))
	for _, m := range s.threads[threadID] {
		out = append(out, m.Text)
	}
	return out
}

func (s *Stub) Run(_ context.Context, threadID, _ string, cb Callbacks) (RunResult, error) {
	s.mu.Lock()
	msgs, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return RunResult{}, fmt.Errorf("unknown thread %s", threadID)
	}
	alert := ""
	if len(msgs) > 0 {
		alert = msgs[len(msgs)-1].Text
	}
	s.runs++
	failThisRun := s.runs <= s.FailRuns
	s.mu.Unlock()

	if cb.OnRunUpdate != nil {
		cb.OnRunUpdate(StatusInProgress)
	}

	if failThisRun {
		if cb.OnRunUpdate != nil {
			cb.OnRunUpdate(StatusFailed)
		}
		return RunResult{Status: StatusFailed}, nil
	}

	result := RunResult{Status: StatusCompleted}
	for i, agent := range stubAgents {
		step := Step{
			Index: i,
			Agent: agent,
			Query: fmt.Sprintf("investigate %q via %s", alert, agent),
		}
		if cb.OnStepStart != nil {
			cb.OnStepStart(step)
		}
		step.Duration = 10 * time.Millisecond
		if agent == s.FailAgent {
			step.Error = agent + " failed to reach its data source"
		} else {
			step.Response = fmt.Sprintf("%s findings for %q", agent, alert)
		}
		if cb.OnStepComplete != nil {
			cb.OnStepComplete(step)
		}
		result.Steps++
	}

	if cb.OnMessage != nil {
		cb.OnMessage(fmt.Sprintf(
			"Investigation report for %q: %d sub-agents consulted; see step details above.",
			alert, len(stubAgents)))
	}
	if cb.OnRunUpdate != nil {
		cb.OnRunUpdate(StatusCompleted)
	}
	result.Tokens = 4 * 128
	result.Elapsed = time.Duration(result.Steps) * 10 * time.Millisecond
	return result, nil
}
