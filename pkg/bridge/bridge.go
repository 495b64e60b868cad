// Package bridge converts the agent runtime's synchronous callbacks into the
// asynchronous run event stream. Each submitted alert gets its own worker
// goroutine consuming runtime callbacks and publishing ordered events through
// the shared broker; a failed run is retried once on the same conversation
// thread so the orchestrator keeps its context.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsgraph/sleuth/pkg/agentrt"
	"github.com/opsgraph/sleuth/pkg/events"
	"github.com/opsgraph/sleuth/pkg/metrics"
	"github.com/opsgraph/sleuth/pkg/store"
)

const (
	// maxRunAttempts bounds retry-on-failed-run. Attempt 2 reuses the thread.
	maxRunAttempts = 2

	// maxConcurrentRuns bounds in-flight investigations.
	maxConcurrentRuns = 8

	orchestratorName = "orchestrator"
)

// Run event kinds, beyond the broker's shared set.
const (
	KindRunStart     events.Kind = "run_start"
	KindStepThinking events.Kind = "step_thinking"
	KindStepStart    events.Kind = "step_start"
	KindStepComplete events.Kind = "step_complete"
	KindMessage      events.Kind = "message"
	KindRunComplete  events.Kind = "run_complete"
)

// ErrTooManyRuns is returned when the concurrent-run budget is exhausted.
var ErrTooManyRuns = errors.New("too many concurrent runs")

// AgentMap supplies the provisioned agent-id map (name to runtime id).
type AgentMap func() map[string]string

// Bridge drives alert investigations.
type Bridge struct {
	broker   *events.Broker
	runtime  agentrt.Runtime
	store    store.Store
	agents   AgentMap
	scenario string
	logger   *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates a Bridge. agents may be nil when only the stub runtime is in
// play; scenario tags interaction-history records.
func New(broker *events.Broker, runtime agentrt.Runtime, st store.Store, agents AgentMap, scenario string) *Bridge {
	if agents == nil {
		agents = func() map[string]string { return nil }
	}
	return &Bridge{
		broker:   broker,
		runtime:  runtime,
		store:    st,
		agents:   agents,
		scenario: scenario,
		logger:   slog.With("component", "bridge"),
		sem:      make(chan struct{}, maxConcurrentRuns),
	}
}

// SubmitAlert starts an investigation and returns its run id. The caller
// subscribes to events.RunSource(runID) for the event stream; the ring
// buffer replays anything published before the subscription landed.
func (b *Bridge) SubmitAlert(alert string) (string, error) {
	select {
	case b.sem <- struct{}{}:
	default:
		return "", ErrTooManyRuns
	}

	runID := uuid.New().String()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() { <-b.sem }()
		// Detached from the request context: a disconnected subscriber stops
		// receiving events but the investigation runs to completion.
		b.execute(context.Background(), runID, alert)
	}()
	return runID, nil
}

// Wait blocks until all in-flight runs finish. Used during shutdown.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) execute(ctx context.Context, runID, alert string) {
	source := events.RunSource(runID)
	started := time.Now()
	b.broker.Publish(source, KindRunStart, map[string]any{
		"run_id":    runID,
		"alert":     alert,
		"timestamp": started.UTC().Format(time.RFC3339),
	})

	threadID, err := b.runtime.CreateThread(ctx)
	if err != nil {
		b.finishError(ctx, source, runID, alert, fmt.Sprintf("create thread: %v", err), 0, 1)
		return
	}
	if err := b.runtime.PostMessage(ctx, threadID, "user", alert); err != nil {
		b.finishError(ctx, source, runID, alert, fmt.Sprintf("post alert: %v", err), 0, 1)
		return
	}

	orchID := b.orchestratorID()
	tracker := &stepTracker{broker: b.broker, source: source}

	var result agentrt.RunResult
	for attempt := 1; attempt <= maxRunAttempts; attempt++ {
		var failed bool
		result, err = b.runtime.Run(ctx, threadID, orchID, agentrt.Callbacks{
			OnRunUpdate: func(status agentrt.RunStatus) {
				switch status {
				case agentrt.StatusFailed:
					failed = true
				case agentrt.StatusInProgress:
					b.broker.Publish(source, KindStepThinking, map[string]any{
						"agent_name": orchestratorName,
					})
				}
			},
			OnStepStart:    tracker.start,
			OnStepComplete: tracker.complete,
			OnMessage: func(text string) {
				b.broker.Publish(source, KindMessage, map[string]any{"text": text})
			},
		})
		if err != nil {
			b.finishError(ctx, source, runID, alert,
				fmt.Sprintf("transport: %v", err), tracker.count, attempt)
			return
		}
		if !failed && result.Status != agentrt.StatusFailed {
			break
		}
		if attempt == maxRunAttempts {
			b.finishError(ctx, source, runID, alert,
				fmt.Sprintf("run failed after %d attempts", attempt), tracker.count, attempt)
			return
		}

		// Recovery on the same thread: the orchestrator keeps everything it
		// learned before the failure. No error event reaches the stream yet.
		b.logger.Warn("Run attempt failed, retrying on same thread",
			"run_id", runID, "attempt", attempt)
		recovery := fmt.Sprintf(
			"The previous run attempt failed partway through. Resume the investigation of %q, reusing any findings already gathered, and produce the report.",
			alert)
		if err := b.runtime.PostMessage(ctx, threadID, "user", recovery); err != nil {
			b.finishError(ctx, source, runID, alert,
				fmt.Sprintf("post recovery message: %v", err), tracker.count, attempt)
			return
		}
	}

	elapsed := time.Since(started)
	b.broker.Publish(source, KindRunComplete, map[string]any{
		"steps":  tracker.count,
		"tokens": result.Tokens,
		"time":   elapsed.Round(time.Millisecond).String(),
	})
	b.broker.CloseSource(source)
	metrics.RunsTotal.WithLabelValues("complete").Inc()
	b.persistHistory(ctx, historyRecord{
		runID: runID, alert: alert, status: "complete",
		steps: tracker.count, tokens: result.Tokens, elapsed: elapsed,
	})
}

func (b *Bridge) finishError(ctx context.Context, source, runID, alert, message string, steps, attempts int) {
	b.logger.Error("Run failed", "run_id", runID, "error", message, "attempts", attempts)
	b.broker.Fail(source, message)
	metrics.RunsTotal.WithLabelValues("failed").Inc()
	b.persistHistory(ctx, historyRecord{
		runID: runID, alert: alert, status: "failed",
		steps: steps, errMessage: message,
	})
}

func (b *Bridge) orchestratorID() string {
	if id, ok := b.agents()[orchestratorName]; ok {
		return id
	}
	return "stub-" + orchestratorName
}

type historyRecord struct {
	runID      string
	alert      string
	status     string
	steps      int
	tokens     int
	elapsed    time.Duration
	errMessage string
}

// persistHistory records the run outcome. Failure to persist never disturbs
// the stream the caller already received.
func (b *Bridge) persistHistory(ctx context.Context, rec historyRecord) {
	if b.store == nil {
		return
	}
	doc := store.Document{
		"id":       rec.runID,
		"scenario": b.scenario,
		"alert":    rec.alert,
		"status":   rec.status,
		"steps":    rec.steps,
		"tokens":   rec.tokens,
		"elapsed":  rec.elapsed.Round(time.Millisecond).String(),
		"ended_at": time.Now().UTC().Format(time.RFC3339),
	}
	if rec.errMessage != "" {
		doc["error"] = rec.errMessage
	}
	if err := b.store.EnsureContainer(ctx, store.ContainerInteractions); err != nil {
		b.logger.Warn("Interaction history container unavailable", "error", err)
		return
	}
	if err := b.store.Upsert(ctx, store.ContainerInteractions, doc); err != nil {
		b.logger.Warn("Failed to persist interaction history", "run_id", rec.runID, "error", err)
	}
}

// stepTracker remaps runtime step indices onto one dense, monotonically
// increasing sequence that survives retry attempts (the runtime restarts its
// own numbering per attempt).
type stepTracker struct {
	broker *events.Broker
	source string

	mu      sync.Mutex
	count   int
	pending map[string]int // runtime index+agent -> dense index
}

func (t *stepTracker) start(step agentrt.Step) {
	t.mu.Lock()
	if t.pending == nil {
		t.pending = make(map[string]int)
	}
	dense := t.count
	t.count++
	t.pending[stepKey(step)] = dense
	t.mu.Unlock()

	t.broker.Publish(t.source, KindStepStart, map[string]any{
		"step_index": dense,
		"agent_name": step.Agent,
	})
}

func (t *stepTracker) complete(step agentrt.Step) {
	t.mu.Lock()
	dense, ok := t.pending[stepKey(step)]
	if !ok {
		// Completion without a start callback still gets a dense slot.
		dense = t.count
		t.count++
	} else {
		delete(t.pending, stepKey(step))
	}
	t.mu.Unlock()

	payload := map[string]any{
		"step_index": dense,
		"agent_name": step.Agent,
		"duration":   step.Duration.Round(time.Millisecond).String(),
	}
	if step.Query != "" {
		payload["query"] = step.Query
	}
	if step.Response != "" {
		payload["response"] = step.Response
	}
	if step.Error != "" {
		// Per-step failure: surfaced on the stream, run continues.
		payload["error"] = true
		payload["error_detail"] = step.Error
	}
	t.broker.Publish(t.source, KindStepComplete, payload)
}

func stepKey(step agentrt.Step) string {
	return fmt.Sprintf("%s#%d", step.Agent, step.Index)
}
