package agentrt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opsgraph/sleuth/pkg/config"
	"github.com/opsgraph/sleuth/pkg/credentials"
)

// Client talks to a hosted-agent runtime over HTTP. Run events arrive as a
// newline-delimited JSON stream which the client decodes and dispatches to
// the caller's callbacks.
type Client struct {
	cfg   config.RuntimeConfig
	creds credentials.Provider
	http  *http.Client
}

// NewClient creates a runtime client.
func NewClient(cfg config.RuntimeConfig, creds credentials.Provider) *Client {
	return &Client{
		cfg:   cfg,
		creds: creds,
		// No overall timeout: run streams are long-lived. Per-call deadlines
		// come from the request context.
		http: &http.Client{},
	}
}

func (c *Client) EnsureAgent(ctx context.Context, def AgentDef) (string, error) {
	// Idempotent by name: update if an agent with this name exists.
	existing, err := c.ListAgents(ctx)
	if err != nil {
		return "", err
	}
	for _, a := range existing {
		if a.Name == def.Name {
			if err := c.do(ctx, http.MethodPatch, "/agents/"+url.PathEscape(a.ID), def, nil); err != nil {
				return "", fmt.Errorf("update agent %s: %w", def.Name, err)
			}
			return a.ID, nil
		}
	}

	var created AgentInfo
	if err := c.do(ctx, http.MethodPost, "/agents", def, &created); err != nil {
		return "", fmt.Errorf("create agent %s: %w", def.Name, err)
	}
	return created.ID, nil
}

func (c *Client) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	var out struct {
		Agents []AgentInfo `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/agents", nil, &out); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return out.Agents, nil
}

func (c *Client) CreateThread(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/threads", map[string]any{}, &out); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	return out.ID, nil
}

func (c *Client) PostMessage(ctx context.Context, threadID, role, text string) error {
	body := map[string]any{"role": role, "content": text}
	path := "/threads/" + url.PathEscape(threadID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	return nil
}

// runEvent is one line of the run event stream.
type runEvent struct {
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
	Step   *Step  `json:"step,omitempty"`
	Text   string `json:"text,omitempty"`
	Tokens int    `json:"tokens,omitempty"`
}

func (c *Client) Run(ctx context.Context, threadID, agentID string, cb Callbacks) (RunResult, error) {
	started := time.Now()
	body, err := json.Marshal(map[string]any{"agent_id": agentID, "stream": true})
	if err != nil {
		return RunResult{}, err
	}

	endpoint := strings.TrimRight(c.cfg.ProjectEndpoint, "/") +
		"/threads/" + url.PathEscape(threadID) + "/runs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return RunResult{}, err
	}
	if err := c.authorize(ctx, req); err != nil {
		return RunResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.http.Do(req)
	if err != nil {
		return RunResult{}, fmt.Errorf("runtime unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return RunResult{}, fmt.Errorf("create run: status %d: %s", resp.StatusCode, raw)
	}

	result := RunResult{Status: StatusInProgress}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt runEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			return result, fmt.Errorf("malformed run event: %w", err)
		}
		switch evt.Type {
		case "run.update":
			result.Status = RunStatus(evt.Status)
			if cb.OnRunUpdate != nil {
				cb.OnRunUpdate(result.Status)
			}
		case "step.start":
			if evt.Step != nil && cb.OnStepStart != nil {
				cb.OnStepStart(*evt.Step)
			}
		case "step.complete":
			if evt.Step != nil {
				result.Steps++
				if cb.OnStepComplete != nil {
					cb.OnStepComplete(*evt.Step)
				}
			}
		case "message":
			if cb.OnMessage != nil {
				cb.OnMessage(evt.Text)
			}
		case "usage":
			result.Tokens += evt.Tokens
		}
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("run stream interrupted: %w", err)
	}

	result.Elapsed = time.Since(started)
	return result, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method,
		strings.TrimRight(c.cfg.ProjectEndpoint, "/")+path, body)
	if err != nil {
		return err
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("runtime unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("runtime returned status %d: %s", resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.creds.Token(ctx, c.cfg.Scope)
	if err != nil {
		return fmt.Errorf("acquire runtime token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}
