package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opsgraph/sleuth/pkg/scenario"
	"github.com/opsgraph/sleuth/pkg/store"
)

// promptFragmentOrder is the fixed composition order for fragment
// directories. The language fragment name depends on the agent's connector.
var promptFragmentOrder = []string{"core_instructions.md", "schema.md"}

// composePrompt builds an agent's system prompt. Precedence: a single
// declared prompt file, then a declared fragment directory, then the
// scenario's uploaded prompt document.
func (p *Provisioner) composePrompt(ctx context.Context, scenarioName string, agent scenario.AgentSpec, language string) (string, error) {
	if agent.Prompt != "" {
		raw, err := os.ReadFile(filepath.Join(p.cfg.PromptsDir, agent.Prompt))
		if err != nil {
			return "", fmt.Errorf("prompt file for agent %s: %w", agent.Name, err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	if agent.PromptDir != "" {
		return p.composeFragments(agent, language)
	}

	// Uploaded prompt document, with a built-in fallback so a scenario can
	// activate before any prompt pack is uploaded.
	id := store.JoinID(scenarioName, agent.Name, "v1")
	doc, err := p.store.Get(ctx, store.ContainerPrompts, id)
	if err != nil {
		return defaultInstructions(agent, language), nil
	}
	content, _ := doc["content"].(string)
	return content, nil
}

func defaultInstructions(agent scenario.AgentSpec, language string) string {
	if agent.Orchestrator {
		return "You are the investigation orchestrator. Delegate to each connected specialist agent in turn, tolerate individual specialist failures, and synthesize a final incident report from whatever findings you gathered. If a specialist reports an error, continue with the remaining specialists and produce a partial report."
	}
	return fmt.Sprintf("You are the %s specialist on an incident investigation team. Answer the orchestrator's questions using your tools. Queries are written in %s. Tool responses always return HTTP 200; if the body carries an error field, read it, correct your query, and retry.", agent.Name, language)
}

// composeFragments concatenates core instructions, schema, and the
// connector's language fragment, in that order. Missing core instructions
// fail; the other fragments are optional.
func (p *Provisioner) composeFragments(agent scenario.AgentSpec, language string) (string, error) {
	dir := filepath.Join(p.cfg.PromptsDir, agent.PromptDir)
	names := append(append([]string{}, promptFragmentOrder...), "language_"+language+".md")

	var parts []string
	for i, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if i == 0 {
				return "", fmt.Errorf("agent %s fragment dir %s: %w", agent.Name, agent.PromptDir, err)
			}
			continue
		}
		parts = append(parts, strings.TrimSpace(string(raw)))
	}
	return strings.Join(parts, "\n\n"), nil
}

// connectorLanguage derives the prompt/tool language from the connector
// key's last hyphen segment: "cosmosdb-gremlin" selects gremlin,
// "fabric-gql" selects gql, "mock" selects mock.
func connectorLanguage(connector string) string {
	if idx := strings.LastIndex(connector, "-"); idx >= 0 {
		return connector[idx+1:]
	}
	return connector
}
