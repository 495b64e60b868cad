package provision

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// routingHeader is the header parameter that carries scenario identity in
// every generated tool spec.
const routingHeader = "X-Graph"

// queryLanguageDescriptions maps a connector's language segment to the
// description substituted into tool specs so the agent knows what dialect to
// write.
var queryLanguageDescriptions = map[string]string{
	"gremlin": "Gremlin graph traversal language",
	"gql":     "ISO GQL graph query language",
	"kql":     "Kusto Query Language (KQL)",
	"sql":     "document-database SQL dialect",
	"mock":    "natural language (pattern-matched against canned demo data)",
}

// builtinTemplates are the fallback openapi tool templates used when the
// templates directory does not provide one.
var builtinTemplates = map[string]string{
	"graph_query":     builtinQueryTemplate("/query/graph", "queryGraph"),
	"telemetry_query": builtinQueryTemplate("/query/telemetry", "queryTelemetry"),
	"topology":        builtinQueryTemplate("/query/topology", "queryTopology"),
}

func builtinQueryTemplate(path, operationID string) string {
	return fmt.Sprintf(`openapi: 3.0.1
info:
  title: Investigation query tool
  description: Query language is {query_language_description}. Responses always return HTTP 200; when the body carries an error field, read it, fix your query, and retry.
  version: "1.0"
servers:
  - url: "{base_url}"
paths:
  %s:
    post:
      operationId: %s
      summary: Execute a query against the scenario data
      parameters:
        - name: X-Graph
          in: header
          required: true
          schema:
            type: string
            enum: ["{graph_name}"]
      requestBody:
        required: true
        content:
          application/json:
            schema:
              type: object
              required: [query]
              properties:
                query:
                  type: string
      responses:
        "200":
          description: Query result, or an error field to act on
          content:
            application/json:
              schema:
                type: object
`, path, operationID)
}

// fillTemplate loads the named openapi template, substitutes placeholders,
// and returns the parsed spec with the routing-header constraint enforced.
func (p *Provisioner) fillTemplate(name, graphName, language string) (map[string]any, error) {
	raw, err := p.loadTemplate(name)
	if err != nil {
		return nil, err
	}

	desc := queryLanguageDescriptions[language]
	if desc == "" {
		desc = language
	}
	filled := strings.NewReplacer(
		"{base_url}", p.cfg.BaseURL,
		"{graph_name}", graphName,
		"{query_language_description}", desc,
	).Replace(raw)

	var spec map[string]any
	if err := yaml.Unmarshal([]byte(filled), &spec); err != nil {
		return nil, fmt.Errorf("template %s is not valid YAML: %w", name, err)
	}
	enforceRoutingEnum(spec, graphName)
	return spec, nil
}

func (p *Provisioner) loadTemplate(name string) (string, error) {
	if p.cfg.TemplatesDir != "" {
		path := filepath.Join(p.cfg.TemplatesDir, name+".yaml")
		if raw, err := os.ReadFile(path); err == nil {
			return string(raw), nil
		}
	}
	if raw, ok := builtinTemplates[name]; ok {
		return raw, nil
	}
	return "", fmt.Errorf("no openapi template named %q", name)
}

// enforceRoutingEnum rewrites every X-Graph header parameter in the spec to
// a single-value enum constraint and strips any default. A default is
// advisory and the consuming LLM frequently ignores it, sending a plausible
// but wrong header that routes to the wrong scenario; an enum is a
// constraint the runtime enforces.
func enforceRoutingEnum(node any, graphName string) {
	switch v := node.(type) {
	case map[string]any:
		if v["name"] == routingHeader && v["in"] == "header" {
			schema, ok := v["schema"].(map[string]any)
			if !ok {
				schema = map[string]any{"type": "string"}
				v["schema"] = schema
			}
			schema["enum"] = []any{graphName}
			delete(schema, "default")
			delete(v, "default")
		}
		for _, child := range v {
			enforceRoutingEnum(child, graphName)
		}
	case []any:
		for _, child := range v {
			enforceRoutingEnum(child, graphName)
		}
	}
}

// routingParams returns every X-Graph header parameter schema in a spec.
// Exposed for tests asserting the enum constraint.
func routingParams(node any) []map[string]any {
	var out []map[string]any
	switch v := node.(type) {
	case map[string]any:
		if v["name"] == routingHeader && v["in"] == "header" {
			if schema, ok := v["schema"].(map[string]any); ok {
				out = append(out, schema)
			}
		}
		for _, child := range v {
			out = append(out, routingParams(child)...)
		}
	case []any:
		for _, child := range v {
			out = append(out, routingParams(child)...)
		}
	}
	return out
}
