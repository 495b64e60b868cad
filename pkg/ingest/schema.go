package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// GraphManifest declares a graph data pack: vertex and edge CSV files plus
// their expected columns.
type GraphManifest struct {
	Name         string       `yaml:"name" json:"name"`
	DropExisting bool         `yaml:"drop_existing" json:"drop_existing,omitempty"`
	Vertices     []VertexFile `yaml:"vertices" json:"vertices"`
	Edges        []EdgeFile   `yaml:"edges" json:"edges"`
}

// VertexFile declares one vertex CSV. The file must carry an "id" column;
// remaining declared columns become vertex properties.
type VertexFile struct {
	Label   string   `yaml:"label" json:"label"`
	File    string   `yaml:"file" json:"file"`
	Columns []string `yaml:"columns" json:"columns,omitempty"`
}

// EdgeFile declares one edge CSV.
type EdgeFile struct {
	Label        string   `yaml:"label" json:"label"`
	File         string   `yaml:"file" json:"file"`
	SourceColumn string   `yaml:"source_column" json:"source_column"`
	TargetColumn string   `yaml:"target_column" json:"target_column"`
	Columns      []string `yaml:"columns" json:"columns,omitempty"`
}

// TelemetryManifest declares per-container telemetry CSVs.
type TelemetryManifest struct {
	Name       string               `yaml:"name" json:"name"`
	Containers []TelemetryContainer `yaml:"containers" json:"containers"`
}

// TelemetryContainer declares one telemetry container and its CSV source.
// NumericColumns are coerced from CSV strings to numbers on ingest.
type TelemetryContainer struct {
	Name           string   `yaml:"name" json:"name"`
	File           string   `yaml:"file" json:"file"`
	PartitionKey   string   `yaml:"partition_key" json:"partition_key,omitempty"`
	NumericColumns []string `yaml:"numeric_columns" json:"numeric_columns,omitempty"`
}

const graphManifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["vertices", "edges"],
  "properties": {
    "name": {"type": "string"},
    "drop_existing": {"type": "boolean"},
    "vertices": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["label", "file"],
        "properties": {
          "label": {"type": "string", "minLength": 1},
          "file": {"type": "string", "minLength": 1},
          "columns": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["label", "file", "source_column", "target_column"],
        "properties": {
          "label": {"type": "string", "minLength": 1},
          "file": {"type": "string", "minLength": 1},
          "source_column": {"type": "string", "minLength": 1},
          "target_column": {"type": "string", "minLength": 1},
          "columns": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

const telemetryManifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["containers"],
  "properties": {
    "name": {"type": "string"},
    "containers": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "file"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "file": {"type": "string", "minLength": 1},
          "partition_key": {"type": "string"},
          "numeric_columns": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

var compileSchemas = sync.OnceValues(func() (map[string]*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	schemas := map[string]string{
		"graph.schema.json":     graphManifestSchema,
		"telemetry.schema.json": telemetryManifestSchema,
	}
	out := make(map[string]*jsonschema.Schema, len(schemas))
	for name, raw := range schemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
		sch, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		out[name] = sch
	}
	return out, nil
})

// parseManifest decodes YAML into out after validating it against the named
// JSON schema. Validation runs on a JSON round-trip of the YAML document so
// the schema sees JSON-typed values.
func parseManifest(raw []byte, schemaName string, out any) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("manifest is not valid YAML: %w", err)
	}

	jsonRaw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("manifest contains non-serializable values: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(jsonRaw)))
	if err != nil {
		return err
	}

	schemas, err := compileSchemas()
	if err != nil {
		return err
	}
	if err := schemas[schemaName].Validate(instance); err != nil {
		return fmt.Errorf("manifest failed schema validation: %w", err)
	}
	return yaml.Unmarshal(raw, out)
}
