// Package config loads and validates runtime configuration for the
// investigation platform. Configuration comes from a single YAML file
// (sleuth.yaml) with {{.VAR}} environment expansion, merged over built-in
// defaults. Missing backend credentials are surfaced as startup warnings,
// never as fatal errors, so the remaining backends stay usable.
package config

import (
	"time"
)

// BackendType identifies a backend connector variant. These are the keys the
// backend registry dispatches on and the values a scenario manifest may
// declare under data_sources.graph.connector.
type BackendType string

const (
	BackendGremlin  BackendType = "cosmosdb-gremlin"
	BackendGQL      BackendType = "fabric-gql"
	BackendKusto    BackendType = "fabric-kql"
	BackendDocSQL   BackendType = "cosmosdb-sql"
	BackendStoreSQL BackendType = "store-sql"
	BackendMock     BackendType = "mock"
)

// KnownBackendTypes lists every connector key the registry can dispatch to.
var KnownBackendTypes = []BackendType{
	BackendGremlin, BackendGQL, BackendKusto, BackendDocSQL, BackendStoreSQL, BackendMock,
}

// Config is the fully resolved runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
	Store     StoreConfig     `yaml:"store"`
	Backends  BackendsConfig  `yaml:"backends"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Provision ProvisionConfig `yaml:"provision"`
}

// ServerConfig holds HTTP and streaming settings.
type ServerConfig struct {
	Port              string        `yaml:"port"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RingBufferSize    int           `yaml:"ring_buffer_size"`
	SubscriberQueue   int           `yaml:"subscriber_queue"`
}

// DefaultsConfig holds fallbacks applied when a request carries no routing
// header or the scenario config cannot be resolved.
type DefaultsConfig struct {
	Scenario    string      `yaml:"scenario"`
	GraphName   string      `yaml:"graph_name"`
	Backend     BackendType `yaml:"backend"`
	GraphDB     string      `yaml:"graph_database"`
	TelemetryDB string      `yaml:"telemetry_database"`
	PromptsDB   string      `yaml:"prompts_database"`
}

// StoreConfig holds document-store connection settings. An empty URI selects
// the in-memory store (local development and tests).
type StoreConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// BackendsConfig groups the per-connector settings.
type BackendsConfig struct {
	Gremlin GremlinConfig `yaml:"gremlin"`
	GQL     GQLConfig     `yaml:"gql"`
	Kusto   KustoConfig   `yaml:"kusto"`
	DocSQL  DocSQLConfig  `yaml:"docsql"`
	Mock    MockConfig    `yaml:"mock"`
}

// GremlinConfig configures the native graph backend. The gremlin wire
// protocol supports key auth only, not federated identity.
type GremlinConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Key      string        `yaml:"key"`
	Database string        `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"`
}

// GQLConfig configures the remote ISO-GQL backend.
type GQLConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Scope    string        `yaml:"scope"`
	Timeout  time.Duration `yaml:"timeout"`
}

// KustoConfig configures the KQL telemetry backend.
type KustoConfig struct {
	ClusterURI string        `yaml:"cluster_uri"`
	Database   string        `yaml:"database"`
	Scope      string        `yaml:"scope"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DocSQLConfig configures the document-SQL telemetry backend.
type DocSQLConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Key      string        `yaml:"key"`
	Database string        `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"`
}

// MockConfig configures the static in-memory backend.
type MockConfig struct {
	DataDir string `yaml:"data_dir"`
}

// RuntimeConfig points at the external hosted-agent runtime.
type RuntimeConfig struct {
	ProjectEndpoint string `yaml:"project_endpoint"`
	ModelDeployment string `yaml:"model_deployment"`
	AgentMapPath    string `yaml:"agent_map_path"`
	Scope           string `yaml:"scope"`
}

// ProvisionConfig holds prompt and tool-template locations for the
// agent provisioner.
type ProvisionConfig struct {
	TemplatesDir string `yaml:"templates_dir"`
	PromptsDir   string `yaml:"prompts_dir"`
	BaseURL      string `yaml:"base_url"`
}

// RuntimeConfigured reports whether the external agent runtime is usable.
// When false, the orchestration bridge substitutes its deterministic stub
// walkthrough so local development needs no cloud resources.
func (c *Config) RuntimeConfigured() bool {
	return c.Runtime.ProjectEndpoint != "" && c.Runtime.ModelDeployment != ""
}
