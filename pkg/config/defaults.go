package config

import "time"

// DefaultConfig returns the built-in configuration. User YAML is merged on
// top of this, so every field here is a fallback, not a constraint.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              "8080",
			HeartbeatInterval: 15 * time.Second,
			RingBufferSize:    100,
			SubscriberQueue:   256,
		},
		Defaults: DefaultsConfig{
			Scenario:    "demo",
			GraphName:   "demo-topology",
			Backend:     BackendMock,
			GraphDB:     "graphdb",
			TelemetryDB: "telemetry",
			PromptsDB:   "prompts",
		},
		Store: StoreConfig{
			Database: "sleuth",
		},
		Backends: BackendsConfig{
			Gremlin: GremlinConfig{Timeout: 120 * time.Second},
			GQL:     GQLConfig{Timeout: 120 * time.Second},
			Kusto:   KustoConfig{Timeout: 60 * time.Second},
			DocSQL:  DocSQLConfig{Timeout: 60 * time.Second},
			// Empty DataDir selects the builtin demo topology, so a
			// zero-config start needs no files on disk.
			Mock: MockConfig{},
		},
		Provision: ProvisionConfig{
			TemplatesDir: "./deploy/templates",
			PromptsDir:   "./deploy/prompts",
			BaseURL:      "http://localhost:8080",
		},
	}
}
