package scenario

import "github.com/opsgraph/sleuth/pkg/config"

// Context is the per-request routing record derived from the X-Graph header.
// It is immutable once built and never persisted or shared across requests.
type Context struct {
	GraphName         string
	GraphDatabase     string
	TelemetryDatabase string
	TelemetryPrefix   string
	PromptsDatabase   string
	PromptsContainer  string
	Backend           config.BackendType
	TelemetryBackend  config.BackendType
}
