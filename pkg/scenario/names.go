// Package scenario implements the scenario lifecycle: name validation and
// resource-name derivation, the registry of saved scenarios, the manifest
// model, and the routing-header resolver that maps an inbound graph name to
// a per-request ScenarioContext.
package scenario

import (
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidName wraps every name-validation failure.
var ErrInvalidName = fmt.Errorf("invalid scenario name")

// namePattern accepts lowercase alphanumerics and hyphens, 2..50 chars,
// starting and ending alphanumeric. Consecutive hyphens are checked
// separately (RE2 has no lookahead).
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,48}[a-z0-9]$`)

// reservedSuffixes are the resource-kind suffixes derived names use. A
// scenario named after one would collide with another scenario's resources.
var reservedSuffixes = []string{
	"-topology", "-telemetry", "-prompts", "-runbooks", "-tickets",
}

// ValidateName checks a scenario name against the naming rules.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q must be 2-50 lowercase alphanumerics or hyphens, starting and ending alphanumeric", ErrInvalidName, name)
	}
	if strings.Contains(name, "--") {
		return fmt.Errorf("%w: %q contains consecutive hyphens", ErrInvalidName, name)
	}
	for _, suffix := range reservedSuffixes {
		if strings.HasSuffix(name, suffix) {
			return fmt.Errorf("%w: %q ends in reserved suffix %q", ErrInvalidName, name, suffix)
		}
	}
	return nil
}

// Resources is the deterministic set of resource names bound to a scenario.
type Resources struct {
	Graph         string `json:"graph"`
	Telemetry     string `json:"telemetry"`
	RunbooksIndex string `json:"runbooks_index"`
	TicketsIndex  string `json:"tickets_index"`
	Prompts       string `json:"prompts"`
}

// DeriveResources maps a scenario name to its resource names. These suffixes
// are the routing convention: Prefix derives the scenario back from the graph
// name by splitting on the last hyphen, so the ingestion pipeline and the
// resolver must agree on them exactly.
func DeriveResources(name string) Resources {
	return Resources{
		Graph:         name + "-topology",
		Telemetry:     name + "-telemetry",
		RunbooksIndex: name + "-runbooks-index",
		TicketsIndex:  name + "-tickets-index",
		Prompts:       name,
	}
}

// TelemetryContainer names the store container holding one telemetry table,
// nested under the scenario's telemetry resource name.
func TelemetryContainer(name, table string) string {
	return name + "-telemetry__" + table
}

// Prefix derives the scenario name from a graph name by splitting on the
// last hyphen: "telco-noc-topology" yields "telco-noc". A name without a
// hyphen is its own prefix.
func Prefix(graphName string) string {
	idx := strings.LastIndex(graphName, "-")
	if idx <= 0 {
		return graphName
	}
	return graphName[:idx]
}
