package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes environment variables into raw config bytes before
// YAML parsing. Placeholders use Go template syntax, {{.GREMLIN_KEY}}, not
// $-expansion: account keys, gremlin queries, and passwords routinely carry
// literal $ characters that must survive untouched.
//
// Unset variables become empty strings; the startup backend check reports
// required fields that stayed empty. Content that does not parse as a
// template is returned unchanged so template-free configs always load.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		if name, value, ok := strings.Cut(kv, "="); ok && name != "" {
			vars[name] = value
		}
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, vars); err != nil {
		return data
	}
	return out.Bytes()
}
