package config

// BackendWarning reports a backend whose required settings are incomplete.
// The process continues; requests routed to this backend fail at query time.
type BackendWarning struct {
	Backend BackendType
	Missing []string
}

// CheckBackendEnv inspects each backend's required settings and returns one
// warning per incompletely configured backend. The mock and store-backed
// backends need nothing and are never reported.
func CheckBackendEnv(cfg *Config) []BackendWarning {
	var warnings []BackendWarning

	check := func(t BackendType, fields map[string]string) {
		var missing []string
		for name, value := range fields {
			if value == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			warnings = append(warnings, BackendWarning{Backend: t, Missing: sorted(missing)})
		}
	}

	check(BackendGremlin, map[string]string{
		"gremlin.endpoint": cfg.Backends.Gremlin.Endpoint,
		"gremlin.key":      cfg.Backends.Gremlin.Key,
		"gremlin.database": cfg.Backends.Gremlin.Database,
	})
	check(BackendGQL, map[string]string{
		"gql.endpoint": cfg.Backends.GQL.Endpoint,
	})
	check(BackendKusto, map[string]string{
		"kusto.cluster_uri": cfg.Backends.Kusto.ClusterURI,
		"kusto.database":    cfg.Backends.Kusto.Database,
	})
	check(BackendDocSQL, map[string]string{
		"docsql.endpoint": cfg.Backends.DocSQL.Endpoint,
		"docsql.key":      cfg.Backends.DocSQL.Key,
	})

	return warnings
}

// ConfiguredBackends returns the connector keys whose required settings are
// complete. Mock is always included.
func ConfiguredBackends(cfg *Config) []BackendType {
	incomplete := make(map[BackendType]bool)
	for _, w := range CheckBackendEnv(cfg) {
		incomplete[w.Backend] = true
	}
	var out []BackendType
	for _, t := range KnownBackendTypes {
		if !incomplete[t] {
			out = append(out, t)
		}
	}
	return out
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
