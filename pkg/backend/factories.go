package backend

import (
	"context"

	"github.com/opsgraph/sleuth/pkg/config"
	"github.com/opsgraph/sleuth/pkg/credentials"
	"github.com/opsgraph/sleuth/pkg/store"
)

// RegisterDefaults installs the production factory for every connector key.
// The credential provider is resolved lazily inside each factory so token
// acquisition happens on first use in the request path, not at startup. The
// store backs the store-sql connector, which reads the telemetry containers
// the ingestion pipeline writes.
func RegisterDefaults(r *Registry, cfg *config.Config, st store.Store) {
	r.Register(config.BackendGremlin, func(_ context.Context, graphName string) (Backend, error) {
		return NewGremlin(cfg.Backends.Gremlin, graphName), nil
	})
	r.Register(config.BackendGQL, func(_ context.Context, graphName string) (Backend, error) {
		return NewGQL(cfg.Backends.GQL, graphName, credentials.Default()), nil
	})
	r.Register(config.BackendKusto, func(_ context.Context, _ string) (Backend, error) {
		return NewKusto(cfg.Backends.Kusto, credentials.Default()), nil
	})
	r.Register(config.BackendDocSQL, func(_ context.Context, _ string) (Backend, error) {
		return NewDocSQL(cfg.Backends.DocSQL), nil
	})
	r.Register(config.BackendStoreSQL, func(_ context.Context, _ string) (Backend, error) {
		return NewStoreSQL(st), nil
	})
	r.Register(config.BackendMock, func(_ context.Context, _ string) (Backend, error) {
		return NewMock(cfg.Backends.Mock.DataDir)
	})
}
