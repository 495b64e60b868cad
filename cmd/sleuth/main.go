// Sleuth orchestration server: backend query endpoints for agent tools,
// scenario ingestion and activation, and the SSE event substrate tying the
// investigation UI to the agent runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opsgraph/sleuth/pkg/agentrt"
	"github.com/opsgraph/sleuth/pkg/api"
	"github.com/opsgraph/sleuth/pkg/backend"
	"github.com/opsgraph/sleuth/pkg/bridge"
	"github.com/opsgraph/sleuth/pkg/config"
	"github.com/opsgraph/sleuth/pkg/credentials"
	"github.com/opsgraph/sleuth/pkg/events"
	"github.com/opsgraph/sleuth/pkg/ingest"
	"github.com/opsgraph/sleuth/pkg/provision"
	"github.com/opsgraph/sleuth/pkg/scenario"
	"github.com/opsgraph/sleuth/pkg/store"
	"github.com/opsgraph/sleuth/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Info("No .env file, continuing with existing environment", "path", envPath)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	broker := events.NewBroker(cfg.Server.RingBufferSize, cfg.Server.SubscriberQueue)

	// Logs go to stderr and, mirrored through the broker, to the /logs SSE
	// stream.
	handler := events.NewLogHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}),
		broker)
	slog.SetDefault(slog.New(handler))

	slog.Info("Starting sleuth",
		"version", version.Full(),
		"port", cfg.Server.Port,
		"config_dir", *configDir)

	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to connect to document store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(ctx); err != nil {
			slog.Error("Error closing document store", "error", err)
		}
	}()

	backends := backend.NewRegistry()
	backend.RegisterDefaults(backends, cfg, st)
	defer backends.CloseAll(ctx)

	scenarios := scenario.NewRegistry(st)
	resolver := scenario.NewResolver(st, cfg.Defaults)
	pipeline := ingest.New(broker, st, backends, scenarios, cfg.Defaults)

	runtime := selectRuntime(cfg)
	provisioner := provision.New(broker, runtime, st, scenarios, cfg.Provision,
		cfg.Runtime.ModelDeployment, agentMapPath(cfg, *configDir))
	br := bridge.New(broker, runtime, st, provisioner.AgentIDs, cfg.Defaults.Scenario)

	server := api.NewServer(cfg, broker, resolver, backends, scenarios,
		pipeline, provisioner, br, st)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Handler(),
		// No write timeout: SSE streams stay open indefinitely.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Stop accepting requests first, then drain the detached workers. Runs,
	// uploads, and activations are not cancellable mid-flight; they finish and
	// persist their outcomes.
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	drained := make(chan struct{})
	go func() {
		br.Wait()
		pipeline.Wait()
		provisioner.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		slog.Info("Background workers drained")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded with workers still in flight")
	}

	slog.Info("Shutdown complete")
}

// openStore picks the document store: MongoDB when a URI is configured, the
// in-memory store otherwise (local development and demo mode).
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Store.URI == "" {
		slog.Info("No store URI configured, using in-memory document store")
		return store.NewMemory(), nil
	}
	return store.NewMongo(ctx, cfg.Store.URI, cfg.Store.Database)
}

// selectRuntime picks the agent runtime: the hosted runtime when its endpoint
// and model are configured, the deterministic stub otherwise.
func selectRuntime(cfg *config.Config) agentrt.Runtime {
	if cfg.RuntimeConfigured() {
		slog.Info("Using hosted agent runtime", "endpoint", cfg.Runtime.ProjectEndpoint)
		return agentrt.NewClient(cfg.Runtime, credentials.Default())
	}
	slog.Info("Agent runtime not configured, using stub walkthrough")
	return agentrt.NewStub()
}

func agentMapPath(cfg *config.Config, configDir string) string {
	if cfg.Runtime.AgentMapPath != "" {
		return cfg.Runtime.AgentMapPath
	}
	return filepath.Join(configDir, "agents.json")
}
