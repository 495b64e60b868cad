// Package api exposes the HTTP surface: query endpoints for LLM agent tools,
// SSE streams for alert runs / uploads / activations / logs, and the
// scenario-registry CRUD endpoints.
//
// The /query/* endpoints never return a non-200 status. Their consumers are
// LLM agents calling through an OpenAPI tool that treats any failure status
// as fatal; errors ride in the response body so the agent can read the
// message, fix its query, and retry.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opsgraph/sleuth/pkg/backend"
	"github.com/opsgraph/sleuth/pkg/bridge"
	"github.com/opsgraph/sleuth/pkg/config"
	"github.com/opsgraph/sleuth/pkg/events"
	"github.com/opsgraph/sleuth/pkg/ingest"
	"github.com/opsgraph/sleuth/pkg/metrics"
	"github.com/opsgraph/sleuth/pkg/provision"
	"github.com/opsgraph/sleuth/pkg/scenario"
	"github.com/opsgraph/sleuth/pkg/store"
)

// routingHeader carries the graph name that selects the backend and the
// scenario-derived resource names for a query.
const routingHeader = "X-Graph"

// Server wires the service layer to gin. One Server per process.
type Server struct {
	cfg         *config.Config
	broker      *events.Broker
	resolver    *scenario.Resolver
	backends    *backend.Registry
	scenarios   *scenario.Registry
	pipeline    *ingest.Pipeline
	provisioner *provision.Provisioner
	bridge      *bridge.Bridge
	store       store.Store
	router      *gin.Engine
}

// NewServer builds the server and its route table.
func NewServer(cfg *config.Config, broker *events.Broker, resolver *scenario.Resolver,
	backends *backend.Registry, scenarios *scenario.Registry, pipeline *ingest.Pipeline,
	provisioner *provision.Provisioner, br *bridge.Bridge, st store.Store) *Server {
	s := &Server{
		cfg:         cfg,
		broker:      broker,
		resolver:    resolver,
		backends:    backends,
		scenarios:   scenarios,
		pipeline:    pipeline,
		provisioner: provisioner,
		bridge:      br,
		store:       st,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), securityHeaders())

	r.GET("/healthz", s.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.POST("/alert", s.SubmitAlert)
	r.GET("/logs", s.StreamLogs)

	r.POST("/query/graph", s.QueryGraph)
	r.POST("/query/telemetry", s.QueryTelemetry)
	r.POST("/query/topology", s.QueryTopology)

	r.GET("/scenarios/saved", s.ListScenarios)
	r.GET("/scenarios/saved/:name", s.GetScenario)
	r.POST("/scenarios/save", s.SaveScenario)
	r.DELETE("/scenarios/saved/:name", s.DeleteScenario)

	r.POST("/upload/:kind", s.Upload)
	r.POST("/config/apply", s.ApplyConfig)

	r.GET("/prompts", s.ListPrompts)
	r.GET("/agents", s.ListAgents)

	return r
}

// stream pipes broker events for the given sources to the client as SSE.
func (s *Server) stream(c *gin.Context, sources ...string) {
	ch, cancel := s.broker.Subscribe(sources...)
	defer cancel()
	s.streamChannel(c, ch)
}

// streamChannel is the pre-subscribed variant, for handlers that must
// subscribe before triggering the producer.
func (s *Server) streamChannel(c *gin.Context, ch <-chan events.Event) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	metrics.SSESubscribers.Inc()
	defer metrics.SSESubscribers.Dec()

	events.WriteSSE(c.Writer, c.Writer.Flush, ch, c.Request.Context().Done(),
		s.cfg.Server.HeartbeatInterval)
}
