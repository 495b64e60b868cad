package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opsgraph/sleuth/pkg/backend"
	"github.com/opsgraph/sleuth/pkg/config"
	"github.com/opsgraph/sleuth/pkg/metrics"
	"github.com/opsgraph/sleuth/pkg/scenario"
)

// queryRequest is the body of /query/graph and /query/telemetry. Container
// names a telemetry table; it is ignored on graph queries.
type queryRequest struct {
	Query     string `json:"query"`
	Container string `json:"container,omitempty"`
}

// topologyRequest is the body of /query/topology. Both fields are optional;
// backends substitute a full-graph traversal for an empty query.
type topologyRequest struct {
	Query        string   `json:"query,omitempty"`
	VertexLabels []string `json:"vertex_labels,omitempty"`
}

// QueryGraph handles POST /query/graph. Always 200; see package doc.
func (s *Server) QueryGraph(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.queryResult(c, "graph", "", backend.ErrorResult("invalid request body: "+err.Error()))
		return
	}

	sc := s.resolver.Resolve(c.Request.Context(), c.GetHeader(routingHeader))
	be, err := s.backends.Get(c.Request.Context(), sc.Backend, sc.GraphName)
	if err != nil {
		s.queryResult(c, "graph", sc.Backend, backend.ErrorResult(err.Error()))
		return
	}

	res := be.ExecuteQuery(c.Request.Context(), req.Query, backend.QueryOptions{
		GraphName: sc.GraphName,
		Database:  sc.GraphDatabase,
	})
	s.queryResult(c, "graph", sc.Backend, res)
}

// QueryTelemetry handles POST /query/telemetry. Always 200.
func (s *Server) QueryTelemetry(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.queryResult(c, "telemetry", "", backend.ErrorResult("invalid request body: "+err.Error()))
		return
	}

	sc := s.resolver.Resolve(c.Request.Context(), c.GetHeader(routingHeader))
	be, err := s.backends.Get(c.Request.Context(), sc.TelemetryBackend, sc.GraphName)
	if err != nil {
		s.queryResult(c, "telemetry", sc.TelemetryBackend, backend.ErrorResult(err.Error()))
		return
	}

	container := ""
	if req.Container != "" {
		container = scenario.TelemetryContainer(sc.TelemetryPrefix, req.Container)
	}
	res := be.ExecuteQuery(c.Request.Context(), req.Query, backend.QueryOptions{
		GraphName: sc.GraphName,
		Database:  sc.TelemetryDatabase,
		Container: container,
	})
	s.queryResult(c, "telemetry", sc.TelemetryBackend, res)
}

// QueryTopology handles POST /query/topology. Always 200.
func (s *Server) QueryTopology(c *gin.Context) {
	var req topologyRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		s.topologyResult(c, "", backend.ErrorTopology("invalid request body: "+err.Error()))
		return
	}

	sc := s.resolver.Resolve(c.Request.Context(), c.GetHeader(routingHeader))
	be, err := s.backends.Get(c.Request.Context(), sc.Backend, sc.GraphName)
	if err != nil {
		s.topologyResult(c, sc.Backend, backend.ErrorTopology(err.Error()))
		return
	}

	topo := be.GetTopology(c.Request.Context(), req.Query, req.VertexLabels)
	s.topologyResult(c, sc.Backend, topo)
}

func (s *Server) queryResult(c *gin.Context, endpoint string, bt config.BackendType, res backend.QueryResult) {
	metrics.QueriesTotal.WithLabelValues(endpoint, string(bt), outcome(res.Error)).Inc()
	c.JSON(http.StatusOK, res)
}

func (s *Server) topologyResult(c *gin.Context, bt config.BackendType, topo backend.Topology) {
	metrics.QueriesTotal.WithLabelValues("topology", string(bt), outcome(topo.Error)).Inc()
	c.JSON(http.StatusOK, topo)
}

func outcome(errMsg string) string {
	if errMsg != "" {
		return "error"
	}
	return "ok"
}
