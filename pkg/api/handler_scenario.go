package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opsgraph/sleuth/pkg/scenario"
)

// ListScenarios handles GET /scenarios/saved.
func (s *Server) ListScenarios(c *gin.Context) {
	list, err := s.scenarios.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scenarios": list, "count": len(list)})
}

// GetScenario handles GET /scenarios/saved/:name.
func (s *Server) GetScenario(c *gin.Context) {
	sc, err := s.scenarios.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

// SaveScenario handles POST /scenarios/save. Resource names in the response
// are derived from the scenario name, never caller-supplied.
func (s *Server) SaveScenario(c *gin.Context) {
	var req scenario.SaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	sc, err := s.scenarios.Save(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

// DeleteScenario handles DELETE /scenarios/saved/:name. Only the registry
// record is removed; the scenario's graph, telemetry, and prompt resources
// stay intact and the record can be re-saved to point at them again.
func (s *Server) DeleteScenario(c *gin.Context) {
	name := c.Param("name")
	if err := s.scenarios.Delete(c.Request.Context(), name); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": name})
}
