package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/opsgraph/sleuth/pkg/events"
)

// alertRequest is the body of POST /alert.
type alertRequest struct {
	Alert string `json:"alert" binding:"required"`
}

// SubmitAlert handles POST /alert: it starts an investigation run and
// streams the run's events back as SSE until run_complete or error. The run
// itself is detached; disconnecting the stream does not cancel it.
func (s *Server) SubmitAlert(c *gin.Context) {
	var req alertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "alert text is required"})
		return
	}

	runID, err := s.bridge.SubmitAlert(req.Alert)
	if err != nil {
		respondError(c, err)
		return
	}

	// The id is also carried in the run_start payload; the header lets a
	// client reconnect to the same stream after a drop.
	c.Header("X-Run-Id", runID)
	s.stream(c, events.RunSource(runID))
}

// StreamLogs handles GET /logs: the live log firehose plus any extra sources
// named in ?sources=a,b. Log subscribers get live events only, no replay.
func (s *Server) StreamLogs(c *gin.Context) {
	sources := []string{events.SourceLogs}
	if extra := c.Query("sources"); extra != "" {
		for _, src := range strings.Split(extra, ",") {
			if src = strings.TrimSpace(src); src != "" && src != events.SourceLogs {
				sources = append(sources, src)
			}
		}
	}
	s.stream(c, sources...)
}
