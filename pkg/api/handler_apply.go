package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opsgraph/sleuth/pkg/events"
	"github.com/opsgraph/sleuth/pkg/provision"
)

// applyRequest is the body of POST /config/apply. Scenario or Graph selects
// the scenario; the index and prompt fields override derived bindings.
type applyRequest struct {
	Scenario       string `json:"scenario,omitempty"`
	Graph          string `json:"graph,omitempty"`
	RunbooksIndex  string `json:"runbooks_index,omitempty"`
	TicketsIndex   string `json:"tickets_index,omitempty"`
	PromptScenario string `json:"prompt_scenario,omitempty"`
}

// ApplyConfig handles POST /config/apply: it activates a scenario by
// provisioning its agent team, streaming progress as SSE. Activations are
// serialized process-wide; a concurrent attempt gets 409.
func (s *Server) ApplyConfig(c *gin.Context) {
	var req applyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	err := s.provisioner.Apply(provision.ApplyRequest{
		Scenario:       req.Scenario,
		Graph:          req.Graph,
		RunbooksIndex:  req.RunbooksIndex,
		TicketsIndex:   req.TicketsIndex,
		PromptScenario: req.PromptScenario,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	// Apply clears the provision ring under the activation lock before
	// publishing anything, so subscribing here replays exactly this
	// activation's events. If the activation already finished, the replay
	// ends in an immediate close.
	ch, cancel := s.broker.Subscribe(events.SourceProvision)
	defer cancel()
	s.streamChannel(c, ch)
}
