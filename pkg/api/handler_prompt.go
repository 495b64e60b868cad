package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opsgraph/sleuth/pkg/store"
)

// ListPrompts handles GET /prompts?scenario=&include_content=true. Content
// is omitted by default; the listing is a catalog view and prompt bodies can
// be large.
func (s *Server) ListPrompts(c *gin.Context) {
	filter := map[string]any{}
	if sc := c.Query("scenario"); sc != "" {
		filter["scenario"] = sc
	}

	docs, err := s.store.Query(c.Request.Context(), store.ContainerPrompts, filter)
	if err != nil {
		respondError(c, err)
		return
	}

	includeContent := c.Query("include_content") == "true"
	out := make([]store.Document, 0, len(docs))
	for _, doc := range docs {
		if includeContent {
			out = append(out, doc)
			continue
		}
		trimmed := make(store.Document, len(doc))
		for k, v := range doc {
			if k == "content" {
				continue
			}
			trimmed[k] = v
		}
		out = append(out, trimmed)
	}
	c.JSON(http.StatusOK, gin.H{"prompts": out, "count": len(out)})
}

// ListAgents handles GET /agents: the currently provisioned agent name to
// runtime-id map from the last successful activation.
func (s *Server) ListAgents(c *gin.Context) {
	ids := s.provisioner.AgentIDs()
	c.JSON(http.StatusOK, gin.H{"agents": ids, "count": len(ids)})
}
