package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opsgraph/sleuth/pkg/store"
	"github.com/opsgraph/sleuth/pkg/version"
)

// Health handles GET /healthz. The store probe is the only dependency check:
// backends are lazy and an unreachable one should not mark the whole process
// unhealthy.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	storeStatus := "ok"
	if _, err := s.store.Query(ctx, store.ContainerScenarios, nil); err != nil && !errors.Is(err, store.ErrNotFound) {
		status = http.StatusServiceUnavailable
		storeStatus = err.Error()
	}

	runtime := "stub"
	if s.cfg.RuntimeConfigured() {
		runtime = "external"
	}

	body := gin.H{
		"status":  "healthy",
		"version": version.Full(),
		"store":   storeStatus,
		"backend": s.cfg.Defaults.Backend,
		"runtime": runtime,
	}
	if status != http.StatusOK {
		body["status"] = "unhealthy"
	}
	c.JSON(status, body)
}
