package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opsgraph/sleuth/pkg/bridge"
	"github.com/opsgraph/sleuth/pkg/provision"
	"github.com/opsgraph/sleuth/pkg/scenario"
	"github.com/opsgraph/sleuth/pkg/store"
)

// Error taxonomy codes carried in CRUD/control error responses.
const (
	codeValidation = "validation"
	codeNotFound   = "resource_not_found"
	codeConflict   = "conflict"
	codeRateLimit  = "rate_limit"
	codeInternal   = "internal"
)

// respondError maps service-layer errors onto HTTP statuses for the CRUD and
// control endpoints. The /query/* endpoints never use this; their error
// contract is a 200 with the message in the body.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, scenario.ErrInvalidName):
		c.JSON(http.StatusBadRequest, gin.H{"code": codeValidation, "error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": codeNotFound, "error": "resource not found"})
	case errors.Is(err, provision.ErrActivationInProgress):
		c.JSON(http.StatusConflict, gin.H{"code": codeConflict, "error": err.Error()})
	case errors.Is(err, bridge.ErrTooManyRuns):
		c.JSON(http.StatusTooManyRequests, gin.H{"code": codeRateLimit, "error": err.Error()})
	default:
		slog.Error("Unexpected service error", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": codeInternal, "error": "internal server error"})
	}
}
