// Package health serves the liveness and readiness probes. Liveness is
// process-up only; readiness runs every registered dependency check and
// reports 503 when any fails, which pulls the instance out of rotation.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/voxhall/voxhall/internal/v1/logging"
)

// checkTimeout bounds the whole readiness pass; a wedged dependency must not
// wedge the probe.
const checkTimeout = 3 * time.Second

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Handler answers the probe endpoints over a fixed set of named checks,
// registered once at startup.
type Handler struct {
	checks map[string]CheckFunc
}

func NewHandler() *Handler {
	return &Handler{checks: make(map[string]CheckFunc)}
}

// AddCheck registers a named dependency check. Chainable.
func (h *Handler) AddCheck(name string, fn CheckFunc) *Handler {
	h.checks[name] = fn
	return h
}

// LivenessResponse is the body of GET /healthz.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the body of GET /readyz.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness returns 200 whenever the process can serve it.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness runs every check and aggregates: all healthy returns 200, any
// failure returns 503 with the per-check map so the failing dependency is
// visible from kubectl.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	allHealthy := true

	for name, fn := range h.checks {
		if err := fn(ctx); err != nil {
			logging.Warn(ctx, "Readiness check failed",
				zap.String("check", name), zap.Error(err))
			checks[name] = "unhealthy"
			allHealthy = false
			continue
		}
		checks[name] = "healthy"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
