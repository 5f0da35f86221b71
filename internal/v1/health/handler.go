// Package health exposes Kubernetes-style liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/logging"
)

// Pinger is any dependency that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

const checkTimeout = 3 * time.Second

// Handler manages health check endpoints. Either dependency may be nil when
// the deployment runs without it; a missing dependency reports healthy.
type Handler struct {
	db Pinger
	kv Pinger
}

// NewHandler creates a new health check handler.
func NewHandler(db, kv Pinger) *Handler {
	return &Handler{db: db, kv: kv}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 if the process is alive;
// no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only if all critical
// dependencies are healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	checks := map[string]string{
		"database": h.check(ctx, "database", h.db),
		"redis":    h.check(ctx, "redis", h.kv),
	}

	status := "ready"
	statusCode := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "unavailable"
			statusCode = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) check(ctx context.Context, name string, dep Pinger) string {
	if dep == nil {
		return "healthy"
	}
	if err := dep.Ping(ctx); err != nil {
		logging.Error(ctx, "Dependency health check failed",
			zap.String("dependency", name), zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
