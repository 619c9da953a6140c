package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Pinger checks one dependency's liveness.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// PingerFunc adapts a function to the Pinger interface.
type PingerFunc func(ctx context.Context) error

// HealthCheck implements Pinger.
func (f PingerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// HealthHandler serves liveness and readiness.
type HealthHandler struct {
	deps    map[string]Pinger
	timeout time.Duration
	logger  *logrus.Logger
}

// NewHealthHandler builds the handler. deps maps dependency name to its
// health check; nil entries are skipped.
func NewHealthHandler(deps map[string]Pinger, logger *logrus.Logger) *HealthHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &HealthHandler{deps: deps, timeout: 2 * time.Second, logger: logger}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready handles GET /ready: every dependency must answer its ping
// within the per-check timeout.
func (h *HealthHandler) Ready(c *gin.Context) {
	status := http.StatusOK
	checks := make(map[string]string, len(h.deps))
	for name, dep := range h.deps {
		if dep == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
		err := dep.HealthCheck(ctx)
		cancel()
		if err != nil {
			h.logger.WithError(err).WithField("dependency", name).Warn("Readiness check failed")
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := gin.H{"status": "ready", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}
