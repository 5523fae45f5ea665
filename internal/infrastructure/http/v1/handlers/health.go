package handlers

import (
	"context"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
)

// Pinger is a dependency probed by the readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	checks  map[string]Pinger
	version string
}

// NewHealthHandler creates a health handler probing checks by name.
func NewHealthHandler(version string, checks map[string]Pinger) *HealthHandler {
	if version == "" {
		version = "dev"
	}
	return &HealthHandler{checks: checks, version: version}
}

// Live handles liveness probe (is the process alive?).
// GET /health/live
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// Ready handles readiness probe (can the dependencies be reached?).
// GET /health/ready
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx := c.Request.Context()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			results[name] = "unhealthy: " + err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "healthy"
	}

	body := gin.H{"status": "ok", "checks": results}
	if status != http.StatusOK {
		body["status"] = "error"
	}
	c.JSON(status, body)
}

// Info returns application information.
// GET /health/info
func (h *HealthHandler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"app":     "markhub",
		"version": h.version,
	})
}
