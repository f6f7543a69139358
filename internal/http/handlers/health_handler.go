package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/Dhoini/Billing-orchestrator/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Pinger зависимость, проверяемая в /health
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc адаптер функции к Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type HealthHandler struct {
	checks map[string]Pinger
	log    *logger.Logger
}

// NewHealthHandler checks: имя зависимости -> проверка; nil значения пропускаются
func NewHealthHandler(checks map[string]Pinger, log *logger.Logger) *HealthHandler {
	active := make(map[string]Pinger, len(checks))
	for name, p := range checks {
		if p != nil {
			active[name] = p
		}
	}
	return &HealthHandler{checks: active, log: log}
}

// Health GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	components := make(map[string]string, len(h.checks))
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			h.log.Warnw("Health check failed", "component", name, "error", err)
			components[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "up"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "components": components})
}
