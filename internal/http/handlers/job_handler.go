package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/jobs"
	"github.com/Dhoini/Billing-orchestrator/internal/services"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/Dhoini/Billing-orchestrator/pkg/res"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type jobRunner interface {
	RunNow(ctx context.Context, name string) error
	Exclusive(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

type dueIntentProcessor interface {
	ProcessDueIntents(ctx context.Context, filter domain.IntentFilter) (*services.BatchResult, error)
}

// ProcessIntentsRequest необязательное сужение выборки
type ProcessIntentsRequest struct {
	OrderID  *uuid.UUID `json:"order_id,omitempty"`
	Provider string     `json:"provider,omitempty"`
	Limit    int        `json:"limit,omitempty" validate:"gte=0,lte=1000"`
}

// JobHandler ручной запуск пакетных задач, доступен только с job scope
type JobHandler struct {
	runner    jobRunner
	processor dueIntentProcessor
	log       *logger.Logger
}

func NewJobHandler(runner jobRunner, processor dueIntentProcessor, log *logger.Logger) *JobHandler {
	return &JobHandler{runner: runner, processor: processor, log: log}
}

// ProcessIntents POST /internal/jobs/process-intents.
// Делит блокировку с задачей по расписанию, поэтому два прохода одновременно не идут.
func (h *JobHandler) ProcessIntents(c *gin.Context) {
	filter := domain.IntentFilter{}
	if c.Request.ContentLength != 0 {
		body, err := bindBody[ProcessIntentsRequest](c)
		if err != nil && !errors.Is(err, io.EOF) {
			writeError(c, h.log, err)
			return
		}
		if body != nil {
			if body.Provider != "" {
				provider, err := domain.ParseProvider(body.Provider)
				if err != nil {
					writeError(c, h.log, err)
					return
				}
				filter.Provider = provider
			}
			filter.OrderID = body.OrderID
			filter.Limit = body.Limit
		}
	}

	var result *services.BatchResult
	err := h.runner.Exclusive(c.Request.Context(), jobs.ProcessIntents, func(ctx context.Context) error {
		var err error
		result, err = h.processor.ProcessDueIntents(ctx, filter)
		return err
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	res.JSON(c, http.StatusOK, result)
}

// RunJob POST /internal/jobs/:name
func (h *JobHandler) RunJob(c *gin.Context) {
	name := c.Param("name")
	if err := h.runner.RunNow(c.Request.Context(), name); err != nil {
		writeError(c, h.log, err)
		return
	}
	h.log.Infow("Job triggered manually", "job", name)
	res.JSON(c, http.StatusOK, gin.H{"job": name, "status": "completed"})
}
