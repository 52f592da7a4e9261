package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gpuledger/internal/pipeline"
	"gpuledger/pkg/logger"
)

// PipelineHandler exposes manual pipeline control over HTTP.
type PipelineHandler struct {
	pipeline *pipeline.Pipeline
}

// NewPipelineHandler creates a new pipeline handler
func NewPipelineHandler(p *pipeline.Pipeline) *PipelineHandler {
	return &PipelineHandler{pipeline: p}
}

// runRequest is the body of a manual run trigger. Dates are optional; the
// pipeline applies its window defaults.
type runRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// Health reports process liveness.
func (h *PipelineHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Run triggers a pipeline pass for an optional date window. The pass runs in
// the background; poll Status for the outcome.
func (h *PipelineHandler) Run(c *gin.Context) {
	var req runRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
	}

	start, err := parseOptionalDate(req.StartDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start_date: " + err.Error()})
		return
	}
	end, err := parseOptionalDate(req.EndDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end_date: " + err.Error()})
		return
	}

	windowStart, windowEnd, err := h.pipeline.ResolveWindow(start, end)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if h.pipeline.Status().State == pipeline.StateRunning {
		c.JSON(http.StatusConflict, gin.H{"error": pipeline.ErrAlreadyRunning.Error()})
		return
	}

	go func() {
		if err := h.pipeline.Run(context.Background(), windowStart, windowEnd); err != nil {
			if errors.Is(err, pipeline.ErrAlreadyRunning) {
				return
			}
			logger.Errorf("manual pipeline run failed: %v", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"window_start": windowStart.Format("2006-01-02"),
		"window_end":   windowEnd.Format("2006-01-02"),
	})
}

// Status returns the most recent run's status.
func (h *PipelineHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.pipeline.Status())
}

func parseOptionalDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
