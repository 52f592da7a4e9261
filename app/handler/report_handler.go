package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gpuledger/internal/model"
	storemodel "gpuledger/pkg/store/mysql/model"
)

// HistoryReader reads persisted usage rows.
type HistoryReader interface {
	LoadRange(ctx context.Context, start, end time.Time) ([]model.UsageRow, error)
}

// PublicationReader looks up dashboard publication bookkeeping.
type PublicationReader interface {
	LatestPublication(ctx context.Context, scope string) (*storemodel.Publication, error)
}

// ReportHandler exposes read access to the stored usage history and the
// publication records behind the dashboard tables.
type ReportHandler struct {
	history HistoryReader
	pubs    PublicationReader
}

// NewReportHandler creates a new report handler
func NewReportHandler(history HistoryReader, pubs PublicationReader) *ReportHandler {
	return &ReportHandler{history: history, pubs: pubs}
}

// UsageRows returns stored usage rows whose date falls inside the requested
// window. Both dates are required.
func (h *ReportHandler) UsageRows(c *gin.Context) {
	start, err := time.Parse("2006-01-02", c.Query("start_date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start_date: " + err.Error()})
		return
	}
	end, err := time.Parse("2006-01-02", c.Query("end_date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end_date: " + err.Error()})
		return
	}
	if start.After(end) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_date after end_date"})
		return
	}

	rows, err := h.history.LoadRange(c.Request.Context(), start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(rows), "rows": rows})
}

// LatestPublication returns the publication the dashboard currently serves
// for a scope, such as "overall" or "tenant/acme".
func (h *ReportHandler) LatestPublication(c *gin.Context) {
	scope := c.Query("scope")
	if scope == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scope is required"})
		return
	}

	pub, err := h.pubs.LatestPublication(c.Request.Context(), scope)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if pub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "scope " + scope + " has never been published"})
		return
	}
	c.JSON(http.StatusOK, pub)
}
