package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuledger/internal/aggregator"
	"gpuledger/internal/collector"
	"gpuledger/internal/model"
	"gpuledger/internal/pipeline"
	"gpuledger/internal/reconciler"
	"gpuledger/pkg/config"
	"gpuledger/pkg/interfaces"
)

type stubClient struct{}

func (stubClient) Projects(context.Context, string) ([]string, error) { return nil, nil }
func (stubClient) Runs(context.Context, string, string, int, string) (*interfaces.RunPage, error) {
	return nil, nil
}
func (stubClient) RunHistory(context.Context, string, int) ([]interfaces.HistoryPoint, error) {
	return nil, nil
}
func (stubClient) CheckRun(context.Context, string) error { return nil }
func (stubClient) SchedulerMetadata(context.Context, string) (map[string]string, error) {
	return nil, nil
}

type stubCollector struct {
	release chan struct{}
}

func (s *stubCollector) Collect(context.Context, time.Time, time.Time) ([]model.UsageRow, *collector.Stats, error) {
	if s.release != nil {
		<-s.release
	}
	return nil, &collector.Stats{}, nil
}

type stubHistory struct{}

func (stubHistory) LoadAll(context.Context) ([]model.UsageRow, error)         { return nil, nil }
func (stubHistory) ReplaceAll(context.Context, []model.UsageRow) error        { return nil }
func (stubHistory) RecordDeletedRuns(context.Context, []model.DeletedRun) error { return nil }

type stubPublisher struct{}

func (stubPublisher) Publish(context.Context, *model.UsageReport) error { return nil }

func newTestHandler(t *testing.T, col pipeline.Collector) *PipelineHandler {
	t.Helper()
	cfg := &config.Config{
		Program: config.ProgramConfig{StartDate: "2024-02-15", Timezone: "UTC", GPUsPerNode: 8},
		Tenants: []config.TenantConfig{{
			Name:  "acme",
			Teams: []string{"acme-research"},
			Schedule: []config.ScheduleEntry{
				{Date: "2024-02-15", AssignedGPUNodes: 2},
			},
		}},
	}
	p, err := pipeline.New(cfg, col, reconciler.New(stubClient{}), aggregator.New(cfg), stubHistory{}, stubPublisher{})
	require.NoError(t, err)
	return NewPipelineHandler(p)
}

func newTestRouter(h *PipelineHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.GET("/healthz", h.Health)
	engine.POST("/api/v1/pipeline/run", h.Run)
	engine.GET("/api/v1/pipeline/status", h.Status)
	return engine
}

func TestHealth(t *testing.T) {
	engine := newTestRouter(newTestHandler(t, &stubCollector{}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status": "ok"}`, w.Body.String())
}

func TestRunAcceptsWindow(t *testing.T) {
	engine := newTestRouter(newTestHandler(t, &stubCollector{}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/pipeline/run",
		strings.NewReader(`{"start_date": "2024-05-01", "end_date": "2024-05-02"}`))
	req.Header.Set("Content-Type", "application/json")
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "2024-05-01", resp["window_start"])
	assert.Equal(t, "2024-05-02", resp["window_end"])
}

func TestRunRejectsBadDates(t *testing.T) {
	engine := newTestRouter(newTestHandler(t, &stubCollector{}))

	tests := []struct {
		name string
		body string
	}{
		{"malformed start date", `{"start_date": "01-05-2024"}`},
		{"malformed end date", `{"end_date": "soon"}`},
		{"inverted window", `{"start_date": "2024-05-02", "end_date": "2024-05-01"}`},
		{"not json", `dates please`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/pipeline/run", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			engine.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestRunConflictWhileRunning(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	engine := newTestRouter(newTestHandler(t, &stubCollector{release: release}))

	body := `{"start_date": "2024-05-01", "end_date": "2024-05-02"}`

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/pipeline/run", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	// Wait for the background run to take the flight slot.
	require.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/pipeline/status", nil))
		var status struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
			return false
		}
		return status.State == string(pipeline.StateRunning)
	}, time.Second, 5*time.Millisecond)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/pipeline/run", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStatusStartsIdle(t *testing.T) {
	engine := newTestRouter(newTestHandler(t, &stubCollector{}))

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/pipeline/status", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var status struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, string(pipeline.StateIdle), status.State)
}
