package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrRunNotFound is returned by CheckRun when the upstream run record no
// longer exists. Any other error is treated as retryable.
var ErrRunNotFound = errors.New("run not found")

// RunAcceleratorInfo is the accelerator info reported by the platform.
type RunAcceleratorInfo struct {
	GPU      string `json:"gpu"`
	GPUCount int    `json:"gpuCount"`
}

// RunNode is one run record as returned by run discovery.
type RunNode struct {
	Name        string              `json:"name"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
	HeartbeatAt time.Time           `json:"heartbeatAt"`
	State       string              `json:"state"`
	Tags        []string            `json:"tags"`
	Host        string              `json:"host"`
	RunInfo     *RunAcceleratorInfo `json:"runInfo"`
	Config      json.RawMessage     `json:"config"`
	Description string              `json:"description"`
	Summary     map[string]float64  `json:"summary"`
}

// RunPage is one page of run discovery results.
type RunPage struct {
	Nodes  []RunNode `json:"nodes"`
	Cursor string    `json:"cursor"`
}

// HistoryPoint is one raw time-series sample of a run's system telemetry.
// Metric keys follow the platform convention system.gpu.<i>.gpu and
// system.gpu.<i>.memory for per-accelerator utilization and memory.
type HistoryPoint struct {
	Timestamp float64            `json:"timestamp"` // unix seconds
	Metrics   map[string]float64 `json:"metrics"`
}

// TrackingClient is the read API of the upstream experiment-tracking
// platform. Implementations must be safe for concurrent use; the collector
// shares one client across its worker pool.
type TrackingClient interface {
	// Projects lists project names of a team entity.
	Projects(ctx context.Context, team string) ([]string, error)

	// Runs fetches one page of runs for a project. An empty cursor starts
	// from the beginning; the returned cursor continues the scan.
	Runs(ctx context.Context, team, project string, first int, cursor string) (*RunPage, error)

	// RunHistory fetches sampled system telemetry for a run path.
	RunHistory(ctx context.Context, runPath string, samples int) ([]HistoryPoint, error)

	// CheckRun probes a run's existence: nil means it exists,
	// ErrRunNotFound means it was deleted upstream.
	CheckRun(ctx context.Context, runPath string) error

	// SchedulerMetadata fetches the job-scheduler metadata file attached to
	// a run, used as a last-resort GPU-count source.
	SchedulerMetadata(ctx context.Context, runPath string) (map[string]string, error)
}
