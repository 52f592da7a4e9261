package model

import (
	"fmt"
	"time"
)

// RunExistence tracks whether a recorded run still exists upstream.
type RunExistence string

const (
	RunExists  RunExistence = "exists"
	RunDeleted RunExistence = "deleted"
	RunError   RunExistence = "error"
)

// DateOf truncates a timestamp to its calendar day (UTC date key).
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// WeekStartOf returns the ISO week start (Monday) of the given day.
func WeekStartOf(t time.Time) time.Time {
	d := DateOf(t)
	offset := (int(d.Weekday()) + 6) % 7 // Monday=0 ... Sunday=6
	return d.AddDate(0, 0, -offset)
}

// MonthKeyOf formats a day as its year-month period key.
func MonthKeyOf(t time.Time) string {
	return t.Format("2006-01")
}

// DailyMetricSample is one run's measured GPU telemetry for one calendar day,
// folded across accelerators.
type DailyMetricSample struct {
	Date                  time.Time
	AverageGPUUtilization float64
	MaxGPUUtilization     float64
	AverageGPUMemory      float64
	MaxGPUMemory          float64
	MetricsHour           float64 // hours between first and last sample that day
}

// Project is a discovered upstream project. Created by discovery, never
// mutated afterwards.
type Project struct {
	Team string
	Name string
	Runs []Run
}

// Run is one upstream experiment run that passed validity filtering.
type Run struct {
	Tenant      string
	Team        string
	Project     string
	RunID       string
	CreatedAt   time.Time
	HeartbeatAt time.Time
	State       string
	Tags        []string
	HostName    string
	GPUName     string
	GPUCount    int // resolved count, not necessarily the reported one
	Samples     []DailyMetricSample
}

// Path is the upstream identifier team/project/run_id.
func (r *Run) Path() string {
	return fmt.Sprintf("%s/%s/%s", r.Team, r.Project, r.RunID)
}

// UsageRow is the persisted unit record: one run on one covered day.
// Metric pointers are nil when the run produced no telemetry that day;
// nil means "not measured", not "zero usage".
type UsageRow struct {
	Date                  time.Time
	Tenant                string
	Team                  string
	Project               string
	RunID                 string
	Tags                  string // JSON-encoded tag list
	CreatedAt             time.Time
	UpdatedAt             time.Time
	State                 string
	DurationHour          float64
	GPUCount              int
	AverageGPUUtilization *float64
	MaxGPUUtilization     *float64
	AverageGPUMemory      *float64
	MaxGPUMemory          *float64
	HostName              string
	LoggedAt              time.Time
	RunExists             RunExistence
}

// RowKey is the natural deduplication key of a UsageRow.
type RowKey struct {
	Date    string
	Tenant  string
	Project string
	RunID   string
}

// Key returns the row's natural key.
func (r *UsageRow) Key() RowKey {
	return RowKey{
		Date:    r.Date.Format("2006-01-02"),
		Tenant:  r.Tenant,
		Project: r.Project,
		RunID:   r.RunID,
	}
}

// RunPath reconstructs the upstream run identifier for existence probing.
func (r *UsageRow) RunPath() string {
	team := r.Team
	if team == "" {
		team = r.Tenant
	}
	return fmt.Sprintf("%s/%s/%s", team, r.Project, r.RunID)
}

// DeletedRun records a run whose upstream record disappeared.
type DeletedRun struct {
	Tenant     string
	Team       string
	Project    string
	RunID      string
	CreatedAt  time.Time
	DetectedAt time.Time
}
