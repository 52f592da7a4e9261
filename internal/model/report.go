package model

import "time"

// Granularity of a reporting period.
type Granularity string

const (
	GranularityDaily   Granularity = "daily"
	GranularityWeekly  Granularity = "weekly"
	GranularityMonthly Granularity = "monthly"
	GranularityOverall Granularity = "overall"
)

// CalendarBucket is one scaffold row: a tenant's capacity for one reporting
// period. NodeDays sums the assigned node count over the period's days so
// capacity stays exact across schedule breakpoints inside a period.
// Buckets are rebuilt on every aggregation and never persisted.
type CalendarBucket struct {
	Tenant           string
	Period           string // "2006-01-02" day or week start, "2006-01" month, "" overall
	PeriodStart      time.Time
	Days             int
	NodeDays         int
	AssignedGPUNodes int // count in effect on the period's first active day
}

// AggregatedUsageRow is one tenant's usage for one reporting period.
// TotalGPUHour is capped at assigned capacity; RawTotalGPUHour keeps the
// uncapped value for audit.
type AggregatedUsageRow struct {
	Tenant                string
	Period                string
	TotalGPUHour          float64
	UtilizationRate       float64
	AverageGPUUtilization float64
	MaxGPUUtilization     float64
	AverageGPUMemory      float64
	MaxGPUMemory          float64
	NRuns                 int
	AssignedGPUNodes      int
	AssignedGPUHour       float64
	RawTotalGPUHour       float64
	TotalMetricsHour      float64
}

// SummaryRow is one tenant×project line of the weekly operational summary.
type SummaryRow struct {
	Tenant         string
	Project        string
	TotalHours     float64 // gpu-count weighted
	TotalRuns      int
	MasterNodeRuns int // runs with gpu_count >= 9
	OverlapRuns    int // runs double-booked on the same host
	IgnoreTagRuns  int
}

// UsageReport bundles the four usage tables and the weekly summary produced
// by one aggregation pass.
type UsageReport struct {
	Daily       []AggregatedUsageRow
	Weekly      []AggregatedUsageRow
	Monthly     []AggregatedUsageRow
	Overall     []AggregatedUsageRow
	Summary     []SummaryRow
	WindowStart time.Time
	WindowEnd   time.Time
	GeneratedAt time.Time
}
