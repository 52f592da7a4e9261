package model

import "time"

// UsageRowRecord is one persisted run-day usage record, the unit of history.
type UsageRowRecord struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Date         time.Time `gorm:"column:date;not null;type:date;uniqueIndex:uk_usage_key" json:"date"`
	Tenant       string    `gorm:"column:tenant;not null;size:64;uniqueIndex:uk_usage_key" json:"tenant"`
	Team         string    `gorm:"column:team;not null;size:64" json:"team"`
	Project      string    `gorm:"column:project;not null;size:128;uniqueIndex:uk_usage_key" json:"project"`
	RunID        string    `gorm:"column:run_id;not null;size:128;uniqueIndex:uk_usage_key" json:"run_id"`
	Tags         string    `gorm:"column:tags;type:text" json:"tags"`
	RunCreatedAt time.Time `gorm:"column:run_created_at;not null" json:"run_created_at"`
	RunUpdatedAt time.Time `gorm:"column:run_updated_at;not null" json:"run_updated_at"`
	State        string    `gorm:"column:state;size:32" json:"state"`
	DurationHour float64   `gorm:"column:duration_hour;not null;type:decimal(10,4)" json:"duration_hour"`
	GPUCount     int       `gorm:"column:gpu_count;not null;default:0" json:"gpu_count"`

	// Metric columns stay NULL on days without telemetry.
	AverageGPUUtilization *float64 `gorm:"column:average_gpu_utilization;type:decimal(5,1)" json:"average_gpu_utilization"`
	MaxGPUUtilization     *float64 `gorm:"column:max_gpu_utilization;type:decimal(5,1)" json:"max_gpu_utilization"`
	AverageGPUMemory      *float64 `gorm:"column:average_gpu_memory;type:decimal(5,1)" json:"average_gpu_memory"`
	MaxGPUMemory          *float64 `gorm:"column:max_gpu_memory;type:decimal(5,1)" json:"max_gpu_memory"`

	HostName  string    `gorm:"column:host_name;size:128" json:"host_name"`
	LoggedAt  time.Time `gorm:"column:logged_at;not null;index" json:"logged_at"`
	RunExists string    `gorm:"column:run_exists;not null;size:16;default:exists" json:"run_exists"`
}

// TableName returns the table name for UsageRowRecord
func (UsageRowRecord) TableName() string {
	return "usage_rows"
}

// DeletedRunRecord marks a run whose upstream record disappeared.
type DeletedRunRecord struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Tenant       string    `gorm:"column:tenant;not null;size:64;uniqueIndex:uk_deleted_run" json:"tenant"`
	Team         string    `gorm:"column:team;not null;size:64" json:"team"`
	Project      string    `gorm:"column:project;not null;size:128;uniqueIndex:uk_deleted_run" json:"project"`
	RunID        string    `gorm:"column:run_id;not null;size:128;uniqueIndex:uk_deleted_run" json:"run_id"`
	RunCreatedAt time.Time `gorm:"column:run_created_at" json:"run_created_at"`
	DetectedAt   time.Time `gorm:"column:detected_at;not null" json:"detected_at"`
}

// TableName returns the table name for DeletedRunRecord
func (DeletedRunRecord) TableName() string {
	return "deleted_runs"
}

// Publication records one dashboard publication of a scope. At most one
// publication per scope carries the latest tag.
type Publication struct {
	ID        string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	Scope     string    `gorm:"column:scope;not null;size:80;index" json:"scope"`
	Tag       string    `gorm:"column:tag;size:16;index" json:"tag"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName returns the table name for Publication
func (Publication) TableName() string {
	return "publications"
}

// UsageTableRow is one published aggregated usage row. The destination table
// is chosen at write time, so it carries no TableName of its own.
type UsageTableRow struct {
	ID                    int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	PublicationID         string    `gorm:"column:publication_id;not null;size:36;index" json:"publication_id"`
	Tenant                string    `gorm:"column:tenant;not null;size:64" json:"tenant"`
	Period                string    `gorm:"column:period;size:10" json:"period"`
	TotalGPUHour          float64   `gorm:"column:total_gpu_hour;type:decimal(12,1)" json:"total_gpu_hour"`
	UtilizationRate       float64   `gorm:"column:utilization_rate;type:decimal(5,1)" json:"utilization_rate"`
	AverageGPUUtilization float64   `gorm:"column:average_gpu_utilization;type:decimal(5,1)" json:"average_gpu_utilization"`
	MaxGPUUtilization     float64   `gorm:"column:max_gpu_utilization;type:decimal(5,1)" json:"max_gpu_utilization"`
	AverageGPUMemory      float64   `gorm:"column:average_gpu_memory;type:decimal(5,1)" json:"average_gpu_memory"`
	MaxGPUMemory          float64   `gorm:"column:max_gpu_memory;type:decimal(5,1)" json:"max_gpu_memory"`
	NRuns                 int       `gorm:"column:n_runs;default:0" json:"n_runs"`
	AssignedGPUNodes      int       `gorm:"column:assigned_gpu_nodes;default:0" json:"assigned_gpu_nodes"`
	AssignedGPUHour       float64   `gorm:"column:assigned_gpu_hour;type:decimal(12,1)" json:"assigned_gpu_hour"`
	RawTotalGPUHour       float64   `gorm:"column:_total_gpu_hour;type:decimal(12,1)" json:"_total_gpu_hour"`
	TotalMetricsHour      float64   `gorm:"column:total_metrics_hour;type:decimal(12,1)" json:"total_metrics_hour"`
	CreatedAt             time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

// SummaryTableRow is one published weekly operational summary row.
type SummaryTableRow struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	PublicationID  string    `gorm:"column:publication_id;not null;size:36;index" json:"publication_id"`
	Tenant         string    `gorm:"column:tenant;not null;size:64" json:"tenant"`
	Project        string    `gorm:"column:project;not null;size:128" json:"project"`
	TotalHours     float64   `gorm:"column:total_hours;type:decimal(12,1)" json:"total_hours"`
	TotalRuns      int       `gorm:"column:total_runs;default:0" json:"total_runs"`
	MasterNodeRuns int       `gorm:"column:master_node_runs;default:0" json:"master_node_runs"`
	OverlapRuns    int       `gorm:"column:overlap_runs;default:0" json:"overlap_runs"`
	IgnoreTagRuns  int       `gorm:"column:ignore_tag_runs;default:0" json:"ignore_tag_runs"`
	CreatedAt      time.Time `gorm:"column:created_at;not null" json:"created_at"`
}
