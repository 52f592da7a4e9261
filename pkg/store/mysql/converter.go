package mysql

import (
	domain "gpuledger/internal/model"
	"gpuledger/pkg/store/mysql/model"
)

// toUsageRecord maps a domain usage row to its persisted form.
func toUsageRecord(row *domain.UsageRow) *model.UsageRowRecord {
	return &model.UsageRowRecord{
		Date:                  row.Date,
		Tenant:                row.Tenant,
		Team:                  row.Team,
		Project:               row.Project,
		RunID:                 row.RunID,
		Tags:                  row.Tags,
		RunCreatedAt:          row.CreatedAt,
		RunUpdatedAt:          row.UpdatedAt,
		State:                 row.State,
		DurationHour:          row.DurationHour,
		GPUCount:              row.GPUCount,
		AverageGPUUtilization: row.AverageGPUUtilization,
		MaxGPUUtilization:     row.MaxGPUUtilization,
		AverageGPUMemory:      row.AverageGPUMemory,
		MaxGPUMemory:          row.MaxGPUMemory,
		HostName:              row.HostName,
		LoggedAt:              row.LoggedAt,
		RunExists:             string(row.RunExists),
	}
}

// fromUsageRecord maps a persisted record back to the domain row. Unknown
// existence values degrade to "error" so the reconciler re-probes them.
func fromUsageRecord(rec *model.UsageRowRecord) domain.UsageRow {
	existence := domain.RunExistence(rec.RunExists)
	switch existence {
	case domain.RunExists, domain.RunDeleted, domain.RunError:
	default:
		existence = domain.RunError
	}
	return domain.UsageRow{
		Date:                  domain.DateOf(rec.Date),
		Tenant:                rec.Tenant,
		Team:                  rec.Team,
		Project:               rec.Project,
		RunID:                 rec.RunID,
		Tags:                  rec.Tags,
		CreatedAt:             rec.RunCreatedAt,
		UpdatedAt:             rec.RunUpdatedAt,
		State:                 rec.State,
		DurationHour:          rec.DurationHour,
		GPUCount:              rec.GPUCount,
		AverageGPUUtilization: rec.AverageGPUUtilization,
		MaxGPUUtilization:     rec.MaxGPUUtilization,
		AverageGPUMemory:      rec.AverageGPUMemory,
		MaxGPUMemory:          rec.MaxGPUMemory,
		HostName:              rec.HostName,
		LoggedAt:              rec.LoggedAt,
		RunExists:             existence,
	}
}

// toDeletedRecord maps a deleted-run report entry to its persisted form.
func toDeletedRecord(d *domain.DeletedRun) *model.DeletedRunRecord {
	return &model.DeletedRunRecord{
		Tenant:       d.Tenant,
		Team:         d.Team,
		Project:      d.Project,
		RunID:        d.RunID,
		RunCreatedAt: d.CreatedAt,
		DetectedAt:   d.DetectedAt,
	}
}

// toUsageTableRow maps an aggregated row into a publication table row.
func toUsageTableRow(publicationID string, row *domain.AggregatedUsageRow) model.UsageTableRow {
	return model.UsageTableRow{
		PublicationID:         publicationID,
		Tenant:                row.Tenant,
		Period:                row.Period,
		TotalGPUHour:          row.TotalGPUHour,
		UtilizationRate:       row.UtilizationRate,
		AverageGPUUtilization: row.AverageGPUUtilization,
		MaxGPUUtilization:     row.MaxGPUUtilization,
		AverageGPUMemory:      row.AverageGPUMemory,
		MaxGPUMemory:          row.MaxGPUMemory,
		NRuns:                 row.NRuns,
		AssignedGPUNodes:      row.AssignedGPUNodes,
		AssignedGPUHour:       row.AssignedGPUHour,
		RawTotalGPUHour:       row.RawTotalGPUHour,
		TotalMetricsHour:      row.TotalMetricsHour,
	}
}

// toSummaryTableRow maps a weekly summary line into a publication table row.
func toSummaryTableRow(publicationID string, row *domain.SummaryRow) model.SummaryTableRow {
	return model.SummaryTableRow{
		PublicationID:  publicationID,
		Tenant:         row.Tenant,
		Project:        row.Project,
		TotalHours:     row.TotalHours,
		TotalRuns:      row.TotalRuns,
		MasterNodeRuns: row.MasterNodeRuns,
		OverlapRuns:    row.OverlapRuns,
		IgnoreTagRuns:  row.IgnoreTagRuns,
	}
}
