package mysql

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	domain "gpuledger/internal/model"
	"gpuledger/pkg/store/mysql/model"
)

// TagLatest marks the publication currently served by the dashboard. It is
// the default when no tag is configured.
const TagLatest = "latest"

// ReportRepository handles dashboard report table persistence in MySQL.
// Report tables are plain named tables the dashboard reads directly, so row
// shapes are shared and the destination table is picked per write.
type ReportRepository struct {
	ds        *Datastore
	latestTag string
}

// NewReportRepository creates a new report repository. latestTag is the tag
// marking the publication the dashboard serves; empty falls back to TagLatest.
func NewReportRepository(ds *Datastore, latestTag string) *ReportRepository {
	if latestTag == "" {
		latestTag = TagLatest
	}
	return &ReportRepository{ds: ds, latestTag: latestTag}
}

// EnsureTables creates or updates the named report tables.
func (r *ReportRepository) EnsureTables(usageTables, summaryTables []string) error {
	for _, table := range usageTables {
		if err := r.ds.db.Table(table).AutoMigrate(&model.UsageTableRow{}); err != nil {
			return fmt.Errorf("failed to migrate report table %s: %w", table, err)
		}
	}
	for _, table := range summaryTables {
		if err := r.ds.db.Table(table).AutoMigrate(&model.SummaryTableRow{}); err != nil {
			return fmt.Errorf("failed to migrate summary table %s: %w", table, err)
		}
	}
	return nil
}

// BeginPublication opens a new publication for a scope: the previous latest
// tag for the scope is cleared first, then the new publication takes it.
func (r *ReportRepository) BeginPublication(ctx context.Context, scope string) (*model.Publication, error) {
	pub := &model.Publication{
		ID:        uuid.NewString(),
		Scope:     scope,
		Tag:       r.latestTag,
		CreatedAt: time.Now(),
	}

	err := r.ds.ExecTx(ctx, func(ctx context.Context) error {
		err := r.ds.DB(ctx).Model(&model.Publication{}).
			Where("scope = ? AND tag = ?", scope, r.latestTag).
			Update("tag", "").Error
		if err != nil {
			return fmt.Errorf("failed to clear latest tag for scope %s: %w", scope, err)
		}
		if err := r.ds.DB(ctx).Create(pub).Error; err != nil {
			return fmt.Errorf("failed to create publication for scope %s: %w", scope, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// ReplaceUsageTable swaps a named usage table's contents with the rows of
// one publication.
func (r *ReportRepository) ReplaceUsageTable(ctx context.Context, table, publicationID string, rows []domain.AggregatedUsageRow) error {
	now := time.Now()
	return r.ds.ExecTx(ctx, func(ctx context.Context) error {
		if err := r.ds.DB(ctx).Table(table).Where("1 = 1").Delete(&model.UsageTableRow{}).Error; err != nil {
			return fmt.Errorf("failed to clear report table %s: %w", table, err)
		}
		if len(rows) == 0 {
			return nil
		}
		records := make([]model.UsageTableRow, 0, len(rows))
		for i := range rows {
			rec := toUsageTableRow(publicationID, &rows[i])
			rec.CreatedAt = now
			records = append(records, rec)
		}
		if err := r.ds.DB(ctx).Table(table).CreateInBatches(records, 500).Error; err != nil {
			return fmt.Errorf("failed to write report table %s: %w", table, err)
		}
		return nil
	})
}

// ReplaceSummaryTable swaps a named summary table's contents with the rows
// of one publication.
func (r *ReportRepository) ReplaceSummaryTable(ctx context.Context, table, publicationID string, rows []domain.SummaryRow) error {
	now := time.Now()
	return r.ds.ExecTx(ctx, func(ctx context.Context) error {
		if err := r.ds.DB(ctx).Table(table).Where("1 = 1").Delete(&model.SummaryTableRow{}).Error; err != nil {
			return fmt.Errorf("failed to clear summary table %s: %w", table, err)
		}
		if len(rows) == 0 {
			return nil
		}
		records := make([]model.SummaryTableRow, 0, len(rows))
		for i := range rows {
			rec := toSummaryTableRow(publicationID, &rows[i])
			rec.CreatedAt = now
			records = append(records, rec)
		}
		if err := r.ds.DB(ctx).Table(table).CreateInBatches(records, 500).Error; err != nil {
			return fmt.Errorf("failed to write summary table %s: %w", table, err)
		}
		return nil
	})
}

// ReplaceTenantUsageTable swaps one tenant's slice of a shared usage table.
// Other tenants' rows are left alone.
func (r *ReportRepository) ReplaceTenantUsageTable(ctx context.Context, table, tenant, publicationID string, rows []domain.AggregatedUsageRow) error {
	now := time.Now()
	return r.ds.ExecTx(ctx, func(ctx context.Context) error {
		if err := r.ds.DB(ctx).Table(table).Where("tenant = ?", tenant).Delete(&model.UsageTableRow{}).Error; err != nil {
			return fmt.Errorf("failed to clear tenant %s from table %s: %w", tenant, table, err)
		}
		if len(rows) == 0 {
			return nil
		}
		records := make([]model.UsageTableRow, 0, len(rows))
		for i := range rows {
			rec := toUsageTableRow(publicationID, &rows[i])
			rec.CreatedAt = now
			records = append(records, rec)
		}
		if err := r.ds.DB(ctx).Table(table).CreateInBatches(records, 500).Error; err != nil {
			return fmt.Errorf("failed to write tenant %s rows to table %s: %w", tenant, table, err)
		}
		return nil
	})
}

// ReplaceTenantSummaryTable swaps one tenant's slice of a shared summary
// table.
func (r *ReportRepository) ReplaceTenantSummaryTable(ctx context.Context, table, tenant, publicationID string, rows []domain.SummaryRow) error {
	now := time.Now()
	return r.ds.ExecTx(ctx, func(ctx context.Context) error {
		if err := r.ds.DB(ctx).Table(table).Where("tenant = ?", tenant).Delete(&model.SummaryTableRow{}).Error; err != nil {
			return fmt.Errorf("failed to clear tenant %s from table %s: %w", tenant, table, err)
		}
		if len(rows) == 0 {
			return nil
		}
		records := make([]model.SummaryTableRow, 0, len(rows))
		for i := range rows {
			rec := toSummaryTableRow(publicationID, &rows[i])
			rec.CreatedAt = now
			records = append(records, rec)
		}
		if err := r.ds.DB(ctx).Table(table).CreateInBatches(records, 500).Error; err != nil {
			return fmt.Errorf("failed to write tenant %s rows to table %s: %w", tenant, table, err)
		}
		return nil
	})
}

// LatestPublication returns the publication currently tagged latest for a
// scope, or nil when the scope was never published.
func (r *ReportRepository) LatestPublication(ctx context.Context, scope string) (*model.Publication, error) {
	var pub model.Publication
	err := r.ds.DB(ctx).
		Where("scope = ? AND tag = ?", scope, r.latestTag).
		First(&pub).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load latest publication for scope %s: %w", scope, err)
	}
	return &pub, nil
}
