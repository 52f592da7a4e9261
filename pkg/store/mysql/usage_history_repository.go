package mysql

import (
	"context"
	"fmt"
	"time"

	domain "gpuledger/internal/model"
	"gpuledger/pkg/store/mysql/model"
)

// UsageHistoryRepository handles usage row history persistence in MySQL
type UsageHistoryRepository struct {
	ds *Datastore
}

// NewUsageHistoryRepository creates a new usage history repository
func NewUsageHistoryRepository(ds *Datastore) *UsageHistoryRepository {
	return &UsageHistoryRepository{ds: ds}
}

// LoadAll returns every stored usage row.
func (r *UsageHistoryRepository) LoadAll(ctx context.Context) ([]domain.UsageRow, error) {
	var records []model.UsageRowRecord
	if err := r.ds.DB(ctx).Order("date DESC, tenant ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load usage history: %w", err)
	}

	rows := make([]domain.UsageRow, 0, len(records))
	for i := range records {
		rows = append(rows, fromUsageRecord(&records[i]))
	}
	return rows, nil
}

// LoadRange returns stored usage rows whose date lies in [start, end].
func (r *UsageHistoryRepository) LoadRange(ctx context.Context, start, end time.Time) ([]domain.UsageRow, error) {
	var records []model.UsageRowRecord
	err := r.ds.DB(ctx).
		Where("date >= ? AND date <= ?", start.Format("2006-01-02"), end.Format("2006-01-02")).
		Order("date DESC, tenant ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load usage history range: %w", err)
	}

	rows := make([]domain.UsageRow, 0, len(records))
	for i := range records {
		rows = append(rows, fromUsageRecord(&records[i]))
	}
	return rows, nil
}

// ReplaceAll swaps the stored history for the given merged row set inside one
// transaction, so a failed write never leaves a half-replaced history.
func (r *UsageHistoryRepository) ReplaceAll(ctx context.Context, rows []domain.UsageRow) error {
	return r.ds.ExecTx(ctx, func(ctx context.Context) error {
		if err := r.ds.DB(ctx).Where("1 = 1").Delete(&model.UsageRowRecord{}).Error; err != nil {
			return fmt.Errorf("failed to clear usage history: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		records := make([]*model.UsageRowRecord, 0, len(rows))
		for i := range rows {
			records = append(records, toUsageRecord(&rows[i]))
		}
		if err := r.ds.DB(ctx).CreateInBatches(records, 500).Error; err != nil {
			return fmt.Errorf("failed to write usage history: %w", err)
		}
		return nil
	})
}

// RecordDeletedRuns appends newly detected deletions, skipping runs already
// recorded so re-detection stays idempotent.
func (r *UsageHistoryRepository) RecordDeletedRuns(ctx context.Context, deleted []domain.DeletedRun) error {
	for i := range deleted {
		rec := toDeletedRecord(&deleted[i])
		var count int64
		err := r.ds.DB(ctx).Model(&model.DeletedRunRecord{}).
			Where("tenant = ? AND project = ? AND run_id = ?", rec.Tenant, rec.Project, rec.RunID).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("failed to check deleted run %s/%s: %w", rec.Project, rec.RunID, err)
		}
		if count > 0 {
			continue
		}
		if err := r.ds.DB(ctx).Create(rec).Error; err != nil {
			return fmt.Errorf("failed to record deleted run %s/%s: %w", rec.Project, rec.RunID, err)
		}
	}
	return nil
}
