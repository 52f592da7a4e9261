package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gpuledger/internal/model"
	"gpuledger/pkg/interfaces"
	"gpuledger/pkg/logger"
)

// Reconciler merges freshly collected usage rows with stored history and
// keeps the history honest about runs deleted upstream.
type Reconciler struct {
	client interfaces.TrackingClient
	now    func() time.Time
}

// New creates a reconciler.
func New(client interfaces.TrackingClient) *Reconciler {
	return &Reconciler{client: client, now: time.Now}
}

// Combine merges new rows over historical rows. Rows sharing a natural key
// collapse to the one with the latest LoggedAt, except that a deleted status
// survives the collapse regardless of which row carried it. A malformed
// historical row aborts the whole merge; a partial merge would silently drop
// history. The result is sorted tenant asc, date desc and the operation is
// idempotent.
func (r *Reconciler) Combine(newRows, oldRows []model.UsageRow) ([]model.UsageRow, error) {
	for i := range oldRows {
		if err := validateRow(&oldRows[i]); err != nil {
			return nil, fmt.Errorf("historical row %d: %w", i, err)
		}
	}
	for i := range newRows {
		if err := validateRow(&newRows[i]); err != nil {
			return nil, fmt.Errorf("collected row %d: %w", i, err)
		}
	}

	merged := make(map[model.RowKey]model.UsageRow, len(newRows)+len(oldRows))
	absorb := func(rows []model.UsageRow) {
		for i := range rows {
			row := rows[i]
			if row.RunExists == "" {
				row.RunExists = model.RunExists
			}
			key := row.Key()
			existing, ok := merged[key]
			if !ok {
				merged[key] = row
				continue
			}
			deleted := existing.RunExists == model.RunDeleted || row.RunExists == model.RunDeleted
			if row.LoggedAt.After(existing.LoggedAt) {
				existing = row
			}
			if deleted {
				existing.RunExists = model.RunDeleted
			}
			merged[key] = existing
		}
	}
	absorb(oldRows)
	absorb(newRows)

	out := make([]model.UsageRow, 0, len(merged))
	for _, row := range merged {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tenant != out[j].Tenant {
			return out[i].Tenant < out[j].Tenant
		}
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		if out[i].Project != out[j].Project {
			return out[i].Project < out[j].Project
		}
		return out[i].RunID < out[j].RunID
	})
	return out, nil
}

// validateRow rejects rows that cannot be keyed or ordered.
func validateRow(row *model.UsageRow) error {
	switch {
	case row.Date.IsZero():
		return errors.New("missing date")
	case row.Tenant == "":
		return errors.New("missing tenant")
	case row.Project == "":
		return errors.New("missing project")
	case row.RunID == "":
		return errors.New("missing run id")
	case row.LoggedAt.IsZero():
		return errors.New("missing logged_at")
	}
	switch row.RunExists {
	case "", model.RunExists, model.RunDeleted, model.RunError:
	default:
		return fmt.Errorf("unknown run_exists value %q", row.RunExists)
	}
	return nil
}

// ReconcileExistence probes every non-deleted row's upstream run, once per
// distinct run path. Not-found marks every row of the run deleted; deletion
// never reverts. Any other probe error marks the rows with error status so
// the next pass retries them. Returns the updated rows and the runs newly
// detected as deleted.
func (r *Reconciler) ReconcileExistence(ctx context.Context, rows []model.UsageRow) ([]model.UsageRow, []model.DeletedRun, error) {
	type verdict struct {
		existence model.RunExistence
	}
	verdicts := make(map[string]verdict)

	for i := range rows {
		row := &rows[i]
		if row.RunExists == model.RunDeleted {
			continue
		}
		path := row.RunPath()
		if _, done := verdicts[path]; done {
			continue
		}

		err := r.client.CheckRun(ctx, path)
		switch {
		case err == nil:
			verdicts[path] = verdict{existence: model.RunExists}
		case errors.Is(err, interfaces.ErrRunNotFound):
			verdicts[path] = verdict{existence: model.RunDeleted}
		case ctx.Err() != nil:
			return nil, nil, ctx.Err()
		default:
			logger.Warnf("existence probe failed for run %s: %v", path, err)
			verdicts[path] = verdict{existence: model.RunError}
		}
	}

	detectedAt := r.now()
	newlyDeleted := make(map[string]model.DeletedRun)
	perTenant := make(map[string]int)

	for i := range rows {
		row := &rows[i]
		if row.RunExists == model.RunDeleted {
			continue
		}
		v, ok := verdicts[row.RunPath()]
		if !ok {
			continue
		}
		row.RunExists = v.existence
		if v.existence != model.RunDeleted {
			continue
		}
		path := row.RunPath()
		if _, seen := newlyDeleted[path]; !seen {
			newlyDeleted[path] = model.DeletedRun{
				Tenant:     row.Tenant,
				Team:       row.Team,
				Project:    row.Project,
				RunID:      row.RunID,
				CreatedAt:  row.CreatedAt,
				DetectedAt: detectedAt,
			}
			perTenant[row.Tenant]++
		}
	}

	deleted := make([]model.DeletedRun, 0, len(newlyDeleted))
	for _, d := range newlyDeleted {
		deleted = append(deleted, d)
	}
	sort.Slice(deleted, func(i, j int) bool {
		if deleted[i].Tenant != deleted[j].Tenant {
			return deleted[i].Tenant < deleted[j].Tenant
		}
		if deleted[i].Project != deleted[j].Project {
			return deleted[i].Project < deleted[j].Project
		}
		return deleted[i].RunID < deleted[j].RunID
	})

	for tenant, n := range perTenant {
		logger.Infof("tenant %s: %d runs no longer exist upstream", tenant, n)
	}
	return rows, deleted, nil
}
