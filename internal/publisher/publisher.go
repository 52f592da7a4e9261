package publisher

import (
	"context"
	"fmt"
	"time"

	"gpuledger/internal/model"
	"gpuledger/pkg/config"
	"gpuledger/pkg/logger"
	storemodel "gpuledger/pkg/store/mysql/model"
)

// Organization-wide report tables.
const (
	TableOverall = "overall_gpu_usage"
	TableMonthly = "monthly_gpu_usage"
	TableWeekly  = "weekly_gpu_usage"
	TableDaily   = "daily_gpu_usage"
)

// Tenant-facing report tables, shared across tenants and replaced per
// tenant slice.
const (
	TableCompanyDaily         = "company_daily_gpu_usage"
	TableCompanyDailyRecent   = "company_daily_gpu_usage_within_30days"
	TableCompanyWeekly        = "company_weekly_gpu_usage"
	TableCompanyWeeklyRecent  = "company_weekly_gpu_usage_within_4weeks"
	TableCompanySummary       = "company_summary"
	recentWeeks               = 4
	organizationScopeOverall  = "overall"
	tenantScopePrefix         = "tenant/"
)

// UsageTables lists every usage-shaped report table.
func UsageTables() []string {
	return []string{
		TableOverall, TableMonthly, TableWeekly, TableDaily,
		TableCompanyDaily, TableCompanyDailyRecent,
		TableCompanyWeekly, TableCompanyWeeklyRecent,
	}
}

// SummaryTables lists every summary-shaped report table.
func SummaryTables() []string {
	return []string{TableCompanySummary}
}

// ReportStore is the persistence surface the publisher writes through.
type ReportStore interface {
	BeginPublication(ctx context.Context, scope string) (*storemodel.Publication, error)
	ReplaceUsageTable(ctx context.Context, table, publicationID string, rows []model.AggregatedUsageRow) error
	ReplaceSummaryTable(ctx context.Context, table, publicationID string, rows []model.SummaryRow) error
	ReplaceTenantUsageTable(ctx context.Context, table, tenant, publicationID string, rows []model.AggregatedUsageRow) error
	ReplaceTenantSummaryTable(ctx context.Context, table, tenant, publicationID string, rows []model.SummaryRow) error
}

// Publisher pushes a finished usage report to the dashboard tables. Each
// push is a tagged publication per scope so the dashboard can always tell
// which data set it is serving.
type Publisher struct {
	store      ReportStore
	cfg        *config.Config
	schedules  map[string]model.TenantSchedule
	recentDays int
	lowUtil    float64
}

// New creates a publisher.
func New(cfg *config.Config, store ReportStore) (*Publisher, error) {
	schedules, err := model.SchedulesFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	byTenant := make(map[string]model.TenantSchedule, len(schedules))
	for _, s := range schedules {
		byTenant[s.Tenant] = s
	}
	return &Publisher{
		store:      store,
		cfg:        cfg,
		schedules:  byTenant,
		recentDays: cfg.Report.RecentDays,
		lowUtil:    cfg.Report.LowUtilizationThreshold,
	}, nil
}

// Publish writes the organization tables and every active tenant's company
// tables. Tenants without assigned capacity in the report window are
// skipped.
func (p *Publisher) Publish(ctx context.Context, report *model.UsageReport) error {
	orgPub, err := p.store.BeginPublication(ctx, organizationScopeOverall)
	if err != nil {
		return err
	}
	logger.Infof("publishing organization usage tables, publication %s", orgPub.ID)

	orgTables := []struct {
		table string
		rows  []model.AggregatedUsageRow
	}{
		{TableOverall, report.Overall},
		{TableMonthly, report.Monthly},
		{TableWeekly, report.Weekly},
		{TableDaily, report.Daily},
	}
	for _, t := range orgTables {
		if err := p.store.ReplaceUsageTable(ctx, t.table, orgPub.ID, t.rows); err != nil {
			return fmt.Errorf("publish %s: %w", t.table, err)
		}
	}

	for _, tenant := range p.cfg.Tenants {
		if err := p.publishTenant(ctx, tenant.Name, report); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) publishTenant(ctx context.Context, tenant string, report *model.UsageReport) error {
	if !p.hasCapacityInWindow(tenant, report.WindowStart, report.WindowEnd) {
		logger.Infof("tenant %s: no assigned capacity in window, skipping publication", tenant)
		return nil
	}

	pub, err := p.store.BeginPublication(ctx, tenantScopePrefix+tenant)
	if err != nil {
		return err
	}
	logger.Infof("publishing tenant %s tables, publication %s", tenant, pub.ID)

	daily := filterTenant(report.Daily, tenant)
	weekly := filterTenant(report.Weekly, tenant)

	recentDaily := filterSince(daily, report.WindowEnd.AddDate(0, 0, -(p.recentDays-1)))
	recentWeekly := filterSince(weekly, model.WeekStartOf(report.WindowEnd).AddDate(0, 0, -7*recentWeeks))

	tenantTables := []struct {
		table string
		rows  []model.AggregatedUsageRow
	}{
		{TableCompanyDaily, daily},
		{TableCompanyDailyRecent, recentDaily},
		{TableCompanyWeekly, weekly},
		{TableCompanyWeeklyRecent, recentWeekly},
	}
	for _, t := range tenantTables {
		if err := p.store.ReplaceTenantUsageTable(ctx, t.table, tenant, pub.ID, t.rows); err != nil {
			return fmt.Errorf("publish %s for tenant %s: %w", t.table, tenant, err)
		}
	}

	summary := filterTenantSummary(report.Summary, tenant)
	if err := p.store.ReplaceTenantSummaryTable(ctx, TableCompanySummary, tenant, pub.ID, summary); err != nil {
		return fmt.Errorf("publish %s for tenant %s: %w", TableCompanySummary, tenant, err)
	}

	p.warnLowUtilization(tenant, report)
	return nil
}

// hasCapacityInWindow reports whether the tenant has a nonzero node count on
// any day of [start, end].
func (p *Publisher) hasCapacityInWindow(tenant string, start, end time.Time) bool {
	s, ok := p.schedules[tenant]
	if !ok {
		return false
	}
	for day := model.DateOf(start); !day.After(model.DateOf(end)); day = day.AddDate(0, 0, 1) {
		if s.NodesOn(day) > 0 {
			return true
		}
	}
	return false
}

// warnLowUtilization flags tenants whose overall utilization dropped under
// the configured threshold. Alert delivery is someone else's job; the log
// line is the hand-off point.
func (p *Publisher) warnLowUtilization(tenant string, report *model.UsageReport) {
	for i := range report.Overall {
		row := &report.Overall[i]
		if row.Tenant != tenant {
			continue
		}
		if row.AssignedGPUHour > 0 && row.UtilizationRate < p.lowUtil {
			logger.Warnf("tenant %s utilization %.1f%% is below %.1f%%", tenant, row.UtilizationRate, p.lowUtil)
		}
		return
	}
}

func filterTenant(rows []model.AggregatedUsageRow, tenant string) []model.AggregatedUsageRow {
	out := make([]model.AggregatedUsageRow, 0, len(rows))
	for _, row := range rows {
		if row.Tenant == tenant {
			out = append(out, row)
		}
	}
	return out
}

// filterSince keeps rows whose period starts on or after cutoff. Periods are
// day or week-start keys, so a lexicographic date comparison is exact.
func filterSince(rows []model.AggregatedUsageRow, cutoff time.Time) []model.AggregatedUsageRow {
	key := cutoff.Format("2006-01-02")
	out := make([]model.AggregatedUsageRow, 0, len(rows))
	for _, row := range rows {
		if row.Period >= key {
			out = append(out, row)
		}
	}
	return out
}

func filterTenantSummary(rows []model.SummaryRow, tenant string) []model.SummaryRow {
	out := make([]model.SummaryRow, 0, len(rows))
	for _, row := range rows {
		if row.Tenant == tenant {
			out = append(out, row)
		}
	}
	return out
}
