package aggregator

import (
	"math"
	"sort"
	"time"

	"gpuledger/internal/calendar"
	"gpuledger/internal/model"
	"gpuledger/pkg/config"
)

// Aggregator turns per-run-day usage rows into the tenant reporting tables.
// All capping happens at daily granularity and rolls up from there, so a
// burst above assigned capacity on one day can never hide under-usage on
// another day of the same period.
type Aggregator struct {
	gpusPerNode int
}

// New creates an aggregator.
func New(cfg *config.Config) *Aggregator {
	return &Aggregator{gpusPerNode: cfg.Program.GPUsPerNode}
}

// dailyStat is one tenant-day of usage, pre-capped and carrying weighted
// metric sums so averages can be recombined at any granularity.
type dailyStat struct {
	day         time.Time
	rawGPUHour  float64
	gpuHour     float64 // capped at the day's assigned capacity
	metricsHour float64
	utilSum     float64 // avg utilization x metrics_hour
	memSum      float64
	maxUtil     float64
	maxMem      float64
	hasMetrics  bool
	runs        map[string]struct{}
}

// Aggregate produces the daily, weekly, monthly and overall usage tables for
// the rows joined onto the scaffold.
func (a *Aggregator) Aggregate(rows []model.UsageRow, scaffold *calendar.Scaffold) (daily, weekly, monthly, overall []model.AggregatedUsageRow) {
	stats := a.buildDailyStats(rows, scaffold.Daily)

	daily = a.joinBuckets(scaffold.Daily, stats, model.GranularityDaily)
	weekly = a.joinBuckets(scaffold.Weekly, stats, model.GranularityWeekly)
	monthly = a.joinBuckets(scaffold.Monthly, stats, model.GranularityMonthly)
	overall = a.joinBuckets(scaffold.Overall, stats, model.GranularityOverall)
	return daily, weekly, monthly, overall
}

// buildDailyStats folds rows into per-tenant-day statistics and caps each
// day's GPU hours at that day's assigned capacity.
func (a *Aggregator) buildDailyStats(rows []model.UsageRow, dailyBuckets []model.CalendarBucket) map[string]map[string]*dailyStat {
	capacity := make(map[string]map[string]float64)
	for _, b := range dailyBuckets {
		if capacity[b.Tenant] == nil {
			capacity[b.Tenant] = make(map[string]float64)
		}
		capacity[b.Tenant][b.Period] = float64(b.NodeDays*a.gpusPerNode) * 24
	}

	stats := make(map[string]map[string]*dailyStat)
	for i := range rows {
		row := &rows[i]
		dayKey := row.Date.Format("2006-01-02")
		if stats[row.Tenant] == nil {
			stats[row.Tenant] = make(map[string]*dailyStat)
		}
		st, ok := stats[row.Tenant][dayKey]
		if !ok {
			st = &dailyStat{day: row.Date, runs: make(map[string]struct{})}
			stats[row.Tenant][dayKey] = st
		}

		st.rawGPUHour += row.DurationHour * float64(row.GPUCount)
		st.runs[row.Project+"/"+row.RunID] = struct{}{}

		if row.AverageGPUUtilization != nil {
			// Hours with telemetry carry the metric weight.
			w := row.DurationHour
			st.metricsHour += w
			st.utilSum += *row.AverageGPUUtilization * w
			if row.AverageGPUMemory != nil {
				st.memSum += *row.AverageGPUMemory * w
			}
			st.hasMetrics = true
		}
		if row.MaxGPUUtilization != nil && *row.MaxGPUUtilization > st.maxUtil {
			st.maxUtil = *row.MaxGPUUtilization
		}
		if row.MaxGPUMemory != nil && *row.MaxGPUMemory > st.maxMem {
			st.maxMem = *row.MaxGPUMemory
		}
	}

	for tenant, days := range stats {
		for dayKey, st := range days {
			st.gpuHour = st.rawGPUHour
			if assigned, ok := capacity[tenant][dayKey]; ok && st.gpuHour > assigned {
				st.gpuHour = assigned
			}
		}
	}
	return stats
}

// joinBuckets rolls daily stats up onto one granularity's scaffold. Every
// bucket yields a row; buckets with no usage report zeros.
func (a *Aggregator) joinBuckets(buckets []model.CalendarBucket, stats map[string]map[string]*dailyStat, g model.Granularity) []model.AggregatedUsageRow {
	out := make([]model.AggregatedUsageRow, 0, len(buckets))
	for _, b := range buckets {
		row := model.AggregatedUsageRow{
			Tenant:           b.Tenant,
			Period:           b.Period,
			AssignedGPUNodes: b.AssignedGPUNodes,
			AssignedGPUHour:  float64(b.NodeDays*a.gpusPerNode) * 24,
		}

		runs := make(map[string]struct{})
		utilSum, memSum, metricsHour := 0.0, 0.0, 0.0
		hasMetrics := false
		for _, st := range stats[b.Tenant] {
			if periodKey(g, st.day) != b.Period {
				continue
			}
			row.TotalGPUHour += st.gpuHour
			row.RawTotalGPUHour += st.rawGPUHour
			metricsHour += st.metricsHour
			utilSum += st.utilSum
			memSum += st.memSum
			if st.hasMetrics {
				hasMetrics = true
			}
			if st.maxUtil > row.MaxGPUUtilization {
				row.MaxGPUUtilization = st.maxUtil
			}
			if st.maxMem > row.MaxGPUMemory {
				row.MaxGPUMemory = st.maxMem
			}
			for r := range st.runs {
				runs[r] = struct{}{}
			}
		}

		row.NRuns = len(runs)
		row.TotalMetricsHour = round1(metricsHour)
		if hasMetrics && metricsHour > 0 {
			row.AverageGPUUtilization = round1(utilSum / metricsHour)
			row.AverageGPUMemory = round1(memSum / metricsHour)
		}
		row.MaxGPUUtilization = round1(row.MaxGPUUtilization)
		row.MaxGPUMemory = round1(row.MaxGPUMemory)
		if row.AssignedGPUHour > 0 {
			row.UtilizationRate = round1(math.Min(100, row.TotalGPUHour/row.AssignedGPUHour*100))
		}
		row.TotalGPUHour = round1(row.TotalGPUHour)
		row.RawTotalGPUHour = round1(row.RawTotalGPUHour)

		out = append(out, row)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Tenant != out[j].Tenant {
			return out[i].Tenant < out[j].Tenant
		}
		return out[i].Period > out[j].Period
	})
	return out
}

func periodKey(g model.Granularity, day time.Time) string {
	switch g {
	case model.GranularityDaily:
		return day.Format("2006-01-02")
	case model.GranularityWeekly:
		return model.WeekStartOf(day).Format("2006-01-02")
	case model.GranularityMonthly:
		return model.MonthKeyOf(day)
	default:
		return ""
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
