package calendar

import (
	"sort"
	"time"

	"gpuledger/internal/model"
)

// Scaffold holds the capacity buckets every reporting table is joined onto.
// A tenant appears in a period's bucket set exactly when its schedule assigns
// a nonzero node count on at least one day of the period, so report tables
// show zero-usage periods for active tenants and omit inactive ones.
type Scaffold struct {
	Daily   []model.CalendarBucket
	Weekly  []model.CalendarBucket
	Monthly []model.CalendarBucket
	Overall []model.CalendarBucket
}

// Build derives the scaffold for [programStart, windowEnd] from tenant
// schedules. Weekly buckets cover only weeks strictly before the week
// containing windowEnd; a partial trailing week would understate assigned
// capacity.
func Build(schedules []model.TenantSchedule, programStart, windowEnd time.Time) *Scaffold {
	programStart = model.DateOf(programStart)
	windowEnd = model.DateOf(windowEnd)
	lastWeek := model.WeekStartOf(windowEnd)

	s := &Scaffold{}
	for _, schedule := range schedules {
		daily := make(map[string]*model.CalendarBucket)
		weekly := make(map[string]*model.CalendarBucket)
		monthly := make(map[string]*model.CalendarBucket)
		var overall *model.CalendarBucket

		from := schedule.StartDate()
		if from.Before(programStart) {
			from = programStart
		}
		for day := from; !day.After(windowEnd); day = day.AddDate(0, 0, 1) {
			nodes := schedule.NodesOn(day)
			if nodes == 0 {
				continue
			}

			dayKey := day.Format("2006-01-02")
			accumulate(daily, schedule.Tenant, dayKey, day, nodes)

			weekStart := model.WeekStartOf(day)
			if weekStart.Before(lastWeek) {
				accumulate(weekly, schedule.Tenant, weekStart.Format("2006-01-02"), weekStart, nodes)
			}

			accumulate(monthly, schedule.Tenant, model.MonthKeyOf(day), model.DateOf(time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)), nodes)

			if overall == nil {
				overall = &model.CalendarBucket{Tenant: schedule.Tenant, PeriodStart: day, AssignedGPUNodes: nodes}
			}
			overall.Days++
			overall.NodeDays += nodes
		}

		s.Daily = append(s.Daily, flatten(daily)...)
		s.Weekly = append(s.Weekly, flatten(weekly)...)
		s.Monthly = append(s.Monthly, flatten(monthly)...)
		if overall != nil {
			s.Overall = append(s.Overall, *overall)
		}
	}

	sortBuckets(s.Daily)
	sortBuckets(s.Weekly)
	sortBuckets(s.Monthly)
	sortBuckets(s.Overall)
	return s
}

func accumulate(buckets map[string]*model.CalendarBucket, tenant, period string, periodStart time.Time, nodes int) {
	b, ok := buckets[period]
	if !ok {
		b = &model.CalendarBucket{
			Tenant:           tenant,
			Period:           period,
			PeriodStart:      periodStart,
			AssignedGPUNodes: nodes,
		}
		buckets[period] = b
	}
	b.Days++
	b.NodeDays += nodes
}

func flatten(buckets map[string]*model.CalendarBucket) []model.CalendarBucket {
	out := make([]model.CalendarBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	return out
}

func sortBuckets(buckets []model.CalendarBucket) {
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Tenant != buckets[j].Tenant {
			return buckets[i].Tenant < buckets[j].Tenant
		}
		return buckets[i].Period < buckets[j].Period
	})
}
