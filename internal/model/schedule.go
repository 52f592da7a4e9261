package model

import (
	"fmt"
	"time"

	"gpuledger/pkg/config"
)

// scheduleOpenEnd marks a schedule whose last breakpoint still assigns
// capacity: the tenant stays active indefinitely.
var scheduleOpenEnd = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)

// SchedulePoint is one capacity breakpoint of a tenant schedule.
type SchedulePoint struct {
	EffectiveDate    time.Time
	AssignedGPUNodes int
}

// TenantSchedule is the ordered capacity schedule of one tenant. The node
// count in effect on day D is the value of the last breakpoint whose
// effective date is on or before D.
type TenantSchedule struct {
	Tenant string
	Points []SchedulePoint
}

// NewTenantSchedule validates breakpoint ordering and builds a schedule.
func NewTenantSchedule(tenant string, points []SchedulePoint) (TenantSchedule, error) {
	if len(points) == 0 {
		return TenantSchedule{}, fmt.Errorf("tenant %s: empty schedule", tenant)
	}
	for i := 1; i < len(points); i++ {
		if !points[i].EffectiveDate.After(points[i-1].EffectiveDate) {
			return TenantSchedule{}, fmt.Errorf("tenant %s: schedule dates must be strictly increasing", tenant)
		}
	}
	return TenantSchedule{Tenant: tenant, Points: points}, nil
}

// NodesOn returns the assigned node count in effect on the given day.
func (s TenantSchedule) NodesOn(day time.Time) int {
	day = DateOf(day)
	nodes := 0
	for _, p := range s.Points {
		if p.EffectiveDate.After(day) {
			break
		}
		nodes = p.AssignedGPUNodes
	}
	return nodes
}

// StartDate is the first breakpoint date.
func (s TenantSchedule) StartDate() time.Time {
	return s.Points[0].EffectiveDate
}

// EndDate is the day the tenant leaves the program. A terminal zero-count
// breakpoint closes the schedule; otherwise it is open-ended.
func (s TenantSchedule) EndDate() time.Time {
	last := s.Points[len(s.Points)-1]
	if last.AssignedGPUNodes == 0 {
		return last.EffectiveDate
	}
	return scheduleOpenEnd
}

// ActiveOn reports whether the tenant participates on the given day.
func (s TenantSchedule) ActiveOn(day time.Time) bool {
	day = DateOf(day)
	return !day.Before(s.StartDate()) && day.Before(s.EndDate())
}

// OverlapsRange reports whether the tenant's active interval intersects
// [start, end] (dates, inclusive).
func (s TenantSchedule) OverlapsRange(start, end time.Time) bool {
	return !DateOf(end).Before(s.StartDate()) && DateOf(start).Before(s.EndDate())
}

// SchedulesFromConfig builds typed schedules from raw configuration.
func SchedulesFromConfig(cfg *config.Config) ([]TenantSchedule, error) {
	schedules := make([]TenantSchedule, 0, len(cfg.Tenants))
	for _, tenant := range cfg.Tenants {
		points := make([]SchedulePoint, 0, len(tenant.Schedule))
		for _, entry := range tenant.Schedule {
			d, err := time.Parse("2006-01-02", entry.Date)
			if err != nil {
				return nil, fmt.Errorf("tenant %s: invalid schedule date %q: %w", tenant.Name, entry.Date, err)
			}
			points = append(points, SchedulePoint{EffectiveDate: d, AssignedGPUNodes: entry.AssignedGPUNodes})
		}
		schedule, err := NewTenantSchedule(tenant.Name, points)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	return schedules, nil
}
