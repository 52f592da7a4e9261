package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"gpuledger/internal/gpucount"
	"gpuledger/internal/metrics"
	"gpuledger/internal/model"
	"gpuledger/pkg/config"
	"gpuledger/pkg/interfaces"
	"gpuledger/pkg/logger"
)

// tenantState tracks a tenant's progression through one collection pass.
type tenantState string

const (
	stateNotDue           tenantState = "NOT_DUE"
	stateProjectDiscovery tenantState = "PROJECT_DISCOVERY"
	stateRunDiscovery     tenantState = "RUN_DISCOVERY"
	stateMetricsFetch     tenantState = "METRICS_FETCH"
	stateDone             tenantState = "DONE"
)

// Stats counts what one collection pass observed.
type Stats struct {
	TenantsSkipped  int
	Projects        int
	RunsDiscovered  int
	RunsDropped     int
	ValidRuns       int
	MetricsFailures int
}

// Collector discovers tenants' projects and runs, resolves GPU counts,
// fetches per-run metrics under a bounded worker pool, and expands every
// valid run into one usage row per covered calendar day.
type Collector struct {
	cfg       *config.Config
	client    interfaces.TrackingClient
	resolver  *gpucount.Resolver
	retriever *metrics.Retriever
	schedules map[string]model.TenantSchedule
	loc       *time.Location

	sleep func(time.Duration) // test seam for the retry backoff
}

// New creates a collector. Ignore-glob patterns are validated up front.
func New(cfg *config.Config, client interfaces.TrackingClient, resolver *gpucount.Resolver, retriever *metrics.Retriever) (*Collector, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	schedules, err := model.SchedulesFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	byTenant := make(map[string]model.TenantSchedule, len(schedules))
	for _, s := range schedules {
		byTenant[s.Tenant] = s
	}
	for _, tenant := range cfg.Tenants {
		if tenant.IgnoreProjectPattern == "" {
			continue
		}
		if _, err := filepath.Match(tenant.IgnoreProjectPattern, "probe"); err != nil {
			return nil, fmt.Errorf("tenant %s: invalid ignore_project_pattern %q: %w", tenant.Name, tenant.IgnoreProjectPattern, err)
		}
	}
	return &Collector{
		cfg:       cfg,
		client:    client,
		resolver:  resolver,
		retriever: retriever,
		schedules: byTenant,
		loc:       loc,
		sleep:     time.Sleep,
	}, nil
}

// Collect runs one collection pass over the inclusive date range
// [start, end] and returns the usage rows of every valid run day.
func (c *Collector) Collect(ctx context.Context, start, end time.Time) ([]model.UsageRow, *Stats, error) {
	start = model.DateOf(start)
	end = model.DateOf(end)
	if start.After(end) {
		return nil, nil, fmt.Errorf("start date %s after end date %s", start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	loggedAt := time.Now().In(c.loc)
	stats := &Stats{}
	var rows []model.UsageRow

	for _, tenant := range c.cfg.Tenants {
		state := stateNotDue
		schedule := c.schedules[tenant.Name]
		if !schedule.OverlapsRange(start, end) {
			stats.TenantsSkipped++
			logger.Infof("tenant %s: %s, active interval outside %s..%s",
				tenant.Name, state, start.Format("2006-01-02"), end.Format("2006-01-02"))
			continue
		}

		for _, team := range tenant.Teams {
			state = stateProjectDiscovery
			projects := c.discoverProjects(ctx, team, tenant.IgnoreProjectPattern)
			stats.Projects += len(projects)

			for i, projectName := range projects {
				state = stateRunDiscovery
				runs := c.discoverRuns(ctx, tenant.Name, team, projectName, start, end, stats)
				logger.Infof("tenant %s project %d/%d (%s): %d valid runs",
					tenant.Name, i+1, len(projects), projectName, len(runs))
				if len(runs) == 0 {
					continue
				}

				state = stateMetricsFetch
				c.fetchProjectMetrics(ctx, runs, start, end, stats)

				for j := range runs {
					rows = append(rows, c.expandRun(&runs[j], start, end, loggedAt)...)
				}

				// The raw telemetry frames are large; reclaim between projects.
				runtime.GC()
			}
		}
		state = stateDone
		logger.Infof("tenant %s: %s", tenant.Name, state)
	}

	logger.Infof("collection finished: %d projects, %d runs discovered, %d valid, %d dropped, %d usage rows",
		stats.Projects, stats.RunsDiscovered, stats.ValidRuns, stats.RunsDropped, len(rows))
	return rows, stats, nil
}

// discoverProjects lists a team's projects, minus the tenant's ignore glob.
// A discovery failure yields zero projects for the team and the pass
// continues with other tenants.
func (c *Collector) discoverProjects(ctx context.Context, team, ignorePattern string) []string {
	names, err := c.client.Projects(ctx, team)
	if err != nil {
		logger.Errorf("failed to list projects for %s: %v", team, err)
		return nil
	}
	if ignorePattern == "" {
		return names
	}
	kept := names[:0]
	for _, name := range names {
		if matched, _ := filepath.Match(ignorePattern, name); matched {
			continue
		}
		kept = append(kept, name)
	}
	return kept
}

// discoverRuns pages through a project's runs. A query error keeps whatever
// pages were already fetched; partial data beats pipeline failure.
func (c *Collector) discoverRuns(ctx context.Context, tenant, team, project string, start, end time.Time, stats *Stats) []model.Run {
	var nodes []interfaces.RunNode
	cursor := ""
	for {
		page, err := c.client.Runs(ctx, team, project, c.cfg.Collector.PageSize, cursor)
		if err != nil {
			logger.Errorf("run query failed for %s/%s, keeping %d runs already paginated: %v",
				team, project, len(nodes), err)
			break
		}
		if len(page.Nodes) == 0 {
			break
		}
		nodes = append(nodes, page.Nodes...)
		cursor = page.Cursor
	}
	stats.RunsDiscovered += len(nodes)

	runs := make([]model.Run, 0, len(nodes))
	for i := range nodes {
		node := &nodes[i]
		createdAt := node.CreatedAt.In(c.loc)
		heartbeatAt := node.HeartbeatAt.In(c.loc)

		if !c.isRunValid(node, createdAt, heartbeatAt, start, end) {
			stats.RunsDropped++
			continue
		}

		run := model.Run{
			Tenant:      tenant,
			Team:        team,
			Project:     project,
			RunID:       node.Name,
			CreatedAt:   createdAt,
			HeartbeatAt: heartbeatAt,
			State:       node.State,
			Tags:        node.Tags,
			HostName:    node.Host,
		}
		if node.RunInfo != nil {
			run.GPUName = node.RunInfo.GPU
		}
		run.GPUCount = c.resolver.Resolve(ctx, team, node, run.Path())
		runs = append(runs, run)
	}
	stats.ValidRuns += len(runs)
	return runs
}

// isRunValid applies the ingestion filters: accelerator info present, no
// globally ignored tag, nonzero observed duration, and active interval
// overlapping the requested range.
func (c *Collector) isRunValid(node *interfaces.RunNode, createdAt, heartbeatAt, start, end time.Time) bool {
	if node.RunInfo == nil || node.RunInfo.GPU == "" {
		return false
	}
	for _, tag := range node.Tags {
		for _, ignored := range c.cfg.Program.IgnoreTags {
			if strings.EqualFold(tag, ignored) {
				return false
			}
		}
	}
	if !heartbeatAt.After(createdAt) {
		return false
	}
	if model.DateOf(heartbeatAt).Before(start) || model.DateOf(createdAt).After(end) {
		return false
	}
	return true
}

// fetchProjectMetrics retrieves metrics for a project's runs through a
// bounded worker pool. Workers only touch their own run; the driver reads
// results after the pool drains.
func (c *Collector) fetchProjectMetrics(ctx context.Context, runs []model.Run, start, end time.Time, stats *Stats) {
	workers := c.cfg.Collector.MaxWorkers
	if len(runs) < workers {
		workers = len(runs)
	}

	jobs := make(chan *model.Run)
	var wg sync.WaitGroup
	var failures sync.Map

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for run := range jobs {
				samples, ok := c.fetchWithRetry(ctx, run.Path(), start, end)
				run.Samples = samples
				if !ok {
					failures.Store(run.Path(), true)
				}
			}
		}()
	}

	for i := range runs {
		jobs <- &runs[i]
	}
	close(jobs)
	wg.Wait()

	failures.Range(func(_, _ interface{}) bool {
		stats.MetricsFailures++
		return true
	})
}

// fetchWithRetry wraps one run's metrics fetch in a small retry budget with
// a per-attempt timeout that grows linearly. Exhausting the budget degrades
// the run to "no metrics" instead of failing the batch.
func (c *Collector) fetchWithRetry(ctx context.Context, runPath string, start, end time.Time) ([]model.DailyMetricSample, bool) {
	maxRetries := c.cfg.Collector.MaxRetries
	baseTimeout := time.Duration(c.cfg.Collector.BaseTimeoutSeconds) * time.Second
	backoff := time.Duration(c.cfg.Collector.BackoffSeconds) * time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(attempt)*baseTimeout)
		samples, err := c.retriever.Fetch(attemptCtx, runPath, start, end)
		cancel()
		if err == nil {
			return samples, true
		}

		if attempt < maxRetries {
			logger.Warnf("metrics fetch for run %s failed (attempt %d/%d): %v", runPath, attempt, maxRetries, err)
			select {
			case <-ctx.Done():
				return nil, false
			default:
			}
			c.sleep(backoff)
		} else {
			logger.Errorf("metrics fetch for run %s failed after %d attempts: %v", runPath, maxRetries, err)
		}
	}
	return nil, false
}

// expandRun emits one usage row per day the run's active interval covers
// within the window, left-joined with that day's metric sample. Metric
// fields stay nil on days without telemetry.
func (c *Collector) expandRun(run *model.Run, start, end time.Time, loggedAt time.Time) []model.UsageRow {
	tagsJSON, err := json.Marshal(run.Tags)
	if err != nil {
		tagsJSON = []byte("[]")
	}

	samplesByDay := make(map[string]*model.DailyMetricSample, len(run.Samples))
	for i := range run.Samples {
		samplesByDay[run.Samples[i].Date.Format("2006-01-02")] = &run.Samples[i]
	}

	var rows []model.UsageRow
	for day := c.dayStart(run.CreatedAt); !day.After(run.HeartbeatAt); day = day.AddDate(0, 0, 1) {
		date := model.DateOf(day)
		if date.Before(start) || date.After(end) {
			continue
		}

		overlapStart := run.CreatedAt
		if day.After(overlapStart) {
			overlapStart = day
		}
		overlapEnd := run.HeartbeatAt
		if next := day.AddDate(0, 0, 1); next.Before(overlapEnd) {
			overlapEnd = next
		}
		minutes := overlapEnd.Sub(overlapStart).Minutes()
		if minutes <= 0 {
			continue
		}

		row := model.UsageRow{
			Date:         date,
			Tenant:       run.Tenant,
			Team:         run.Team,
			Project:      run.Project,
			RunID:        run.RunID,
			Tags:         string(tagsJSON),
			CreatedAt:    run.CreatedAt,
			UpdatedAt:    run.HeartbeatAt,
			State:        run.State,
			DurationHour: minutes / 60,
			GPUCount:     run.GPUCount,
			HostName:     run.HostName,
			LoggedAt:     loggedAt,
			RunExists:    model.RunExists,
		}
		if sample, ok := samplesByDay[date.Format("2006-01-02")]; ok {
			row.AverageGPUUtilization = ptr(sample.AverageGPUUtilization)
			row.MaxGPUUtilization = ptr(sample.MaxGPUUtilization)
			row.AverageGPUMemory = ptr(sample.AverageGPUMemory)
			row.MaxGPUMemory = ptr(sample.MaxGPUMemory)
		}
		rows = append(rows, row)
	}
	return rows
}

// dayStart returns midnight of t's calendar day in the reporting timezone.
func (c *Collector) dayStart(t time.Time) time.Time {
	t = t.In(c.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc)
}

func ptr(v float64) *float64 {
	return &v
}
