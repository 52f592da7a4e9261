package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gpuledger/internal/aggregator"
	"gpuledger/internal/calendar"
	"gpuledger/internal/collector"
	"gpuledger/internal/model"
	"gpuledger/internal/reconciler"
	"gpuledger/pkg/config"
	"gpuledger/pkg/logger"
)

// ErrAlreadyRunning is returned when a run is requested while another run
// is still in flight. The pipeline is deliberately single-flight; concurrent
// runs would race on the history swap.
var ErrAlreadyRunning = errors.New("pipeline run already in progress")

// RunState is the lifecycle state of the most recent pipeline run.
type RunState string

const (
	StateIdle      RunState = "idle"
	StateRunning   RunState = "running"
	StateSucceeded RunState = "succeeded"
	StateFailed    RunState = "failed"
)

// Status describes the most recent pipeline run.
type Status struct {
	State       RunState  `json:"state"`
	WindowStart string    `json:"window_start,omitempty"`
	WindowEnd   string    `json:"window_end,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
	RowCount    int       `json:"row_count"`
	Error       string    `json:"error,omitempty"`
}

// HistoryStore is the persisted usage history surface the pipeline uses.
type HistoryStore interface {
	LoadAll(ctx context.Context) ([]model.UsageRow, error)
	ReplaceAll(ctx context.Context, rows []model.UsageRow) error
	RecordDeletedRuns(ctx context.Context, deleted []model.DeletedRun) error
}

// Collector is the run collection stage.
type Collector interface {
	Collect(ctx context.Context, start, end time.Time) ([]model.UsageRow, *collector.Stats, error)
}

// Publisher is the dashboard sink stage.
type Publisher interface {
	Publish(ctx context.Context, report *model.UsageReport) error
}

// Pipeline drives one accounting pass: collect, merge with history, persist,
// aggregate onto the calendar scaffold and publish.
type Pipeline struct {
	cfg        *config.Config
	collector  Collector
	reconciler *reconciler.Reconciler
	aggregator *aggregator.Aggregator
	history    HistoryStore
	publisher  Publisher
	schedules  []model.TenantSchedule
	loc        *time.Location

	mu      sync.Mutex
	running bool
	status  Status
}

// New wires a pipeline from its stages.
func New(cfg *config.Config, col Collector, rec *reconciler.Reconciler, agg *aggregator.Aggregator, history HistoryStore, pub Publisher) (*Pipeline, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	schedules, err := model.SchedulesFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:        cfg,
		collector:  col,
		reconciler: rec,
		aggregator: agg,
		history:    history,
		publisher:  pub,
		schedules:  schedules,
		loc:        loc,
		status:     Status{State: StateIdle},
	}, nil
}

// ResolveWindow fills in the date window. No dates means yesterday only; an
// end date alone extends the window back to program start.
func (p *Pipeline) ResolveWindow(start, end *time.Time) (time.Time, time.Time, error) {
	yesterday := model.DateOf(time.Now().In(p.loc).AddDate(0, 0, -1))

	var s, e time.Time
	switch {
	case start == nil && end == nil:
		s, e = yesterday, yesterday
	case start == nil:
		programStart, err := p.cfg.ProgramStartDate()
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		s, e = model.DateOf(programStart), model.DateOf(*end)
	case end == nil:
		s, e = model.DateOf(*start), yesterday
	default:
		s, e = model.DateOf(*start), model.DateOf(*end)
	}
	if s.After(e) {
		return time.Time{}, time.Time{}, fmt.Errorf("window start %s after end %s", s.Format("2006-01-02"), e.Format("2006-01-02"))
	}
	return s, e, nil
}

// Run executes one full pass over [start, end]. Only one run may be in
// flight at a time.
func (p *Pipeline) Run(ctx context.Context, start, end time.Time) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.running = true
	p.status = Status{
		State:       StateRunning,
		WindowStart: start.Format("2006-01-02"),
		WindowEnd:   end.Format("2006-01-02"),
		StartedAt:   time.Now(),
	}
	p.mu.Unlock()

	rowCount, err := p.run(ctx, start, end)

	p.mu.Lock()
	p.running = false
	p.status.FinishedAt = time.Now()
	p.status.RowCount = rowCount
	if err != nil {
		p.status.State = StateFailed
		p.status.Error = err.Error()
	} else {
		p.status.State = StateSucceeded
	}
	p.mu.Unlock()
	return err
}

func (p *Pipeline) run(ctx context.Context, start, end time.Time) (int, error) {
	logger.Infof("pipeline run starting for window %s..%s", start.Format("2006-01-02"), end.Format("2006-01-02"))

	collected, stats, err := p.collector.Collect(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("collect: %w", err)
	}
	logger.Infof("collected %d usage rows (%d runs valid, %d dropped)", len(collected), stats.ValidRuns, stats.RunsDropped)

	history, err := p.history.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load history: %w", err)
	}

	merged, err := p.reconciler.Combine(collected, history)
	if err != nil {
		return 0, fmt.Errorf("merge history: %w", err)
	}

	if err := p.history.ReplaceAll(ctx, merged); err != nil {
		return len(merged), fmt.Errorf("persist history: %w", err)
	}

	report, err := p.buildReport(merged, end)
	if err != nil {
		return len(merged), err
	}

	if err := p.publisher.Publish(ctx, report); err != nil {
		return len(merged), fmt.Errorf("publish report: %w", err)
	}

	logger.Infof("pipeline run finished, %d usage rows in history", len(merged))
	return len(merged), nil
}

// buildReport aggregates the full history onto the scaffold ending at
// windowEnd.
func (p *Pipeline) buildReport(rows []model.UsageRow, windowEnd time.Time) (*model.UsageReport, error) {
	programStart, err := p.cfg.ProgramStartDate()
	if err != nil {
		return nil, err
	}

	scaffold := calendar.Build(p.schedules, programStart, windowEnd)
	daily, weekly, monthly, overall := p.aggregator.Aggregate(rows, scaffold)

	weekStart := aggregator.LastCompletedWeekStart(windowEnd)
	summary := aggregator.Summarize(rows, weekStart, p.cfg.Program.IgnoreTags)

	return &model.UsageReport{
		Daily:       daily,
		Weekly:      weekly,
		Monthly:     monthly,
		Overall:     overall,
		Summary:     summary,
		WindowStart: model.DateOf(programStart),
		WindowEnd:   model.DateOf(windowEnd),
		GeneratedAt: time.Now().In(p.loc),
	}, nil
}

// ReconcileExistence probes every stored run's upstream record and persists
// the updated existence flags plus newly detected deletions.
func (p *Pipeline) ReconcileExistence(ctx context.Context) error {
	rows, err := p.history.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	updated, deleted, err := p.reconciler.ReconcileExistence(ctx, rows)
	if err != nil {
		return fmt.Errorf("reconcile existence: %w", err)
	}

	if err := p.history.ReplaceAll(ctx, updated); err != nil {
		return fmt.Errorf("persist history: %w", err)
	}
	if len(deleted) > 0 {
		if err := p.history.RecordDeletedRuns(ctx, deleted); err != nil {
			return fmt.Errorf("record deleted runs: %w", err)
		}
	}
	logger.Infof("existence reconciliation finished, %d runs newly deleted", len(deleted))
	return nil
}

// Status returns the most recent run's status snapshot.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
