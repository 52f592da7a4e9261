package main

import (
	"context"
	"fmt"
	"time"

	"gpuledger/internal/jobs"
	"gpuledger/internal/pipeline"
	"gpuledger/pkg/config"
	"gpuledger/pkg/logger"
)

func (app *Application) initJobs() error {
	if app.pipeline == nil {
		logger.WarnCtx(app.ctx, "Pipeline not initialized yet, skipping background job registration")
		return nil
	}

	loc, err := app.config.Location()
	if err != nil {
		return err
	}

	dailyHour, dailyMinute, err := config.ParseRunAt(app.config.Jobs.DailyRunAt)
	if err != nil {
		return err
	}
	reconcileHour, reconcileMinute, err := config.ParseRunAt(app.config.Jobs.ReconcileRunAt)
	if err != nil {
		return err
	}
	reconcileWeekday, err := config.ParseWeekday(app.config.Jobs.ReconcileWeekday)
	if err != nil {
		return err
	}

	manager := jobs.NewManager(app.ctx)
	manager.Register(newPipelineRunJob(app.pipeline, dailyHour, dailyMinute, loc))
	manager.Register(newExistenceReconcileJob(app.pipeline, reconcileWeekday, reconcileHour, reconcileMinute, loc))

	app.jobsManager = manager
	return nil
}

// pipelineRunJob runs the full accounting pass once a day for yesterday.
type pipelineRunJob struct {
	pipeline *pipeline.Pipeline
	hour     int
	minute   int
	loc      *time.Location
}

func newPipelineRunJob(p *pipeline.Pipeline, hour, minute int, loc *time.Location) jobs.Job {
	return &pipelineRunJob{pipeline: p, hour: hour, minute: minute, loc: loc}
}

func (j *pipelineRunJob) Name() string { return "daily-usage-pipeline" }

func (j *pipelineRunJob) Interval() time.Duration { return 24 * time.Hour }

func (j *pipelineRunJob) RunAt() (int, int) { return j.hour, j.minute }

func (j *pipelineRunJob) Location() *time.Location { return j.loc }

func (j *pipelineRunJob) Run(ctx context.Context) error {
	if j.pipeline == nil {
		return fmt.Errorf("pipeline not configured")
	}

	start, end, err := j.pipeline.ResolveWindow(nil, nil)
	if err != nil {
		return err
	}
	logger.InfoCtx(ctx, "running scheduled usage pipeline for %s", start.Format("2006-01-02"))
	return j.pipeline.Run(ctx, start, end)
}

// existenceReconcileJob probes stored runs against the upstream platform
// once a week.
type existenceReconcileJob struct {
	pipeline *pipeline.Pipeline
	weekday  time.Weekday
	hour     int
	minute   int
	loc      *time.Location
}

func newExistenceReconcileJob(p *pipeline.Pipeline, weekday time.Weekday, hour, minute int, loc *time.Location) jobs.Job {
	return &existenceReconcileJob{pipeline: p, weekday: weekday, hour: hour, minute: minute, loc: loc}
}

func (j *existenceReconcileJob) Name() string { return "weekly-existence-reconcile" }

func (j *existenceReconcileJob) Interval() time.Duration { return 24 * time.Hour }

func (j *existenceReconcileJob) RunAt() (int, int) { return j.hour, j.minute }

func (j *existenceReconcileJob) Location() *time.Location { return j.loc }

func (j *existenceReconcileJob) Run(ctx context.Context) error {
	if j.pipeline == nil {
		return fmt.Errorf("pipeline not configured")
	}

	// The job fires daily; only the configured weekday does the probing.
	if time.Now().In(j.loc).Weekday() != j.weekday {
		return nil
	}
	logger.InfoCtx(ctx, "running scheduled existence reconciliation")
	return j.pipeline.ReconcileExistence(ctx)
}
