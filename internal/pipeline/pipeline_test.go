package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuledger/internal/aggregator"
	"gpuledger/internal/collector"
	"gpuledger/internal/model"
	"gpuledger/internal/reconciler"
	"gpuledger/pkg/config"
	"gpuledger/pkg/interfaces"
)

type fakeTrackingClient struct {
	notFound map[string]bool
}

func (f *fakeTrackingClient) Projects(context.Context, string) ([]string, error) { return nil, nil }
func (f *fakeTrackingClient) Runs(context.Context, string, string, int, string) (*interfaces.RunPage, error) {
	return nil, nil
}
func (f *fakeTrackingClient) RunHistory(context.Context, string, int) ([]interfaces.HistoryPoint, error) {
	return nil, nil
}
func (f *fakeTrackingClient) SchedulerMetadata(context.Context, string) (map[string]string, error) {
	return nil, nil
}
func (f *fakeTrackingClient) CheckRun(_ context.Context, runPath string) error {
	if f.notFound[runPath] {
		return interfaces.ErrRunNotFound
	}
	return nil
}

type fakeCollector struct {
	rows    []model.UsageRow
	err     error
	release chan struct{} // when set, Collect blocks until closed
	calls   int
}

func (f *fakeCollector) Collect(context.Context, time.Time, time.Time) ([]model.UsageRow, *collector.Stats, error) {
	f.calls++
	if f.release != nil {
		<-f.release
	}
	return f.rows, &collector.Stats{ValidRuns: len(f.rows)}, f.err
}

type fakeHistory struct {
	stored   []model.UsageRow
	replaced [][]model.UsageRow
	deleted  []model.DeletedRun
	loadErr  error
}

func (f *fakeHistory) LoadAll(context.Context) ([]model.UsageRow, error) {
	return f.stored, f.loadErr
}

func (f *fakeHistory) ReplaceAll(_ context.Context, rows []model.UsageRow) error {
	f.replaced = append(f.replaced, rows)
	return nil
}

func (f *fakeHistory) RecordDeletedRuns(_ context.Context, deleted []model.DeletedRun) error {
	f.deleted = append(f.deleted, deleted...)
	return nil
}

type fakePublisher struct {
	report *model.UsageReport
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, report *model.UsageReport) error {
	f.report = report
	return f.err
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func testConfig() *config.Config {
	return &config.Config{
		Program: config.ProgramConfig{
			StartDate:   "2024-02-15",
			Timezone:    "UTC",
			GPUsPerNode: 8,
		},
		Tenants: []config.TenantConfig{{
			Name:  "acme",
			Teams: []string{"acme-research"},
			Schedule: []config.ScheduleEntry{
				{Date: "2024-02-15", AssignedGPUNodes: 2},
			},
		}},
	}
}

func usageRow(runID, date string) model.UsageRow {
	return model.UsageRow{
		Date:      day(date),
		Tenant:    "acme",
		Team:      "acme-research",
		Project:   "llm",
		RunID:     runID,
		LoggedAt:  day(date),
		RunExists: model.RunExists,
	}
}

func newTestPipeline(t *testing.T, col Collector, history HistoryStore, pub Publisher, client interfaces.TrackingClient) *Pipeline {
	t.Helper()
	cfg := testConfig()
	if client == nil {
		client = &fakeTrackingClient{}
	}
	p, err := New(cfg, col, reconciler.New(client), aggregator.New(cfg), history, pub)
	require.NoError(t, err)
	return p
}

func TestResolveWindowDefaults(t *testing.T) {
	p := newTestPipeline(t, &fakeCollector{}, &fakeHistory{}, &fakePublisher{}, nil)
	yesterday := model.DateOf(time.Now().UTC().AddDate(0, 0, -1))

	s, e, err := p.ResolveWindow(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, yesterday, s)
	assert.Equal(t, yesterday, e)

	start := day("2024-05-01")
	s, e, err = p.ResolveWindow(&start, nil)
	require.NoError(t, err)
	assert.Equal(t, day("2024-05-01"), s)
	assert.Equal(t, yesterday, e)

	end := day("2024-05-10")
	s, e, err = p.ResolveWindow(nil, &end)
	require.NoError(t, err)
	assert.Equal(t, day("2024-02-15"), s) // program start
	assert.Equal(t, day("2024-05-10"), e)

	s, e, err = p.ResolveWindow(&start, &end)
	require.NoError(t, err)
	assert.Equal(t, day("2024-05-01"), s)
	assert.Equal(t, day("2024-05-10"), e)
}

func TestResolveWindowRejectsInvertedRange(t *testing.T) {
	p := newTestPipeline(t, &fakeCollector{}, &fakeHistory{}, &fakePublisher{}, nil)
	start := day("2024-05-10")
	end := day("2024-05-01")
	_, _, err := p.ResolveWindow(&start, &end)
	assert.Error(t, err)
}

func TestRunMergesPersistsAndPublishes(t *testing.T) {
	col := &fakeCollector{rows: []model.UsageRow{usageRow("r1", "2024-05-01")}}
	history := &fakeHistory{stored: []model.UsageRow{usageRow("r0", "2024-04-30")}}
	pub := &fakePublisher{}
	p := newTestPipeline(t, col, history, pub, nil)

	require.NoError(t, p.Run(context.Background(), day("2024-05-01"), day("2024-05-01")))

	require.Len(t, history.replaced, 1)
	assert.Len(t, history.replaced[0], 2)

	require.NotNil(t, pub.report)
	assert.Equal(t, day("2024-02-15"), pub.report.WindowStart)
	assert.Equal(t, day("2024-05-01"), pub.report.WindowEnd)
	assert.NotEmpty(t, pub.report.Daily)
	assert.NotEmpty(t, pub.report.Overall)

	status := p.Status()
	assert.Equal(t, StateSucceeded, status.State)
	assert.Equal(t, 2, status.RowCount)
	assert.Equal(t, "2024-05-01", status.WindowStart)
}

func TestRunCollectFailure(t *testing.T) {
	col := &fakeCollector{err: errors.New("upstream down")}
	history := &fakeHistory{}
	p := newTestPipeline(t, col, history, &fakePublisher{}, nil)

	err := p.Run(context.Background(), day("2024-05-01"), day("2024-05-01"))
	require.Error(t, err)
	assert.Empty(t, history.replaced)

	status := p.Status()
	assert.Equal(t, StateFailed, status.State)
	assert.Contains(t, status.Error, "upstream down")
}

func TestRunSingleFlight(t *testing.T) {
	release := make(chan struct{})
	col := &fakeCollector{release: release}
	p := newTestPipeline(t, col, &fakeHistory{}, &fakePublisher{}, nil)

	done := make(chan error, 1)
	go func() {
		done <- p.Run(context.Background(), day("2024-05-01"), day("2024-05-01"))
	}()

	// Wait for the first run to take the flight slot.
	require.Eventually(t, func() bool {
		return p.Status().State == StateRunning
	}, time.Second, 5*time.Millisecond)

	err := p.Run(context.Background(), day("2024-05-01"), day("2024-05-01"))
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, col.calls)
	assert.Equal(t, StateSucceeded, p.Status().State)
}

func TestReconcileExistencePersistsDeletions(t *testing.T) {
	client := &fakeTrackingClient{notFound: map[string]bool{"acme-research/llm/gone": true}}
	history := &fakeHistory{stored: []model.UsageRow{
		usageRow("gone", "2024-05-01"),
		usageRow("alive", "2024-05-01"),
	}}
	p := newTestPipeline(t, &fakeCollector{}, history, &fakePublisher{}, client)

	require.NoError(t, p.ReconcileExistence(context.Background()))

	require.Len(t, history.replaced, 1)
	byRun := make(map[string]model.RunExistence)
	for _, row := range history.replaced[0] {
		byRun[row.RunID] = row.RunExists
	}
	assert.Equal(t, model.RunDeleted, byRun["gone"])
	assert.Equal(t, model.RunExists, byRun["alive"])

	require.Len(t, history.deleted, 1)
	assert.Equal(t, "gone", history.deleted[0].RunID)
}
