package reconciler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuledger/internal/model"
	"gpuledger/pkg/interfaces"
)

type fakeClient struct {
	notFound map[string]bool
	failing  map[string]bool
	probes   []string
}

func (f *fakeClient) Projects(context.Context, string) ([]string, error) { return nil, nil }
func (f *fakeClient) Runs(context.Context, string, string, int, string) (*interfaces.RunPage, error) {
	return nil, nil
}
func (f *fakeClient) RunHistory(context.Context, string, int) ([]interfaces.HistoryPoint, error) {
	return nil, nil
}
func (f *fakeClient) SchedulerMetadata(context.Context, string) (map[string]string, error) {
	return nil, nil
}

func (f *fakeClient) CheckRun(_ context.Context, runPath string) error {
	f.probes = append(f.probes, runPath)
	if f.notFound[runPath] {
		return interfaces.ErrRunNotFound
	}
	if f.failing[runPath] {
		return errors.New("upstream 500")
	}
	return nil
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func row(tenant, project, runID, date string, loggedAt time.Time) model.UsageRow {
	return model.UsageRow{
		Date:      day(date),
		Tenant:    tenant,
		Team:      tenant + "-team",
		Project:   project,
		RunID:     runID,
		LoggedAt:  loggedAt,
		RunExists: model.RunExists,
	}
}

func TestCombineLatestLoggedAtWins(t *testing.T) {
	r := New(&fakeClient{})

	older := row("acme", "llm", "r1", "2024-05-01", day("2024-05-02"))
	older.DurationHour = 5
	newer := row("acme", "llm", "r1", "2024-05-01", day("2024-05-03"))
	newer.DurationHour = 7

	out, err := r.Combine([]model.UsageRow{newer}, []model.UsageRow{older})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 7.0, out[0].DurationHour)

	// Order of arguments does not change the winner.
	out, err = r.Combine([]model.UsageRow{older}, []model.UsageRow{newer})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 7.0, out[0].DurationHour)
}

func TestCombineDeletedStatusSticks(t *testing.T) {
	r := New(&fakeClient{})

	deleted := row("acme", "llm", "r1", "2024-05-01", day("2024-05-02"))
	deleted.RunExists = model.RunDeleted
	// A fresher row claims the run exists again; deletion must survive.
	fresher := row("acme", "llm", "r1", "2024-05-01", day("2024-05-03"))

	out, err := r.Combine([]model.UsageRow{fresher}, []model.UsageRow{deleted})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, model.RunDeleted, out[0].RunExists)
	assert.Equal(t, day("2024-05-03"), out[0].LoggedAt)
}

func TestCombineKeepsDistinctKeys(t *testing.T) {
	r := New(&fakeClient{})

	rows := []model.UsageRow{
		row("acme", "llm", "r1", "2024-05-01", day("2024-05-02")),
		row("acme", "llm", "r1", "2024-05-02", day("2024-05-02")),
		row("acme", "llm", "r2", "2024-05-01", day("2024-05-02")),
		row("globex", "sim", "r1", "2024-05-01", day("2024-05-02")),
	}

	out, err := r.Combine(rows, nil)
	require.NoError(t, err)
	assert.Len(t, out, 4)
}

func TestCombineSortOrder(t *testing.T) {
	r := New(&fakeClient{})

	rows := []model.UsageRow{
		row("globex", "sim", "r1", "2024-05-01", day("2024-05-02")),
		row("acme", "llm", "r1", "2024-05-01", day("2024-05-02")),
		row("acme", "llm", "r1", "2024-05-03", day("2024-05-04")),
	}

	out, err := r.Combine(rows, nil)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "acme", out[0].Tenant)
	assert.Equal(t, day("2024-05-03"), out[0].Date) // dates descend within a tenant
	assert.Equal(t, day("2024-05-01"), out[1].Date)
	assert.Equal(t, "globex", out[2].Tenant)
}

func TestCombineRejectsMalformedRows(t *testing.T) {
	r := New(&fakeClient{})
	valid := row("acme", "llm", "r1", "2024-05-01", day("2024-05-02"))

	tests := []struct {
		name   string
		mutate func(*model.UsageRow)
	}{
		{"missing date", func(r *model.UsageRow) { r.Date = time.Time{} }},
		{"missing tenant", func(r *model.UsageRow) { r.Tenant = "" }},
		{"missing project", func(r *model.UsageRow) { r.Project = "" }},
		{"missing run id", func(r *model.UsageRow) { r.RunID = "" }},
		{"missing logged_at", func(r *model.UsageRow) { r.LoggedAt = time.Time{} }},
		{"unknown existence", func(r *model.UsageRow) { r.RunExists = "vanished" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := valid
			tt.mutate(&bad)

			_, err := r.Combine(nil, []model.UsageRow{bad})
			assert.Error(t, err)

			_, err = r.Combine([]model.UsageRow{bad}, []model.UsageRow{valid})
			assert.Error(t, err)
		})
	}
}

func TestCombinePropertyIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	genRows := gen.SliceOf(gen.Struct(
		reflect.TypeOf(usageSeed{}),
		map[string]gopter.Gen{
			"Tenant":  gen.OneConstOf("acme", "globex"),
			"Project": gen.OneConstOf("llm", "sim"),
			"RunID":   gen.OneConstOf("r1", "r2", "r3"),
			"DayOff":  gen.IntRange(0, 5),
			"LogOff":  gen.IntRange(0, 5),
			"Deleted": gen.Bool(),
		},
	))

	properties.Property("merging the merge result with itself changes nothing", prop.ForAll(
		func(seeds []usageSeed) bool {
			r := New(&fakeClient{})
			rows := make([]model.UsageRow, 0, len(seeds))
			for _, s := range seeds {
				ur := row(s.Tenant, s.Project, s.RunID, day("2024-05-01").AddDate(0, 0, s.DayOff).Format("2006-01-02"), day("2024-05-01").AddDate(0, 0, s.LogOff))
				if s.Deleted {
					ur.RunExists = model.RunDeleted
				}
				rows = append(rows, ur)
			}

			once, err := r.Combine(rows, nil)
			if err != nil {
				return false
			}
			twice, err := r.Combine(once, once)
			if err != nil {
				return false
			}
			return equalRows(once, twice)
		},
		genRows,
	))

	properties.TestingRun(t)
}

type usageSeed struct {
	Tenant  string
	Project string
	RunID   string
	DayOff  int
	LogOff  int
	Deleted bool
}

func equalRows(a, b []model.UsageRow) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key() != b[i].Key() || a[i].RunExists != b[i].RunExists || !a[i].LoggedAt.Equal(b[i].LoggedAt) {
			return false
		}
	}
	return true
}

func TestReconcileExistenceVerdicts(t *testing.T) {
	client := &fakeClient{
		notFound: map[string]bool{"acme-team/llm/gone": true},
		failing:  map[string]bool{"acme-team/llm/flaky": true},
	}
	r := New(client)
	r.now = func() time.Time { return day("2024-05-20") }

	rows := []model.UsageRow{
		row("acme", "llm", "alive", "2024-05-01", day("2024-05-02")),
		row("acme", "llm", "gone", "2024-05-01", day("2024-05-02")),
		row("acme", "llm", "gone", "2024-05-02", day("2024-05-02")),
		row("acme", "llm", "flaky", "2024-05-01", day("2024-05-02")),
	}

	updated, deleted, err := r.ReconcileExistence(context.Background(), rows)
	require.NoError(t, err)

	byRun := make(map[string]model.RunExistence)
	for _, u := range updated {
		byRun[u.RunID+"/"+u.Date.Format("2006-01-02")] = u.RunExists
	}
	assert.Equal(t, model.RunExists, byRun["alive/2024-05-01"])
	assert.Equal(t, model.RunDeleted, byRun["gone/2024-05-01"])
	assert.Equal(t, model.RunDeleted, byRun["gone/2024-05-02"])
	assert.Equal(t, model.RunError, byRun["flaky/2024-05-01"])

	// Both rows of the same run share one probe.
	sort.Strings(client.probes)
	assert.Equal(t, []string{"acme-team/llm/alive", "acme-team/llm/flaky", "acme-team/llm/gone"}, client.probes)

	require.Len(t, deleted, 1)
	assert.Equal(t, "gone", deleted[0].RunID)
	assert.Equal(t, day("2024-05-20"), deleted[0].DetectedAt)
}

func TestReconcileExistenceSkipsAlreadyDeleted(t *testing.T) {
	client := &fakeClient{}
	r := New(client)

	gone := row("acme", "llm", "gone", "2024-05-01", day("2024-05-02"))
	gone.RunExists = model.RunDeleted

	updated, deleted, err := r.ReconcileExistence(context.Background(), []model.UsageRow{gone})
	require.NoError(t, err)
	assert.Empty(t, client.probes)
	assert.Empty(t, deleted)
	assert.Equal(t, model.RunDeleted, updated[0].RunExists)
}

func TestReconcileExistenceAbortsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &fakeClient{failing: map[string]bool{"acme-team/llm/r1": true}}
	r := New(client)

	_, _, err := r.ReconcileExistence(ctx, []model.UsageRow{
		row("acme", "llm", "r1", "2024-05-01", day("2024-05-02")),
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReconcileExistenceManyRuns(t *testing.T) {
	client := &fakeClient{notFound: map[string]bool{}}
	r := New(client)

	var rows []model.UsageRow
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("r%02d", i)
		rows = append(rows, row("acme", "llm", id, "2024-05-01", day("2024-05-02")))
		if i%4 == 0 {
			client.notFound["acme-team/llm/"+id] = true
		}
	}

	_, deleted, err := r.ReconcileExistence(context.Background(), rows)
	require.NoError(t, err)
	assert.Len(t, deleted, 5)
	// Deleted runs come back sorted by tenant, project, run id.
	assert.True(t, sort.SliceIsSorted(deleted, func(i, j int) bool {
		return deleted[i].RunID < deleted[j].RunID
	}))
}
