package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuledger/internal/model"
)

func TestLastCompletedWeekStart(t *testing.T) {
	// Week of 2024-05-13 completes on Sunday 2024-05-19.
	assert.Equal(t, day("2024-05-13"), LastCompletedWeekStart(day("2024-05-19")))
	assert.Equal(t, day("2024-05-13"), LastCompletedWeekStart(day("2024-05-20")))
	// Mid-week references the previous completed week.
	assert.Equal(t, day("2024-05-06"), LastCompletedWeekStart(day("2024-05-15")))
	assert.Equal(t, day("2024-05-06"), LastCompletedWeekStart(day("2024-05-13")))
}

func summaryRow(tenant, project, runID, date string, durationHour float64, gpuCount int, host string, createdAt, updatedAt time.Time) model.UsageRow {
	row := usageRow(tenant, project, runID, date, durationHour, gpuCount)
	row.HostName = host
	row.CreatedAt = createdAt
	row.UpdatedAt = updatedAt
	return row
}

func TestSummarizeGroupsByTenantProject(t *testing.T) {
	weekStart := day("2024-05-13")
	rows := []model.UsageRow{
		usageRow("acme", "llm", "r1", "2024-05-13", 10, 2),
		usageRow("acme", "llm", "r1", "2024-05-14", 5, 2),
		usageRow("acme", "vision", "r2", "2024-05-14", 4, 1),
		usageRow("globex", "sim", "r3", "2024-05-15", 2, 8),
		// Outside the summary week.
		usageRow("acme", "llm", "r4", "2024-05-20", 100, 8),
		usageRow("acme", "llm", "r5", "2024-05-12", 100, 8),
	}

	out := Summarize(rows, weekStart, nil)
	require.Len(t, out, 3)

	assert.Equal(t, "acme", out[0].Tenant)
	assert.Equal(t, "llm", out[0].Project)
	assert.Equal(t, 30.0, out[0].TotalHours) // (10+5) x 2 GPUs
	assert.Equal(t, 1, out[0].TotalRuns)

	assert.Equal(t, "vision", out[1].Project)
	assert.Equal(t, 4.0, out[1].TotalHours)

	assert.Equal(t, "globex", out[2].Tenant)
	assert.Equal(t, 16.0, out[2].TotalHours)
}

func TestSummarizeMasterNodeRuns(t *testing.T) {
	weekStart := day("2024-05-13")
	rows := []model.UsageRow{
		usageRow("acme", "llm", "big", "2024-05-13", 1, 9),
		usageRow("acme", "llm", "bigger", "2024-05-13", 1, 64),
		usageRow("acme", "llm", "small", "2024-05-13", 1, 8),
	}

	out := Summarize(rows, weekStart, nil)
	require.Len(t, out, 1)
	assert.Equal(t, 3, out[0].TotalRuns)
	assert.Equal(t, 2, out[0].MasterNodeRuns)
}

func TestSummarizeOverlapDetection(t *testing.T) {
	weekStart := day("2024-05-13")
	at := func(hour int) time.Time { return day("2024-05-13").Add(time.Duration(hour) * time.Hour) }

	rows := []model.UsageRow{
		summaryRow("acme", "llm", "r1", "2024-05-13", 4, 1, "host-a", at(0), at(4)),
		// Starts strictly before r1 ends: overlap.
		summaryRow("acme", "llm", "r2", "2024-05-13", 4, 1, "host-a", at(3), at(7)),
		// Starts exactly when r2 ends: no overlap.
		summaryRow("acme", "llm", "r3", "2024-05-13", 4, 1, "host-a", at(7), at(11)),
		// Same interval but a different host: no overlap.
		summaryRow("acme", "llm", "r4", "2024-05-13", 4, 1, "host-b", at(3), at(7)),
		// No host recorded: never counted.
		summaryRow("acme", "llm", "r5", "2024-05-13", 4, 1, "", at(3), at(7)),
	}

	out := Summarize(rows, weekStart, nil)
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].OverlapRuns)
}

func TestSummarizeOverlapOnlyAgainstPrecedingRun(t *testing.T) {
	weekStart := day("2024-05-13")
	at := func(min int) time.Time { return day("2024-05-13").Add(time.Duration(min) * time.Minute) }

	// r1 spans the morning; r2 starts inside it, r3 starts inside r1 too but
	// after r2 ended. Only the immediately preceding run in start order
	// counts, so r3 is not flagged.
	rows := []model.UsageRow{
		summaryRow("acme", "llm", "r1", "2024-05-13", 3, 1, "host-a", at(9*60), at(12*60)),
		summaryRow("acme", "llm", "r2", "2024-05-13", 0.5, 1, "host-a", at(10*60), at(10*60+30)),
		summaryRow("acme", "llm", "r3", "2024-05-13", 0.5, 1, "host-a", at(11*60), at(11*60+30)),
	}

	out := Summarize(rows, weekStart, nil)
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].OverlapRuns)
}

func TestSummarizeIgnoreTagRuns(t *testing.T) {
	weekStart := day("2024-05-13")

	tagged := usageRow("acme", "llm", "r1", "2024-05-13", 1, 1)
	tagged.Tags = `["baseline", "CI"]`
	clean := usageRow("acme", "llm", "r2", "2024-05-13", 1, 1)
	clean.Tags = `["baseline"]`
	malformed := usageRow("acme", "llm", "r3", "2024-05-13", 1, 1)
	malformed.Tags = `{not json`

	out := Summarize([]model.UsageRow{tagged, clean, malformed}, weekStart, []string{"ci"})
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].IgnoreTagRuns)
	assert.Equal(t, 3, out[0].TotalRuns)
}

func TestSummarizeEmptyWeek(t *testing.T) {
	out := Summarize(nil, day("2024-05-13"), nil)
	assert.Empty(t, out)
}
