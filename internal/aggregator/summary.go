package aggregator

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"gpuledger/internal/model"
)

// LastCompletedWeekStart returns the Monday of the most recent week whose
// Sunday is on or before ref.
func LastCompletedWeekStart(ref time.Time) time.Time {
	ws := model.WeekStartOf(ref)
	if model.DateOf(ref).Before(ws.AddDate(0, 0, 6)) {
		ws = ws.AddDate(0, 0, -7)
	}
	return ws
}

// runWindow collects one run's observed interval for overlap detection.
type runWindow struct {
	start time.Time
	end   time.Time
	key   string
}

// Summarize builds the per-tenant-project operational summary for the week
// starting at weekStart (Monday, 7 days). Overlap runs are pairs of runs
// double-booked on the same host: a run counts as overlapping when it starts
// strictly before the previous run on that host ended.
func Summarize(rows []model.UsageRow, weekStart time.Time, ignoreTags []string) []model.SummaryRow {
	weekStart = model.DateOf(weekStart)
	weekEnd := weekStart.AddDate(0, 0, 6)

	type acc struct {
		row     model.SummaryRow
		runs    map[string]struct{}
		masters map[string]struct{}
		ignored map[string]struct{}
	}
	groups := make(map[string]*acc)
	hosts := make(map[string]map[string]runWindow) // host -> run key -> window
	overlapsOf := make(map[string]string)          // run key -> group key

	for i := range rows {
		row := &rows[i]
		if row.Date.Before(weekStart) || row.Date.After(weekEnd) {
			continue
		}

		groupKey := row.Tenant + "\x00" + row.Project
		g, ok := groups[groupKey]
		if !ok {
			g = &acc{
				row:     model.SummaryRow{Tenant: row.Tenant, Project: row.Project},
				runs:    make(map[string]struct{}),
				masters: make(map[string]struct{}),
				ignored: make(map[string]struct{}),
			}
			groups[groupKey] = g
		}

		runKey := groupKey + "\x00" + row.RunID
		g.row.TotalHours += row.DurationHour * float64(row.GPUCount)
		g.runs[runKey] = struct{}{}
		if row.GPUCount >= 9 {
			g.masters[runKey] = struct{}{}
		}
		if hasIgnoredTag(row.Tags, ignoreTags) {
			g.ignored[runKey] = struct{}{}
		}

		if row.HostName != "" {
			if hosts[row.HostName] == nil {
				hosts[row.HostName] = make(map[string]runWindow)
			}
			hosts[row.HostName][runKey] = runWindow{start: row.CreatedAt, end: row.UpdatedAt, key: runKey}
			overlapsOf[runKey] = groupKey
		}
	}

	overlapping := make(map[string]struct{})
	for _, runsOnHost := range hosts {
		windows := make([]runWindow, 0, len(runsOnHost))
		for _, w := range runsOnHost {
			windows = append(windows, w)
		}
		sort.Slice(windows, func(i, j int) bool { return windows[i].start.Before(windows[j].start) })

		for i := 1; i < len(windows); i++ {
			if windows[i].start.Before(windows[i-1].end) {
				overlapping[windows[i].key] = struct{}{}
			}
		}
	}

	out := make([]model.SummaryRow, 0, len(groups))
	for groupKey, g := range groups {
		g.row.TotalRuns = len(g.runs)
		g.row.MasterNodeRuns = len(g.masters)
		g.row.IgnoreTagRuns = len(g.ignored)
		for runKey := range overlapping {
			if overlapsOf[runKey] == groupKey {
				g.row.OverlapRuns++
			}
		}
		g.row.TotalHours = round1(g.row.TotalHours)
		out = append(out, g.row)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Tenant != out[j].Tenant {
			return out[i].Tenant < out[j].Tenant
		}
		return out[i].Project < out[j].Project
	})
	return out
}

// hasIgnoredTag decodes a row's JSON tag list and matches it, case
// insensitively, against the globally ignored tags.
func hasIgnoredTag(tagsJSON string, ignoreTags []string) bool {
	if tagsJSON == "" || len(ignoreTags) == 0 {
		return false
	}
	var tags []string
	if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
		return false
	}
	for _, tag := range tags {
		for _, ignored := range ignoreTags {
			if strings.EqualFold(tag, ignored) {
				return true
			}
		}
	}
	return false
}
