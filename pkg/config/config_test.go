package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
server:
  port: 8080
tenants:
  - name: acme
    teams: [acme-research]
    schedule:
      - date: "2024-02-15"
        assigned_gpu_nodes: 2
`

func TestLoadFileAppliesDefaults(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Collector.MaxWorkers)
	assert.Equal(t, 1000, cfg.Collector.PageSize)
	assert.Equal(t, 3, cfg.Collector.MaxRetries)
	assert.Equal(t, 5, cfg.Collector.BaseTimeoutSeconds)
	assert.Equal(t, 5, cfg.Collector.BackoffSeconds)
	assert.Equal(t, 100, cfg.Collector.HistorySamples)
	assert.Equal(t, 60, cfg.TrackHub.TimeoutSeconds)
	assert.Equal(t, "latest", cfg.Report.TagForLatest)
	assert.Equal(t, 30, cfg.Report.RecentDays)
	assert.Equal(t, float64(10), cfg.Report.LowUtilizationThreshold)
	assert.Equal(t, "Asia/Tokyo", cfg.Program.Timezone)
	assert.Equal(t, 8, cfg.Program.GPUsPerNode)
	assert.Equal(t, "2024-02-15", cfg.Program.StartDate)
	assert.Equal(t, "06:00", cfg.Jobs.DailyRunAt)
	assert.Equal(t, "Monday", cfg.Jobs.ReconcileWeekday)
	assert.Equal(t, "03:00", cfg.Jobs.ReconcileRunAt)
}

func TestLoadFileKeepsExplicitValues(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, `
collector:
  max_workers: 4
  page_size: 250
program:
  timezone: UTC
  gpus_per_node: 4
jobs:
  daily_run_at: "07:30"
tenants:
  - name: acme
    teams: [acme-research]
    schedule:
      - date: "2024-02-15"
        assigned_gpu_nodes: 2
`))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Collector.MaxWorkers)
	assert.Equal(t, 250, cfg.Collector.PageSize)
	assert.Equal(t, "UTC", cfg.Program.Timezone)
	assert.Equal(t, 4, cfg.Program.GPUsPerNode)
	assert.Equal(t, "07:30", cfg.Jobs.DailyRunAt)
}

func TestLoadFileValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "empty tenant name",
			content: `
tenants:
  - name: ""
    schedule:
      - date: "2024-02-15"
        assigned_gpu_nodes: 2
`,
			wantErr: "empty name",
		},
		{
			name: "tenant without schedule",
			content: `
tenants:
  - name: acme
    teams: [acme-research]
`,
			wantErr: "no schedule",
		},
		{
			name: "schedule dates out of order",
			content: `
tenants:
  - name: acme
    teams: [acme-research]
    schedule:
      - date: "2024-03-01"
        assigned_gpu_nodes: 2
      - date: "2024-02-15"
        assigned_gpu_nodes: 4
`,
			wantErr: "strictly increasing",
		},
		{
			name: "invalid schedule date",
			content: `
tenants:
  - name: acme
    teams: [acme-research]
    schedule:
      - date: "15/02/2024"
        assigned_gpu_nodes: 2
`,
			wantErr: "invalid schedule date",
		},
		{
			name: "invalid run-at time",
			content: `
jobs:
  daily_run_at: "25:99"
tenants:
  - name: acme
    teams: [acme-research]
    schedule:
      - date: "2024-02-15"
        assigned_gpu_nodes: 2
`,
			wantErr: "daily_run_at",
		},
		{
			name: "invalid weekday",
			content: `
jobs:
  reconcile_weekday: Holiday
tenants:
  - name: acme
    teams: [acme-research]
    schedule:
      - date: "2024-02-15"
        assigned_gpu_nodes: 2
`,
			wantErr: "reconcile_weekday",
		},
		{
			name: "invalid timezone",
			content: `
program:
  timezone: Mars/Olympus
tenants:
  - name: acme
    teams: [acme-research]
    schedule:
      - date: "2024-02-15"
        assigned_gpu_nodes: 2
`,
			wantErr: "timezone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFileMissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParseRunAt(t *testing.T) {
	hour, minute, err := ParseRunAt("06:30")
	require.NoError(t, err)
	assert.Equal(t, 6, hour)
	assert.Equal(t, 30, minute)

	_, _, err = ParseRunAt("6:30pm")
	assert.Error(t, err)
}

func TestParseWeekday(t *testing.T) {
	d, err := ParseWeekday("Wednesday")
	require.NoError(t, err)
	assert.Equal(t, time.Wednesday, d)

	_, err = ParseWeekday("wednesday")
	assert.Error(t, err)
}

func TestTenantForTeam(t *testing.T) {
	cfg := &Config{Tenants: []TenantConfig{
		{Name: "acme", Teams: []string{"acme-research", "acme-infra"}},
		{Name: "globex", Teams: []string{"globex-ml"}},
	}}

	tenant := cfg.TenantForTeam("acme-infra")
	require.NotNil(t, tenant)
	assert.Equal(t, "acme", tenant.Name)

	assert.Nil(t, cfg.TenantForTeam("unknown-team"))
}

func TestMySQLDSN(t *testing.T) {
	c := MySQLConfig{Host: "db", Port: 3306, User: "u", Password: "p", Database: "usage"}
	assert.Equal(t, "u:p@tcp(db:3306)/usage?charset=utf8mb4&parseTime=True&loc=Local", c.DSN())
}

func TestApplyDefaultsIdempotent(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	first := *cfg
	applyDefaults(cfg)
	assert.Equal(t, first, *cfg)
}
