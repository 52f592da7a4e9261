package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration. It is loaded once at startup and
// passed explicitly to every component; domain code never reads it ambiently.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Logger    LoggerConfig    `yaml:"logger"`
	TrackHub  TrackHubConfig  `yaml:"trackhub"`
	Collector CollectorConfig `yaml:"collector"`
	Report    ReportConfig    `yaml:"report"`
	Program   ProgramConfig   `yaml:"program"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Tenants   []TenantConfig  `yaml:"tenants"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Port   int    `yaml:"port"`
	Mode   string `yaml:"mode"`    // debug, release
	APIKey string `yaml:"api_key"` // empty disables request authentication
}

// MySQLConfig MySQL configuration
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// DSN builds the MySQL connection string.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level    string `yaml:"level"`  // debug, info, warn, error
	Output   string `yaml:"output"` // console, file, both
	FilePath string `yaml:"file_path"`
}

// TrackHubConfig upstream tracking platform client configuration
type TrackHubConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// CollectorConfig run collection tuning
type CollectorConfig struct {
	MaxWorkers         int `yaml:"max_workers"`          // per-project metrics fetch pool size cap
	PageSize           int `yaml:"page_size"`            // run discovery page size
	MaxRetries         int `yaml:"max_retries"`          // metrics fetch attempts per run
	BaseTimeoutSeconds int `yaml:"base_timeout_seconds"` // per-attempt timeout grows linearly with attempt
	BackoffSeconds     int `yaml:"backoff_seconds"`      // fixed sleep between attempts
	HistorySamples     int `yaml:"history_samples"`      // sampled points requested per run
}

// ReportConfig dashboard publication settings
type ReportConfig struct {
	TagForLatest            string  `yaml:"tag_for_latest"`
	RecentDays              int     `yaml:"recent_days"` // rolling window for per-tenant tables
	LowUtilizationThreshold float64 `yaml:"low_utilization_threshold"`
}

// ProgramConfig accounting program settings
type ProgramConfig struct {
	StartDate   string   `yaml:"start_date"` // YYYY-MM-DD, first day of the allocation program
	Timezone    string   `yaml:"timezone"`
	GPUsPerNode int      `yaml:"gpus_per_node"`
	IgnoreTags  []string `yaml:"ignore_tags"` // runs carrying any of these tags are dropped
}

// JobsConfig background job scheduling. Times are wall-clock HH:MM in the
// program timezone.
type JobsConfig struct {
	DailyRunAt       string `yaml:"daily_run_at"`      // daily pipeline run
	ReconcileWeekday string `yaml:"reconcile_weekday"` // weekday of the existence probe
	ReconcileRunAt   string `yaml:"reconcile_run_at"`
}

// ScheduleEntry is one capacity breakpoint: the assigned node count takes
// effect on Date and stays in effect until the next entry.
type ScheduleEntry struct {
	Date             string `yaml:"date"` // YYYY-MM-DD
	AssignedGPUNodes int    `yaml:"assigned_gpu_nodes"`
}

// TenantConfig describes one organization in the allocation program.
type TenantConfig struct {
	Name                 string          `yaml:"name"`
	Teams                []string        `yaml:"teams"` // upstream entities belonging to the tenant
	Schedule             []ScheduleEntry `yaml:"schedule"`
	IgnoreProjectPattern string          `yaml:"ignore_project_pattern"`
	GPUPolicy            GPUPolicyConfig `yaml:"gpu_policy"`
}

// GPUPolicyConfig selects the tenant's GPU-count resolution strategy.
// Adding a tenant heuristic is a data change here, not code.
type GPUPolicyConfig struct {
	Strategy    string   `yaml:"strategy"` // reported, config_key, config_key_pair, description_pattern, summary_metric, scheduler_metadata
	NodesKeys   []string `yaml:"nodes_keys"`
	GPUsKey     string   `yaml:"gpus_key"`
	GPUsPerNode int      `yaml:"gpus_per_node"` // overrides program default for node-only policies
	Pattern     string   `yaml:"pattern"`       // regexp for description_pattern
	MetricKey   string   `yaml:"metric_key"`    // summary metric name for summary_metric
}

// Load reads configuration from CONFIG_PATH (default config/config.yaml).
func Load() (*Config, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	return LoadFile(configPath)
}

// LoadFile reads configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Collector.MaxWorkers <= 0 {
		cfg.Collector.MaxWorkers = 8
	}
	if cfg.Collector.PageSize <= 0 {
		cfg.Collector.PageSize = 1000
	}
	if cfg.Collector.MaxRetries <= 0 {
		cfg.Collector.MaxRetries = 3
	}
	if cfg.Collector.BaseTimeoutSeconds <= 0 {
		cfg.Collector.BaseTimeoutSeconds = 5
	}
	if cfg.Collector.BackoffSeconds <= 0 {
		cfg.Collector.BackoffSeconds = 5
	}
	if cfg.Collector.HistorySamples <= 0 {
		cfg.Collector.HistorySamples = 100
	}
	if cfg.TrackHub.TimeoutSeconds <= 0 {
		cfg.TrackHub.TimeoutSeconds = 60
	}
	if cfg.Report.TagForLatest == "" {
		cfg.Report.TagForLatest = "latest"
	}
	if cfg.Report.RecentDays <= 0 {
		cfg.Report.RecentDays = 30
	}
	if cfg.Report.LowUtilizationThreshold <= 0 {
		cfg.Report.LowUtilizationThreshold = 10
	}
	if cfg.Program.Timezone == "" {
		cfg.Program.Timezone = "Asia/Tokyo"
	}
	if cfg.Program.GPUsPerNode <= 0 {
		cfg.Program.GPUsPerNode = 8
	}
	if cfg.Program.StartDate == "" {
		cfg.Program.StartDate = "2024-02-15"
	}
	if cfg.Jobs.DailyRunAt == "" {
		cfg.Jobs.DailyRunAt = "06:00"
	}
	if cfg.Jobs.ReconcileWeekday == "" {
		cfg.Jobs.ReconcileWeekday = "Monday"
	}
	if cfg.Jobs.ReconcileRunAt == "" {
		cfg.Jobs.ReconcileRunAt = "03:00"
	}
}

func validate(cfg *Config) error {
	if _, err := cfg.ProgramStartDate(); err != nil {
		return fmt.Errorf("invalid program.start_date: %w", err)
	}
	if _, err := cfg.Location(); err != nil {
		return fmt.Errorf("invalid program.timezone: %w", err)
	}
	if _, _, err := ParseRunAt(cfg.Jobs.DailyRunAt); err != nil {
		return fmt.Errorf("invalid jobs.daily_run_at: %w", err)
	}
	if _, _, err := ParseRunAt(cfg.Jobs.ReconcileRunAt); err != nil {
		return fmt.Errorf("invalid jobs.reconcile_run_at: %w", err)
	}
	if _, err := ParseWeekday(cfg.Jobs.ReconcileWeekday); err != nil {
		return fmt.Errorf("invalid jobs.reconcile_weekday: %w", err)
	}
	for _, tenant := range cfg.Tenants {
		if tenant.Name == "" {
			return fmt.Errorf("tenant with empty name")
		}
		if len(tenant.Schedule) == 0 {
			return fmt.Errorf("tenant %s has no schedule", tenant.Name)
		}
		prev := time.Time{}
		for _, entry := range tenant.Schedule {
			d, err := time.Parse("2006-01-02", entry.Date)
			if err != nil {
				return fmt.Errorf("tenant %s has invalid schedule date %q: %w", tenant.Name, entry.Date, err)
			}
			if !d.After(prev) {
				return fmt.Errorf("tenant %s schedule dates must be strictly increasing", tenant.Name)
			}
			prev = d
		}
	}
	return nil
}

// ProgramStartDate parses the configured program start date.
func (c *Config) ProgramStartDate() (time.Time, error) {
	return time.Parse("2006-01-02", c.Program.StartDate)
}

// Location resolves the configured reporting timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Program.Timezone)
}

// ParseRunAt parses a wall-clock HH:MM time.
func ParseRunAt(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

// ParseWeekday parses an English weekday name.
func ParseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s == d.String() {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// TenantForTeam returns the tenant owning the given upstream team entity.
func (c *Config) TenantForTeam(team string) *TenantConfig {
	for i := range c.Tenants {
		for _, t := range c.Tenants[i].Teams {
			if t == team {
				return &c.Tenants[i]
			}
		}
	}
	return nil
}
