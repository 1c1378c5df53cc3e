// Package config handles loading, validating, and applying defaults to the
// s3gc configuration. Configuration is read from a YAML file and may be
// overridden by environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a wrapper around time.Duration that implements yaml.Unmarshaler
// so that Go-style duration strings (e.g. "30s", "5m") can be used in YAML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a YAML scalar as a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML serialises the duration back to a human-readable string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config is the top-level configuration for the s3gc service.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Store     StoreConfig     `yaml:"store"`
	Tables    TablesConfig    `yaml:"tables"`
	GC        GCConfig        `yaml:"gc"`
	Vault     VaultConfig     `yaml:"vault"`
	CDC       CDCConfig       `yaml:"cdc"`
	Schedule  string          `yaml:"schedule"`
	Worker    WorkerConfig    `yaml:"worker"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Health    HealthConfig    `yaml:"health"`
	Admin     AdminConfig     `yaml:"admin"`
	Reconcile ReconcileConfig `yaml:"reconcile"`

	// AdminAPIKey is populated from the S3GC_ADMIN_API_KEY environment
	// variable. It is never read from the config file.
	AdminAPIKey string `yaml:"-"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

// StoreConfig identifies the target object store and its connection
// parameters.
type StoreConfig struct {
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	Endpoint      string `yaml:"endpoint"`
	UsePathStyle  bool   `yaml:"usePathStyle"`
	AccessKeyID   string `yaml:"-"`
	SecretKey     string `yaml:"-"`
}

// TablesConfig holds the set of watched (table, column) pairs, loaded from
// an external YAML file named by TablesFile (S3GC_TABLES_FILE); the map has
// no natural flat environment-variable encoding.
type TablesConfig struct {
	TablesFile string              `yaml:"tablesFile"`
	Tables     map[string][]string `yaml:"-"`
}

// GCConfig controls the GC cycle orchestrator.
type GCConfig struct {
	Mode            string   `yaml:"mode"`
	RetentionDays   int      `yaml:"retentionDays"`
	ExcludePrefixes []string `yaml:"excludePrefixes"`

	// CycleTimeout bounds one RunCycle invocation. Zero means no deadline.
	CycleTimeout Duration `yaml:"cycleTimeout"`
}

// VaultConfig controls the vault's SQLite audit DB and backup blob storage.
type VaultConfig struct {
	Path string `yaml:"path"`
}

// CDCConfig controls the change-data-capture ingester.
type CDCConfig struct {
	Backend       string `yaml:"backend"`
	ConnectionURL string `yaml:"-"`
}

// WorkerConfig controls the GC cycle's bounded worker pool.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// StorageConfig controls vault volume monitoring.
type StorageConfig struct {
	MonitorInterval   Duration `yaml:"monitorInterval"`
	VolumePath        string   `yaml:"volumePath"`
	WarningThreshold  int      `yaml:"warningThreshold"`
	CriticalThreshold int      `yaml:"criticalThreshold"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// HealthConfig controls the health/readiness probe endpoints.
type HealthConfig struct {
	LivenessPath  string `yaml:"livenessPath"`
	ReadinessPath string `yaml:"readinessPath"`
	Port          int    `yaml:"port"`
}

// AdminConfig controls the admin HTTP surface.
type AdminConfig struct {
	Port int `yaml:"port"`
}

// ReconcileConfig controls the full-scan registry rebuild loop.
type ReconcileConfig struct {
	Interval  Duration `yaml:"interval"`
	OnStartup bool     `yaml:"onStartup"`
}

// Load reads the YAML configuration file at path, applies defaults, applies
// environment-variable overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// An explicit retentionDays: 0 survives defaulting so that validate can
	// reject it in execute mode; only an absent value defaults to 7.
	var explicit struct {
		GC struct {
			RetentionDays *int `yaml:"retentionDays"`
		} `yaml:"gc"`
	}
	_ = yaml.Unmarshal(data, &explicit)

	cfg.applyDefaults()
	if rd := explicit.GC.RetentionDays; rd != nil && *rd == 0 {
		cfg.GC.RetentionDays = 0
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}
	if err := cfg.loadTablesFile(); err != nil {
		return nil, fmt.Errorf("loading tables file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.LogFormat == "" {
		c.App.LogFormat = "json"
	}

	if c.GC.Mode == "" {
		c.GC.Mode = "dry_run"
	}
	if c.GC.RetentionDays == 0 {
		c.GC.RetentionDays = 7
	}

	if c.Vault.Path == "" {
		c.Vault.Path = "/data/vault"
	}

	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 8
	}

	if c.Storage.MonitorInterval.Duration == 0 {
		c.Storage.MonitorInterval.Duration = 1 * time.Minute
	}
	if c.Storage.VolumePath == "" {
		c.Storage.VolumePath = c.Vault.Path
	}
	if c.Storage.WarningThreshold == 0 {
		c.Storage.WarningThreshold = 80
	}
	if c.Storage.CriticalThreshold == 0 {
		c.Storage.CriticalThreshold = 90
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Enabled = true
		c.Metrics.Port = 8080
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Health.LivenessPath == "" {
		c.Health.LivenessPath = "/healthz"
	}
	if c.Health.ReadinessPath == "" {
		c.Health.ReadinessPath = "/ready"
	}
	if c.Health.Port == 0 {
		c.Health.Port = c.Metrics.Port
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = c.Metrics.Port
	}

	if c.Tables.TablesFile == "" {
		c.Tables.TablesFile = "tables.yaml"
	}

	if c.Reconcile.Interval.Duration == 0 {
		c.Reconcile.Interval.Duration = 6 * time.Hour
	}
}

// applyEnvOverrides applies environment variable overrides to the
// configuration, per the env-var table documented alongside the config.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("S3GC_LOG_LEVEL"); v != "" {
		c.App.LogLevel = v
	}
	if v := os.Getenv("S3GC_LOG_FORMAT"); v != "" {
		c.App.LogFormat = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		c.Store.Bucket = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		c.Store.Region = v
	}
	if v := os.Getenv("S3GC_MODE"); v != "" {
		c.GC.Mode = v
	}
	if v := os.Getenv("S3GC_VAULT_PATH"); v != "" {
		c.Vault.Path = v
	}
	if v := os.Getenv("S3GC_RETENTION_DAYS"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return fmt.Errorf("S3GC_RETENTION_DAYS: %w", err)
		}
		c.GC.RetentionDays = n
	}
	if v := os.Getenv("S3GC_EXCLUDE_PREFIXES"); v != "" {
		c.GC.ExcludePrefixes = splitAndTrim(v)
	}
	if v := os.Getenv("S3GC_SCHEDULE_CRON"); v != "" {
		c.Schedule = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.CDC.ConnectionURL = v
	}
	if v := os.Getenv("S3GC_CDC_BACKEND"); v != "" {
		c.CDC.Backend = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		c.Store.Endpoint = v
	}
	if v := os.Getenv("S3_USE_PATH_STYLE"); v != "" {
		c.Store.UsePathStyle = v == "true"
	}
	if v := os.Getenv("S3_ACCESS_KEY_ID"); v != "" {
		c.Store.AccessKeyID = v
	}
	if v := os.Getenv("S3_SECRET_ACCESS_KEY"); v != "" {
		c.Store.SecretKey = v
	}
	if v := os.Getenv("S3GC_WORKER_CONCURRENCY"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return fmt.Errorf("S3GC_WORKER_CONCURRENCY: %w", err)
		}
		c.Worker.Concurrency = n
	}
	if v := os.Getenv("S3GC_METRICS_PORT"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return fmt.Errorf("S3GC_METRICS_PORT: %w", err)
		}
		c.Metrics.Port = n
		c.Health.Port = n
		c.Admin.Port = n
	}
	if v := os.Getenv("S3GC_TABLES_FILE"); v != "" {
		c.Tables.TablesFile = v
	}
	if v := os.Getenv("S3GC_ADMIN_API_KEY"); v != "" {
		c.AdminAPIKey = v
	}
	if v := os.Getenv("S3GC_CDC_CONNECTION_URL"); v != "" {
		c.CDC.ConnectionURL = v
	}
	return nil
}

// splitAndTrim splits a comma-separated list and drops empty entries,
// e.g. "avatars/,backups/" or "avatars/, backups/".
func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parsePositiveInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid integer %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", n)
	}
	return n, nil
}

// loadTablesFile reads the watched (table, column) map from TablesFile.
func (c *Config) loadTablesFile() error {
	data, err := os.ReadFile(c.Tables.TablesFile)
	if err != nil {
		return fmt.Errorf("reading %s: %w", c.Tables.TablesFile, err)
	}
	tables := map[string][]string{}
	if err := yaml.Unmarshal(data, &tables); err != nil {
		return fmt.Errorf("parsing %s: %w", c.Tables.TablesFile, err)
	}
	c.Tables.Tables = tables
	return nil
}

// validate checks that all required fields are populated and that enum
// values are within the allowed set.
func (c *Config) validate() error {
	if c.Store.Bucket == "" {
		return fmt.Errorf("store.bucket is required")
	}
	if len(c.Tables.Tables) == 0 {
		return fmt.Errorf("at least one watched table must be configured")
	}
	for table, columns := range c.Tables.Tables {
		if len(columns) == 0 {
			return fmt.Errorf("table %q has an empty column list", table)
		}
	}

	switch c.App.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app.logLevel must be one of: debug, info, warn, error; got %q", c.App.LogLevel)
	}

	switch c.App.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("app.logFormat must be one of: json, text; got %q", c.App.LogFormat)
	}

	switch c.GC.Mode {
	case "dry_run", "audit_only", "execute":
	default:
		return fmt.Errorf("gc.mode must be one of: dry_run, audit_only, execute; got %q", c.GC.Mode)
	}

	if c.GC.Mode == "execute" && c.GC.RetentionDays == 0 {
		return fmt.Errorf("gc.retentionDays must not be 0 in execute mode")
	}

	switch c.CDC.Backend {
	case "", "postgres", "mysql":
	default:
		return fmt.Errorf("cdc.backend must be one of: postgres, mysql, or empty; got %q", c.CDC.Backend)
	}
	if c.CDC.Backend != "" && c.CDC.ConnectionURL == "" {
		return fmt.Errorf("cdc.connectionURL is required when cdc.backend is set")
	}

	return nil
}
