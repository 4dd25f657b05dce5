package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultConfigPath is read when RECON_CONFIG is not set.
const DefaultConfigPath = "config.yaml"

// Config holds all configuration for the settlement engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// MigrationsPath is the directory of golang-migrate SQL files.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`

	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	SFTP      SFTPConfig      `yaml:"sftp"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Suppliers SuppliersConfig `yaml:"suppliers"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"recon"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"settlement_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig is optional. An empty host disables distributed scheduler locks.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// SchedulerConfig controls the periodic reconciliation cycle.
type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled" env:"SCHEDULER_ENABLED" env-default:"true"`
	Interval time.Duration `yaml:"interval" env:"SCHEDULER_INTERVAL" env-default:"15m"`
	// MaxParallelSuppliers bounds concurrent supplier tasks so SFTP endpoints are not overwhelmed.
	MaxParallelSuppliers int `yaml:"max_parallel_suppliers" env:"SCHEDULER_MAX_PARALLEL_SUPPLIERS" env-default:"4"`
	// LookbackDays is how many settlement days before today each cycle covers.
	LookbackDays int `yaml:"lookback_days" env:"SCHEDULER_LOOKBACK_DAYS" env-default:"1"`
	// StaleRunTimeout marks running runs older than this as failed.
	StaleRunTimeout time.Duration `yaml:"stale_run_timeout" env:"SCHEDULER_STALE_RUN_TIMEOUT" env-default:"1h"`
	// LockTTL is the Redis lock lease per supplier task.
	LockTTL time.Duration `yaml:"lock_ttl" env:"SCHEDULER_LOCK_TTL" env-default:"10m"`
}

// SFTPConfig holds SFTP connection management settings.
type SFTPConfig struct {
	IdleTTL        time.Duration `yaml:"idle_ttl" env:"SFTP_IDLE_TTL" env-default:"2m"`
	DialTimeout    time.Duration `yaml:"dial_timeout" env:"SFTP_DIAL_TIMEOUT" env-default:"15s"`
	MaxRetries     int           `yaml:"max_retries" env:"SFTP_MAX_RETRIES" env-default:"3"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"SFTP_INITIAL_BACKOFF" env-default:"1s"`
	// KnownHostsFile enables host key verification when set.
	KnownHostsFile string `yaml:"known_hosts_file" env:"SFTP_KNOWN_HOSTS_FILE" env-default:""`
}

// SMTPConfig configures alert email delivery. An empty host logs alerts instead.
type SMTPConfig struct {
	Host     string `yaml:"host" env:"SMTP_HOST" env-default:""`
	Port     int    `yaml:"port" env:"SMTP_PORT" env-default:"587"`
	From     string `yaml:"from" env:"SMTP_FROM" env-default:"recon@localhost"`
	Username string `yaml:"username" env:"SMTP_USERNAME" env-default:""`
	Password string `yaml:"-" env:"SMTP_PASSWORD"` // Secret - not in YAML
}

// AlertingConfig provides defaults for suppliers that leave their alert policy at zero.
type AlertingConfig struct {
	DefaultUnmatchedThreshold     int `yaml:"default_unmatched_threshold" env:"ALERT_DEFAULT_UNMATCHED_THRESHOLD" env-default:"0"`
	DefaultCriticalCountThreshold int `yaml:"default_critical_count_threshold" env:"ALERT_DEFAULT_CRITICAL_COUNT_THRESHOLD" env-default:"0"`
}

// LedgerConfig names the read-only internal transaction source.
type LedgerConfig struct {
	ViewName string `yaml:"view_name" env:"LEDGER_VIEW_NAME" env-default:"recon_internal_transactions"`
	// WindowPaddingHours widens the snapshot window around the settlement day.
	WindowPaddingHours int `yaml:"window_padding_hours" env:"LEDGER_WINDOW_PADDING_HOURS" env-default:"24"`
}

// SuppliersConfig points at an optional YAML file of supplier configs used
// instead of the supplier_configs table.
type SuppliersConfig struct {
	File string `yaml:"file" env:"SUPPLIERS_FILE" env-default:""`
}

// Load reads configuration from config.yaml (or RECON_CONFIG) with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	path := os.Getenv("RECON_CONFIG")
	if path == "" {
		path = DefaultConfigPath
	}
	return LoadFile(path, version)
}

// LoadFile reads configuration from the given YAML path with environment overrides.
func LoadFile(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.Database.Host = ResolveHostForDocker(cfg.Database.Host)
	cfg.Redis.Host = ResolveHostForDocker(cfg.Redis.Host)

	if cfg.BaseURL == "" {
		cfg.BaseURL = (&url.URL{
			Scheme: "http",
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Scheduler.MaxParallelSuppliers < 1 {
		return fmt.Errorf("scheduler.max_parallel_suppliers must be at least 1")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	if c.Scheduler.LookbackDays < 1 {
		return fmt.Errorf("scheduler.lookback_days must be at least 1")
	}
	if c.SFTP.MaxRetries < 0 {
		return fmt.Errorf("sftp.max_retries must not be negative")
	}
	if c.Ledger.ViewName == "" {
		return fmt.Errorf("ledger.view_name is required")
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the connection string in URL form, as golang-migrate expects.
func (c *DatabaseConfig) URL() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}
