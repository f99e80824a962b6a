package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all control-plane configuration. Values come from an optional
// YAML file, overridden by environment variables, overridden by flags.
type Config struct {
	ListenAddr  string `yaml:"listen_addr" validate:"required"`
	DatabaseURL string `yaml:"database_url" validate:"required"`
	ShadowDBURL string `yaml:"shadow_db_url"`
	Stage       string `yaml:"stage"` // "production" runs deployment gates at boot

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	Intervals Intervals `yaml:"intervals"`
	Alerting  Alerting  `yaml:"alerting"`
	Security  Security  `yaml:"security"`
	Backup    Backup    `yaml:"backup"`
	Gates     Gates     `yaml:"gates"`
}

// Intervals are the cron cadences, all overridable by environment.
type Intervals struct {
	Invariant        time.Duration `yaml:"invariant"`
	Performance      time.Duration `yaml:"performance"`
	Security         time.Duration `yaml:"security"`
	Health           time.Duration `yaml:"health"`
	Backup           time.Duration `yaml:"backup"`
	ExecutiveReport  time.Duration `yaml:"executive_report"`
	IdempotencyClean time.Duration `yaml:"idempotency_clean"`
	RateLimiterClean time.Duration `yaml:"rate_limiter_clean"`
}

// Alerting configures the outbound alert transports.
type Alerting struct {
	WebhookURL          string `yaml:"webhook_url"`
	ExecutiveWebhookURL string `yaml:"executive_webhook_url"`
	SlackWebhookURL     string `yaml:"slack_webhook_url"`
	PagerDutyRoutingKey string `yaml:"pagerduty_routing_key"`
}

// Security configures the request-path defenses.
type Security struct {
	RateLimitPerMinute  int           `yaml:"rate_limit_per_minute" validate:"gt=0"`
	RateLimitBlock      time.Duration `yaml:"rate_limit_block"`
	BruteForceThreshold int           `yaml:"brute_force_threshold" validate:"gt=0"`
	BruteForceWindow    time.Duration `yaml:"brute_force_window"`
	BruteForceLock      time.Duration `yaml:"brute_force_lock"`
	LargeTransactionMin int64         `yaml:"large_transaction_min"` // minor units
}

// Backup configures the backup validation job.
type Backup struct {
	DumpCommand string `yaml:"dump_command"`
	Directory   string `yaml:"directory"`
	GPGKeyID    string `yaml:"gpg_key_id"`
}

// Gates configures deployment gate evaluation and the post-deploy watcher.
type Gates struct {
	CoverageCommand string  `yaml:"coverage_command"`
	CoverageMin     float64 `yaml:"coverage_min"`
	SkipCoverage    bool    `yaml:"skip_coverage"`
	MinDriftScore   int     `yaml:"min_drift_score"`
	MaxErrorRate    float64 `yaml:"max_error_rate"`
	RollbackCommand string  `yaml:"rollback_command"`
}

// Default returns the baseline configuration before file/env overrides.
func Default() *Config {
	return &Config{
		ListenAddr: ":8090",
		LogLevel:   "info",
		Stage:      "development",
		Intervals: Intervals{
			Invariant:        5 * time.Minute,
			Performance:      10 * time.Minute,
			Security:         15 * time.Minute,
			Health:           5 * time.Minute,
			Backup:           24 * time.Hour,
			ExecutiveReport:  24 * time.Hour,
			IdempotencyClean: time.Hour,
			RateLimiterClean: 15 * time.Minute,
		},
		Security: Security{
			RateLimitPerMinute:  100,
			RateLimitBlock:      5 * time.Minute,
			BruteForceThreshold: 10,
			BruteForceWindow:    15 * time.Minute,
			BruteForceLock:      30 * time.Minute,
			LargeTransactionMin: 1_000_000,
		},
		Backup: Backup{
			Directory: "/var/lib/opscore/backups",
		},
		Gates: Gates{
			CoverageMin:   85,
			MinDriftScore: 85,
			MaxErrorRate:  3,
		},
	}
}

// Load builds the config from defaults, an optional YAML file and the
// environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString(&c.DatabaseURL, "DATABASE_URL")
	envString(&c.ShadowDBURL, "SHADOW_DB_URL")
	envString(&c.Stage, "OPSCORE_STAGE")
	envString(&c.LogLevel, "LOG_LEVEL")

	envIntervalMs(&c.Intervals.Invariant, "INVARIANT_INTERVAL_MS")
	envIntervalMs(&c.Intervals.Performance, "PERF_INTERVAL_MS")
	envIntervalMs(&c.Intervals.Security, "SECURITY_INTERVAL_MS")
	envIntervalMs(&c.Intervals.Health, "HEALTH_INTERVAL_MS")
	envIntervalMs(&c.Intervals.Backup, "BACKUP_INTERVAL_MS")
	envIntervalMs(&c.Intervals.ExecutiveReport, "EXEC_REPORT_INTERVAL_MS")
	envIntervalMs(&c.Intervals.IdempotencyClean, "IDEMPOTENCY_CLEAN_MS")

	envString(&c.Alerting.WebhookURL, "ALERT_WEBHOOK_URL")
	envString(&c.Alerting.ExecutiveWebhookURL, "EXECUTIVE_WEBHOOK_URL")
	envString(&c.Alerting.SlackWebhookURL, "SLACK_WEBHOOK_URL")
	envString(&c.Alerting.PagerDutyRoutingKey, "PAGERDUTY_ROUTING_KEY")

	envString(&c.Backup.GPGKeyID, "GPG_KEY_ID")
	envString(&c.Gates.RollbackCommand, "ROLLBACK_COMMAND")
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envIntervalMs(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return
	}
	*dst = time.Duration(ms) * time.Millisecond
}
