package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"spendguard/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Tokens    TokensConfig    `mapstructure:"tokens"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs check-cycle cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	BaseURL         string        `mapstructure:"base_url"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

// BillingConfig covers the billing feed endpoint.
type BillingConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	ProjectID       string        `mapstructure:"project_id"`
	TopContributors int           `mapstructure:"top_contributors"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
}

// MonitorConfig tunes baseline and anomaly evaluation.
type MonitorConfig struct {
	WindowSize         int     `mapstructure:"window_size"`
	MonthlyBudgetLimit float64 `mapstructure:"monthly_budget_limit"`
	AlertThreshold     float64 `mapstructure:"alert_threshold"`
	AnomalySensitivity float64 `mapstructure:"anomaly_sensitivity"`
	MinAbsoluteMargin  float64 `mapstructure:"min_absolute_margin"`
	HighBandOffset     float64 `mapstructure:"high_band_offset"`
	CriticalBandOffset float64 `mapstructure:"critical_band_offset"`
}

// SafetyConfig holds the policy knobs evaluated before any execution.
type SafetyConfig struct {
	BlocklistTags            []string `mapstructure:"blocklist_tags"`
	MaxActionsPerHour        int      `mapstructure:"max_actions_per_hour"`
	ConfirmationThresholdUSD float64  `mapstructure:"confirmation_threshold_usd"`
	DryRunMode               bool     `mapstructure:"dry_run_mode"`
}

// TokensConfig controls action token issuance.
type TokensConfig struct {
	ValidityDuration time.Duration `mapstructure:"validity_duration"`
	SigningSeed      string        `mapstructure:"signing_seed"`
}

// AlertingConfig defines anomaly notification routing.
type AlertingConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Recipient string        `mapstructure:"recipient"`
	Webhook   WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig describes the JSON webhook channel.
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPENDGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "spendguard")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x53474231))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.graceful_timeout", "10s")

	v.SetDefault("billing.top_contributors", 5)
	v.SetDefault("billing.request_timeout", "15s")
	v.SetDefault("billing.user_agent", "spendguard/1.0")

	v.SetDefault("monitor.window_size", 7)
	v.SetDefault("monitor.monthly_budget_limit", 100.0)
	v.SetDefault("monitor.alert_threshold", 0.75)
	v.SetDefault("monitor.anomaly_sensitivity", 2.5)
	v.SetDefault("monitor.min_absolute_margin", 1.0)
	v.SetDefault("monitor.high_band_offset", 1.0)
	v.SetDefault("monitor.critical_band_offset", 2.0)

	v.SetDefault("safety.blocklist_tags", []string{"production", "prod", "critical"})
	v.SetDefault("safety.max_actions_per_hour", 3)
	v.SetDefault("safety.confirmation_threshold_usd", 100.0)
	v.SetDefault("safety.dry_run_mode", false)

	v.SetDefault("tokens.validity_duration", "4h")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.webhook.enabled", false)
	v.SetDefault("alerting.webhook.timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Monitor.WindowSize < 2 {
		return fmt.Errorf("monitor.window_size must be at least 2")
	}
	if c.Monitor.AnomalySensitivity <= 0 {
		return fmt.Errorf("monitor.anomaly_sensitivity must be greater than zero")
	}
	if c.Monitor.MonthlyBudgetLimit < 0 {
		return fmt.Errorf("monitor.monthly_budget_limit cannot be negative")
	}
	if c.Monitor.HighBandOffset <= 0 || c.Monitor.CriticalBandOffset <= c.Monitor.HighBandOffset {
		return fmt.Errorf("severity band offsets must be positive and strictly increasing")
	}
	if c.Safety.MaxActionsPerHour <= 0 {
		return fmt.Errorf("safety.max_actions_per_hour must be greater than zero")
	}
	if c.Tokens.ValidityDuration <= 0 {
		return fmt.Errorf("tokens.validity_duration must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.URL == "" {
		return fmt.Errorf("alerting.webhook.url is required when the webhook channel is enabled")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
