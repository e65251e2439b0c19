package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"market-extremes/internal/logging"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Detection DetectionConfig `mapstructure:"detection"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Retention RetentionConfig `mapstructure:"retention"`
	API       APIConfig       `mapstructure:"api"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
	Replay    ReplayConfig    `mapstructure:"replay"`
	Symbols   []string        `mapstructure:"symbols"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and sizes the event store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs evaluation cadence and periodic jobs.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	BackfillSpec    string        `mapstructure:"backfill_spec"`
	RetentionSpec   string        `mapstructure:"retention_spec"`
}

// DetectionConfig holds the percentile trigger parameters.
type DetectionConfig struct {
	ThresholdPct     float64       `mapstructure:"threshold_pct"`
	Windows          []int         `mapstructure:"windows"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	MinHistory       int           `mapstructure:"min_history"`
	RecordWindowDays int           `mapstructure:"record_window_days"`
}

// AlertingConfig defines alert tiers and routing.
type AlertingConfig struct {
	Enabled   bool            `mapstructure:"enabled"`
	Observe   ObserveConfig   `mapstructure:"observe"`
	Important ImportantConfig `mapstructure:"important"`
	Insight   InsightConfig   `mapstructure:"insight"`
	// Absolute 与 PriceLevels 不依赖分位数，按固定阈值与价位触发。
	Absolute    AbsoluteConfig    `mapstructure:"absolute"`
	PriceLevels PriceLevelsConfig `mapstructure:"price_levels"`
	Channels    []string          `mapstructure:"channels"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	NATS        NATSConfig        `mapstructure:"nats"`
}

// ObserveConfig configures the single-dimension tier.
type ObserveConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	ThresholdPct float64       `mapstructure:"threshold_pct"`
	Cooldown     time.Duration `mapstructure:"cooldown"`
}

// ImportantConfig configures the multi-dimension tier.
type ImportantConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	MinDimensions int           `mapstructure:"min_dimensions"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
}

// InsightConfig configures cross-reading insight alerts.
type InsightConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	FlowThresholdUSD    float64 `mapstructure:"flow_threshold_usd"`
	TakerExtremePct     float64 `mapstructure:"taker_extreme_pct"`
	DivergenceMildPct   float64 `mapstructure:"divergence_mild_pct"`
	DivergenceStrongPct float64 `mapstructure:"divergence_strong_pct"`
}

// AbsoluteConfig configures the fixed-threshold alerts. One cooldown
// applies per (symbol, rule).
type AbsoluteConfig struct {
	Cooldown    time.Duration `mapstructure:"cooldown"`
	WhaleFlow   ThresholdRule `mapstructure:"whale_flow"`
	OIChange    ThresholdRule `mapstructure:"oi_change"`
	Liquidation ThresholdRule `mapstructure:"liquidation"`
}

// ThresholdRule toggles one absolute rule. Threshold is USD for flow and
// liquidations and percent for OI change.
type ThresholdRule struct {
	Enabled   bool    `mapstructure:"enabled"`
	Threshold float64 `mapstructure:"threshold"`
}

// PriceLevelsConfig lists watched price levels.
type PriceLevelsConfig struct {
	Cooldown time.Duration      `mapstructure:"cooldown"`
	Levels   []PriceLevelConfig `mapstructure:"levels"`
}

// PriceLevelConfig is one watched level.
type PriceLevelConfig struct {
	Symbol string  `mapstructure:"symbol"`
	Price  float64 `mapstructure:"price"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BotToken    string        `mapstructure:"bot_token"`
	ChatID      string        `mapstructure:"chat_id"`
	APIEndpoint string        `mapstructure:"api_endpoint"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

// NATSConfig 描述 NATS 推送参数。
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// SourcesConfig covers upstream market data access.
type SourcesConfig struct {
	Binance    BinanceConfig    `mapstructure:"binance"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
}

// BinanceConfig configures the futures kline price source.
type BinanceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	SecretKey      string        `mapstructure:"secret_key"`
	Interval       string        `mapstructure:"interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ClickHouseConfig configures the historical series source.
type ClickHouseConfig struct {
	DSN            string        `mapstructure:"dsn"`
	Table          string        `mapstructure:"table"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RetentionConfig bounds how long events are kept.
type RetentionConfig struct {
	Days int `mapstructure:"days"`
}

// APIConfig configures the read API.
type APIConfig struct {
	Listen       string        `mapstructure:"listen"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MetricsConfig configures prometheus collectors.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// ReplayConfig locates the offline archive used by replay and process-trades.
type ReplayConfig struct {
	CacheDir string `mapstructure:"cache_dir"`
	Quote    string `mapstructure:"quote"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EXTREMEWATCH")
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
	v.SetDefault("app.name", "extremewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.sqlite_path", "extremes.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x65787472))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.backfill_spec", "@every 1h")
	v.SetDefault("scheduler.retention_spec", "@daily")

	v.SetDefault("detection.threshold_pct", 90.0)
	v.SetDefault("detection.windows", []int{7, 30, 90})
	v.SetDefault("detection.cooldown", "1h")
	v.SetDefault("detection.min_history", 10)
	v.SetDefault("detection.record_window_days", 7)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.observe.enabled", true)
	v.SetDefault("alerting.observe.threshold_pct", 90.0)
	v.SetDefault("alerting.observe.cooldown", "60m")
	v.SetDefault("alerting.important.enabled", true)
	v.SetDefault("alerting.important.min_dimensions", 3)
	v.SetDefault("alerting.important.cooldown", "30m")
	v.SetDefault("alerting.insight.enabled", true)
	v.SetDefault("alerting.insight.flow_threshold_usd", 5_000_000.0)
	v.SetDefault("alerting.insight.taker_extreme_pct", 90.0)
	v.SetDefault("alerting.insight.divergence_mild_pct", 75.0)
	v.SetDefault("alerting.insight.divergence_strong_pct", 90.0)
	v.SetDefault("alerting.absolute.cooldown", "30m")
	v.SetDefault("alerting.absolute.whale_flow.enabled", true)
	v.SetDefault("alerting.absolute.whale_flow.threshold", 10_000_000.0)
	v.SetDefault("alerting.absolute.oi_change.enabled", true)
	v.SetDefault("alerting.absolute.oi_change.threshold", 3.0)
	v.SetDefault("alerting.absolute.liquidation.enabled", true)
	v.SetDefault("alerting.absolute.liquidation.threshold", 20_000_000.0)
	v.SetDefault("alerting.price_levels.cooldown", "60m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.max_retries", 3)
	v.SetDefault("alerting.telegram.retry_delay", "1s")
	v.SetDefault("alerting.nats.enabled", false)
	v.SetDefault("alerting.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("alerting.nats.subject", "extremes.alerts")

	v.SetDefault("sources.binance.base_url", "https://fapi.binance.com")
	v.SetDefault("sources.binance.interval", "1h")
	v.SetDefault("sources.binance.request_timeout", "10s")
	v.SetDefault("sources.clickhouse.table", "hourly_metrics")
	v.SetDefault("sources.clickhouse.request_timeout", "30s")

	v.SetDefault("retention.days", 365)

	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "10s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "extremewatch")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("replay.cache_dir", "data/backfill_cache")
	v.SetDefault("replay.quote", "USDT")

	v.SetDefault("symbols", []string{"BTC", "ETH"})
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
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required for the sqlite driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Detection.ThresholdPct <= 0 || c.Detection.ThresholdPct > 100 {
		return fmt.Errorf("detection.threshold_pct must be in (0, 100]")
	}
	if len(c.Detection.Windows) == 0 {
		return fmt.Errorf("detection.windows must not be empty")
	}
	for _, w := range c.Detection.Windows {
		if w <= 0 {
			return fmt.Errorf("detection.windows must be positive, got %d", w)
		}
	}
	if !sort.IntsAreSorted(c.Detection.Windows) {
		return fmt.Errorf("detection.windows must be ascending")
	}
	if c.Detection.Cooldown < 0 {
		return fmt.Errorf("detection.cooldown cannot be negative")
	}
	if c.Detection.MinHistory < 1 {
		return fmt.Errorf("detection.min_history must be at least 1")
	}
	if c.Detection.RecordWindowDays <= 0 {
		return fmt.Errorf("detection.record_window_days must be greater than zero")
	}
	if c.Alerting.Important.MinDimensions < 1 {
		return fmt.Errorf("alerting.important.min_dimensions must be at least 1")
	}
	if c.Alerting.Observe.ThresholdPct < 0 || c.Alerting.Observe.ThresholdPct > 100 {
		return fmt.Errorf("alerting.observe.threshold_pct must be in [0, 100]")
	}
	if c.Alerting.Absolute.Cooldown < 0 {
		return fmt.Errorf("alerting.absolute.cooldown cannot be negative")
	}
	for name, rule := range map[string]ThresholdRule{
		"whale_flow":  c.Alerting.Absolute.WhaleFlow,
		"oi_change":   c.Alerting.Absolute.OIChange,
		"liquidation": c.Alerting.Absolute.Liquidation,
	} {
		if rule.Enabled && rule.Threshold <= 0 {
			return fmt.Errorf("alerting.absolute.%s.threshold must be greater than zero when enabled", name)
		}
	}
	if c.Alerting.PriceLevels.Cooldown < 0 {
		return fmt.Errorf("alerting.price_levels.cooldown cannot be negative")
	}
	for i, l := range c.Alerting.PriceLevels.Levels {
		if strings.TrimSpace(l.Symbol) == "" || l.Price <= 0 {
			return fmt.Errorf("alerting.price_levels.levels[%d] needs a symbol and a positive price", i)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.NATS.Enabled && c.Alerting.NATS.Subject == "" {
		return fmt.Errorf("alerting.nats.subject 必须配置")
	}
	if c.Retention.Days < 0 {
		return fmt.Errorf("retention.days cannot be negative")
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

// CooldownOrDefault returns the event cooldown, falling back to one hour.
func (d DetectionConfig) CooldownOrDefault() time.Duration {
	if d.Cooldown <= 0 {
		return time.Hour
	}
	return d.Cooldown
}
