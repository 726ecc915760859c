package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Provider  ProviderConfig  `yaml:"provider" mapstructure:"provider"`
	Resolver  ResolverConfig  `yaml:"resolver" mapstructure:"resolver"`
	Overrides OverridesConfig `yaml:"overrides" mapstructure:"overrides"`
	Worker    WorkerConfig    `yaml:"worker" mapstructure:"worker"`
	Feed      FeedConfig      `yaml:"feed" mapstructure:"feed"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// ProviderConfig holds the enrichment provider API settings.
type ProviderConfig struct {
	Token          string  `yaml:"token" mapstructure:"token"`
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	RatePerSecond  float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst          int     `yaml:"burst" mapstructure:"burst"`
	SlotWaitSecs   int     `yaml:"slot_wait_secs" mapstructure:"slot_wait_secs"`
	MaxAttempts    int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	AttemptTimeout int     `yaml:"attempt_timeout_secs" mapstructure:"attempt_timeout_secs"`
	OverallTimeout int     `yaml:"overall_timeout_secs" mapstructure:"overall_timeout_secs"`
}

// ResolverConfig configures the resolution cascade.
type ResolverConfig struct {
	Budget         int     `yaml:"budget" mapstructure:"budget"`
	Concurrency    int     `yaml:"concurrency" mapstructure:"concurrency"`
	FuzzyThreshold float64 `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
	LowThreshold   float64 `yaml:"low_threshold" mapstructure:"low_threshold"`
	StaleAfterDays int     `yaml:"stale_after_days" mapstructure:"stale_after_days"`
}

// OverridesConfig points at the static name corrections file.
type OverridesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// WorkerConfig configures the enrichment queue worker.
type WorkerConfig struct {
	BatchSize        int `yaml:"batch_size" mapstructure:"batch_size"`
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// FeedConfig configures source file parsing.
type FeedConfig struct {
	SheetName string `yaml:"sheet_name" mapstructure:"sheet_name"`
	SkipRows  int    `yaml:"skip_rows" mapstructure:"skip_rows"`
	NameCol   int    `yaml:"name_col" mapstructure:"name_col"`
	PlanCol   int    `yaml:"plan_col" mapstructure:"plan_col"`
}

// ServerConfig configures the operational HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PENSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Keys without a meaningful default still need an empty one:
	// viper's Unmarshal only sees env values for keys it already knows.
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "pension-etl.db")
	v.SetDefault("provider.token", "")
	v.SetDefault("provider.base_url", "https://api.opencorporates.com/v0.4")
	v.SetDefault("provider.rate_per_second", 5)
	v.SetDefault("provider.burst", 5)
	v.SetDefault("provider.slot_wait_secs", 10)
	v.SetDefault("provider.max_attempts", 3)
	v.SetDefault("provider.attempt_timeout_secs", 10)
	v.SetDefault("provider.overall_timeout_secs", 45)
	v.SetDefault("resolver.budget", 200)
	v.SetDefault("resolver.concurrency", 8)
	v.SetDefault("resolver.fuzzy_threshold", 0.6)
	v.SetDefault("resolver.low_threshold", 0.3)
	v.SetDefault("resolver.stale_after_days", 90)
	v.SetDefault("overrides.path", "overrides.yaml")
	v.SetDefault("worker.batch_size", 25)
	v.SetDefault("worker.poll_interval_secs", 30)
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("feed.sheet_name", "")
	v.SetDefault("feed.skip_rows", 1)
	v.SetDefault("feed.name_col", 0)
	v.SetDefault("feed.plan_col", 1)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
