package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	LLM       LLMConfig       `yaml:"llm" mapstructure:"llm"`
	Worker    WorkerConfig    `yaml:"worker" mapstructure:"worker"`
	Jobs      JobsConfig      `yaml:"jobs" mapstructure:"jobs"`
	Progress  ProgressConfig  `yaml:"progress" mapstructure:"progress"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	Model   string `yaml:"model" mapstructure:"model"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// LLMConfig configures retries and rate limiting of model calls.
type LLMConfig struct {
	MaxAttempts          int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelayMs          int     `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMs           int     `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	JitterFraction       float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	MaxParseRetries      int     `yaml:"max_parse_retries" mapstructure:"max_parse_retries"`
	RequestsPerSecond    float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"` // 0 = unlimited
	Burst                int     `yaml:"burst" mapstructure:"burst"`
	MinRequestsPerSecond float64 `yaml:"min_requests_per_second" mapstructure:"min_requests_per_second"` // 429 floor, 0 = rps/4
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second"` // recovery ceiling, 0 = rps
	TimeoutSecs          int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// WorkerConfig configures job execution.
type WorkerConfig struct {
	ConsecutiveFailureLimit int `yaml:"consecutive_failure_limit" mapstructure:"consecutive_failure_limit"`
	CheckpointEvery         int `yaml:"checkpoint_every" mapstructure:"checkpoint_every"`
	QueueSize               int `yaml:"queue_size" mapstructure:"queue_size"`
	Executors               int `yaml:"executors" mapstructure:"executors"`
	VariableConcurrency     int `yaml:"variable_concurrency" mapstructure:"variable_concurrency"`
	PublishTimeoutMs        int `yaml:"publish_timeout_ms" mapstructure:"publish_timeout_ms"`
}

// JobsConfig configures job creation.
type JobsConfig struct {
	SampleSize int `yaml:"sample_size" mapstructure:"sample_size"`
}

// ProgressConfig selects the progress event sink.
type ProgressConfig struct {
	Driver        string `yaml:"driver" mapstructure:"driver"` // log, redis or none
	RedisAddr     string `yaml:"redis_addr" mapstructure:"redis_addr"`
	ChannelPrefix string `yaml:"channel_prefix" mapstructure:"channel_prefix"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./config.yaml (optional) and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path and environment. An empty path
// falls back to an optional config.yaml in the working directory; an explicit
// path must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("DOCEXTRACT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.base_delay_ms", 1000)
	v.SetDefault("llm.max_delay_ms", 60000)
	v.SetDefault("llm.jitter_fraction", 0.1)
	v.SetDefault("llm.max_parse_retries", 1)
	v.SetDefault("llm.requests_per_second", 0)
	v.SetDefault("llm.burst", 1)
	v.SetDefault("llm.min_requests_per_second", 0)
	v.SetDefault("llm.max_requests_per_second", 0)
	v.SetDefault("llm.timeout_secs", 120)
	v.SetDefault("worker.consecutive_failure_limit", 10)
	v.SetDefault("worker.checkpoint_every", 10)
	v.SetDefault("worker.queue_size", 64)
	v.SetDefault("worker.executors", 1)
	v.SetDefault("worker.variable_concurrency", 1)
	v.SetDefault("worker.publish_timeout_ms", 2000)
	v.SetDefault("jobs.sample_size", 10)
	v.SetDefault("progress.driver", "log")
	v.SetDefault("progress.redis_addr", "localhost:6379")
	v.SetDefault("progress.channel_prefix", "extraction:jobs")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs: "store" for commands
// that only touch the database, "worker" for commands that call the model,
// "serve" for the long-running server.
func (c *Config) Validate(mode string) error {
	var errs []string
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	switch mode {
	case "store", "worker", "serve":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		check(c.Store.DatabaseURL != "", "store.database_url is required")
		check(c.Store.MinConns <= c.Store.MaxConns, "store.min_conns must be <= store.max_conns")
	case "sqlite":
		check(c.Store.DatabaseURL != "", "store.database_url is required (sqlite file path)")
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}

	if mode == "worker" || mode == "serve" {
		check(c.Anthropic.Key != "", "anthropic.key is required")
		check(c.LLM.MaxAttempts >= 1, "llm.max_attempts must be >= 1")
		check(c.LLM.JitterFraction >= 0 && c.LLM.JitterFraction <= 1, "llm.jitter_fraction must be within 0-1")
		check(c.LLM.RequestsPerSecond >= 0, "llm.requests_per_second must be >= 0")
		check(c.LLM.MinRequestsPerSecond >= 0 && c.LLM.MaxRequestsPerSecond >= 0, "llm rate bounds must be >= 0")
		check(c.LLM.MaxRequestsPerSecond == 0 || c.LLM.MinRequestsPerSecond <= c.LLM.MaxRequestsPerSecond,
			"llm.min_requests_per_second must be <= llm.max_requests_per_second")
		check(c.Worker.ConsecutiveFailureLimit >= 1, "worker.consecutive_failure_limit must be >= 1")
		check(c.Worker.VariableConcurrency >= 1 && c.Worker.VariableConcurrency <= 32, "worker.variable_concurrency must be within 1-32")
		switch c.Progress.Driver {
		case "log", "none":
		case "redis":
			check(c.Progress.RedisAddr != "", "progress.redis_addr is required for the redis driver")
		default:
			errs = append(errs, fmt.Sprintf("progress.driver %q must be log, redis or none", c.Progress.Driver))
		}
	}

	if mode == "serve" {
		check(c.Server.Port > 0 && c.Server.Port <= 65535, "server.port must be > 0 and <= 65535")
		check(c.Worker.Executors >= 1, "worker.executors must be >= 1")
		check(c.Worker.QueueSize >= 1, "worker.queue_size must be >= 1")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(errs, "; "))
	}
	return nil
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
