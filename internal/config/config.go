package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override, e.g. LEADS_STORE_DRIVER.
const EnvPrefix = "LEADS"

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Dedupe  DedupeConfig  `yaml:"dedupe" mapstructure:"dedupe"`
	Auth    AuthConfig    `yaml:"auth" mapstructure:"auth"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Lock    LockConfig    `yaml:"lock" mapstructure:"lock"`
	Redis   RedisConfig   `yaml:"redis" mapstructure:"redis"`
	Kafka   KafkaConfig   `yaml:"kafka" mapstructure:"kafka"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// DedupeConfig bounds runs and merges.
type DedupeConfig struct {
	DomainNeighborCap int     `yaml:"domain_neighbor_cap" mapstructure:"domain_neighbor_cap"`
	FullSweepCap      int     `yaml:"full_sweep_cap" mapstructure:"full_sweep_cap"`
	MergePolicyPath   string  `yaml:"merge_policy_path" mapstructure:"merge_policy_path"`
	MergeLockTTLSecs  int     `yaml:"merge_lock_ttl_secs" mapstructure:"merge_lock_ttl_secs"`
	MergeWritesPerSec float64 `yaml:"merge_writes_per_sec" mapstructure:"merge_writes_per_sec"`
}

// AuthConfig configures bearer-token resolution and the admin role check.
type AuthConfig struct {
	BaseURL        string            `yaml:"base_url" mapstructure:"base_url"`
	APIKey         string            `yaml:"api_key" mapstructure:"api_key"`
	AdminRole      string            `yaml:"admin_role" mapstructure:"admin_role"`
	RequestsPerSec float64           `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	StaticTokens   map[string]string `yaml:"static_tokens" mapstructure:"static_tokens"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	CORSOrigins        []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
}

// LockConfig selects the merge locker.
type LockConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
}

// RedisConfig configures the shared lock backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// KafkaConfig configures event publishing and the job-completed consumer.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers" mapstructure:"brokers"`
	EventsTopic   string   `yaml:"events_topic" mapstructure:"events_topic"`
	JobsTopic     string   `yaml:"jobs_topic" mapstructure:"jobs_topic"`
	ConsumerGroup string   `yaml:"consumer_group" mapstructure:"consumer_group"`
}

// Enabled reports whether brokers are configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// TracingConfig configures OTLP span export. An empty endpoint disables it.
type TracingConfig struct {
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure bool   `yaml:"insecure" mapstructure:"insecure"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	// .env is optional; real environment variables win over it.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrap(err, "config: read .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("dedupe.domain_neighbor_cap", 500)
	v.SetDefault("dedupe.full_sweep_cap", 1000)
	v.SetDefault("dedupe.merge_lock_ttl_secs", 30)
	v.SetDefault("dedupe.merge_writes_per_sec", 0)
	v.SetDefault("auth.admin_role", "admin")
	v.SetDefault("auth.requests_per_sec", 10)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_secs", 120)
	v.SetDefault("lock.driver", "local")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("kafka.events_topic", "lead-dedupe.events")
	v.SetDefault("kafka.jobs_topic", "lead-jobs.completed")
	v.SetDefault("kafka.consumer_group", "lead-dedupe")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Keys without a real default still need registering so AutomaticEnv
	// picks them up during Unmarshal.
	for _, key := range []string{
		"store.database_url",
		"dedupe.merge_policy_path",
		"auth.base_url",
		"auth.api_key",
		"redis.password",
		"tracing.endpoint",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("redis.db", 0)
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("server.cors_origins", []string{})

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

	// A comma-separated env value arrives as one element.
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.Server.CORSOrigins = splitList(cfg.Server.CORSOrigins)

	return &cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks the settings a command mode depends on. Modes: "serve",
// "run", "consume", "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		add("store.driver must be postgres or sqlite, got %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}

	switch mode {
	case "migrate":
	case "run", "serve", "consume":
		if c.Dedupe.DomainNeighborCap < 1 {
			add("dedupe.domain_neighbor_cap must be > 0")
		}
		if c.Dedupe.FullSweepCap < 1 {
			add("dedupe.full_sweep_cap must be > 0")
		}
		if c.Dedupe.MergeLockTTLSecs < 1 {
			add("dedupe.merge_lock_ttl_secs must be > 0")
		}
		if c.Dedupe.MergeWritesPerSec < 0 {
			add("dedupe.merge_writes_per_sec must be >= 0")
		}
		switch c.Lock.Driver {
		case "local":
		case "redis":
			if c.Redis.Addr == "" {
				add("redis.addr is required when lock.driver is redis")
			}
		default:
			add("lock.driver must be local or redis, got %q", c.Lock.Driver)
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server.port must be > 0 and <= 65535")
		}
		if c.Auth.BaseURL == "" && len(c.Auth.StaticTokens) == 0 {
			add("auth.base_url or auth.static_tokens is required")
		}
		if c.Auth.AdminRole == "" {
			add("auth.admin_role is required")
		}
	}

	if mode == "consume" {
		if !c.Kafka.Enabled() {
			add("kafka.brokers is required")
		}
		if c.Kafka.JobsTopic == "" {
			add("kafka.jobs_topic is required")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
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
