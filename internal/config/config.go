package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig     `yaml:"store" mapstructure:"store"`
	Queue       QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Worker      WorkerConfig    `yaml:"worker" mapstructure:"worker"`
	Scheduler   SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Fetcher     FetcherConfig   `yaml:"fetcher" mapstructure:"fetcher"`
	Summary     SummaryConfig   `yaml:"summary" mapstructure:"summary"`
	Redis       RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Kafka       KafkaConfig     `yaml:"kafka" mapstructure:"kafka"`
	Server      ServerConfig    `yaml:"server" mapstructure:"server"`
	Audit       AuditConfig     `yaml:"audit" mapstructure:"audit"`
	Log         LogConfig       `yaml:"log" mapstructure:"log"`
	SourcesFile string          `yaml:"sources_file" mapstructure:"sources_file"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// QueueConfig configures job retry and lock expiry.
type QueueConfig struct {
	DefaultMaxAttempts int `yaml:"default_max_attempts" mapstructure:"default_max_attempts"`
	ReapAfterMinutes   int `yaml:"reap_after_minutes" mapstructure:"reap_after_minutes"`
}

// WorkerConfig configures the job worker loop.
type WorkerConfig struct {
	ID               string `yaml:"id" mapstructure:"id"`
	BatchSize        int    `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency      int    `yaml:"concurrency" mapstructure:"concurrency"`
	PollIntervalSecs int    `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	DefaultTimeoutMs int    `yaml:"default_timeout_ms" mapstructure:"default_timeout_ms"`
}

// SchedulerConfig configures the recurring scheduler tick.
type SchedulerConfig struct {
	Cron string `yaml:"cron" mapstructure:"cron"`
}

// FetcherConfig configures outbound HTTP requests made by job handlers.
type FetcherConfig struct {
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	PerHostRPS  float64 `yaml:"per_host_rps" mapstructure:"per_host_rps"`
	MaxRetries  int     `yaml:"max_retries" mapstructure:"max_retries"`
}

// SummaryConfig configures the offer summary read model.
type SummaryConfig struct {
	StaleAfterHours int `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	CacheTTLSecs    int `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
}

// RedisConfig configures the optional summary cache. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// KafkaConfig configures catalog change events. No brokers means events are dropped.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// ServerConfig configures the ops server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// AuditConfig configures provenance alerts. Empty WebhookURL disables them.
type AuditConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, eris.Wrap(err, "config: load .env")
		}
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "catalog.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("queue.default_max_attempts", 5)
	v.SetDefault("queue.reap_after_minutes", 30)
	v.SetDefault("worker.batch_size", 25)
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.poll_interval_secs", 10)
	v.SetDefault("worker.default_timeout_ms", 15000)
	v.SetDefault("scheduler.cron", "* * * * *")
	v.SetDefault("fetcher.user_agent", "catalog-ingest/1.0")
	v.SetDefault("fetcher.timeout_secs", 30)
	v.SetDefault("fetcher.per_host_rps", 2.0)
	v.SetDefault("fetcher.max_retries", 2)
	v.SetDefault("summary.stale_after_hours", 24)
	v.SetDefault("summary.cache_ttl_secs", 300)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "catalog.changes")
	v.SetDefault("worker.id", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("audit.webhook_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("sources_file", "sources.yaml")

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
