// Package config loads service configuration from defaults, an optional YAML file and the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/liamcoop/queuerules/executor"
	"github.com/liamcoop/queuerules/filter"
	"github.com/liamcoop/queuerules/internal/logger"
	"github.com/liamcoop/queuerules/records"
	"github.com/liamcoop/queuerules/scheduler"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. QUEUERULES_SCHEDULER_INTERVALMINUTES
const EnvPrefix = "QUEUERULES"

// Storage backends
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendSQL      = "sql"
	BackendHTTP     = "http"
	BackendNone     = "none"
	BackendLocal    = "local"
	BackendRedis    = "redis"
)

type ServerConfig struct {
	Port           string        `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
	AllowedHosts   []string      `mapstructure:"allowedHosts"`
	IsDevelopment  bool          `mapstructure:"isDevelopment"`
}

type DatabaseConfig struct {
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"maxOpenConns"`
	MaxIdleConns int    `mapstructure:"maxIdleConns"`
}

type RulesConfig struct {
	Backend  string        `mapstructure:"backend"`
	File     string        `mapstructure:"file"`
	Watch    bool          `mapstructure:"watch"`
	CacheTTL time.Duration `mapstructure:"cacheTTL"`
	// Timezone interprets specific-date targets
	Timezone string `mapstructure:"timezone"`
}

type HistoryConfig struct {
	Backend string `mapstructure:"backend"`
	File    string `mapstructure:"file"`
	Cap     int    `mapstructure:"cap"`
}

type RecordsConfig struct {
	Backend string `mapstructure:"backend"`
	// Driver and DSN select the SQL database; an empty DSN reuses database.url
	Driver string             `mapstructure:"driver"`
	DSN    string             `mapstructure:"dsn"`
	SQL    records.SQLConfig  `mapstructure:"sql"`
	HTTP   records.HTTPConfig `mapstructure:"http"`
}

type SchedulerConfig struct {
	AutoStart       bool `mapstructure:"autoStart"`
	IntervalMinutes int  `mapstructure:"intervalMinutes"`
	scheduler.Config `mapstructure:",squash"`
}

type LockConfig struct {
	Backend       string        `mapstructure:"backend"`
	RedisAddr     string        `mapstructure:"redisAddr"`
	RedisPassword string        `mapstructure:"redisPassword"`
	RedisDB       int           `mapstructure:"redisDB"`
	Key           string        `mapstructure:"key"`
	TTL           time.Duration `mapstructure:"ttl"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Config is the complete service configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       logger.Config   `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Rules     RulesConfig     `mapstructure:"rules"`
	History   HistoryConfig   `mapstructure:"history"`
	Records   RecordsConfig   `mapstructure:"records"`
	Executor  executor.Config `mapstructure:"executor"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Lock      LockConfig      `mapstructure:"lock"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.requestTimeout", 60*time.Second)
	v.SetDefault("server.allowedHosts", []string{})
	v.SetDefault("server.isDevelopment", false)

	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.maxSizeMB", 100)
	v.SetDefault("log.maxBackups", 5)
	v.SetDefault("log.maxAgeDays", 30)
	v.SetDefault("log.errorSampleRate", 1)
	v.SetDefault("log.otel.enabled", false)
	v.SetDefault("log.otel.serviceName", "queuerules")

	v.SetDefault("database.url", "")
	v.SetDefault("database.maxOpenConns", 25)
	v.SetDefault("database.maxIdleConns", 5)

	v.SetDefault("rules.backend", BackendMemory)
	v.SetDefault("rules.file", "data/rules.yaml")
	v.SetDefault("rules.watch", true)
	v.SetDefault("rules.cacheTTL", 30*time.Second)
	v.SetDefault("rules.timezone", "UTC")

	v.SetDefault("history.backend", BackendMemory)
	v.SetDefault("history.file", "data/history.yaml")
	v.SetDefault("history.cap", 1000)

	fields := filter.DefaultFieldMap()
	v.SetDefault("records.backend", BackendNone)
	v.SetDefault("records.driver", "postgres")
	v.SetDefault("records.dsn", "")
	v.SetDefault("records.sql.table", "contributor_projects")
	v.SetDefault("records.sql.pageSize", records.MaxBatchSize)
	v.SetDefault("records.sql.extraFields", []string{})
	v.SetDefault("records.http.baseURL", "")
	v.SetDefault("records.http.token", "")
	v.SetDefault("records.http.timeout", 30*time.Second)
	v.SetDefault("records.http.retryCount", 2)
	v.SetDefault("records.http.extraFields", []string{})
	for _, prefix := range []string{"records.sql.fields", "records.http.fields", "executor.fields"} {
		v.SetDefault(prefix+".id", fields.ID)
		v.SetDefault(prefix+".name", fields.Name)
		v.SetDefault(prefix+".status", fields.Status)
		v.SetDefault(prefix+".project", fields.Project)
		v.SetDefault(prefix+".objective", fields.Objective)
		v.SetDefault(prefix+".lastStatusChange", fields.LastStatusChange)
	}

	exec := executor.DefaultConfig()
	v.SetDefault("executor.batchSize", exec.BatchSize)
	v.SetDefault("executor.maxPagesPerRule", exec.MaxPagesPerRule)
	v.SetDefault("executor.runTimeout", exec.RunTimeout)

	v.SetDefault("scheduler.autoStart", false)
	v.SetDefault("scheduler.intervalMinutes", scheduler.DefaultIntervalMinutes)
	v.SetDefault("scheduler.retentionDays", 90)
	v.SetDefault("scheduler.checkTimeout", 10*time.Minute)

	v.SetDefault("lock.backend", BackendLocal)
	v.SetDefault("lock.redisAddr", "localhost:6379")
	v.SetDefault("lock.redisPassword", "")
	v.SetDefault("lock.redisDB", 0)
	v.SetDefault("lock.key", "queuerules:execution-lock")
	v.SetDefault("lock.ttl", 10*time.Minute)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads configuration. path may be empty, in which case only defaults and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Names the service has always honoured
	for key, legacy := range map[string]string{
		"database.url": "DATABASE_URL",
		"server.port":  "PORT",
		"log.level":    "LOG_LEVEL",
	} {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", legacy, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s %q is not one of: %s", name, value, strings.Join(allowed, ", "))
}

// Validate checks backend names and the settings each backend requires
func (c *Config) Validate() error {
	if err := oneOf("rules.backend", c.Rules.Backend, BackendMemory, BackendFile, BackendPostgres); err != nil {
		return err
	}
	if err := oneOf("history.backend", c.History.Backend, BackendMemory, BackendFile, BackendPostgres); err != nil {
		return err
	}
	if err := oneOf("records.backend", c.Records.Backend, BackendNone, BackendSQL, BackendHTTP); err != nil {
		return err
	}
	if err := oneOf("lock.backend", c.Lock.Backend, BackendLocal, BackendRedis); err != nil {
		return err
	}

	if (c.Rules.Backend == BackendPostgres || c.History.Backend == BackendPostgres) && c.Database.URL == "" {
		return fmt.Errorf("database.url is required for the postgres backend")
	}
	if c.Records.Backend == BackendSQL && c.Records.DSN == "" && c.Database.URL == "" {
		return fmt.Errorf("records.dsn or database.url is required for the sql record backend")
	}
	if c.Records.Backend == BackendHTTP && c.Records.HTTP.BaseURL == "" {
		return fmt.Errorf("records.http.baseURL is required for the http record backend")
	}
	if _, err := time.LoadLocation(c.Rules.Timezone); err != nil {
		return fmt.Errorf("invalid rules.timezone: %w", err)
	}
	if c.Scheduler.IntervalMinutes < 1 {
		return fmt.Errorf("scheduler.intervalMinutes must be at least 1, got %d", c.Scheduler.IntervalMinutes)
	}
	if c.Executor.BatchSize > records.MaxBatchSize {
		return fmt.Errorf("executor.batchSize %d exceeds the record store limit of %d", c.Executor.BatchSize, records.MaxBatchSize)
	}
	return nil
}

// RecordsDSN is the connection string for the SQL record store
func (c *Config) RecordsDSN() string {
	if c.Records.DSN != "" {
		return c.Records.DSN
	}
	return c.Database.URL
}
