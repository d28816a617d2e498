// Package app assembles the engine, stores, executor and ticker from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/liamcoop/queuerules/executor"
	"github.com/liamcoop/queuerules/history"
	"github.com/liamcoop/queuerules/internal/config"
	"github.com/liamcoop/queuerules/internal/logger"
	"github.com/liamcoop/queuerules/records"
	"github.com/liamcoop/queuerules/rules"
	"github.com/liamcoop/queuerules/scheduler"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
)

// App holds every long-lived component of the service
type App struct {
	Config   *config.Config
	Engine   *rules.Engine
	Records  records.RecordStore
	History  history.Store
	Executor *executor.Executor
	Ticker   *scheduler.Ticker
	Registry *prometheus.Registry
	Log      *slog.Logger

	// RulesFile is the watched rules file, empty unless the file backend is in use
	RulesFile string

	db      *sql.DB
	closers []func() error
}

// Options overrides pieces of the assembly, mostly for tests
type Options struct {
	// Fs backs the file stores. Nil means the OS filesystem.
	Fs     afero.Fs
	Logger *slog.Logger
	// Records replaces the configured record store
	Records records.RecordStore
}

// Build wires the service from cfg. Close releases what it opened.
func Build(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	a := &App{Config: cfg, Log: opts.Logger, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	registerLogCounters(a.Registry)

	ruleStore, err := a.ruleStore(ctx, opts.Fs)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(cfg.Rules.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid rules timezone: %w", err)
	}
	a.Engine, err = rules.NewEngine(ruleStore, rules.EngineConfig{
		Location: loc,
		Cache:    rules.CacheConfig{TTL: cfg.Rules.CacheTTL},
	})
	if err != nil {
		return nil, err
	}

	if a.History, err = a.historyStore(ctx, opts.Fs); err != nil {
		return nil, err
	}

	if opts.Records != nil {
		a.Records = opts.Records
	} else if a.Records, err = a.recordStore(ctx); err != nil {
		return nil, err
	}

	locker, err := a.locker(ctx)
	if err != nil {
		return nil, err
	}

	metrics, err := executor.NewMetrics(a.Registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register executor metrics: %w", err)
	}

	a.Executor, err = executor.New(executor.Deps{
		Engine:  a.Engine,
		Records: a.Records,
		History: a.History,
		Locker:  locker,
		Metrics: metrics,
		Logger:  opts.Logger.With("component", "executor"),
	}, cfg.Executor)
	if err != nil {
		return nil, err
	}

	a.Ticker = scheduler.New(a.Executor, a.Engine, a.History, cfg.Scheduler.Config, opts.Logger)
	return a, nil
}

// database opens the shared PostgreSQL connection on first use
func (a *App) database(ctx context.Context) (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := openDB(ctx, "postgres", a.Config.Database.URL, a.Config.Database)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	return db, nil
}

func openDB(ctx context.Context, driver, dsn string, pool config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func (a *App) ruleStore(ctx context.Context, fs afero.Fs) (rules.RuleStore, error) {
	switch a.Config.Rules.Backend {
	case config.BackendFile:
		a.RulesFile = a.Config.Rules.File
		return rules.NewFileRuleStore(fs, a.Config.Rules.File), nil
	case config.BackendPostgres:
		db, err := a.database(ctx)
		if err != nil {
			return nil, err
		}
		return rules.NewPostgresRuleStore(db), nil
	default:
		return rules.NewSeededInMemoryRuleStore(), nil
	}
}

func (a *App) historyStore(ctx context.Context, fs afero.Fs) (history.Store, error) {
	switch a.Config.History.Backend {
	case config.BackendFile:
		return history.NewFileStore(fs, a.Config.History.File, a.Config.History.Cap), nil
	case config.BackendPostgres:
		db, err := a.database(ctx)
		if err != nil {
			return nil, err
		}
		return history.NewPostgresStore(db, a.Config.History.Cap), nil
	default:
		return history.NewInMemoryStore(a.Config.History.Cap), nil
	}
}

// recordStore returns nil for the none backend; runs then fail with a configuration error
func (a *App) recordStore(ctx context.Context) (records.RecordStore, error) {
	rc := a.Config.Records
	switch rc.Backend {
	case config.BackendSQL:
		db, err := openDB(ctx, rc.Driver, a.Config.RecordsDSN(), a.Config.Database)
		if err != nil {
			return nil, fmt.Errorf("record store: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		return records.NewSQLStore(db, rc.Driver, rc.SQL)
	case config.BackendHTTP:
		return records.NewHTTPStore(rc.HTTP)
	default:
		a.Log.Warn("no record store configured, executions will fail until one is set")
		return nil, nil
	}
}

func (a *App) locker(ctx context.Context) (executor.Locker, error) {
	lc := a.Config.Lock
	if lc.Backend != config.BackendRedis {
		return executor.NewLocalLocker(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     lc.RedisAddr,
		Password: lc.RedisPassword,
		DB:       lc.RedisDB,
	})
	a.closers = append(a.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := lc.TTL
	if floor := a.Config.Executor.RunTimeout + time.Minute; ttl < floor {
		ttl = floor
	}
	return executor.NewRedisLocker(client, lc.Key, ttl, a.Log), nil
}

// Close releases connections in reverse order of acquisition
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Ping checks the backing database, if any
func (a *App) Ping(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.PingContext(ctx)
}

// registerLogCounters exposes the logger's counters, which count sampled-out records too
func registerLogCounters(reg prometheus.Registerer) {
	for name, c := range map[string]interface{ Load() int64 }{
		"log_errors_total":         &logger.TotalErrors,
		"log_warnings_total":       &logger.TotalWarnings,
		"http_5xx_responses_total": &logger.Total5xxErrors,
		"http_4xx_responses_total": &logger.Total4xxErrors,
		"http_404_responses_total": &logger.Total404Errors,
		"http_409_responses_total": &logger.Total409Errors,
	} {
		c := c
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "queuerules",
			Name:      name,
			Help:      "Logger counter " + name,
		}, func() float64 { return float64(c.Load()) }))
	}
}
