// Package scheduler runs the executor unattended on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liamcoop/queuerules/executor"
	"github.com/liamcoop/queuerules/history"
	"github.com/liamcoop/queuerules/rules"
	"github.com/robfig/cron/v3"
)

// ErrCheckInProgress is returned by CheckNow while a previous check is still executing
var ErrCheckInProgress = errors.New("a scheduled check is already executing")

// DefaultIntervalMinutes is used when the configured interval is not positive
const DefaultIntervalMinutes = 60

// Runner executes a run. *executor.Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, req executor.Request) (*executor.Summary, error)
}

// RuleSource loads enabled rules and decides which are due. *rules.Engine satisfies it.
type RuleSource interface {
	LoadEnabledRules(ctx context.Context) ([]*rules.Rule, error)
	IsDue(rule *rules.Rule, now time.Time) bool
}

// Config tunes the ticker
type Config struct {
	// RetentionDays prunes history older than this on every check. Zero disables pruning.
	RetentionDays int `mapstructure:"retentionDays"`

	// CheckTimeout bounds pruning and rule loading in one check. Zero means no bound.
	// The run a check triggers is bounded by the executor's RunTimeout instead.
	CheckTimeout time.Duration `mapstructure:"checkTimeout"`
}

// State is a snapshot of the ticker
type State struct {
	Running         bool       `json:"running"`
	IsExecuting     bool       `json:"isExecuting"`
	IntervalMinutes int        `json:"intervalMinutes"`
	LastCheckAt     *time.Time `json:"lastCheckAt,omitempty"`
	NextCheckAt     *time.Time `json:"nextCheckAt,omitempty"`
}

// Ticker periodically passes due rules to a Runner. Overlapping ticks are skipped, never queued.
type Ticker struct {
	runner  Runner
	rules   RuleSource
	history history.Store
	cfg     Config
	log     *slog.Logger
	now     func() time.Time

	executing atomic.Bool

	mu        sync.Mutex
	cron      *cron.Cron
	entry     cron.EntryID
	interval  time.Duration
	lastCheck time.Time
}

// New creates a stopped ticker. hist may be nil when pruning is disabled.
func New(runner Runner, source RuleSource, hist history.Store, cfg Config, log *slog.Logger) *Ticker {
	if log == nil {
		log = slog.Default()
	}
	return &Ticker{
		runner:  runner,
		rules:   source,
		history: hist,
		cfg:     cfg,
		log:     log.With("component", "scheduler"),
		now:     time.Now,
	}
}

// Start runs one check immediately and then every intervalMinutes
func (t *Ticker) Start(intervalMinutes int) error {
	if intervalMinutes < 1 {
		return fmt.Errorf("interval must be at least 1 minute, got %d", intervalMinutes)
	}
	return t.StartEvery(time.Duration(intervalMinutes) * time.Minute)
}

// StartEvery is Start with an arbitrary interval. A running ticker is restarted with the new interval.
func (t *Ticker) StartEvery(d time.Duration) error {
	if d < time.Second {
		return fmt.Errorf("interval must be at least 1s, got %s", d)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cron != nil {
		t.cron.Stop()
	}

	c := cron.New(cron.WithLogger(cronLogger{t.log}), cron.WithChain(cron.Recover(cronLogger{t.log})))
	t.entry = c.Schedule(cron.Every(d), cron.FuncJob(t.tick))
	c.Start()
	t.cron = c
	t.interval = d

	t.log.Info("scheduler started", "interval", d.String())
	go t.tick()
	return nil
}

// Stop cancels future ticks. A check already executing is allowed to finish.
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cron == nil {
		return
	}
	t.cron.Stop()
	t.cron = nil
	t.log.Info("scheduler stopped")
}

// Status returns a snapshot of the ticker
func (t *Ticker) Status() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := State{
		Running:         t.cron != nil,
		IsExecuting:     t.executing.Load(),
		IntervalMinutes: int(t.interval / time.Minute),
	}
	if !t.lastCheck.IsZero() {
		last := t.lastCheck
		s.LastCheckAt = &last
	}
	if t.cron != nil {
		if next := t.cron.Entry(t.entry).Next; !next.IsZero() {
			s.NextCheckAt = &next
		}
	}
	return s
}

func (t *Ticker) tick() {
	ctx := context.Background()
	if t.cfg.CheckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.CheckTimeout)
		defer cancel()
	}

	if _, err := t.CheckNow(ctx); err != nil {
		switch {
		case errors.Is(err, ErrCheckInProgress):
			t.log.Debug("skipping tick, previous check still executing")
		case errors.Is(err, executor.ErrRunInProgress):
			t.log.Info("skipping tick, another execution holds the run lock")
		default:
			t.log.Error("scheduled check failed", "error", err)
		}
	}
}

// CheckNow runs one check: prune history, pick due rules and execute them.
// It returns a nil summary when no rule is due.
func (t *Ticker) CheckNow(ctx context.Context) (*executor.Summary, error) {
	if !t.executing.CompareAndSwap(false, true) {
		return nil, ErrCheckInProgress
	}
	defer t.executing.Store(false)

	now := t.now()
	t.mu.Lock()
	t.lastCheck = now
	t.mu.Unlock()

	t.prune(ctx)

	enabled, err := t.rules.LoadEnabledRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	var due []string
	for _, r := range enabled {
		if t.rules.IsDue(r, now) {
			due = append(due, r.ID)
		}
	}
	if len(due) == 0 {
		t.log.Debug("no rules due", "enabled", len(enabled))
		return nil, nil
	}

	t.log.Info("executing due rules", "due", len(due), "enabled", len(enabled))
	return t.runner.Execute(ctx, executor.Request{RuleIDs: due, TriggeredBy: history.TriggerScheduler})
}

func (t *Ticker) prune(ctx context.Context) {
	if t.cfg.RetentionDays <= 0 || t.history == nil {
		return
	}
	removed, err := t.history.Prune(ctx, t.cfg.RetentionDays)
	if err != nil {
		t.log.Error("failed to prune execution history", "error", err)
		return
	}
	if removed > 0 {
		t.log.Info("pruned execution history", "removed", removed, "retention_days", t.cfg.RetentionDays)
	}
}

// cronLogger routes cron's logr-style calls to slog
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
