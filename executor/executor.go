// Package executor runs rules end to end: it queries candidates, evaluates them, validates the
// proposed transitions, applies them in bounded batches and records one history entry per run.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/liamcoop/queuerules/filter"
	"github.com/liamcoop/queuerules/history"
	"github.com/liamcoop/queuerules/queue"
	"github.com/liamcoop/queuerules/records"
	"github.com/liamcoop/queuerules/rules"
)

var (
	// ErrTimeout is returned when a run exceeds its wall-clock budget
	ErrTimeout = errors.New("execution timed out")

	// ErrNotConfigured is returned when the record store is missing or unreachable
	ErrNotConfigured = errors.New("record store is not configured")
)

// Config tunes a run
type Config struct {
	// BatchSize is the number of updates sent per bulk call, at most records.MaxBatchSize
	BatchSize int `mapstructure:"batchSize"`

	// MaxPagesPerRule caps how many candidate pages one rule may read per run
	MaxPagesPerRule int `mapstructure:"maxPagesPerRule"`

	// RunTimeout is the soft wall-clock budget, checked between steps
	RunTimeout time.Duration `mapstructure:"runTimeout"`

	Fields filter.FieldMap `mapstructure:"fields"`
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:       records.MaxBatchSize,
		MaxPagesPerRule: 50,
		RunTimeout:      5 * time.Minute,
		Fields:          filter.DefaultFieldMap(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 || c.BatchSize > records.MaxBatchSize {
		c.BatchSize = d.BatchSize
	}
	if c.MaxPagesPerRule <= 0 {
		c.MaxPagesPerRule = d.MaxPagesPerRule
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = d.RunTimeout
	}
	if c.Fields == (filter.FieldMap{}) {
		c.Fields = d.Fields
	}
	return c
}

// Request selects what a run executes
type Request struct {
	// RuleIDs restricts the run to these enabled rules, in this order. Empty means every enabled rule.
	RuleIDs     []string        `json:"ruleIds,omitempty"`
	TriggeredBy history.Trigger `json:"triggeredBy,omitempty"`
	User        string          `json:"user,omitempty"`
}

// Proposal is one transition a rule wants to apply
type Proposal struct {
	RecordID   string       `json:"recordId"`
	RecordName string       `json:"recordName"`
	From       queue.Status `json:"from"`
	To         queue.Status `json:"to"`
	RuleID     string       `json:"ruleId"`
}

// Summary reports the outcome of one run
type Summary struct {
	ExecutionID      string                  `json:"executionId"`
	Success          bool                    `json:"success"`
	TriggeredBy      history.Trigger         `json:"triggeredBy"`
	RulesExecuted    int                     `json:"rulesExecuted"`
	RulesProcessed   int                     `json:"rulesProcessed"`
	RulesUpdated     int                     `json:"rulesUpdated"`
	Failed           int                     `json:"failed"`
	Rules            []history.RuleResult    `json:"rules"`
	Errors           []string                `json:"errors"`
	ValidationErrors []queue.ValidationError `json:"validationErrors,omitempty"`
	TimedOut         bool                    `json:"timedOut"`
	DurationMs       int64                   `json:"durationMs"`
}

// Deps are the collaborators of an Executor
type Deps struct {
	Engine  *rules.Engine
	Records records.RecordStore
	History history.Store
	// Locker defaults to a LocalLocker
	Locker  Locker
	Metrics *Metrics
	Logger  *slog.Logger
}

// Executor applies rules to the record store
type Executor struct {
	engine  *rules.Engine
	records records.RecordStore
	history history.Store
	locker  Locker
	metrics *Metrics
	log     *slog.Logger
	cfg     Config
	now     func() time.Time
}

// New creates an Executor
func New(deps Deps, cfg Config) (*Executor, error) {
	if deps.Engine == nil {
		return nil, errors.New("executor requires a rules engine")
	}
	if deps.History == nil {
		return nil, errors.New("executor requires a history store")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Fields.Validate(); err != nil {
		return nil, fmt.Errorf("invalid field map: %w", err)
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Executor{
		engine:  deps.Engine,
		records: deps.Records,
		history: deps.History,
		locker:  deps.Locker,
		metrics: deps.Metrics,
		log:     deps.Logger,
		cfg:     cfg,
		now:     time.Now,
	}, nil
}

// Config returns the effective configuration
func (e *Executor) Config() Config {
	return e.cfg
}

// run carries the state of one invocation
type run struct {
	summary  *Summary
	results  map[string]*history.RuleResult
	deadline time.Time
	now      time.Time
}

func (r *run) fail(msg string) {
	r.summary.Errors = append(r.summary.Errors, msg)
}

// Execute performs one run. The returned summary is nil only when the run lock is busy.
// A run that times out, panics or cannot reach the record store still writes its history entry
// and returns the summary together with the error.
//
// Once the lock is held the run ignores cancellation of ctx, so a batch already sent is never
// abandoned. RunTimeout is the only budget.
func (e *Executor) Execute(ctx context.Context, req Request) (summary *Summary, err error) {
	if req.TriggeredBy == "" {
		req.TriggeredBy = history.TriggerManual
	}

	release, err := e.locker.TryLock(ctx)
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			e.metrics.busy(string(req.TriggeredBy))
		}
		return nil, err
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	start := e.now()
	r := &run{
		summary: &Summary{
			ExecutionID: history.NewID(start),
			TriggeredBy: req.TriggeredBy,
			Rules:       []history.RuleResult{},
			Errors:      []string{},
		},
		results:  make(map[string]*history.RuleResult),
		deadline: start.Add(e.cfg.RunTimeout),
		now:      start,
	}
	log := e.log.With("execution_id", r.summary.ExecutionID, "triggered_by", req.TriggeredBy)
	log.Info("execution started", "rule_ids", req.RuleIDs)

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("unexpected error during execution: %v", rec)
			log.Error("execution panicked", "panic", rec, "stack", string(debug.Stack()))
			r.fail(err.Error())
		}
		e.finish(ctx, r, req, start, err, log)
		summary = r.summary
	}()

	err = e.execute(ctx, r, req, log)
	return r.summary, err
}

func (e *Executor) execute(ctx context.Context, r *run, req Request, log *slog.Logger) error {
	if err := e.checkConfigured(ctx); err != nil {
		r.fail(err.Error())
		return err
	}

	selected, err := e.resolveRules(ctx, r, req)
	if err != nil {
		r.fail(err.Error())
		return err
	}
	r.summary.RulesExecuted = len(selected)
	if len(selected) == 0 {
		log.Info("no rules to execute")
		return nil
	}

	var proposals []Proposal
	claimed := make(map[string]bool)
	for _, rule := range selected {
		if err := e.checkpoint(r); err != nil {
			return err
		}
		for _, p := range e.collect(ctx, r, rule, log) {
			// The first rule to claim a record wins
			if claimed[p.RecordID] {
				continue
			}
			claimed[p.RecordID] = true
			r.results[rule.ID].Processed++
			proposals = append(proposals, p)
		}
	}
	r.summary.RulesProcessed = len(proposals)

	if err := e.checkpoint(r); err != nil {
		return err
	}
	if len(proposals) == 0 {
		return nil
	}

	if v := validate(proposals); !v.Valid {
		r.summary.ValidationErrors = v.Errors
		for _, ve := range v.Errors {
			r.fail(fmt.Sprintf("%s: %s", ve.ID, ve.Message))
		}
		log.Warn("execution aborted by invalid transitions", "violations", len(v.Errors))
		return nil
	}

	return e.apply(ctx, r, proposals, log)
}

func (e *Executor) checkConfigured(ctx context.Context) error {
	if e.records == nil {
		return ErrNotConfigured
	}
	if p, ok := e.records.(records.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrNotConfigured, err)
		}
	}
	return nil
}

// resolveRules returns the enabled rules to run, in request order when ids are given
func (e *Executor) resolveRules(ctx context.Context, r *run, req Request) ([]*rules.Rule, error) {
	enabled, err := e.engine.LoadEnabledRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	var selected []*rules.Rule
	if len(req.RuleIDs) == 0 {
		selected = enabled
	} else {
		byID := make(map[string]*rules.Rule, len(enabled))
		for _, rule := range enabled {
			byID[rule.ID] = rule
		}
		seen := make(map[string]bool, len(req.RuleIDs))
		for _, id := range req.RuleIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			rule, ok := byID[id]
			if !ok {
				r.fail(fmt.Sprintf("rule %s: not found or disabled", id))
				continue
			}
			selected = append(selected, rule)
		}
	}

	for _, rule := range selected {
		r.summary.Rules = append(r.summary.Rules, history.RuleResult{RuleID: rule.ID, RuleName: rule.Name, Errors: []string{}})
	}
	for i := range r.summary.Rules {
		r.results[r.summary.Rules[i].RuleID] = &r.summary.Rules[i]
	}
	return selected, nil
}

// collect compiles one rule's filter and gathers its proposals into the run.
// A query failure skips the rule: proposals gathered from earlier pages are discarded.
func (e *Executor) collect(ctx context.Context, r *run, rule *rules.Rule, log *slog.Logger) []Proposal {
	result := r.results[rule.ID]
	log = log.With("rule_id", rule.ID, "rule_name", rule.Name)

	pred, err := rule.Predicate(e.cfg.Fields)
	if err != nil {
		msg := fmt.Sprintf("rule %s: failed to compile filter: %v", rule.Name, err)
		result.Errors = append(result.Errors, msg)
		r.fail(msg)
		log.Error("failed to compile filter", "error", err)
		return nil
	}

	c, err := e.candidates(ctx, rule, pred, r.now, log)
	result.Errors = append(result.Errors, c.notes...)
	if err != nil {
		msg := fmt.Sprintf("rule %s: %v", rule.Name, err)
		result.Errors = append(result.Errors, msg)
		r.fail(msg)
		log.Error("failed to query records", "error", err)
		return nil
	}
	log.Debug("rule evaluated", "proposals", len(c.proposals))
	return c.proposals
}

// candidateSet is what one rule proposes. notes hold non-fatal per-record problems.
type candidateSet struct {
	proposals []Proposal
	notes     []string
	truncated bool
}

// candidates pages through the records matching pred and evaluates each against rule
func (e *Executor) candidates(ctx context.Context, rule *rules.Rule, pred filter.Predicate, now time.Time, log *slog.Logger) (*candidateSet, error) {
	c := &candidateSet{}
	if pred.MatchesNothing() {
		log.Debug("rule scope selects no records")
		return c, nil
	}

	cursor := ""
	for pages := 0; ; pages++ {
		if pages == e.cfg.MaxPagesPerRule {
			c.truncated = true
			c.notes = append(c.notes, fmt.Sprintf("rule %s: stopped after %d pages, remaining candidates deferred to the next run", rule.Name, pages))
			log.Warn("page limit reached", "pages", pages)
			break
		}

		page, err := e.records.Query(ctx, pred, cursor)
		if err != nil {
			return c, fmt.Errorf("failed to query records: %w", err)
		}

		for _, rec := range page.Records {
			if !rules.EligibleStatus(rule, rec) {
				continue
			}
			matched, err := e.engine.Matches(rule, rec, now)
			if err != nil {
				c.notes = append(c.notes, fmt.Sprintf("%s: evaluation failed: %v", rec.ID, err))
				log.Warn("failed to evaluate record", "record_id", rec.ID, "error", err)
				continue
			}
			if matched {
				c.proposals = append(c.proposals, Proposal{
					RecordID:   rec.ID,
					RecordName: rec.Name,
					From:       canonical(rec.CurrentStatus),
					To:         rule.ToStatus,
					RuleID:     rule.ID,
				})
			}
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return c, nil
}

func canonical(s queue.Status) queue.Status {
	if parsed, err := queue.ParseStatus(string(s)); err == nil {
		return parsed
	}
	return s
}

func validate(proposals []Proposal) queue.ValidationResult {
	batch := make([]queue.Transition, len(proposals))
	for i, p := range proposals {
		batch[i] = queue.Transition{ID: p.RecordID, From: p.From, To: p.To}
	}
	return queue.ValidateBatch(batch)
}

// apply sends proposals in ascending batches. A failed batch does not undo earlier ones.
func (e *Executor) apply(ctx context.Context, r *run, proposals []Proposal, log *slog.Logger) error {
	total := (len(proposals) + e.cfg.BatchSize - 1) / e.cfg.BatchSize
	for n := 0; n < total; n++ {
		if err := e.checkpoint(r); err != nil {
			return err
		}

		lo := n * e.cfg.BatchSize
		hi := min(lo+e.cfg.BatchSize, len(proposals))
		batch := proposals[lo:hi]

		updates := make([]records.StatusUpdate, len(batch))
		for i, p := range batch {
			updates[i] = records.StatusUpdate{ID: p.RecordID, Status: p.To}
		}

		results, err := e.records.UpdateStatuses(ctx, updates)
		if err != nil {
			r.fail(fmt.Sprintf("batch %d of %d failed: %v", n+1, total, err))
			r.summary.Failed += len(batch)
			for _, p := range batch {
				rr := r.results[p.RuleID]
				rr.Errors = append(rr.Errors, fmt.Sprintf("%s: %v", p.RecordID, err))
			}
			log.Error("batch update failed", "batch", n+1, "batches", total, "size", len(batch), "error", err)
			continue
		}

		byID := make(map[string]records.UpdateResult, len(results))
		for _, res := range results {
			byID[res.ID] = res
		}
		for _, p := range batch {
			rr := r.results[p.RuleID]
			res, ok := byID[p.RecordID]
			switch {
			case !ok:
				msg := fmt.Sprintf("%s: no result returned by record store", p.RecordID)
				rr.Errors = append(rr.Errors, msg)
				r.fail(msg)
				r.summary.Failed++
			case !res.Success:
				msg := fmt.Sprintf("%s: %s", p.RecordID, res.Error)
				rr.Errors = append(rr.Errors, msg)
				r.fail(msg)
				r.summary.Failed++
			default:
				rr.Updated++
				r.summary.RulesUpdated++
			}
		}
	}
	return nil
}

// checkpoint enforces the soft budget between steps
func (e *Executor) checkpoint(r *run) error {
	if e.now().After(r.deadline) {
		r.summary.TimedOut = true
		err := fmt.Errorf("%w after %s", ErrTimeout, e.cfg.RunTimeout)
		r.fail(err.Error())
		return err
	}
	return nil
}

// finish stamps rules, writes the history entry and records metrics
func (e *Executor) finish(ctx context.Context, r *run, req Request, start time.Time, runErr error, log *slog.Logger) {
	s := r.summary

	for i := range s.Rules {
		rr := &s.Rules[i]
		if rr.Updated == 0 {
			continue
		}
		if err := e.engine.RecordExecution(ctx, rr.RuleID, start, rr.Updated); err != nil {
			msg := fmt.Sprintf("rule %s: failed to record execution: %v", rr.RuleName, err)
			s.Errors = append(s.Errors, msg)
			log.Error("failed to stamp rule", "rule_id", rr.RuleID, "error", err)
		}
	}

	s.DurationMs = e.now().Sub(start).Milliseconds()
	s.Success = runErr == nil && len(s.Errors) == 0 && len(s.ValidationErrors) == 0

	entry := &history.Entry{
		ID:              s.ExecutionID,
		ExecutionTime:   start,
		DurationMs:      s.DurationMs,
		TriggeredBy:     s.TriggeredBy,
		TriggeredByUser: req.User,
		RulesExecuted:   s.RulesExecuted,
		RulesProcessed:  s.RulesProcessed,
		RulesUpdated:    s.RulesUpdated,
		ExecutedRules:   s.Rules,
		Errors:          s.Errors,
		TimedOut:        s.TimedOut,
	}
	if err := e.history.Append(ctx, entry); err != nil {
		log.Error("failed to write execution history", "error", err)
	}

	outcome := outcomeOf(s, runErr)
	e.metrics.observe(s, outcome)
	log.Info("execution finished",
		"outcome", outcome,
		"rules_executed", s.RulesExecuted,
		"rules_processed", s.RulesProcessed,
		"rules_updated", s.RulesUpdated,
		"failed", s.Failed,
		"errors", len(s.Errors),
		"duration_ms", s.DurationMs,
	)
}

func outcomeOf(s *Summary, runErr error) string {
	switch {
	case s.TimedOut:
		return OutcomeTimeout
	case runErr != nil:
		return OutcomeFailed
	case len(s.ValidationErrors) > 0:
		return OutcomeAborted
	case !s.Success:
		return OutcomePartial
	default:
		return OutcomeSuccess
	}
}
