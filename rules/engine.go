package rules

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/liamcoop/queuerules/queue"
	"github.com/liamcoop/queuerules/records"
)

// EngineConfig tunes an Engine
type EngineConfig struct {
	// Location interprets specific-date targets. Nil means UTC.
	Location *time.Location
	Cache    CacheConfig
}

// compiledConditions is a condition program together with the values it is evaluated against
type compiledConditions struct {
	signature string
	program   cel.Program
	args      []any
}

// Engine fronts a RuleStore with an enabled-rules cache and evaluates rules against records.
// Condition rules are compiled to CEL programs once per rule version and reused.
type Engine struct {
	env      *cel.Env
	store    RuleStore
	cache    RulesCache
	loc      *time.Location
	programs map[string]*compiledConditions // ruleID -> compiled conditions
	mu       sync.RWMutex
}

// NewEngine creates an engine over store with the default condition environment
func NewEngine(store RuleStore, cfg EngineConfig) (*Engine, error) {
	env, err := newConditionEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	return &Engine{
		env:      env,
		store:    store,
		cache:    NewInMemoryRulesCache(cfg.Cache),
		loc:      loc,
		programs: make(map[string]*compiledConditions),
	}, nil
}

// newConditionEnv declares the record under evaluation and the bound condition values.
// toDate accepts timestamps and the date layouts record stores commonly return.
func newConditionEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("args", cel.ListType(cel.DynType)),
		cel.Function("toDate",
			cel.Overload("to_date_dyn", []*cel.Type{cel.DynType}, cel.TimestampType,
				cel.UnaryBinding(toDate),
			),
		),
	)
}

func toDate(v ref.Val) ref.Val {
	switch val := v.(type) {
	case types.Timestamp:
		return val
	case types.String:
		t, err := parseDateValue(string(val))
		if err != nil {
			return types.NewErr("%v", err)
		}
		return types.Timestamp{Time: t}
	default:
		return types.NewErr("cannot convert %s to a date", v.Type().TypeName())
	}
}

func parseDateValue(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000-0700", "2006-01-02 15:04:05", DateLayout} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", v)
}

// Location returns the zone used for specific-date targets
func (en *Engine) Location() *time.Location {
	return en.loc
}

// Cache exposes the enabled-rules cache so file watchers can invalidate it
func (en *Engine) Cache() RulesCache {
	return en.cache
}

// Store returns the underlying rule store
func (en *Engine) Store() RuleStore {
	return en.store
}

// CompileConditions compiles a rule's conditions into a CEL program and caches it under ruleID.
// Values are bound through the args list; only validated field names reach the expression text.
func (en *Engine) CompileConditions(ruleID string, conds []Condition) error {
	compiled, err := en.compile(conds)
	if err != nil {
		return err
	}

	en.mu.Lock()
	en.programs[ruleID] = compiled
	en.mu.Unlock()

	return nil
}

func (en *Engine) compile(conds []Condition) (*compiledConditions, error) {
	if len(conds) == 0 {
		return nil, fmt.Errorf("condition rule has no conditions")
	}

	parts := make([]string, 0, len(conds))
	args := make([]any, 0, len(conds))
	for i, c := range conds {
		expr, arg, err := conditionExpr(c, i)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i+1, err)
		}
		parts = append(parts, expr)
		args = append(args, arg)
	}

	ast, issues := en.env.Compile(strings.Join(parts, " && "))
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	// Cost limit keeps pathological inputs from running away
	prog, err := en.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	return &compiledConditions{signature: conditionSignature(conds), program: prog, args: args}, nil
}

// conditionExpr renders one condition. A missing field fails the condition, except for notEquals.
func conditionExpr(c Condition, i int) (string, any, error) {
	if err := validateConditionField(c.Field); err != nil {
		return "", nil, err
	}
	typ := c.Type
	if typ == "" {
		typ = FieldString
	}

	field := strconv.Quote(c.Field)
	present := fmt.Sprintf("(%s in record)", field)
	arg := fmt.Sprintf("args[%d]", i)

	var (
		lhs   string
		value any
	)
	switch typ {
	case FieldString:
		lhs = fmt.Sprintf("string(record[%s])", field)
		value = c.Value
	case FieldNumber:
		n, err := strconv.ParseFloat(strings.TrimSpace(c.Value), 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return "", nil, fmt.Errorf("value %q is not a number", c.Value)
		}
		lhs = fmt.Sprintf("double(record[%s])", field)
		value = n
	case FieldBoolean:
		b, err := strconv.ParseBool(strings.TrimSpace(c.Value))
		if err != nil {
			return "", nil, fmt.Errorf("value %q is not a boolean", c.Value)
		}
		lhs = fmt.Sprintf("bool(record[%s])", field)
		value = b
	case FieldDate:
		t, err := parseDateValue(strings.TrimSpace(c.Value))
		if err != nil {
			return "", nil, err
		}
		lhs = fmt.Sprintf("toDate(record[%s])", field)
		value = t
	default:
		return "", nil, fmt.Errorf("unknown field type %q", c.Type)
	}

	switch c.Operator {
	case OpEquals:
		return fmt.Sprintf("(%s && %s == %s)", present, lhs, arg), value, nil
	case OpNotEquals:
		return fmt.Sprintf("(!%s || %s != %s)", present, lhs, arg), value, nil
	case OpContains:
		if typ != FieldString {
			return "", nil, fmt.Errorf("operator contains requires a string field")
		}
		return fmt.Sprintf("(%s && %s.contains(%s))", present, lhs, arg), value, nil
	case OpGreaterThan, OpLessThan:
		if typ == FieldBoolean {
			return "", nil, fmt.Errorf("operator %s cannot compare booleans", c.Operator)
		}
		op := ">"
		if c.Operator == OpLessThan {
			op = "<"
		}
		return fmt.Sprintf("(%s && %s %s %s)", present, lhs, op, arg), value, nil
	default:
		return "", nil, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

func conditionSignature(conds []Condition) string {
	var b strings.Builder
	for _, c := range conds {
		fmt.Fprintf(&b, "%s\x00%s\x00%s\x00%s\x01", c.Field, c.Operator, c.Value, c.Type)
	}
	return b.String()
}

// program returns the compiled conditions for rule, recompiling when the conditions changed
func (en *Engine) program(rule *Rule) (*compiledConditions, error) {
	sig := conditionSignature(rule.Conditions)

	en.mu.RLock()
	compiled, exists := en.programs[rule.ID]
	en.mu.RUnlock()
	if exists && compiled.signature == sig {
		return compiled, nil
	}

	compiled, err := en.compile(rule.Conditions)
	if err != nil {
		return nil, err
	}
	en.mu.Lock()
	en.programs[rule.ID] = compiled
	en.mu.Unlock()
	return compiled, nil
}

// EligibleStatus reports whether the record currently sits in the rule's source status
func EligibleStatus(rule *Rule, rec records.CandidateRecord) bool {
	return normalizeStatus(rec.CurrentStatus) == normalizeStatus(rule.FromStatus)
}

func normalizeStatus(s queue.Status) queue.Status {
	if parsed, err := queue.ParseStatus(string(s)); err == nil {
		return parsed
	}
	return s
}

// Matches decides whether rec satisfies rule at now. Status eligibility is checked separately.
// Evaluation errors are returned alongside a false result.
func (en *Engine) Matches(rule *Rule, rec records.CandidateRecord, now time.Time) (bool, error) {
	switch rule.Kind {
	case KindTimeBased, "":
		return en.matchesTime(rule, rec, now)
	case KindConditionBased:
		return en.matchesConditions(rule, rec)
	default:
		return false, fmt.Errorf("unknown rule kind %q", rule.Kind)
	}
}

func (en *Engine) matchesTime(rule *Rule, rec records.CandidateRecord, now time.Time) (bool, error) {
	switch rule.TimeMode {
	case TimeModeElapsedDays, "":
		if rec.LastStatusChangeAt == nil {
			return false, nil
		}
		return ElapsedDays(*rec.LastStatusChangeAt, now) >= rule.ElapsedDays, nil
	case TimeModeSpecificDateTime:
		target, err := en.Target(rule)
		if err != nil {
			return false, err
		}
		return !now.Before(target), nil
	default:
		return false, fmt.Errorf("unknown time mode %q", rule.TimeMode)
	}
}

// ElapsedDays counts whole days between since and now
func ElapsedDays(since, now time.Time) int {
	d := now.Sub(since)
	if d < 0 {
		return -1
	}
	return int(d / (24 * time.Hour))
}

// Target resolves a specific-date rule's trigger instant in the engine's location
func (en *Engine) Target(rule *Rule) (time.Time, error) {
	clock := rule.TargetTime
	if clock == "" {
		clock = "00:00"
	}
	t, err := time.ParseInLocation(DateLayout+" "+TimeLayout, rule.TargetDate+" "+clock, en.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid target %q %q: %w", rule.TargetDate, clock, err)
	}
	return t, nil
}

func (en *Engine) matchesConditions(rule *Rule, rec records.CandidateRecord) (bool, error) {
	if len(rule.Conditions) == 0 {
		return false, nil
	}
	compiled, err := en.program(rule)
	if err != nil {
		return false, err
	}

	fields := rec.AsMap()
	for k, v := range fields {
		if v == nil {
			delete(fields, k)
		}
	}

	out, _, err := compiled.program.Eval(map[string]any{
		"record": fields,
		"args":   compiled.args,
	})
	if err != nil {
		return false, err
	}

	matched, ok := out.Value().(bool)
	return ok && matched, nil
}

// IsDue reports whether the ticker should run rule at now.
// A specific-date rule is due once its target has passed and it has not run since.
func (en *Engine) IsDue(rule *Rule, now time.Time) bool {
	if rule.Kind != KindTimeBased || rule.TimeMode != TimeModeSpecificDateTime {
		return true
	}
	target, err := en.Target(rule)
	if err != nil {
		return false
	}
	if now.Before(target) {
		return false
	}
	return rule.LastExecutedAt == nil || rule.LastExecutedAt.Before(target)
}

// EvaluateAll evaluates rule against every record and keeps going past per-record errors.
// Records outside the rule's source status come back unmatched.
func (en *Engine) EvaluateAll(rule *Rule, recs []records.CandidateRecord, now time.Time) []*EvaluationResult {
	results := make([]*EvaluationResult, 0, len(recs))
	for _, rec := range recs {
		res := &EvaluationResult{RuleID: rule.ID, RuleName: rule.Name, RecordID: rec.ID}
		if EligibleStatus(rule, rec) {
			res.Matched, res.Error = en.Matches(rule, rec, now)
			if res.Error != nil {
				res.Matched = false
			}
		}
		results = append(results, res)
	}
	return results
}

// ListRules returns every rule in store order
func (en *Engine) ListRules(ctx context.Context) ([]*Rule, error) {
	return en.store.List(ctx)
}

// GetRule returns one rule
func (en *Engine) GetRule(ctx context.Context, id string) (*Rule, error) {
	return en.store.Get(ctx, id)
}

// EnabledRules returns enabled rules in store order, served from cache when possible.
// The listing may lag writes made by other processes until the cache expires.
func (en *Engine) EnabledRules(ctx context.Context) ([]*Rule, error) {
	if rules := en.cache.Get(); rules != nil {
		return rules, nil
	}
	return en.LoadEnabledRules(ctx)
}

// LoadEnabledRules reads enabled rules straight from the store and refreshes the cache.
// Runs use it, since the store may be shared with other processes.
func (en *Engine) LoadEnabledRules(ctx context.Context) ([]*Rule, error) {
	rules, err := ListEnabled(ctx, en.store)
	if err != nil {
		return nil, err
	}
	en.cache.Set(rules)
	return rules, nil
}

// CreateRule validates and persists a draft. Condition rules must compile before they are stored.
func (en *Engine) CreateRule(ctx context.Context, draft *Rule) (*Rule, error) {
	candidate := draft.Clone()
	applyDefaults(candidate)
	if err := ValidateRule(candidate); err != nil {
		return nil, err
	}
	if candidate.Kind == KindConditionBased {
		if _, err := en.compile(candidate.Conditions); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	}

	rule, err := en.store.Create(ctx, candidate)
	if err != nil {
		return nil, err
	}
	en.cache.Invalidate()
	return rule, nil
}

// UpdateRule validates the merged result before writing the patch
func (en *Engine) UpdateRule(ctx context.Context, id string, patch Patch) (*Rule, error) {
	existing, err := en.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	merged := existing.Clone()
	patch.Apply(merged)
	if err := ValidateRule(merged); err != nil {
		return nil, err
	}
	if merged.Kind == KindConditionBased {
		if _, err := en.compile(merged.Conditions); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	}
	// Validation canonicalizes statuses; write the canonical values
	patch.FromStatus = &merged.FromStatus
	patch.ToStatus = &merged.ToStatus

	rule, err := en.store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	en.forget(id)
	en.cache.Invalidate()
	return rule, nil
}

// RecordExecution stamps a rule after a run moved at least one record
func (en *Engine) RecordExecution(ctx context.Context, id string, at time.Time, count int) error {
	_, err := en.store.Update(ctx, id, Patch{LastExecutedAt: &at, LastExecutionCount: &count})
	if err != nil {
		return err
	}
	en.cache.Invalidate()
	return nil
}

// DeleteRule removes a rule and its compiled program
func (en *Engine) DeleteRule(ctx context.Context, id string) (bool, error) {
	deleted, err := en.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	en.forget(id)
	en.cache.Invalidate()
	return deleted, nil
}

func (en *Engine) forget(id string) {
	en.mu.Lock()
	delete(en.programs, id)
	en.mu.Unlock()
}
