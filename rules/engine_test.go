package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/liamcoop/queuerules/queue"
	"github.com/liamcoop/queuerules/records"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(NewInMemoryRuleStore(), EngineConfig{})
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return engine
}

func daysAgo(now time.Time, d float64) *time.Time {
	t := now.Add(-time.Duration(d * float64(24*time.Hour)))
	return &t
}

func TestMatchesElapsedDays(t *testing.T) {
	engine := newTestEngine(t)
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	rule := &Rule{Kind: KindTimeBased, TimeMode: TimeModeElapsedDays, ElapsedDays: 7, FromStatus: queue.Calibration}

	tests := []struct {
		name    string
		changed *time.Time
		want    bool
	}{
		{"eight days", daysAgo(now, 8), true},
		{"exactly seven days", daysAgo(now, 7), true},
		{"six days", daysAgo(now, 6), false},
		{"one second short of seven days", ptr(now.Add(-7*24*time.Hour + time.Second)), false},
		{"unknown change time", nil, false},
		{"change time in the future", ptr(now.Add(time.Hour)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := records.CandidateRecord{ID: "r", CurrentStatus: queue.Calibration, LastStatusChangeAt: tt.changed}
			got, err := engine.Matches(rule, rec, now)
			if err != nil {
				t.Fatalf("Matches() failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchesSpecificDateUsesLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	engine, err := NewEngine(NewInMemoryRuleStore(), EngineConfig{Location: loc})
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}

	rule := &Rule{Kind: KindTimeBased, TimeMode: TimeModeSpecificDateTime, TargetDate: "2026-11-01", TargetTime: "09:30"}
	target := time.Date(2026, 11, 1, 9, 30, 0, 0, loc)
	rec := records.CandidateRecord{ID: "r"}

	before, err := engine.Matches(rule, rec, target.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Matches() failed: %v", err)
	}
	if before {
		t.Error("Matches() before the target = true, want false")
	}

	at, _ := engine.Matches(rule, rec, target)
	if !at {
		t.Error("Matches() at the target = false, want true")
	}

	// 09:30 UTC is still before 09:30 in New York
	utc, _ := engine.Matches(rule, rec, time.Date(2026, 11, 1, 9, 30, 0, 0, time.UTC))
	if utc {
		t.Error("Matches() should interpret the target in the configured location")
	}
}

func TestMatchesSpecificDateInvalidTarget(t *testing.T) {
	engine := newTestEngine(t)
	rule := &Rule{Kind: KindTimeBased, TimeMode: TimeModeSpecificDateTime, TargetDate: "next tuesday"}

	matched, err := engine.Matches(rule, records.CandidateRecord{}, time.Now())
	if err == nil {
		t.Error("Matches() with an unparseable target should fail")
	}
	if matched {
		t.Error("Matches() with an unparseable target should not match")
	}
}

func TestIsDue(t *testing.T) {
	engine := newTestEngine(t)
	target := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	dated := func(last *time.Time) *Rule {
		return &Rule{Kind: KindTimeBased, TimeMode: TimeModeSpecificDateTime, TargetDate: "2026-11-01", TargetTime: "00:00", LastExecutedAt: last}
	}

	tests := []struct {
		name string
		rule *Rule
		now  time.Time
		want bool
	}{
		{"elapsed rules are always due", &Rule{Kind: KindTimeBased, TimeMode: TimeModeElapsedDays, ElapsedDays: 3}, target, true},
		{"condition rules are always due", &Rule{Kind: KindConditionBased}, target, true},
		{"before target", dated(nil), target.Add(-time.Second), false},
		{"at target never run", dated(nil), target, true},
		{"ran before target", dated(ptr(target.Add(-time.Hour))), target.Add(time.Hour), true},
		{"already ran after target", dated(ptr(target.Add(time.Minute))), target.Add(time.Hour), false},
		{"invalid target", &Rule{Kind: KindTimeBased, TimeMode: TimeModeSpecificDateTime, TargetDate: "bad"}, target, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := engine.IsDue(tt.rule, tt.now); got != tt.want {
				t.Errorf("IsDue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEligibleStatus(t *testing.T) {
	tests := []struct {
		from    queue.Status
		current queue.Status
		want    bool
	}{
		{queue.Calibration, queue.Calibration, true},
		{queue.Calibration, queue.Production, false},
		{queue.None, queue.Status(""), true},
		{queue.None, queue.Status(queue.UnsetMarker), true},
		{queue.Status("calibration"), queue.Calibration, true},
		{queue.Test, queue.None, false},
	}
	for _, tt := range tests {
		rule := &Rule{FromStatus: tt.from}
		rec := records.CandidateRecord{CurrentStatus: tt.current}
		if got := EligibleStatus(rule, rec); got != tt.want {
			t.Errorf("EligibleStatus(%q, %q) = %v, want %v", tt.from, tt.current, got, tt.want)
		}
	}
}

func conditionRule(id string, conds ...Condition) *Rule {
	return &Rule{ID: id, Name: id, Kind: KindConditionBased, FromStatus: queue.Production, ToStatus: queue.Test, Conditions: conds}
}

func TestMatchesConditions(t *testing.T) {
	engine := newTestEngine(t)
	changed := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	rec := records.CandidateRecord{
		ID:                 "r1",
		Name:               "Alpha Project",
		CurrentStatus:      queue.Production,
		ProjectID:          "p1",
		LastStatusChangeAt: &changed,
		Fields: map[string]any{
			"priority": int64(5),
			"score":    "7.5",
			"flagged":  true,
			"due_on":   "2026-10-01",
			"owner":    nil,
		},
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"string equals", Condition{Field: "projectId", Operator: OpEquals, Value: "p1"}, true},
		{"string equals is exact", Condition{Field: "name", Operator: OpEquals, Value: "alpha project"}, false},
		{"string contains", Condition{Field: "name", Operator: OpContains, Value: "Proj"}, true},
		{"string notEquals", Condition{Field: "projectId", Operator: OpNotEquals, Value: "p2"}, true},
		{"number greaterThan", Condition{Field: "priority", Operator: OpGreaterThan, Value: "3", Type: FieldNumber}, true},
		{"number lessThan", Condition{Field: "priority", Operator: OpLessThan, Value: "3", Type: FieldNumber}, false},
		{"number from text", Condition{Field: "score", Operator: OpGreaterThan, Value: "7", Type: FieldNumber}, true},
		{"number equals", Condition{Field: "priority", Operator: OpEquals, Value: "5", Type: FieldNumber}, true},
		{"boolean equals", Condition{Field: "flagged", Operator: OpEquals, Value: "true", Type: FieldBoolean}, true},
		{"boolean notEquals", Condition{Field: "flagged", Operator: OpNotEquals, Value: "true", Type: FieldBoolean}, false},
		{"date from text", Condition{Field: "due_on", Operator: OpLessThan, Value: "2026-10-15", Type: FieldDate}, true},
		{"date from timestamp", Condition{Field: "lastStatusChangeAt", Operator: OpGreaterThan, Value: "2026-08-31", Type: FieldDate}, true},
		{"missing field equals", Condition{Field: "region", Operator: OpEquals, Value: "EU"}, false},
		{"missing field notEquals", Condition{Field: "region", Operator: OpNotEquals, Value: "EU"}, true},
		{"null field counts as missing", Condition{Field: "owner", Operator: OpNotEquals, Value: "x"}, true},
		{"value is never code", Condition{Field: "name", Operator: OpEquals, Value: `" || true || "`}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Matches(conditionRule(tt.name, tt.cond), rec, time.Now())
			if err != nil {
				t.Fatalf("Matches() failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchesConditionsAreAnded(t *testing.T) {
	engine := newTestEngine(t)
	rec := records.CandidateRecord{ID: "r1", Name: "Beta", ProjectID: "p1"}

	both := conditionRule("both",
		Condition{Field: "name", Operator: OpEquals, Value: "Beta"},
		Condition{Field: "projectId", Operator: OpEquals, Value: "p1"},
	)
	got, err := engine.Matches(both, rec, time.Now())
	if err != nil || !got {
		t.Errorf("Matches() = %v, %v, want true, nil", got, err)
	}

	oneFails := conditionRule("one-fails",
		Condition{Field: "name", Operator: OpEquals, Value: "Beta"},
		Condition{Field: "projectId", Operator: OpEquals, Value: "p2"},
	)
	got, err = engine.Matches(oneFails, rec, time.Now())
	if err != nil || got {
		t.Errorf("Matches() = %v, %v, want false, nil", got, err)
	}
}

func TestMatchesZeroConditionsNeverMatches(t *testing.T) {
	engine := newTestEngine(t)
	got, err := engine.Matches(conditionRule("empty"), records.CandidateRecord{ID: "r"}, time.Now())
	if err != nil {
		t.Fatalf("Matches() failed: %v", err)
	}
	if got {
		t.Error("Matches() with no conditions = true, want false")
	}
}

func TestMatchesConditionEvaluationError(t *testing.T) {
	engine := newTestEngine(t)
	rule := conditionRule("bad-number", Condition{Field: "name", Operator: OpGreaterThan, Value: "1", Type: FieldNumber})

	got, err := engine.Matches(rule, records.CandidateRecord{ID: "r", Name: "not a number"}, time.Now())
	if err == nil {
		t.Error("Matches() should report the conversion error")
	}
	if got {
		t.Error("Matches() with an evaluation error should not match")
	}
}

func TestMatchesRecompilesChangedConditions(t *testing.T) {
	engine := newTestEngine(t)
	rec := records.CandidateRecord{ID: "r", Name: "Gamma"}

	rule := conditionRule("same-id", Condition{Field: "name", Operator: OpEquals, Value: "Gamma"})
	if got, _ := engine.Matches(rule, rec, time.Now()); !got {
		t.Fatal("Matches() = false, want true")
	}

	rule.Conditions[0].Value = "Delta"
	if got, _ := engine.Matches(rule, rec, time.Now()); got {
		t.Error("Matches() used a stale program after the conditions changed")
	}
}

func TestEvaluateAllContinuesOnError(t *testing.T) {
	engine := newTestEngine(t)
	rule := conditionRule("numbers", Condition{Field: "priority", Operator: OpGreaterThan, Value: "2", Type: FieldNumber})

	recs := []records.CandidateRecord{
		{ID: "a", CurrentStatus: queue.Production, Fields: map[string]any{"priority": "oops"}},
		{ID: "b", CurrentStatus: queue.Production, Fields: map[string]any{"priority": 3}},
		{ID: "c", CurrentStatus: queue.Calibration, Fields: map[string]any{"priority": 9}},
	}

	results := engine.EvaluateAll(rule, recs, time.Now())
	if len(results) != 3 {
		t.Fatalf("EvaluateAll() returned %d results, want 3", len(results))
	}
	if results[0].Error == nil || results[0].Matched {
		t.Errorf("result a = %+v, want an unmatched error", results[0])
	}
	if !results[1].Matched || results[1].Error != nil {
		t.Errorf("result b = %+v, want a clean match", results[1])
	}
	if results[2].Matched {
		t.Error("result c is in the wrong status and should not match")
	}
	if results[1].RuleName != "numbers" || results[1].RecordID != "b" {
		t.Errorf("result b identifies %s/%s, want numbers/b", results[1].RuleName, results[1].RecordID)
	}
}

func TestCompileConditionsRejectsBadInput(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name string
		cond Condition
	}{
		{"bad field", Condition{Field: `name"] || true`, Operator: OpEquals, Value: "x"}},
		{"bad number", Condition{Field: "priority", Operator: OpEquals, Value: "lots", Type: FieldNumber}},
		{"bad boolean", Condition{Field: "flagged", Operator: OpEquals, Value: "maybe", Type: FieldBoolean}},
		{"bad date", Condition{Field: "due_on", Operator: OpEquals, Value: "soon", Type: FieldDate}},
		{"contains on number", Condition{Field: "priority", Operator: OpContains, Value: "1", Type: FieldNumber}},
		{"ordering booleans", Condition{Field: "flagged", Operator: OpGreaterThan, Value: "true", Type: FieldBoolean}},
		{"unknown operator", Condition{Field: "name", Operator: "startsWith", Value: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := engine.CompileConditions("r", []Condition{tt.cond}); err == nil {
				t.Error("CompileConditions() should fail")
			}
		})
	}
}

func TestEngineCreateRuleValidates(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateRule(ctx, &Rule{
		Name:       "Broken",
		Kind:       KindConditionBased,
		FromStatus: queue.Production,
		ToStatus:   queue.Test,
		Conditions: []Condition{{Field: "priority", Operator: OpEquals, Value: "x", Type: FieldNumber}},
	})
	if !errors.Is(err, ErrInvalidRule) {
		t.Errorf("CreateRule() error = %v, want ErrInvalidRule", err)
	}

	all, _ := engine.ListRules(ctx)
	if len(all) != 0 {
		t.Errorf("invalid rule was stored: %d rules", len(all))
	}
}

func TestEngineCreateRuleCanonicalizesStatus(t *testing.T) {
	engine := newTestEngine(t)

	created, err := engine.CreateRule(context.Background(), &Rule{
		Name:       "Lowercase",
		FromStatus: queue.Status("calibration"),
		ToStatus:   queue.Status(queue.UnsetMarker),
	})
	if err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}
	if created.FromStatus != queue.Calibration || created.ToStatus != queue.None {
		t.Errorf("CreateRule() statuses = %s->%s, want Calibration->None", created.FromStatus, created.ToStatus)
	}
}

func TestEngineEnabledRulesCacheInvalidation(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	enabled, err := engine.EnabledRules(ctx)
	if err != nil {
		t.Fatalf("EnabledRules() failed: %v", err)
	}
	if len(enabled) != 0 {
		t.Fatalf("EnabledRules() = %d rules, want 0", len(enabled))
	}
	if !engine.Cache().IsValid() {
		t.Error("EnabledRules() should populate the cache")
	}

	created, err := engine.CreateRule(ctx, &Rule{Name: "On", Enabled: true, FromStatus: queue.Calibration, ToStatus: queue.Test})
	if err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}
	if engine.Cache().IsValid() {
		t.Error("CreateRule() should invalidate the cache")
	}

	enabled, _ = engine.EnabledRules(ctx)
	if len(enabled) != 1 {
		t.Fatalf("EnabledRules() after create = %d rules, want 1", len(enabled))
	}

	off := false
	if _, err := engine.UpdateRule(ctx, created.ID, Patch{Enabled: &off}); err != nil {
		t.Fatalf("UpdateRule() failed: %v", err)
	}
	enabled, _ = engine.EnabledRules(ctx)
	if len(enabled) != 0 {
		t.Errorf("EnabledRules() after disable = %d rules, want 0", len(enabled))
	}

	deleted, err := engine.DeleteRule(ctx, created.ID)
	if err != nil || !deleted {
		t.Errorf("DeleteRule() = %v, %v, want true, nil", deleted, err)
	}
}

func TestEngineUpdateRuleValidatesMergedRule(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	created, err := engine.CreateRule(ctx, &Rule{Name: "Timed", FromStatus: queue.Calibration, ToStatus: queue.Test})
	if err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}

	zero := 0
	if _, err := engine.UpdateRule(ctx, created.ID, Patch{ElapsedDays: &zero}); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("UpdateRule() error = %v, want ErrInvalidRule", err)
	}

	got, _ := engine.GetRule(ctx, created.ID)
	if got.ElapsedDays != 7 {
		t.Errorf("ElapsedDays = %d after a rejected update, want 7", got.ElapsedDays)
	}

	if _, err := engine.UpdateRule(ctx, "missing", Patch{}); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("UpdateRule() error = %v, want ErrRuleNotFound", err)
	}
}

func TestEngineRecordExecution(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	created, err := engine.CreateRule(ctx, &Rule{Name: "Stamped", Enabled: true, FromStatus: queue.Calibration, ToStatus: queue.Test})
	if err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}
	engine.EnabledRules(ctx)

	at := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	if err := engine.RecordExecution(ctx, created.ID, at, 12); err != nil {
		t.Fatalf("RecordExecution() failed: %v", err)
	}

	enabled, _ := engine.EnabledRules(ctx)
	if len(enabled) != 1 || enabled[0].LastExecutionCount != 12 || !enabled[0].LastExecutedAt.Equal(at) {
		t.Errorf("EnabledRules() = %+v, want the stamped rule", enabled)
	}
}

func TestEngineConcurrentMatches(t *testing.T) {
	engine := newTestEngine(t)
	rule := conditionRule("shared", Condition{Field: "name", Operator: OpContains, Value: "a"})
	rec := records.CandidateRecord{ID: "r", Name: "banana"}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				got, err := engine.Matches(rule, rec, time.Now())
				if err != nil || !got {
					t.Errorf("Concurrent Matches() = %v, %v", got, err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func ptr[T any](v T) *T {
	return &v
}
