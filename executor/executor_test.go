package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/liamcoop/queuerules/filter"
	"github.com/liamcoop/queuerules/history"
	"github.com/liamcoop/queuerules/queue"
	"github.com/liamcoop/queuerules/records"
	"github.com/liamcoop/queuerules/rules"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	now     = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
)

// fakeRecords is an in-memory record store. Pages are cut at pageSize (0 means one page)
// and the cursor is the offset of the next page.
type fakeRecords struct {
	mu       sync.Mutex
	recs     []records.CandidateRecord
	pageSize int
	pingErr  error
	// queryErrOn fails the nth Query call (1-based)
	queryErrOn int
	// reject maps record id to a per-record failure message
	reject map[string]string
	// batchErr fails the nth UpdateStatuses call (1-based) as a whole
	batchErr map[int]error
	onQuery  func()

	queries []filter.Predicate
	batches [][]records.StatusUpdate
}

func (f *fakeRecords) Ping(ctx context.Context) error {
	return f.pingErr
}

func (f *fakeRecords) Query(ctx context.Context, pred filter.Predicate, cursor string) (*records.Page, error) {
	f.mu.Lock()
	f.queries = append(f.queries, pred)
	calls := len(f.queries)
	f.mu.Unlock()

	if f.onQuery != nil {
		f.onQuery()
	}
	if calls == f.queryErrOn {
		return nil, errors.New("MALFORMED_QUERY: unexpected token")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	offset := 0
	if cursor != "" {
		offset, _ = strconv.Atoi(cursor)
	}
	end := len(f.recs)
	if f.pageSize > 0 && offset+f.pageSize < end {
		end = offset + f.pageSize
	}
	page := &records.Page{Records: append([]records.CandidateRecord(nil), f.recs[offset:end]...)}
	if end < len(f.recs) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeRecords) UpdateStatuses(ctx context.Context, updates []records.StatusUpdate) ([]records.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.batches = append(f.batches, append([]records.StatusUpdate(nil), updates...))
	if err := f.batchErr[len(f.batches)]; err != nil {
		return nil, err
	}

	results := make([]records.UpdateResult, 0, len(updates))
	for _, u := range updates {
		if msg, ok := f.reject[u.ID]; ok {
			results = append(results, records.UpdateResult{ID: u.ID, Error: msg})
			continue
		}
		for i := range f.recs {
			if f.recs[i].ID == u.ID {
				f.recs[i].CurrentStatus = u.Status
			}
		}
		results = append(results, records.UpdateResult{ID: u.ID, Success: true})
	}
	return results, nil
}

func (f *fakeRecords) status(id string) queue.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.recs {
		if r.ID == id {
			return r.CurrentStatus
		}
	}
	return ""
}

func (f *fakeRecords) updatedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, b := range f.batches {
		for _, u := range b {
			ids = append(ids, u.ID)
		}
	}
	return ids
}

type harness struct {
	exec    *Executor
	engine  *rules.Engine
	store   *fakeRecords
	history *history.InMemoryStore
	clock   time.Time
}

func newHarness(t *testing.T, cfg Config, recs ...records.CandidateRecord) *harness {
	t.Helper()

	engine, err := rules.NewEngine(rules.NewInMemoryRuleStore(), rules.EngineConfig{})
	require.NoError(t, err)

	h := &harness{
		engine:  engine,
		store:   &fakeRecords{recs: recs},
		history: history.NewInMemoryStore(0),
		clock:   now,
	}
	h.exec, err = New(Deps{Engine: engine, Records: h.store, History: h.history, Logger: discard}, cfg)
	require.NoError(t, err)
	h.exec.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) addRule(t *testing.T, r *rules.Rule) *rules.Rule {
	t.Helper()
	if r.Name == "" {
		r.Name = fmt.Sprintf("%s to %s", r.FromStatus, r.ToStatus)
	}
	created, err := h.engine.CreateRule(context.Background(), r)
	require.NoError(t, err)
	return created
}

func (h *harness) entries(t *testing.T) []history.Entry {
	t.Helper()
	p, err := h.history.Query(context.Background(), history.Query{})
	require.NoError(t, err)
	return p.Entries
}

func record(id string, status queue.Status, days int) records.CandidateRecord {
	changed := now.Add(-time.Duration(days) * 24 * time.Hour)
	return records.CandidateRecord{
		ID:                 id,
		Name:               "Record " + id,
		CurrentStatus:      status,
		LastStatusChangeAt: &changed,
	}
}

func elapsedRule(from, to queue.Status, days int) *rules.Rule {
	return &rules.Rule{
		Enabled:     true,
		Kind:        rules.KindTimeBased,
		FromStatus:  from,
		ToStatus:    to,
		TimeMode:    rules.TimeModeElapsedDays,
		ElapsedDays: days,
	}
}

func TestExecuteMovesRecordsPastThreshold(t *testing.T) {
	h := newHarness(t, Config{},
		record("a", queue.Calibration, 8),
		record("b", queue.Calibration, 7),
		record("c", queue.Calibration, 6),
		record("d", queue.Production, 30),
	)
	rule := h.addRule(t, elapsedRule(queue.Calibration, queue.Production, 7))

	s, err := h.exec.Execute(context.Background(), Request{TriggeredBy: history.TriggerScheduler})
	require.NoError(t, err)

	assert.True(t, s.Success)
	assert.Equal(t, 1, s.RulesExecuted)
	assert.Equal(t, 2, s.RulesProcessed)
	assert.Equal(t, 2, s.RulesUpdated)
	assert.Empty(t, s.Errors)
	assert.ElementsMatch(t, []string{"a", "b"}, h.store.updatedIDs())
	assert.Equal(t, queue.Production, h.store.status("a"))
	assert.Equal(t, queue.Calibration, h.store.status("c"))

	entries := h.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, s.ExecutionID, entries[0].ID)
	assert.Equal(t, history.TriggerScheduler, entries[0].TriggeredBy)
	assert.Equal(t, 2, entries[0].RulesUpdated)
	assert.True(t, entries[0].HasRule(rule.ID))

	stamped, err := h.engine.GetRule(context.Background(), rule.ID)
	require.NoError(t, err)
	require.NotNil(t, stamped.LastExecutedAt)
	assert.True(t, stamped.LastExecutedAt.Equal(now))
	assert.Equal(t, 2, stamped.LastExecutionCount)
}

func TestExecuteIsIdempotentAcrossRuns(t *testing.T) {
	h := newHarness(t, Config{}, record("a", queue.Calibration, 10))
	h.addRule(t, elapsedRule(queue.Calibration, queue.Production, 7))

	first, err := h.exec.Execute(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.RulesUpdated)

	second, err := h.exec.Execute(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.RulesProcessed, "a moved record drops out of the candidate set")
	assert.Len(t, h.entries(t), 2)
}

func TestExecutePerRecordRejection(t *testing.T) {
	var recs []records.CandidateRecord
	for i := 1; i <= 5; i++ {
		recs = append(recs, record(fmt.Sprintf("t%d", i), queue.Test, 10))
	}
	h := newHarness(t, Config{}, recs...)
	h.store.reject = map[string]string{"t3": "FIELD_CUSTOM_VALIDATION_EXCEPTION: locked"}
	h.addRule(t, elapsedRule(queue.Test, queue.None, 7))

	s, err := h.exec.Execute(context.Background(), Request{})
	require.NoError(t, err)

	assert.False(t, s.Success)
	assert.Equal(t, 4, s.RulesUpdated)
	assert.Equal(t, 1, s.Failed)
	require.Len(t, s.Errors, 1)
	assert.Contains(t, s.Errors[0], "t3")

	entries := h.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, 4, entries[0].RulesUpdated)
	assert.Len(t, entries[0].Errors, 1)
}

func TestExecutePartialBatchFailure(t *testing.T) {
	var recs []records.CandidateRecord
	for i := 1; i <= 6; i++ {
		recs = append(recs, record(fmt.Sprintf("r%d", i), queue.Calibration, 10))
	}
	h := newHarness(t, Config{BatchSize: 2}, recs...)
	h.store.batchErr = map[int]error{2: errors.New("UNABLE_TO_LOCK_ROW")}
	rule := h.addRule(t, elapsedRule(queue.Calibration, queue.Production, 7))

	s, err := h.exec.Execute(context.Background(), Request{})
	require.NoError(t, err)

	require.Len(t, h.store.batches, 3, "batches after a failure are still sent")
	assert.Equal(t, 4, s.RulesUpdated)
	assert.Equal(t, 2, s.Failed)
	require.Len(t, s.Errors, 1)
	assert.Contains(t, s.Errors[0], "batch 2 of 3")

	assert.Equal(t, queue.Production, h.store.status("r1"))
	assert.Equal(t, queue.Calibration, h.store.status("r3"))
	assert.Equal(t, queue.Calibration, h.store.status("r4"))
	assert.Equal(t, queue.Production, h.store.status("r6"))

	require.Len(t, s.Rules, 1)
	assert.Equal(t, 4, s.Rules[0].Updated)
	assert.Len(t, s.Rules[0].Errors, 2)

	stamped, err := h.engine.GetRule(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stamped.LastExecutionCount)
}

func TestExecuteStampsOnlyRulesWithSuccesses(t *testing.T) {
	h := newHarness(t, Config{},
		record("cal", queue.Calibration, 10),
		record("test", queue.Test, 10),
	)
	h.store.reject = map[string]string{"test": "ENTITY_IS_DELETED"}
	moved := h.addRule(t, elapsedRule(queue.Calibration, queue.Production, 7))
	rejected := h.addRule(t, elapsedRule(queue.Test, queue.Production, 7))

	s, err := h.exec.Execute(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, s.RulesUpdated)

	ctx := context.Background()
	got, err := h.engine.GetRule(ctx, moved.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastExecutedAt)

	got, err = h.engine.GetRule(ctx, rejected.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastExecutedAt)
	assert.Equal(t, 0, got.LastExecutionCount)
}

func TestExecuteAbortsOnInvalidTransitions(t *testing.T) {
	h := newHarness(t, Config{},
		record("a", queue.Calibration, 10),
		record("b", queue.Calibration, 10),
	)
	h.addRule(t, elapsedRule(queue.Calibration, queue.Calibration, 7))

	s, err := h.exec.Execute(context.Background(), Request{})
	require.NoError(t, err)

	assert.False(t, s.Success)
	assert.Len(t, s.ValidationErrors, 2, "every violation is reported")
	assert.Len(t, s.Errors, 2)
	assert.Empty(t, h.store.batches, "nothing is applied")
	assert.Equal(t, 0, s.RulesUpdated)
	assert.Len(t, h.entries(t), 1)
}

func TestExecuteNoRulesWritesOneEntry(t *testing.T) {
	h := newHarness(t, Config{}, record("a", queue.Calibration, 10))
	disabled := elapsedRule(queue.Calibration, queue.Production, 7)
	disabled.Enabled = false
	h.addRule(t, disabled)

	s, err := h.exec.Execute(context.Background(), Request{})
	require.NoError(t, err)

	assert.True(t, s.Success)
	assert.Equal(t, 0, s.RulesExecuted)
	assert.Equal(t, 0, s.RulesProcessed)
	assert.Equal(t, 0, s.RulesUpdated)
	assert.Empty(t, h.store.queries)

	entries := h.entries(t)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].Errors)
	assert.Empty(t, entries[0].ExecutedRules)
}

func TestExecuteRejectsConcurrentRun(t *testing.T) {
	h := newHarness(t, Config{})
	locker := NewLocalLocker()
	h.exec.locker = locker

	release, err := locker.TryLock(context.Background())
	require.NoError(t, err)

	s, err := h.exec.Execute(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Nil(t, s)
	assert.Empty(t, h.entries(t), "a rejected run writes no history")

	release()
	_, err = h.exec.Execute(context.Background(), Request{})
	assert.NoError(t, err)
}

func TestExecuteConfigurationError(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		h := newHarness(t, Config{}, record("a", queue.Calibration, 10))
		h.store.pingErr = errors.New("INVALID_SESSION_ID")
		h.addRule(t, elapsedRule(queue.Calibration, queue.Production, 7))

		s, err := h.exec.Execute(context.Background(), Request{})
		require.ErrorIs(t, err, ErrNotConfigured)
		assert.False(t, s.Success)
		assert.Empty(t, h.store.queries, "no rule is attempted")

		entries := h.entries(t)
		require.Len(t, entries, 1)
		assert.Contains(t, entries[0].Errors[0], "INVALID_SESSION_ID")
	})

	t.Run("missing", func(t *testing.T) {
		engine, err := rules.NewEngine(rules.NewInMemoryRuleStore(), rules.EngineConfig{})
		require.NoError(t, err)
		hist := history.NewInMemoryStore(0)
		exec, err := New(Deps{Engine: engine, History: hist, Logger: discard}, Config{})
		require.NoError(t, err)

		_, err = exec.Execute(context.Background(), Request{})
		assert.ErrorIs(t, err, ErrNotConfigured)

		p, err := hist.Query(context.Background(), history.Query{})
		require.NoError(t, err)
		assert.Equal(t, 1, p.Total)
	})
}

func TestExecuteTimeout(t *testing.T) {
	h := newHarness(t, Config{RunTimeout: time.Minute}, record("a", queue.Calibration, 10))
	h.store.onQuery = func() { h.clock = h.clock.Add(2 * time.Minute) }
	h.addRule(t, elapsedRule(queue.Calibration, queue.Production, 7))

	s, err := h.exec.Execute(context.Background(), Request{})
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, s.TimedOut)
	assert.False(t, s.Success)
	assert.Empty(t, h.store.batches)

	entries := h.entries(t)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].TimedOut)
}

// ctxRecords fails calls whose context is done, the way database and HTTP clients do
type ctxRecords struct {
	*fakeRecords
	onUpdate func()
}

func (c *ctxRecords) Query(ctx context.Context, pred filter.Predicate, cursor string) (*records.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.fakeRecords.Query(ctx, pred, cursor)
}

func (c *ctxRecords) UpdateStatuses(ctx context.Context, updates []records.StatusUpdate) ([]records.UpdateResult, error) {
	if c.onUpdate != nil {
		c.onUpdate()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.fakeRecords.UpdateStatuses(ctx, updates)
}

func TestExecuteIgnoresCallerCancellation(t *testing.T) {
	tests := []struct {
		name string
		// cancelEarly cancels before Execute; otherwise cancel fires when the first batch is sent
		cancelEarly bool
	}{
		{"cancelled before the run", true},
		{"cancelled during the first batch", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, record("a", queue.Calibration, 10), record("b", queue.Calibration, 10))
			h.addRule(t, elapsedRule(queue.Calibration, queue.Production, 7))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			store := &ctxRecords{fakeRecords: h.store}
			if tt.cancelEarly {
				cancel()
			} else {
				store.onUpdate = cancel
			}

			exec, err := New(Deps{Engine: h.engine, Records: store, History: h.history, Logger: discard}, Config{BatchSize: 1})
			require.NoError(t, err)
			exec.now = func() time.Time { return now }

			s, err := exec.Execute(ctx, Request{})
			require.NoError(t, err)
			assert.True(t, s.Success, "errors: %v", s.Errors)
			assert.False(t, s.TimedOut)
			assert.Equal(t, 2, s.RulesUpdated)
			assert.Zero(t, s.Failed)
			assert.Len(t, h.store.batches, 2)
			assert.Equal(t, queue.Production, h.store.status("a"))
			assert.Equal(t, queue.Production, h.store.status("b"))
			assert.Len(t, h.entries(t), 1)
		})
	}
}

func TestExecuteSeesRuleChangesFromAnotherEngine(t *testing.T) {
	store := rules.NewInMemoryRuleStore()
	server, err := rules.NewEngine(store, rules.EngineConfig{})
	require.NoError(t, err)
	other, err := rules.NewEngine(store, rules.EngineConfig{})
	require.NoError(t, err)

	recs := &fakeRecords{recs: []records.CandidateRecord{record("a", queue.Calibration, 10)}}
	exec, err := New(Deps{Engine: server, Records: recs, History: history.NewInMemoryStore(0), Logger: discard}, Config{})
	require.NoError(t, err)
	exec.now = func() time.Time { return now }

	rule, err := server.CreateRule(context.Background(), elapsedRule(queue.Calibration, queue.Production, 7))
	require.NoError(t, err)
	warm, err := server.EnabledRules(context.Background())
	require.NoError(t, err)
	require.Len(t, warm, 1)

	off := false
	_, err = other.UpdateRule(context.Background(), rule.ID, rules.Patch{Enabled: &off})
	require.NoError(t, err)

	s, err := exec.Execute(context.Background(), Request{})
	require.NoError(t, err)
	assert.Zero(t, s.RulesExecuted)
	assert.Zero(t, s.RulesUpdated)
	assert.Empty(t, recs.batches)
	assert.Equal(t, queue.Calibration, recs.status("a"))
}

func TestExecuteRecoversPanic(t *testing.T) {
	h := newHarness(t, Config{}, record("a", queue.Calibration, 10))
	h.store.onQuery = func() { panic("nil map write") }
	h.addRule(t, elapsedRule(queue.Calibration, queue.Production, 7))

	s, err := h.exec.Execute(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map write")
	require.NotNil(t, s)
	assert.False(t, s.Success)

	entries := h.entries(t)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Errors[0], "nil map write")

	// The lock is released after a panic
	_, err = h.exec.Execute(context.Background(), Request{})
	assert.NotErrorIs(t, err, ErrRunInProgress)
}

func TestExecuteExplicitRuleIDs(t *testing.T) {
	h := newHarness(t, Config{},
		record("cal", queue.Calibration, 10),
		record("test", queue.Test, 10),
	)
	first := h.addRule(t, elapsedRule(queue.Calibration, queue.Production, 7))
	second := h.addRule(t, elapsedRule(queue.Test, queue.Production, 7))
	off := elapsedRule(queue.Production, queue.Test, 1)
	off.Enabled = false
	disabled := h.addRule(t, off)

	s, err := h.exec.Execute(context.Background(), Request{
		RuleIDs: []string{second.ID, "missing", disabled.ID, first.ID},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, s.RulesExecuted)
	require.Len(t, s.Rules, 2)
	assert.Equal(t, second.ID, s.Rules[0].RuleID, "rules run in request order")
	assert.Equal(t, first.ID, s.Rules[1].RuleID)
	assert.Len(t, s.Errors, 2, "unknown and disabled ids are reported")
	assert.Equal(t, 2, s.RulesUpdated)
}

func TestExecuteFirstRuleClaimsRecord(t *testing.T) {
	h := newHarness(t, Config{}, record("a", queue.Calibration, 20))
	first := h.addRule(t, elapsedRule(queue.Calibration, queue.Production, 7))
	h.addRule(t, elapsedRule(queue.Calibration, queue.Test, 14))

	s, err := h.exec.Execute(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, 1, s.RulesProcessed)
	assert.Equal(t, queue.Production, h.store.status("a"))
	assert.Equal(t, first.ID, s.Rules[0].RuleID)
	assert.Equal(t, 1, s.Rules[0].Processed)
	assert.Equal(t, 0, s.Rules[1].Processed)
}

func TestExecuteSkipsRuleOnQueryError(t *testing.T) {
	h := newHarness(t, Config{},
		record("cal", queue.Calibration, 10),
		record("test", queue.Test, 10),
	)
	h.store.queryErrOn = 1
	h.addRule(t, elapsedRule(queue.Calibration, queue.Production, 7))
	h.addRule(t, elapsedRule(queue.Test, queue.Production, 7))

	s, err := h.exec.Execute(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, 1, s.RulesUpdated)
	assert.Equal(t, queue.Calibration, h.store.status("cal"))
	assert.Equal(t, queue.Production, h.store.status("test"))
	require.Len(t, s.Errors, 1)
	assert.Contains(t, s.Errors[0], "MALFORMED_QUERY")
	assert.NotEmpty(t, s.Rules[0].Errors)
}

func TestExecuteIncludeEmptyScopeSkipsQuery(t *testing.T) {
	h := newHarness(t, Config{}, record("a", queue.Calibration, 10))
	r := elapsedRule(queue.Calibration, queue.Production, 7)
	r.Scope.Projects = rules.ScopeFilter{Mode: rules.ScopeInclude, Selected: []string{}}
	h.addRule(t, r)

	s, err := h.exec.Execute(context.Background(), Request{})
	require.NoError(t, err)

	assert.True(t, s.Success)
	assert.Equal(t, 0, s.RulesProcessed)
	assert.Empty(t, h.store.queries)
}

func TestExecutePageCap(t *testing.T) {
	h := newHarness(t, Config{MaxPagesPerRule: 2},
		record("a", queue.Calibration, 10),
		record("b", queue.Calibration, 10),
		record("c", queue.Calibration, 10),
	)
	h.store.pageSize = 1
	h.addRule(t, elapsedRule(queue.Calibration, queue.Production, 7))

	s, err := h.exec.Execute(context.Background(), Request{})
	require.NoError(t, err)

	assert.Len(t, h.store.queries, 2)
	assert.Equal(t, 2, s.RulesUpdated)
	require.Len(t, s.Rules[0].Errors, 1)
	assert.Contains(t, s.Rules[0].Errors[0], "stopped after 2 pages")
}

func TestExecuteConditionRule(t *testing.T) {
	hot := record("hot", queue.None, 0)
	hot.Fields = map[string]any{"priority": 9.0}
	cold := record("cold", queue.None, 0)
	cold.Fields = map[string]any{"priority": 2.0}
	h := newHarness(t, Config{}, hot, cold)
	h.addRule(t, &rules.Rule{
		Enabled:    true,
		Kind:       rules.KindConditionBased,
		FromStatus: queue.None,
		ToStatus:   queue.Calibration,
		Conditions: []rules.Condition{{Field: "priority", Operator: rules.OpGreaterThan, Value: "5", Type: rules.FieldNumber}},
	})

	s, err := h.exec.Execute(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, 1, s.RulesUpdated)
	assert.Equal(t, queue.Calibration, h.store.status("hot"))
	assert.Equal(t, queue.None, h.store.status("cold"))
}

func TestExecuteRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	h := newHarness(t, Config{}, record("a", queue.Calibration, 10))
	h.exec.metrics = m
	h.addRule(t, elapsedRule(queue.Calibration, queue.Production, 7))

	_, err = h.exec.Execute(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("manual", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recordsUpdated))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "registering twice fails")
}

func TestPreview(t *testing.T) {
	h := newHarness(t, Config{},
		record("a", queue.Calibration, 10),
		record("b", queue.Calibration, 3),
	)
	r := elapsedRule(queue.Calibration, queue.Production, 7)
	r.Enabled = false
	rule := h.addRule(t, r)

	res, err := h.exec.Preview(context.Background(), rule.ID, "Alpha")
	require.NoError(t, err)

	require.Len(t, res.Proposals, 1)
	assert.Equal(t, "a", res.Proposals[0].RecordID)
	assert.Equal(t, queue.Calibration, res.Proposals[0].From)
	assert.Empty(t, res.ValidationErrors)
	assert.Empty(t, h.store.batches, "preview applies nothing")
	assert.Empty(t, h.entries(t), "preview writes no history")

	require.Len(t, h.store.queries, 1)
	assert.Contains(t, h.store.queries[0].SOQL(), "name LIKE '%Alpha%'")

	_, err = h.exec.Preview(context.Background(), "missing", "")
	assert.ErrorIs(t, err, rules.ErrRuleNotFound)
}

func TestExecuteAgainstSQLStore(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE contributor_projects (
			id TEXT PRIMARY KEY,
			name TEXT,
			queue_status TEXT,
			project_id TEXT,
			objective_id TEXT,
			last_status_change_at TIMESTAMP
		)`)
	require.NoError(t, err)

	old := now.Add(-10 * 24 * time.Hour)
	for _, row := range []struct{ id, status, project string }{
		{"a", "Calibration", "p1"},
		{"b", "Calibration", "p2"},
		{"c", "Calibration", "p1"},
		{"d", "Production", "p1"},
	} {
		_, err := db.Exec(`INSERT INTO contributor_projects VALUES (?, ?, ?, ?, NULL, ?)`,
			row.id, "Record "+row.id, row.status, row.project, old)
		require.NoError(t, err)
	}

	store, err := records.NewSQLStore(db, "sqlite3", records.SQLConfig{
		Table:    "contributor_projects",
		Fields:   filter.DefaultFieldMap(),
		PageSize: 1,
	})
	require.NoError(t, err)

	engine, err := rules.NewEngine(rules.NewInMemoryRuleStore(), rules.EngineConfig{})
	require.NoError(t, err)
	exec, err := New(Deps{Engine: engine, Records: store, History: history.NewInMemoryStore(0), Logger: discard}, Config{})
	require.NoError(t, err)
	exec.now = func() time.Time { return now }

	r := elapsedRule(queue.Calibration, queue.Production, 7)
	r.Name = "p1 calibration to production"
	r.Scope.Projects = rules.ScopeFilter{Mode: rules.ScopeInclude, Selected: []string{"p1"}}
	_, err = engine.CreateRule(context.Background(), r)
	require.NoError(t, err)

	s, err := exec.Execute(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 2, s.RulesUpdated)

	var moved int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM contributor_projects WHERE queue_status = 'Production'`).Scan(&moved))
	assert.Equal(t, 3, moved)

	var untouched string
	require.NoError(t, db.QueryRow(`SELECT queue_status FROM contributor_projects WHERE id = 'b'`).Scan(&untouched))
	assert.Equal(t, "Calibration", untouched)
}
