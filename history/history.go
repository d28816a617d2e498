// Package history is the append-only log of executor runs.
// Entries are immutable once written and are always listed newest first.
package history

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Trigger names what started a run
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduler Trigger = "automatic_scheduler"
)

const (
	// DefaultLimit is the page size when a query does not ask for one
	DefaultLimit = 50
	// MaxLimit caps the page size a query may ask for
	MaxLimit = 500
	// DefaultCap is the number of entries kept before the oldest are dropped
	DefaultCap = 1000
)

// RuleResult is one rule's contribution to a run
type RuleResult struct {
	RuleID    string   `json:"ruleId" yaml:"ruleId"`
	RuleName  string   `json:"ruleName" yaml:"ruleName"`
	Processed int      `json:"processed" yaml:"processed"`
	Updated   int      `json:"updated" yaml:"updated"`
	Errors    []string `json:"errors" yaml:"errors"`
}

// Entry records one executor invocation
type Entry struct {
	ID              string       `json:"id" yaml:"id"`
	ExecutionTime   time.Time    `json:"executionTime" yaml:"executionTime"`
	DurationMs      int64        `json:"durationMs" yaml:"durationMs"`
	TriggeredBy     Trigger      `json:"triggeredBy" yaml:"triggeredBy"`
	TriggeredByUser string       `json:"triggeredByUser,omitempty" yaml:"triggeredByUser,omitempty"`
	RulesExecuted   int          `json:"rulesExecuted" yaml:"rulesExecuted"`
	RulesProcessed  int          `json:"rulesProcessed" yaml:"rulesProcessed"`
	RulesUpdated    int          `json:"rulesUpdated" yaml:"rulesUpdated"`
	ExecutedRules   []RuleResult `json:"executedRules" yaml:"executedRules"`
	Errors          []string     `json:"errors" yaml:"errors"`
	TimedOut        bool         `json:"timedOut" yaml:"timedOut"`
}

// HasRule reports whether ruleID took part in the run
func (e Entry) HasRule(ruleID string) bool {
	for _, r := range e.ExecutedRules {
		if r.RuleID == ruleID {
			return true
		}
	}
	return false
}

// Query selects a page of entries. Zero values mean "no filter".
// StartDate and EndDate are inclusive.
type Query struct {
	Limit     int
	Offset    int
	RuleID    string
	StartDate *time.Time
	EndDate   *time.Time
}

// Page is a slice of matching entries plus the total number that matched before paging
type Page struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
}

// Store persists history entries
type Store interface {
	// Append records an entry, assigning its ID when empty, and drops the oldest entries past the cap
	Append(ctx context.Context, e *Entry) error

	// Query filters, orders newest first and paginates
	Query(ctx context.Context, q Query) (*Page, error)

	// Prune deletes entries older than maxAgeDays and reports how many were removed
	Prune(ctx context.Context, maxAgeDays int) (int, error)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a time-sortable identifier for an entry created at t
func NewID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Normalize applies the default page size and clamps out-of-range values
func (q Query) Normalize() Query {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Matches reports whether e passes the query's filters
func (q Query) Matches(e Entry) bool {
	if q.RuleID != "" && !e.HasRule(q.RuleID) {
		return false
	}
	if q.StartDate != nil && e.ExecutionTime.Before(*q.StartDate) {
		return false
	}
	if q.EndDate != nil && e.ExecutionTime.After(*q.EndDate) {
		return false
	}
	return true
}

// prepare fills in the generated fields of a new entry
func prepare(e *Entry, now time.Time) {
	if e.ExecutionTime.IsZero() {
		e.ExecutionTime = now
	}
	if e.ID == "" {
		e.ID = NewID(e.ExecutionTime)
	}
	if e.ExecutedRules == nil {
		e.ExecutedRules = []RuleResult{}
	}
	if e.Errors == nil {
		e.Errors = []string{}
	}
}

// sortNewestFirst orders by execution time, breaking ties by ID
func sortNewestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].ExecutionTime.Equal(entries[j].ExecutionTime) {
			return entries[i].ExecutionTime.After(entries[j].ExecutionTime)
		}
		return entries[i].ID > entries[j].ID
	})
}

// insert adds e to a newest-first slice and trims it to limit
func insert(entries []Entry, e Entry, limit int) []Entry {
	out := append([]Entry{e}, entries...)
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// page applies a query to a newest-first slice
func page(entries []Entry, q Query) *Page {
	q = q.Normalize()
	matched := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if q.Matches(e) {
			matched = append(matched, e)
		}
	}

	p := &Page{Entries: []Entry{}, Total: len(matched)}
	if q.Offset >= len(matched) {
		return p
	}
	end := q.Offset + q.Limit
	if end > len(matched) {
		end = len(matched)
	}
	for _, e := range matched[q.Offset:end] {
		p.Entries = append(p.Entries, e.clone())
	}
	return p
}

// prune drops entries older than the cutoff and returns the survivors and the count removed
func prune(entries []Entry, cutoff time.Time) ([]Entry, int) {
	kept := entries[:0:0]
	for _, e := range entries {
		if e.ExecutionTime.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
	}
	return kept, len(entries) - len(kept)
}

func pruneCutoff(now time.Time, maxAgeDays int) (time.Time, error) {
	if maxAgeDays < 1 {
		return time.Time{}, fmt.Errorf("maxAgeDays must be at least 1, got %d", maxAgeDays)
	}
	return now.Add(-time.Duration(maxAgeDays) * 24 * time.Hour), nil
}

func (e Entry) clone() Entry {
	c := e
	c.Errors = append([]string{}, e.Errors...)
	c.ExecutedRules = make([]RuleResult, len(e.ExecutedRules))
	for i, r := range e.ExecutedRules {
		r.Errors = append([]string{}, r.Errors...)
		c.ExecutedRules[i] = r
	}
	return c
}
