package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liamcoop/queuerules/queue"
)

// ErrRuleNotFound is returned when a rule ID does not exist
var ErrRuleNotFound = errors.New("rule not found")

// RuleStore manages rule persistence and retrieval
type RuleStore interface {
	// List returns every rule in store order
	List(ctx context.Context) ([]*Rule, error)

	// Get a rule by ID
	Get(ctx context.Context, id string) (*Rule, error)

	// Create persists a draft, assigning ID, timestamps and defaults
	Create(ctx context.Context, draft *Rule) (*Rule, error)

	// Update shallow-merges the patch and refreshes UpdatedAt
	Update(ctx context.Context, id string, patch Patch) (*Rule, error)

	// Delete removes a rule, reporting whether it existed
	Delete(ctx context.Context, id string) (bool, error)
}

// ListEnabled filters a store listing down to enabled rules, preserving order
func ListEnabled(ctx context.Context, store RuleStore) ([]*Rule, error) {
	all, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	enabled := make([]*Rule, 0, len(all))
	for _, r := range all {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	return enabled, nil
}

// notFound wraps ErrRuleNotFound with the offending ID
func notFound(id string) error {
	return fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
}

// prepareDraft copies a draft and fills in the ID, timestamps and defaults for absent optional fields
func prepareDraft(draft *Rule, now time.Time) *Rule {
	r := draft.Clone()
	r.ID = uuid.New().String()
	r.CreatedAt = now
	r.UpdatedAt = now
	r.LastExecutedAt = nil
	r.LastExecutionCount = 0
	applyDefaults(r)
	return r
}

// applyDefaults fills absent optional fields
func applyDefaults(r *Rule) {
	if r.Kind == "" {
		r.Kind = KindTimeBased
	}
	if r.FromStatus == "" {
		r.FromStatus = queue.None
	}
	if r.ToStatus == "" {
		r.ToStatus = queue.None
	}
	if r.Kind == KindTimeBased {
		if r.TimeMode == "" {
			r.TimeMode = TimeModeElapsedDays
		}
		if r.TimeMode == TimeModeElapsedDays && r.ElapsedDays == 0 {
			r.ElapsedDays = 7
		}
		if r.TimeMode == TimeModeSpecificDateTime && r.TargetTime == "" {
			r.TargetTime = "00:00"
		}
	}
	defaultScope(&r.Scope)
}

func defaultScope(s *Scope) {
	for _, f := range []*ScopeFilter{&s.Projects, &s.Objectives, &s.Records} {
		if f.Mode == "" {
			f.Mode = ScopeNone
		}
		if f.Selected == nil {
			f.Selected = []string{}
		}
	}
}

// DefaultRules returns the built-in seed rules. Both start disabled.
func DefaultRules(now time.Time) []*Rule {
	seeds := []*Rule{
		{
			Name:          "Calibration to Production after 7 days",
			Description:   "Move records that have sat in Calibration for a week into Production",
			Kind:          KindTimeBased,
			FromStatus:    queue.Calibration,
			ToStatus:      queue.Production,
			TimeMode:      TimeModeElapsedDays,
			ElapsedDays:   7,
			CreatedBy:     "system",
			CreatedByName: "System",
		},
		{
			Name:          "Calibration to Test after 14 days",
			Description:   "Move records that have sat in Calibration for two weeks into Test",
			Kind:          KindTimeBased,
			FromStatus:    queue.Calibration,
			ToStatus:      queue.Test,
			TimeMode:      TimeModeElapsedDays,
			ElapsedDays:   14,
			CreatedBy:     "system",
			CreatedByName: "System",
		},
	}
	out := make([]*Rule, 0, len(seeds))
	for _, s := range seeds {
		out = append(out, prepareDraft(s, now))
	}
	return out
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
// Listing order is creation order.
type InMemoryRuleStore struct {
	rules map[string]*Rule
	order []string
	now   func() time.Time
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates a new, empty in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*Rule),
		now:   time.Now,
	}
}

// NewSeededInMemoryRuleStore creates an in-memory store holding the default rules
func NewSeededInMemoryRuleStore() *InMemoryRuleStore {
	s := NewInMemoryRuleStore()
	for _, r := range DefaultRules(s.now()) {
		s.rules[r.ID] = r
		s.order = append(s.order, r.ID)
	}
	return s
}

// List returns copies of all rules
func (s *InMemoryRuleStore) List(ctx context.Context) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Rule, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.rules[id].Clone())
	}
	return out, nil
}

// Get retrieves a rule by ID
func (s *InMemoryRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, notFound(id)
	}
	return rule.Clone(), nil
}

// Create adds a new rule built from the draft
func (s *InMemoryRuleStore) Create(ctx context.Context, draft *Rule) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule := prepareDraft(draft, s.now())
	s.rules[rule.ID] = rule
	s.order = append(s.order, rule.ID)
	return rule.Clone(), nil
}

// Update merges the patch into an existing rule
func (s *InMemoryRuleStore) Update(ctx context.Context, id string, patch Patch) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[id]
	if !exists {
		return nil, notFound(id)
	}

	patch.Apply(existing)
	existing.UpdatedAt = s.now()
	return existing.Clone(), nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return false, nil
	}

	delete(s.rules, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}
