package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/liamcoop/queuerules/internal/filestore"
	"github.com/spf13/afero"
)

// ruleCollection is the on-disk layout of the rules file
type ruleCollection struct {
	Rules []*Rule `yaml:"rules"`
}

// FileRuleStore implements RuleStore on a single YAML file.
// Every mutation reads the whole collection, changes it and rewrites the file.
// Writers in this process are serialized; writers in other processes are last-writer-wins.
type FileRuleStore struct {
	fs   afero.Fs
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewFileRuleStore creates a store backed by the file at path
func NewFileRuleStore(fsys afero.Fs, path string) *FileRuleStore {
	return &FileRuleStore{
		fs:   fsys,
		path: path,
		now:  time.Now,
	}
}

// Path returns the file backing the store
func (s *FileRuleStore) Path() string {
	return s.path
}

// load reads the collection, seeding the default rules when the file has never been written
func (s *FileRuleStore) load() ([]*Rule, error) {
	var c ruleCollection
	err := filestore.Load(s.fs, s.path, &c)
	if errors.Is(err, filestore.ErrNotExist) {
		seeded := DefaultRules(s.now())
		if err := s.save(seeded); err != nil {
			return nil, fmt.Errorf("failed to seed default rules: %w", err)
		}
		return seeded, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	for _, r := range c.Rules {
		defaultScope(&r.Scope)
	}
	return c.Rules, nil
}

func (s *FileRuleStore) save(all []*Rule) error {
	if err := filestore.Save(s.fs, s.path, ruleCollection{Rules: all}); err != nil {
		return fmt.Errorf("failed to save rules: %w", err)
	}
	return nil
}

// List returns every rule in file order
func (s *FileRuleStore) List(ctx context.Context) ([]*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Rule, 0, len(all))
	for _, r := range all {
		out = append(out, r.Clone())
	}
	return out, nil
}

// Get retrieves a rule by ID
func (s *FileRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.ID == id {
			return r.Clone(), nil
		}
	}
	return nil, notFound(id)
}

// Create appends a rule built from the draft and rewrites the file
func (s *FileRuleStore) Create(ctx context.Context, draft *Rule) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return nil, err
	}
	rule := prepareDraft(draft, s.now())
	if err := s.save(append(all, rule)); err != nil {
		return nil, err
	}
	return rule.Clone(), nil
}

// Update merges the patch into the matching rule and rewrites the file
func (s *FileRuleStore) Update(ctx context.Context, id string, patch Patch) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.ID != id {
			continue
		}
		patch.Apply(r)
		r.UpdatedAt = s.now()
		if err := s.save(all); err != nil {
			return nil, err
		}
		return r.Clone(), nil
	}
	return nil, notFound(id)
}

// Delete removes the matching rule and rewrites the file
func (s *FileRuleStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return false, err
	}
	for i, r := range all {
		if r.ID != id {
			continue
		}
		remaining := append(all[:i:i], all[i+1:]...)
		if err := s.save(remaining); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}
