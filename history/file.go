package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/liamcoop/queuerules/internal/filestore"
	"github.com/spf13/afero"
)

type entryCollection struct {
	Entries []Entry `yaml:"entries"`
}

// FileStore keeps the whole history in one YAML file and rewrites it on every change
type FileStore struct {
	fs   afero.Fs
	path string
	cap  int
	now  func() time.Time
	mu   sync.Mutex
}

// NewFileStore creates a store backed by the file at path
func NewFileStore(fsys afero.Fs, path string, capacity int) *FileStore {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &FileStore{fs: fsys, path: path, cap: capacity, now: time.Now}
}

func (s *FileStore) load() ([]Entry, error) {
	var c entryCollection
	err := filestore.Load(s.fs, s.path, &c)
	if errors.Is(err, filestore.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	sortNewestFirst(c.Entries)
	return c.Entries, nil
}

func (s *FileStore) save(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	if err := filestore.Save(s.fs, s.path, entryCollection{Entries: entries}); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

// Append records an entry
func (s *FileStore) Append(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	prepare(e, s.now())
	return s.save(insert(entries, e.clone(), s.cap))
}

// Query returns a page of matching entries
func (s *FileStore) Query(ctx context.Context, q Query) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	return page(entries, q), nil
}

// Prune removes entries older than maxAgeDays
func (s *FileStore) Prune(ctx context.Context, maxAgeDays int) (int, error) {
	cutoff, err := pruneCutoff(s.now(), maxAgeDays)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return 0, err
	}
	kept, removed := prune(entries, cutoff)
	if removed == 0 {
		return 0, nil
	}
	if err := s.save(kept); err != nil {
		return 0, err
	}
	return removed, nil
}
