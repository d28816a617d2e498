package records

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/liamcoop/queuerules/filter"
	"github.com/liamcoop/queuerules/queue"
)

// SQLConfig describes the table holding contributor-project records
type SQLConfig struct {
	Table       string          `mapstructure:"table"`
	Fields      filter.FieldMap `mapstructure:"fields"`
	ExtraFields []string        `mapstructure:"extraFields"`
	PageSize    int             `mapstructure:"pageSize"`
}

// SQLStore reads and updates records in a SQL table.
// Pages are keyset-paginated on the ID column; the cursor is the last ID of the previous page.
type SQLStore struct {
	db          *sql.DB
	cfg         SQLConfig
	placeholder sq.PlaceholderFormat
	now         func() time.Time
}

// NewSQLStore creates a store over db. driver selects the placeholder style ("postgres" uses $n).
func NewSQLStore(db *sql.DB, driver string, cfg SQLConfig) (*SQLStore, error) {
	if err := filter.ValidateField(cfg.Table); err != nil {
		return nil, fmt.Errorf("invalid record table: %w", err)
	}
	if err := cfg.Fields.Validate(); err != nil {
		return nil, err
	}
	for _, f := range cfg.ExtraFields {
		if err := filter.ValidateField(f); err != nil {
			return nil, err
		}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = MaxBatchSize
	}

	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == "postgres" || driver == "pgx" {
		placeholder = sq.Dollar
	}

	return &SQLStore{
		db:          db,
		cfg:         cfg,
		placeholder: placeholder,
		now:         time.Now,
	}, nil
}

// Ping checks the database connection
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) columns() []string {
	f := s.cfg.Fields
	cols := []string{f.ID, f.Name, f.Status, f.Project, f.Objective, f.LastStatusChange}
	return append(cols, s.cfg.ExtraFields...)
}

// Query returns the page of records matching pred after cursor
func (s *SQLStore) Query(ctx context.Context, pred filter.Predicate, cursor string) (*Page, error) {
	if pred.MatchesNothing() {
		return &Page{}, nil
	}

	q := sq.Select(s.columns()...).
		From(s.cfg.Table).
		Where(pred.Sqlizer()).
		OrderBy(s.cfg.Fields.ID).
		Limit(uint64(s.cfg.PageSize + 1)).
		PlaceholderFormat(s.placeholder).
		RunWith(s.db)
	if cursor != "" {
		q = q.Where(sq.Gt{s.cfg.Fields.ID: cursor})
	}

	rows, err := q.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	page := &Page{}
	for rows.Next() {
		rec, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		page.Records = append(page.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	if len(page.Records) > s.cfg.PageSize {
		page.Records = page.Records[:s.cfg.PageSize]
		page.NextCursor = page.Records[len(page.Records)-1].ID
	}
	return page, nil
}

func (s *SQLStore) scan(rows *sql.Rows) (CandidateRecord, error) {
	var (
		rec        CandidateRecord
		name       sql.NullString
		status     sql.NullString
		project    sql.NullString
		objective  sql.NullString
		lastChange sql.NullTime
	)
	extras := make([]any, len(s.cfg.ExtraFields))
	dest := []any{&rec.ID, &name, &status, &project, &objective, &lastChange}
	for i := range extras {
		dest = append(dest, &extras[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return rec, err
	}

	rec.Name = name.String
	rec.ProjectID = project.String
	rec.ObjectiveID = objective.String
	if parsed, err := queue.ParseStatus(status.String); err == nil {
		rec.CurrentStatus = parsed
	} else {
		rec.CurrentStatus = queue.Status(status.String)
	}
	if lastChange.Valid {
		t := lastChange.Time
		rec.LastStatusChangeAt = &t
	}
	if len(extras) > 0 {
		rec.Fields = make(map[string]any, len(extras))
		for i, field := range s.cfg.ExtraFields {
			v := extras[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			rec.Fields[field] = v
		}
	}
	return rec, nil
}

// UpdateStatuses writes each update individually and reports per-record results.
// The status change timestamp is stamped with the current time.
func (s *SQLStore) UpdateStatuses(ctx context.Context, updates []StatusUpdate) ([]UpdateResult, error) {
	if len(updates) > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d updates exceeds limit of %d", len(updates), MaxBatchSize)
	}

	results := make([]UpdateResult, 0, len(updates))
	for _, u := range updates {
		res, err := sq.Update(s.cfg.Table).
			Set(s.cfg.Fields.Status, u.Status.StoreValue()).
			Set(s.cfg.Fields.LastStatusChange, s.now().UTC()).
			Where(sq.Eq{s.cfg.Fields.ID: u.ID}).
			PlaceholderFormat(s.placeholder).
			RunWith(s.db).
			ExecContext(ctx)
		if err != nil {
			results = append(results, UpdateResult{ID: u.ID, Error: err.Error()})
			continue
		}
		affected, err := res.RowsAffected()
		if err != nil {
			results = append(results, UpdateResult{ID: u.ID, Error: err.Error()})
			continue
		}
		if affected == 0 {
			results = append(results, UpdateResult{ID: u.ID, Error: "record not found"})
			continue
		}
		results = append(results, UpdateResult{ID: u.ID, Success: true})
	}
	return results, nil
}
