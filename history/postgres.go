package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore keeps history in the execution_history table
type PostgresStore struct {
	db  *sql.DB
	cap int
	now func() time.Time
}

// NewPostgresStore creates a PostgreSQL-backed history store
func NewPostgresStore(db *sql.DB, capacity int) *PostgresStore {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &PostgresStore{db: db, cap: capacity, now: time.Now}
}

// Append inserts the entry and deletes whatever falls past the cap
func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	prepare(e, s.now().UTC())

	executed, err := json.Marshal(e.ExecutedRules)
	if err != nil {
		return fmt.Errorf("failed to encode executed rules: %w", err)
	}
	errs, err := json.Marshal(e.Errors)
	if err != nil {
		return fmt.Errorf("failed to encode errors: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = psql.Insert("execution_history").
		Columns("id", "execution_time", "duration_ms", "triggered_by", "triggered_by_user",
			"rules_executed", "rules_processed", "rules_updated", "executed_rules", "errors", "timed_out").
		Values(e.ID, e.ExecutionTime, e.DurationMs, string(e.TriggeredBy), e.TriggeredByUser,
			e.RulesExecuted, e.RulesProcessed, e.RulesUpdated, executed, errs, e.TimedOut).
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM execution_history
		WHERE id IN (
			SELECT id FROM execution_history
			ORDER BY execution_time DESC, id DESC
			OFFSET $1
		)
	`, s.cap)
	if err != nil {
		return fmt.Errorf("failed to enforce history cap: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) where(q Query) sq.And {
	where := sq.And{}
	if q.RuleID != "" {
		contains, _ := json.Marshal([]map[string]string{{"ruleId": q.RuleID}})
		where = append(where, sq.Expr("executed_rules @> ?::jsonb", string(contains)))
	}
	if q.StartDate != nil {
		where = append(where, sq.GtOrEq{"execution_time": *q.StartDate})
	}
	if q.EndDate != nil {
		where = append(where, sq.LtOrEq{"execution_time": *q.EndDate})
	}
	return where
}

// Query returns a page of matching entries
func (s *PostgresStore) Query(ctx context.Context, q Query) (*Page, error) {
	q = q.Normalize()
	where := s.where(q)

	p := &Page{Entries: []Entry{}}
	err := psql.Select("COUNT(*)").From("execution_history").Where(where).
		RunWith(s.db).QueryRowContext(ctx).Scan(&p.Total)
	if err != nil {
		return nil, fmt.Errorf("failed to count history: %w", err)
	}

	rows, err := psql.Select("id", "execution_time", "duration_ms", "triggered_by", "triggered_by_user",
		"rules_executed", "rules_processed", "rules_updated", "executed_rules", "errors", "timed_out").
		From("execution_history").
		Where(where).
		OrderBy("execution_time DESC", "id DESC").
		Limit(uint64(q.Limit)).
		Offset(uint64(q.Offset)).
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e        Entry
			trigger  string
			executed []byte
			errs     []byte
		)
		if err := rows.Scan(&e.ID, &e.ExecutionTime, &e.DurationMs, &trigger, &e.TriggeredByUser,
			&e.RulesExecuted, &e.RulesProcessed, &e.RulesUpdated, &executed, &errs, &e.TimedOut); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		e.TriggeredBy = Trigger(trigger)
		if err := json.Unmarshal(executed, &e.ExecutedRules); err != nil {
			return nil, fmt.Errorf("failed to decode executed rules of %s: %w", e.ID, err)
		}
		if err := json.Unmarshal(errs, &e.Errors); err != nil {
			return nil, fmt.Errorf("failed to decode errors of %s: %w", e.ID, err)
		}
		p.Entries = append(p.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return p, nil
}

// Prune removes entries older than maxAgeDays
func (s *PostgresStore) Prune(ctx context.Context, maxAgeDays int) (int, error) {
	cutoff, err := pruneCutoff(s.now().UTC(), maxAgeDays)
	if err != nil {
		return 0, err
	}

	result, err := psql.Delete("execution_history").
		Where(sq.Lt{"execution_time": cutoff}).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(removed), nil
}
