package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const ruleColumns = `id, name, description, kind, enabled, from_status, to_status,
	time_mode, elapsed_days, target_date, target_time, conditions, scope,
	created_by, created_by_name, created_at, updated_at, last_executed_at, last_execution_count`

// PostgresRuleStore implements RuleStore backed by PostgreSQL
type PostgresRuleStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:  db,
		now: time.Now,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r              Rule
		conditionsJSON []byte
		scopeJSON      []byte
		lastExecuted   sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.Name, &r.Description, &r.Kind, &r.Enabled, &r.FromStatus, &r.ToStatus,
		&r.TimeMode, &r.ElapsedDays, &r.TargetDate, &r.TargetTime, &conditionsJSON, &scopeJSON,
		&r.CreatedBy, &r.CreatedByName, &r.CreatedAt, &r.UpdatedAt, &lastExecuted, &r.LastExecutionCount,
	)
	if err != nil {
		return nil, err
	}
	if len(conditionsJSON) > 0 {
		if err := json.Unmarshal(conditionsJSON, &r.Conditions); err != nil {
			return nil, fmt.Errorf("failed to decode conditions of rule %s: %w", r.ID, err)
		}
	}
	if len(scopeJSON) > 0 {
		if err := json.Unmarshal(scopeJSON, &r.Scope); err != nil {
			return nil, fmt.Errorf("failed to decode scope of rule %s: %w", r.ID, err)
		}
	}
	defaultScope(&r.Scope)
	if lastExecuted.Valid {
		t := lastExecuted.Time
		r.LastExecutedAt = &t
	}
	return &r, nil
}

func encodeRuleJSON(r *Rule) (conditions, scope []byte, err error) {
	conds := r.Conditions
	if conds == nil {
		conds = []Condition{}
	}
	conditions, err = json.Marshal(conds)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode conditions: %w", err)
	}
	scope, err = json.Marshal(r.Scope)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode scope: %w", err)
	}
	return conditions, scope, nil
}

// List returns all rules ordered by creation time
func (s *PostgresRuleStore) List(ctx context.Context) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rulesList, nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return r, nil
}

// Create inserts a rule built from the draft
func (s *PostgresRuleStore) Create(ctx context.Context, draft *Rule) (*Rule, error) {
	rule := prepareDraft(draft, s.now().UTC())
	conditions, scope, err := encodeRuleJSON(rule)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, rule.ID, rule.Name, rule.Description, rule.Kind, rule.Enabled, rule.FromStatus, rule.ToStatus,
		rule.TimeMode, rule.ElapsedDays, rule.TargetDate, rule.TargetTime, conditions, scope,
		rule.CreatedBy, rule.CreatedByName, rule.CreatedAt, rule.UpdatedAt, rule.LastExecutedAt, rule.LastExecutionCount)
	if err != nil {
		return nil, fmt.Errorf("failed to insert rule: %w", err)
	}

	return rule, nil
}

// Update merges the patch into the stored rule and writes it back
func (s *PostgresRuleStore) Update(ctx context.Context, id string, patch Patch) (*Rule, error) {
	rule, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	patch.Apply(rule)
	rule.UpdatedAt = s.now().UTC()
	conditions, scope, err := encodeRuleJSON(rule)
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE rules
		SET name = $1, description = $2, kind = $3, enabled = $4, from_status = $5, to_status = $6,
			time_mode = $7, elapsed_days = $8, target_date = $9, target_time = $10, conditions = $11,
			scope = $12, updated_at = $13, last_executed_at = $14, last_execution_count = $15
		WHERE id = $16
	`, rule.Name, rule.Description, rule.Kind, rule.Enabled, rule.FromStatus, rule.ToStatus,
		rule.TimeMode, rule.ElapsedDays, rule.TargetDate, rule.TargetTime, conditions,
		scope, rule.UpdatedAt, rule.LastExecutedAt, rule.LastExecutionCount, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, notFound(id)
	}

	return rule, nil
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}
