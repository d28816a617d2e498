package rules

import (
	"time"

	"github.com/liamcoop/queuerules/filter"
	"github.com/liamcoop/queuerules/queue"
)

// Kind selects how a rule decides whether a record should move
type Kind string

const (
	KindTimeBased      Kind = "time_based"
	KindConditionBased Kind = "condition_based"
)

// TimeMode selects how a time-based rule measures time
type TimeMode string

const (
	TimeModeElapsedDays      TimeMode = "elapsed_days"
	TimeModeSpecificDateTime TimeMode = "specific_datetime"
)

// Operator is a condition comparison
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "notEquals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greaterThan"
	OpLessThan    Operator = "lessThan"
)

// FieldType is the declared type of the record field a condition reads
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldDate    FieldType = "date"
)

// ScopeMode selects how a scope filter narrows candidates
type ScopeMode string

const (
	ScopeNone    ScopeMode = "none"
	ScopeInclude ScopeMode = "include"
	ScopeExclude ScopeMode = "exclude"
)

// Date and time layouts used by specific-date rules
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// Condition is one field comparison. Conditions on a rule are AND-ed.
type Condition struct {
	Field    string    `json:"field" yaml:"field"`
	Operator Operator  `json:"operator" yaml:"operator"`
	Value    string    `json:"value" yaml:"value"`
	Type     FieldType `json:"type,omitempty" yaml:"type,omitempty"`
}

// ScopeFilter narrows a rule to a set of external identifiers.
// Include with nothing selected matches nothing; exclude with nothing selected matches everything.
type ScopeFilter struct {
	Mode     ScopeMode `json:"mode" yaml:"mode"`
	Selected []string  `json:"selected" yaml:"selected"`
}

// Scope holds the three independent scoping dimensions of a rule
type Scope struct {
	Projects   ScopeFilter `json:"projects" yaml:"projects"`
	Objectives ScopeFilter `json:"objectives" yaml:"objectives"`
	Records    ScopeFilter `json:"records" yaml:"records"`
}

// Rule is a persisted automation definition
type Rule struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Kind        Kind         `json:"kind" yaml:"kind"`
	Enabled     bool         `json:"enabled" yaml:"enabled"`
	FromStatus  queue.Status `json:"fromStatus" yaml:"fromStatus"`
	ToStatus    queue.Status `json:"toStatus" yaml:"toStatus"`

	TimeMode    TimeMode `json:"timeMode,omitempty" yaml:"timeMode,omitempty"`
	ElapsedDays int      `json:"elapsedDays,omitempty" yaml:"elapsedDays,omitempty"`
	TargetDate  string   `json:"targetDate,omitempty" yaml:"targetDate,omitempty"`
	TargetTime  string   `json:"targetTime,omitempty" yaml:"targetTime,omitempty"`

	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Scope      Scope       `json:"scope" yaml:"scope"`

	CreatedBy          string     `json:"createdBy,omitempty" yaml:"createdBy,omitempty"`
	CreatedByName      string     `json:"createdByName,omitempty" yaml:"createdByName,omitempty"`
	CreatedAt          time.Time  `json:"createdAt" yaml:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt" yaml:"updatedAt"`
	LastExecutedAt     *time.Time `json:"lastExecutedAt,omitempty" yaml:"lastExecutedAt,omitempty"`
	LastExecutionCount int        `json:"lastExecutionCount" yaml:"lastExecutionCount"`
}

// Patch is a shallow update. Nil fields are left untouched.
type Patch struct {
	Name               *string       `json:"name,omitempty"`
	Description        *string       `json:"description,omitempty"`
	Kind               *Kind         `json:"kind,omitempty"`
	Enabled            *bool         `json:"enabled,omitempty"`
	FromStatus         *queue.Status `json:"fromStatus,omitempty"`
	ToStatus           *queue.Status `json:"toStatus,omitempty"`
	TimeMode           *TimeMode     `json:"timeMode,omitempty"`
	ElapsedDays        *int          `json:"elapsedDays,omitempty"`
	TargetDate         *string       `json:"targetDate,omitempty"`
	TargetTime         *string       `json:"targetTime,omitempty"`
	Conditions         *[]Condition  `json:"conditions,omitempty"`
	Scope              *Scope        `json:"scope,omitempty"`
	LastExecutedAt     *time.Time    `json:"lastExecutedAt,omitempty"`
	LastExecutionCount *int          `json:"lastExecutionCount,omitempty"`
}

// Apply merges the patch into r
func (p Patch) Apply(r *Rule) {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Kind != nil {
		r.Kind = *p.Kind
	}
	if p.Enabled != nil {
		r.Enabled = *p.Enabled
	}
	if p.FromStatus != nil {
		r.FromStatus = *p.FromStatus
	}
	if p.ToStatus != nil {
		r.ToStatus = *p.ToStatus
	}
	if p.TimeMode != nil {
		r.TimeMode = *p.TimeMode
	}
	if p.ElapsedDays != nil {
		r.ElapsedDays = *p.ElapsedDays
	}
	if p.TargetDate != nil {
		r.TargetDate = *p.TargetDate
	}
	if p.TargetTime != nil {
		r.TargetTime = *p.TargetTime
	}
	if p.Conditions != nil {
		r.Conditions = append([]Condition(nil), (*p.Conditions)...)
	}
	if p.Scope != nil {
		r.Scope = p.Scope.clone()
	}
	if p.LastExecutedAt != nil {
		t := *p.LastExecutedAt
		r.LastExecutedAt = &t
	}
	if p.LastExecutionCount != nil {
		r.LastExecutionCount = *p.LastExecutionCount
	}
}

// Clone returns a deep copy so callers cannot mutate stored rules
func (r *Rule) Clone() *Rule {
	c := *r
	c.Conditions = append([]Condition(nil), r.Conditions...)
	c.Scope = r.Scope.clone()
	if r.LastExecutedAt != nil {
		t := *r.LastExecutedAt
		c.LastExecutedAt = &t
	}
	return &c
}

func (s Scope) clone() Scope {
	return Scope{
		Projects:   s.Projects.clone(),
		Objectives: s.Objectives.clone(),
		Records:    s.Records.clone(),
	}
}

func (f ScopeFilter) clone() ScopeFilter {
	return ScopeFilter{Mode: f.Mode, Selected: append([]string(nil), f.Selected...)}
}

// EvaluationResult is the outcome of evaluating one rule against one record
type EvaluationResult struct {
	RuleID   string
	RuleName string
	RecordID string
	Matched  bool
	Error    error
}

// Dimensions resolves the scope against the record-store fields it filters
func (s Scope) Dimensions(fields filter.FieldMap) []filter.Dimension {
	return []filter.Dimension{
		{Field: fields.Project, Mode: filter.Mode(s.Projects.Mode), Selected: s.Projects.Selected},
		{Field: fields.Objective, Mode: filter.Mode(s.Objectives.Mode), Selected: s.Objectives.Selected},
		{Field: fields.ID, Mode: filter.Mode(s.Records.Mode), Selected: s.Records.Selected},
	}
}

// Predicate compiles the query selecting this rule's candidate records
func (r *Rule) Predicate(fields filter.FieldMap) (filter.Predicate, error) {
	return filter.Compile(normalizeStatus(r.FromStatus), fields, r.Scope.Dimensions(fields)...)
}
