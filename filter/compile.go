// Package filter compiles a rule's status and scope into a record-store query predicate.
package filter

import (
	"fmt"

	"github.com/liamcoop/queuerules/queue"
)

// Mode selects how a dimension narrows candidates
type Mode string

const (
	ModeNone    Mode = "none"
	ModeInclude Mode = "include"
	ModeExclude Mode = "exclude"
)

// Dimension is one scoping filter resolved to a record-store field
type Dimension struct {
	Field    string
	Mode     Mode
	Selected []string
}

// FieldMap names the record-store fields the compiler and the record adapters read
type FieldMap struct {
	ID               string `mapstructure:"id"`
	Name             string `mapstructure:"name"`
	Status           string `mapstructure:"status"`
	Project          string `mapstructure:"project"`
	Objective        string `mapstructure:"objective"`
	LastStatusChange string `mapstructure:"lastStatusChange"`
}

// DefaultFieldMap returns the column names used by the bundled SQL schema
func DefaultFieldMap() FieldMap {
	return FieldMap{
		ID:               "id",
		Name:             "name",
		Status:           "queue_status",
		Project:          "project_id",
		Objective:        "objective_id",
		LastStatusChange: "last_status_change_at",
	}
}

// Validate checks every mapped field name
func (m FieldMap) Validate() error {
	for _, f := range []string{m.ID, m.Name, m.Status, m.Project, m.Objective, m.LastStatusChange} {
		if err := ValidateField(f); err != nil {
			return err
		}
	}
	return nil
}

// Compile builds the predicate selecting records in `from` that pass every dimension.
// An include dimension with nothing selected short-circuits to MatchNone.
func Compile(from queue.Status, fields FieldMap, dims ...Dimension) (Predicate, error) {
	if !from.Known() {
		return nil, fmt.Errorf("unknown source status %q", from)
	}
	if err := ValidateField(fields.Status); err != nil {
		return nil, err
	}
	if err := ValidateField(fields.ID); err != nil {
		return nil, err
	}

	preds := And{StatusEquals{Field: fields.Status, Status: from}}
	for _, d := range dims {
		p, err := compileDimension(d)
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}
		if p.MatchesNothing() {
			return MatchNone{IDField: fields.ID}, nil
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func compileDimension(d Dimension) (Predicate, error) {
	switch d.Mode {
	case "", ModeNone:
		return nil, nil
	case ModeInclude:
		if err := ValidateField(d.Field); err != nil {
			return nil, err
		}
		return In{Field: d.Field, Values: dedupe(d.Selected)}, nil
	case ModeExclude:
		if len(d.Selected) == 0 {
			return nil, nil
		}
		if err := ValidateField(d.Field); err != nil {
			return nil, err
		}
		return NotInOrNull{Field: d.Field, Values: dedupe(d.Selected)}, nil
	default:
		return nil, fmt.Errorf("unknown scope mode %q for field %s", d.Mode, d.Field)
	}
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
