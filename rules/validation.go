package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/liamcoop/queuerules/filter"
	"github.com/liamcoop/queuerules/queue"
)

// ErrInvalidRule is wrapped by every validation failure
var ErrInvalidRule = errors.New("invalid rule")

const (
	maxNameLength     = 200
	maxConditions     = 50
	maxScopeSelection = 1000
	maxElapsedDays    = 3650
)

// ValidateRule checks a rule definition before it is saved.
// Status names are canonicalized in place, so "calibration" and "--None--" are accepted.
// Transition legality is not checked here; the executor validates it when the rule runs.
func ValidateRule(r *Rule) error {
	if strings.TrimSpace(r.Name) == "" {
		return invalid("name is required")
	}
	if len(r.Name) > maxNameLength {
		return invalid("name length %d exceeds maximum of %d characters", len(r.Name), maxNameLength)
	}

	from, err := queue.ParseStatus(string(r.FromStatus))
	if err != nil {
		return invalid("fromStatus: %v", err)
	}
	to, err := queue.ParseStatus(string(r.ToStatus))
	if err != nil {
		return invalid("toStatus: %v", err)
	}
	r.FromStatus, r.ToStatus = from, to

	switch r.Kind {
	case KindTimeBased:
		if err := validateTiming(r); err != nil {
			return err
		}
	case KindConditionBased:
		if err := validateConditions(r.Conditions); err != nil {
			return err
		}
	default:
		return invalid("unknown kind %q (must be one of: %s, %s)", r.Kind, KindTimeBased, KindConditionBased)
	}

	for name, f := range map[string]ScopeFilter{
		"projects":   r.Scope.Projects,
		"objectives": r.Scope.Objectives,
		"records":    r.Scope.Records,
	} {
		switch f.Mode {
		case "", ScopeNone, ScopeInclude, ScopeExclude:
		default:
			return invalid("scope %s has unknown mode %q", name, f.Mode)
		}
		if len(f.Selected) > maxScopeSelection {
			return invalid("scope %s selects %d values, maximum allowed is %d", name, len(f.Selected), maxScopeSelection)
		}
	}

	return nil
}

func validateTiming(r *Rule) error {
	switch r.TimeMode {
	case TimeModeElapsedDays:
		if r.ElapsedDays < 1 {
			return invalid("elapsedDays must be at least 1")
		}
		if r.ElapsedDays > maxElapsedDays {
			return invalid("elapsedDays %d exceeds maximum of %d", r.ElapsedDays, maxElapsedDays)
		}
	case TimeModeSpecificDateTime:
		if _, err := time.Parse(DateLayout, r.TargetDate); err != nil {
			return invalid("targetDate %q must be YYYY-MM-DD", r.TargetDate)
		}
		if r.TargetTime != "" {
			if _, err := time.Parse(TimeLayout, r.TargetTime); err != nil {
				return invalid("targetTime %q must be HH:MM", r.TargetTime)
			}
		}
	default:
		return invalid("unknown timeMode %q", r.TimeMode)
	}
	return nil
}

func validateConditions(conds []Condition) error {
	if len(conds) == 0 {
		return invalid("condition rules need at least one condition")
	}
	if len(conds) > maxConditions {
		return invalid("rule has %d conditions, maximum allowed is %d", len(conds), maxConditions)
	}
	for i, c := range conds {
		if _, _, err := conditionExpr(c, i); err != nil {
			return invalid("condition %d: %v", i+1, err)
		}
	}
	return nil
}

// validateConditionField applies the same identifier rules the query compiler uses
func validateConditionField(name string) error {
	if err := filter.ValidateField(name); err != nil {
		return err
	}
	if isReservedKeyword(name) {
		return fmt.Errorf("cannot use reserved keyword %q as a field", name)
	}
	return nil
}

func isReservedKeyword(name string) bool {
	switch name {
	case "true", "false", "null", "in", "as", "import", "package", "namespace":
		return true
	}
	return false
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
}
