package queue

import "fmt"

// transitions is the fixed table of legal moves. It is not configurable at runtime.
var transitions = map[Status][]Status{
	None:        {Calibration, Production, Test, None},
	Calibration: {Production, Test, None},
	Production:  {Test, Calibration, None},
	Test:        {Production, Calibration, None},
}

// Transition is one proposed status change for a record
type Transition struct {
	ID   string `json:"id"`
	From Status `json:"from"`
	To   Status `json:"to"`
}

// ValidationError describes one illegal transition in a batch
type ValidationError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of validating a whole batch
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// AllowedTransitions returns the statuses reachable from `from`.
// Unknown statuses have no legal moves.
func AllowedTransitions(from Status) []Status {
	allowed, ok := transitions[from]
	if !ok {
		return nil
	}
	out := make([]Status, len(allowed))
	copy(out, allowed)
	return out
}

// IsValidTransition reports whether moving from `from` to `to` is legal
func IsValidTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateBatch checks every transition and reports all violations
func ValidateBatch(batch []Transition) ValidationResult {
	result := ValidationResult{Valid: true}
	for _, t := range batch {
		if msg := checkTransition(t.From, t.To); msg != "" {
			result.Valid = false
			result.Errors = append(result.Errors, ValidationError{ID: t.ID, Message: msg})
		}
	}
	return result
}

func checkTransition(from, to Status) string {
	if !from.Known() {
		return fmt.Sprintf("unknown source status %q", from)
	}
	if !to.Known() {
		return fmt.Sprintf("unknown target status %q", to)
	}
	if !IsValidTransition(from, to) {
		return fmt.Sprintf("invalid transition from %s to %s", from, to)
	}
	return ""
}
