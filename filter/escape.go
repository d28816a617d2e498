package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidField is returned when a field name cannot be safely placed in a query
var ErrInvalidField = errors.New("invalid field name")

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// ValidateField checks that name is a plain (optionally dotted) identifier of at most 100 characters.
// Field names are interpolated into queries, so anything else is rejected.
func ValidateField(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidField)
	}
	if len(name) > 100 {
		return fmt.Errorf("%w: %q exceeds 100 characters", ErrInvalidField, name)
	}
	if !fieldPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidField, name)
	}
	return nil
}

var literalReplacer = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
	"\b", `\b`,
	"\f", `\f`,
)

// QuoteLiteral renders v as a single-quoted string literal for the record store's query language
func QuoteLiteral(v string) string {
	return "'" + literalReplacer.Replace(v) + "'"
}

var likeReplacer = strings.NewReplacer(
	`\`, `\\`,
	`%`, `\%`,
	`_`, `\_`,
)

// EscapeLike neutralizes LIKE wildcards in untrusted free text.
// The result still needs QuoteLiteral (or a bound parameter) around the final pattern.
func EscapeLike(v string) string {
	return likeReplacer.Replace(v)
}

func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = QuoteLiteral(v)
	}
	return "(" + strings.Join(quoted, ", ") + ")"
}
