package filter

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/liamcoop/queuerules/queue"
)

// Predicate is a compiled query condition over record fields.
// It renders either as a SOQL-style WHERE clause with quoted literals (remote stores)
// or as a squirrel Sqlizer with bound parameters (SQL stores).
type Predicate interface {
	SOQL() string
	Sqlizer() sq.Sqlizer
	// MatchesNothing is true when no record can satisfy the predicate
	MatchesNothing() bool
}

// And requires every part to hold
type And []Predicate

func (a And) SOQL() string {
	parts := make([]string, 0, len(a))
	for _, p := range a {
		parts = append(parts, p.SOQL())
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return strings.Join(parts, " AND ")
}

func (a And) Sqlizer() sq.Sqlizer {
	and := make(sq.And, 0, len(a))
	for _, p := range a {
		and = append(and, p.Sqlizer())
	}
	return and
}

func (a And) MatchesNothing() bool {
	for _, p := range a {
		if p.MatchesNothing() {
			return true
		}
	}
	return false
}

// In restricts Field to Values
type In struct {
	Field  string
	Values []string
}

func (p In) SOQL() string {
	return fmt.Sprintf("%s IN %s", p.Field, quoteList(p.Values))
}

func (p In) Sqlizer() sq.Sqlizer {
	return sq.Eq{p.Field: p.Values}
}

func (p In) MatchesNothing() bool { return len(p.Values) == 0 }

// NotInOrNull excludes Values while letting records without a value through
type NotInOrNull struct {
	Field  string
	Values []string
}

func (p NotInOrNull) SOQL() string {
	return fmt.Sprintf("(%s = null OR %s NOT IN %s)", p.Field, p.Field, quoteList(p.Values))
}

func (p NotInOrNull) Sqlizer() sq.Sqlizer {
	return sq.Or{sq.Eq{p.Field: nil}, sq.NotEq{p.Field: p.Values}}
}

func (p NotInOrNull) MatchesNothing() bool { return false }

// StatusEquals matches records in Status. None matches empty, null and the unset marker.
type StatusEquals struct {
	Field  string
	Status queue.Status
}

func (p StatusEquals) SOQL() string {
	if p.Status == queue.None {
		return fmt.Sprintf("(%s = null OR %s = '' OR %s = %s)", p.Field, p.Field, p.Field, QuoteLiteral(queue.UnsetMarker))
	}
	return fmt.Sprintf("%s = %s", p.Field, QuoteLiteral(p.Status.StoreValue()))
}

func (p StatusEquals) Sqlizer() sq.Sqlizer {
	if p.Status == queue.None {
		return sq.Or{sq.Eq{p.Field: nil}, sq.Eq{p.Field: []string{"", queue.UnsetMarker}}}
	}
	return sq.Eq{p.Field: p.Status.StoreValue()}
}

func (p StatusEquals) MatchesNothing() bool { return false }

// Contains is a case-sensitive substring match on free text.
// The text is treated literally: LIKE wildcards in it are escaped.
type Contains struct {
	Field string
	Text  string
}

func (p Contains) SOQL() string {
	escaped := literalReplacer.Replace(p.Text)
	escaped = strings.NewReplacer(`%`, `\%`, `_`, `\_`).Replace(escaped)
	return fmt.Sprintf("%s LIKE '%%%s%%'", p.Field, escaped)
}

func (p Contains) Sqlizer() sq.Sqlizer {
	return sq.Expr(p.Field+` LIKE ? ESCAPE '\'`, "%"+EscapeLike(p.Text)+"%")
}

func (p Contains) MatchesNothing() bool { return false }

// MatchNone is satisfied by no record. IDField is used to render it in SOQL.
type MatchNone struct {
	IDField string
}

func (p MatchNone) SOQL() string {
	return fmt.Sprintf("%s = null", p.IDField)
}

func (p MatchNone) Sqlizer() sq.Sqlizer {
	return sq.Expr("1 = 0")
}

func (p MatchNone) MatchesNothing() bool { return true }
