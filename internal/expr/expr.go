// Package expr compiles rule conditions from a restricted expression grammar
// into pure predicates over an evaluation context.
//
// The grammar admits comparisons of a context field against a literal
// (==, !=, <, <=, >, >=), combined with &&, || and parentheses. Numeric
// literals compare against decimal fields with exact decimal arithmetic;
// double-quoted string literals compare against string fields; the bare
// token null may appear on the right of == or != for nullable fields.
package expr

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Context is the read-only projection of an application used for condition
// evaluation. Built per evaluation; never persisted.
type Context struct {
	Amount          decimal.Decimal
	IncomeMonthly   decimal.Decimal
	CreditScore     *int
	EmploymentType  string
	ProductType     string
	ApplicationDate time.Time

	// Additional holds caller-supplied scalar extensions. Not addressable
	// from the grammar today; carried for forward compatibility.
	Additional map[string]any
}

// Predicate is a compiled condition. Pure: no side effects, no errors.
type Predicate func(*Context) bool

// Field describes one entry of the recognized-field catalog.
type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // "decimal", "int", "string", "timestamp"
	Nullable bool   `json:"nullable"`
}

type fieldKind int

const (
	kindDecimal fieldKind = iota
	kindNullableInt
	kindString
	kindTime
)

var catalog = map[string]fieldKind{
	"Amount":          kindDecimal,
	"IncomeMonthly":   kindDecimal,
	"CreditScore":     kindNullableInt,
	"EmploymentType":  kindString,
	"ProductType":     kindString,
	"ApplicationDate": kindTime,
}

// Fields returns the catalog of recognized field names, in a stable order.
func Fields() []Field {
	return []Field{
		{Name: "Amount", Type: "decimal"},
		{Name: "IncomeMonthly", Type: "decimal"},
		{Name: "CreditScore", Type: "int", Nullable: true},
		{Name: "EmploymentType", Type: "string"},
		{Name: "ProductType", Type: "string"},
		{Name: "ApplicationDate", Type: "timestamp"},
	}
}

// CompileError reports why an expression failed to compile, including the
// offending fragment and its byte offset.
type CompileError struct {
	Pos      int
	Fragment string
	Msg      string
}

func (e *CompileError) Error() string {
	if e.Fragment == "" {
		return fmt.Sprintf("invalid expression: %s (offset %d)", e.Msg, e.Pos)
	}
	return fmt.Sprintf("invalid expression: %s near %q (offset %d)", e.Msg, e.Fragment, e.Pos)
}

func errAt(pos int, fragment, format string, args ...any) *CompileError {
	return &CompileError{Pos: pos, Fragment: fragment, Msg: fmt.Sprintf(format, args...)}
}

// Compile parses and type-checks the condition, returning a pure predicate.
func Compile(input string) (Predicate, error) {
	n, err := parse(input)
	if err != nil {
		return nil, err
	}
	return n.eval, nil
}

// Validate reports whether Compile would succeed. Never panics.
func Validate(input string) bool {
	_, err := parse(input)
	return err == nil
}
