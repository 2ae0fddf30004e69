package expr

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// node is a type-checked AST node. Evaluation cannot fail: all type and
// field errors are rejected at compile time, and null comparisons follow
// the grammar's defined semantics instead of erroring.
type node interface {
	eval(*Context) bool
}

type andNode struct{ left, right node }

func (n *andNode) eval(c *Context) bool { return n.left.eval(c) && n.right.eval(c) }

type orNode struct{ left, right node }

func (n *orNode) eval(c *Context) bool { return n.left.eval(c) || n.right.eval(c) }

// decimalCmp compares a decimal field against a numeric literal.
type decimalCmp struct {
	get func(*Context) decimal.Decimal
	op  compareOp
	lit decimal.Decimal
}

func (n *decimalCmp) eval(c *Context) bool {
	return cmpHolds(n.get(c).Cmp(n.lit), n.op)
}

// nullableIntCmp compares a nullable int field against a numeric literal.
// A null value makes every numeric comparison false.
type nullableIntCmp struct {
	get func(*Context) *int
	op  compareOp
	lit decimal.Decimal
}

func (n *nullableIntCmp) eval(c *Context) bool {
	v := n.get(c)
	if v == nil {
		return false
	}
	return cmpHolds(decimal.NewFromInt(int64(*v)).Cmp(n.lit), n.op)
}

// nullCheck implements `field == null` / `field != null`.
type nullCheck struct {
	get     func(*Context) *int
	negated bool
}

func (n *nullCheck) eval(c *Context) bool {
	isNull := n.get(c) == nil
	if n.negated {
		return !isNull
	}
	return isNull
}

// stringCmp compares a string field against a string literal. Ordering
// operators compare lexicographically.
type stringCmp struct {
	get func(*Context) string
	op  compareOp
	lit string
}

func (n *stringCmp) eval(c *Context) bool {
	return cmpHolds(strings.Compare(n.get(c), n.lit), n.op)
}

// timeCmp compares a timestamp field against a literal parsed at compile
// time from a string literal (RFC 3339 or 2006-01-02).
type timeCmp struct {
	get func(*Context) time.Time
	op  compareOp
	lit time.Time
}

func (n *timeCmp) eval(c *Context) bool {
	v := n.get(c)
	switch {
	case v.Before(n.lit):
		return cmpHolds(-1, n.op)
	case v.After(n.lit):
		return cmpHolds(1, n.op)
	default:
		return cmpHolds(0, n.op)
	}
}

func cmpHolds(cmp int, op compareOp) bool {
	switch op {
	case opEQ:
		return cmp == 0
	case opNE:
		return cmp != 0
	case opLT:
		return cmp < 0
	case opLE:
		return cmp <= 0
	case opGT:
		return cmp > 0
	default:
		return cmp >= 0
	}
}

type parser struct {
	lex  *lexer
	cur  token
	expr string
}

// parse runs the recursive-descent parser over input.
//
// Grammar:
//
//	expr       := orExpr
//	orExpr     := andExpr { "||" andExpr }
//	andExpr    := primary { "&&" primary }
//	primary    := "(" expr ")" | comparison
//	comparison := IDENT op literal
func parse(input string) (node, *CompileError) {
	if strings.TrimSpace(input) == "" {
		return nil, errAt(0, "", "empty expression")
	}
	p := &parser{lex: &lexer{input: input}, expr: input}
	if err := p.advance(); err != nil {
		return nil, err
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tkEOF {
		return nil, errAt(p.cur.pos, p.cur.text, "unexpected trailing input")
	}
	return n, nil
}

func (p *parser) advance() *CompileError {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

func (p *parser) parseOr() (node, *CompileError) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tkOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, *CompileError) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tkAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = &andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parsePrimary() (node, *CompileError) {
	switch p.cur.kind {
	case tkLParen:
		open := p.cur.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tkRParen {
			return nil, errAt(open, "(", "unbalanced parentheses")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return n, nil
	case tkIdent:
		return p.parseComparison()
	case tkRParen:
		return nil, errAt(p.cur.pos, ")", "unbalanced parentheses")
	default:
		return nil, errAt(p.cur.pos, p.cur.text, "expected field name or (")
	}
}

func (p *parser) parseComparison() (node, *CompileError) {
	field := p.cur
	kind, ok := catalog[field.text]
	if !ok {
		return nil, errAt(field.pos, field.text, "unknown field")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.cur.kind != tkOp {
		return nil, errAt(p.cur.pos, p.cur.text, "expected comparison operator after %s", field.text)
	}
	op := p.cur.op
	if err := p.advance(); err != nil {
		return nil, err
	}

	lit := p.cur
	switch lit.kind {
	case tkNumber, tkString, tkNull:
	default:
		return nil, errAt(lit.pos, lit.text, "expected literal")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return buildComparison(field, kind, op, lit)
}

func buildComparison(field token, kind fieldKind, op compareOp, lit token) (node, *CompileError) {
	if lit.kind == tkNull {
		if kind != kindNullableInt {
			return nil, errAt(lit.pos, "null", "%s is not nullable", field.text)
		}
		if op != opEQ && op != opNE {
			return nil, errAt(lit.pos, "null", "null only supports == and !=")
		}
		return &nullCheck{get: getterNullableInt(field.text), negated: op == opNE}, nil
	}

	switch kind {
	case kindDecimal:
		if lit.kind != tkNumber {
			return nil, errAt(lit.pos, lit.text, "%s requires a numeric literal", field.text)
		}
		d, err := decimal.NewFromString(lit.text)
		if err != nil {
			return nil, errAt(lit.pos, lit.text, "malformed number")
		}
		return &decimalCmp{get: getterDecimal(field.text), op: op, lit: d}, nil

	case kindNullableInt:
		if lit.kind != tkNumber {
			return nil, errAt(lit.pos, lit.text, "%s requires a numeric literal", field.text)
		}
		d, err := decimal.NewFromString(lit.text)
		if err != nil {
			return nil, errAt(lit.pos, lit.text, "malformed number")
		}
		return &nullableIntCmp{get: getterNullableInt(field.text), op: op, lit: d}, nil

	case kindString:
		if lit.kind != tkString {
			return nil, errAt(lit.pos, lit.text, "%s requires a string literal", field.text)
		}
		return &stringCmp{get: getterString(field.text), op: op, lit: lit.text}, nil

	default: // kindTime
		if lit.kind != tkString {
			return nil, errAt(lit.pos, lit.text, "%s requires a string literal date", field.text)
		}
		t, perr := parseTimeLiteral(lit.text)
		if perr != nil {
			return nil, errAt(lit.pos, lit.text, "malformed date (want RFC 3339 or 2006-01-02)")
		}
		return &timeCmp{get: getterTime(field.text), op: op, lit: t}, nil
	}
}

func parseTimeLiteral(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func getterDecimal(name string) func(*Context) decimal.Decimal {
	if name == "Amount" {
		return func(c *Context) decimal.Decimal { return c.Amount }
	}
	return func(c *Context) decimal.Decimal { return c.IncomeMonthly }
}

func getterNullableInt(string) func(*Context) *int {
	return func(c *Context) *int { return c.CreditScore }
}

func getterString(name string) func(*Context) string {
	if name == "EmploymentType" {
		return func(c *Context) string { return c.EmploymentType }
	}
	return func(c *Context) string { return c.ProductType }
}

func getterTime(string) func(*Context) time.Time {
	return func(c *Context) time.Time { return c.ApplicationDate }
}
