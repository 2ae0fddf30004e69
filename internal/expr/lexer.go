package expr

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tkEOF tokenKind = iota
	tkIdent
	tkNumber
	tkString
	tkNull
	tkOp     // == != < <= > >=
	tkAnd    // &&
	tkOr     // ||
	tkLParen
	tkRParen
)

type compareOp int

const (
	opEQ compareOp = iota
	opNE
	opLT
	opLE
	opGT
	opGE
)

func (o compareOp) String() string {
	switch o {
	case opEQ:
		return "=="
	case opNE:
		return "!="
	case opLT:
		return "<"
	case opLE:
		return "<="
	case opGT:
		return ">"
	default:
		return ">="
	}
}

type token struct {
	kind tokenKind
	pos  int
	text string
	op   compareOp // valid when kind == tkOp
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) next() (token, *CompileError) {
	for l.pos < len(l.input) && (l.input[l.pos] == ' ' || l.input[l.pos] == '\t' || l.input[l.pos] == '\n' || l.input[l.pos] == '\r') {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tkEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.input[l.pos]

	switch c {
	case '(':
		l.pos++
		return token{kind: tkLParen, pos: start, text: "("}, nil
	case ')':
		l.pos++
		return token{kind: tkRParen, pos: start, text: ")"}, nil
	case '&':
		if l.peekAt(l.pos+1) == '&' {
			l.pos += 2
			return token{kind: tkAnd, pos: start, text: "&&"}, nil
		}
		return token{}, errAt(start, "&", "expected &&")
	case '|':
		if l.peekAt(l.pos+1) == '|' {
			l.pos += 2
			return token{kind: tkOr, pos: start, text: "||"}, nil
		}
		return token{}, errAt(start, "|", "expected ||")
	case '=':
		if l.peekAt(l.pos+1) == '=' {
			l.pos += 2
			return token{kind: tkOp, pos: start, text: "==", op: opEQ}, nil
		}
		return token{}, errAt(start, "=", "expected ==")
	case '!':
		if l.peekAt(l.pos+1) == '=' {
			l.pos += 2
			return token{kind: tkOp, pos: start, text: "!=", op: opNE}, nil
		}
		return token{}, errAt(start, "!", "expected != (negation is not supported)")
	case '<':
		if l.peekAt(l.pos+1) == '=' {
			l.pos += 2
			return token{kind: tkOp, pos: start, text: "<=", op: opLE}, nil
		}
		l.pos++
		return token{kind: tkOp, pos: start, text: "<", op: opLT}, nil
	case '>':
		if l.peekAt(l.pos+1) == '=' {
			l.pos += 2
			return token{kind: tkOp, pos: start, text: ">=", op: opGE}, nil
		}
		l.pos++
		return token{kind: tkOp, pos: start, text: ">", op: opGT}, nil
	case '"':
		return l.scanString()
	}

	if c >= '0' && c <= '9' {
		return l.scanNumber()
	}
	if isIdentStart(rune(c)) {
		return l.scanIdent()
	}

	return token{}, errAt(start, string(c), "unexpected character")
}

func (l *lexer) peekAt(i int) byte {
	if i >= len(l.input) {
		return 0
	}
	return l.input[i]
}

func (l *lexer) scanString() (token, *CompileError) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		switch c {
		case '"':
			l.pos++
			return token{kind: tkString, pos: start, text: sb.String()}, nil
		case '\\':
			if l.pos+1 >= len(l.input) {
				return token{}, errAt(start, l.input[start:], "unterminated string literal")
			}
			esc := l.input[l.pos+1]
			if esc != '"' && esc != '\\' {
				return token{}, errAt(l.pos, string([]byte{'\\', esc}), "unsupported escape")
			}
			sb.WriteByte(esc)
			l.pos += 2
		default:
			sb.WriteByte(c)
			l.pos++
		}
	}
	return token{}, errAt(start, l.input[start:], "unterminated string literal")
}

func (l *lexer) scanNumber() (token, *CompileError) {
	start := l.pos
	seenDot := false
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c >= '0' && c <= '9' {
			l.pos++
			continue
		}
		if c == '.' && !seenDot {
			seenDot = true
			l.pos++
			continue
		}
		break
	}
	text := l.input[start:l.pos]
	if strings.HasSuffix(text, ".") {
		return token{}, errAt(start, text, "malformed number")
	}
	return token{kind: tkNumber, pos: start, text: text}, nil
}

func (l *lexer) scanIdent() (token, *CompileError) {
	start := l.pos
	for l.pos < len(l.input) && isIdentPart(rune(l.input[l.pos])) {
		l.pos++
	}
	text := l.input[start:l.pos]
	if text == "null" {
		return token{kind: tkNull, pos: start, text: text}, nil
	}
	return token{kind: tkIdent, pos: start, text: text}, nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
