// Package rules implements rule management and the evaluation engine:
// parsing and validating JSON rule definitions, versioned CRUD over the
// store, and priority-ordered evaluation of applications.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/smartunderwrite/internal/domain"
)

// ErrInvalidJSON indicates a rule definition that is not parseable JSON.
var ErrInvalidJSON = errors.New("invalid rule definition JSON")

// ParseDefinition deserializes a rule definition document. Parsing is
// lenient: keys match case-insensitively (encoding/json default), unknown
// fields are ignored for forward compatibility, and trailing commas are
// tolerated.
func ParseDefinition(definition string) (*domain.RuleDefinition, error) {
	cleaned := stripTrailingCommas(definition)
	var def domain.RuleDefinition
	if err := json.Unmarshal([]byte(cleaned), &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return &def, nil
}

// stripTrailingCommas removes commas that directly precede a closing } or ],
// ignoring string literals. encoding/json rejects them; authored rule JSON
// frequently carries them.
func stripTrailingCommas(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			sb.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
			sb.WriteByte(c)
		case ',':
			// Look ahead past whitespace; drop the comma when a closer follows.
			j := i + 1
			for j < len(s) && isJSONSpace(s[j]) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
			sb.WriteByte(c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
