package rules

import (
	"fmt"

	"github.com/opensource-finance/smartunderwrite/internal/domain"
	"github.com/opensource-finance/smartunderwrite/internal/expr"
)

// ValidationResult aggregates the structural and semantic findings for a
// rule definition. Warnings never fail validation.
type ValidationResult struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// IsValid reports whether the definition passed validation.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// ValidateDefinition checks a parsed definition for structural and semantic
// problems, compiling every condition to surface expression errors up front.
func ValidateDefinition(def *domain.RuleDefinition) *ValidationResult {
	res := &ValidationResult{Errors: []string{}, Warnings: []string{}}

	if def.Name == "" {
		res.addError("rule name is required")
	}
	if def.Priority < 0 {
		res.addError("priority must not be negative")
	}
	if len(def.Clauses) == 0 {
		res.addError("at least one clause is required")
	}

	for i, cl := range def.Clauses {
		if cl.If == "" {
			res.addError("clause %d: condition is required", i)
		} else if _, err := expr.Compile(cl.If); err != nil {
			res.addError("clause %d: %v", i, err)
		}
		switch {
		case cl.Then == "":
			res.addError("clause %d: action is required", i)
		case !domain.ValidOutcome(cl.Then):
			res.addError("clause %d: unknown action %q", i, cl.Then)
		}
		if cl.Reason == "" {
			res.addWarning("clause %d: no reason provided", i)
		}
	}

	if def.Score != nil {
		if def.Score.Base < 0 {
			res.addError("score base must not be negative")
		}
		validateModifiers(res, "add", def.Score.Add)
		validateModifiers(res, "subtract", def.Score.Subtract)
	}

	return res
}

func validateModifiers(res *ValidationResult, group string, mods []domain.ScoreModifier) {
	for i, m := range mods {
		if m.When == "" {
			res.addError("score %s modifier %d: condition is required", group, i)
		} else if _, err := expr.Compile(m.When); err != nil {
			res.addError("score %s modifier %d: %v", group, i, err)
		}
		if m.Points < 0 {
			res.addError("score %s modifier %d: points must not be negative", group, i)
		} else if m.Points == 0 {
			res.addWarning("score %s modifier %d: points is zero", group, i)
		}
	}
}

// ValidateJSON composes parse and validate. A JSON parse failure surfaces as
// a validation error rather than a call failure.
func ValidateJSON(definition string) *ValidationResult {
	def, err := ParseDefinition(definition)
	if err != nil {
		return &ValidationResult{
			Errors:   []string{err.Error()},
			Warnings: []string{},
		}
	}
	return ValidateDefinition(def)
}
