package domain

import (
	"time"
)

// EvaluationResult is the transient output of one engine run.
type EvaluationResult struct {
	Outcome Outcome `json:"outcome"`
	Score   int     `json:"score"`

	// Ordered, deduplicated (first occurrence wins).
	Reasons []string `json:"reasons"`

	// Per-rule trace in evaluation order.
	RuleResults []RuleTrace `json:"ruleResults"`
}

// RuleTrace records what a single rule contributed to an evaluation.
type RuleTrace struct {
	RuleID   int64  `json:"ruleId"`
	RuleName string `json:"ruleName"`

	// Executed is false when the rule's definition failed to parse or
	// compile; Errors carries the detail.
	Executed bool `json:"executed"`

	Outcome     Outcome  `json:"outcome,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	ScoreImpact int      `json:"scoreImpact"`
	Errors      []string `json:"errors,omitempty"`
}

// Decision is the persisted record of an outcome for an application, either
// produced by the engine or entered by an underwriter overriding a
// manual-review result.
type Decision struct {
	ID            string      `json:"id"`
	AffiliateID   string      `json:"affiliateId"`
	ApplicationID string      `json:"applicationId"`
	Outcome       Outcome     `json:"outcome"`
	Score         int         `json:"score"`
	Reasons       []string    `json:"reasons"`
	RuleResults   []RuleTrace `json:"ruleResults,omitempty"`

	// Empty for automated decisions; the underwriter principal otherwise.
	DecidedBy     string `json:"decidedBy,omitempty"`
	Justification string `json:"justification,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Automated reports whether the decision came from the engine.
func (d *Decision) Automated() bool {
	return d.DecidedBy == ""
}

// StatusFor maps an outcome to the application status it implies.
func StatusFor(o Outcome) ApplicationStatus {
	switch o {
	case OutcomeApprove:
		return StatusApproved
	case OutcomeReject:
		return StatusRejected
	default:
		return StatusManualReview
	}
}
