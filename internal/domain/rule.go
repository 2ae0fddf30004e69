package domain

import (
	"time"
)

// Rule is a live, editable decisioning unit. The JSON definition is the
// source of truth; Name and Priority are mirrored from it for querying.
type Rule struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Definition  string    `json:"definition"`
	Priority    int       `json:"priority"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// RuleVersion is an immutable snapshot of a rule at a moment in its history.
// (OriginalRuleID, Version) is unique; Version starts at 1 and is strictly
// increasing per OriginalRuleID.
type RuleVersion struct {
	ID             int64     `json:"id"`
	OriginalRuleID int64     `json:"originalRuleId"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Definition     string    `json:"definition"`
	Priority       int       `json:"priority"`
	Active         bool      `json:"active"`
	Version        int       `json:"version"`
	CreatedAt      time.Time `json:"createdAt"`
	CreatedBy      string    `json:"createdBy"`
	ChangeReason   string    `json:"changeReason"`
}

// RuleDefinition is the typed form of the rule JSON document.
type RuleDefinition struct {
	Name     string     `json:"name"`
	Priority int        `json:"priority"`
	Clauses  []Clause   `json:"clauses"`
	Score    *ScoreSpec `json:"score,omitempty"`
}

// Clause is an if/then/reason triple. Within a rule, the first clause whose
// condition holds fires and the rest are skipped.
type Clause struct {
	If     string `json:"if"`
	Then   string `json:"then"`
	Reason string `json:"reason,omitempty"`
}

// ScoreSpec defines the base score and conditional modifiers of a rule.
type ScoreSpec struct {
	Base     int             `json:"base"`
	Add      []ScoreModifier `json:"add,omitempty"`
	Subtract []ScoreModifier `json:"subtract,omitempty"`
}

// ScoreModifier adjusts the score by Points when the condition holds.
type ScoreModifier struct {
	When   string `json:"when"`
	Points int    `json:"points"`
}

// Outcome is a decisioning action. Under combination REJECT beats MANUAL
// beats APPROVE.
type Outcome string

const (
	OutcomeApprove Outcome = "APPROVE"
	OutcomeReject  Outcome = "REJECT"
	OutcomeManual  Outcome = "MANUAL"
)

// ValidOutcome reports whether s is a recognized clause action.
func ValidOutcome(s string) bool {
	switch Outcome(s) {
	case OutcomeApprove, OutcomeReject, OutcomeManual:
		return true
	}
	return false
}

// Change reasons recorded on rule version records.
const (
	ChangeInitialVersion    = "Initial version"
	ChangeRuleUpdated       = "Rule updated"
	ChangeRuleActivated     = "Rule activated"
	ChangeRuleDeactivated   = "Rule deactivated"
	ChangeRuleDeleted       = "Rule deleted"
	ChangeNewVersionCreated = "New version created"
)

// Snapshot returns a version record capturing the rule's current state.
// Version is left at zero; the store assigns the next number atomically.
func (r *Rule) Snapshot(createdBy, changeReason string) *RuleVersion {
	return &RuleVersion{
		OriginalRuleID: r.ID,
		Name:           r.Name,
		Description:    r.Description,
		Definition:     r.Definition,
		Priority:       r.Priority,
		Active:         r.Active,
		CreatedBy:      createdBy,
		ChangeReason:   changeReason,
	}
}
