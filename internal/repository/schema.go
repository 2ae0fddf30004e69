package repository

import "fmt"

// Schema definitions for SmartUnderwrite.
// Compatible with both SQLite and PostgreSQL; the rules tables use an
// auto-incrementing integer key whose DDL differs per driver.

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    id %s,
    name TEXT NOT NULL,
    description TEXT,
    definition TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_active ON rules(active, priority);
`

const schemaRuleVersions = `
CREATE TABLE IF NOT EXISTS rule_versions (
    id %s,
    original_rule_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    definition TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    version INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    created_by TEXT,
    change_reason TEXT,
    UNIQUE(original_rule_id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_versions_original ON rule_versions(original_rule_id);
`

// Monetary columns are TEXT: decimals round-trip exactly as strings.
const schemaApplications = `
CREATE TABLE IF NOT EXISTS applications (
    id TEXT PRIMARY KEY,
    affiliate_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    income_monthly TEXT NOT NULL,
    credit_score INTEGER,
    employment_type TEXT NOT NULL,
    product_type TEXT NOT NULL,
    applicant TEXT,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_applications_affiliate ON applications(affiliate_id);
CREATE INDEX IF NOT EXISTS idx_applications_status ON applications(affiliate_id, status);
`

const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    affiliate_id TEXT NOT NULL,
    application_id TEXT NOT NULL,
    outcome TEXT NOT NULL,
    score INTEGER NOT NULL,
    reasons TEXT NOT NULL,
    rule_results TEXT,
    decided_by TEXT,
    justification TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_application ON decisions(affiliate_id, application_id, created_at);
`

// AllSchemas returns all schema statements in order, with the serial primary
// key DDL substituted for the driver.
func AllSchemas(driver string) []string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == "postgres" {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	return []string{
		fmt.Sprintf(schemaRules, serial),
		fmt.Sprintf(schemaRuleVersions, serial),
		schemaApplications,
		schemaDecisions,
	}
}
