// Package domain defines the core interfaces and types for SmartUnderwrite.
package domain

import (
	"context"
	"time"
)

// Store defines the persistence interface. Rules and their versions are
// administrator-owned and global; applications and decisions require an
// affiliateID for strict affiliate isolation.
//
// Mutation methods that accept a *RuleVersion write the version record and
// the mutation in a single transaction, allocating the next version number
// per OriginalRuleID inside that transaction.
type Store interface {
	// Rule operations.
	GetActiveRules(ctx context.Context) ([]*Rule, error)
	GetAllRules(ctx context.Context) ([]*Rule, error)
	GetRule(ctx context.Context, id int64) (*Rule, error)
	CreateRule(ctx context.Context, rule *Rule, ver *RuleVersion) error
	UpdateRule(ctx context.Context, rule *Rule, ver *RuleVersion) error
	DeleteRule(ctx context.Context, id int64, ver *RuleVersion) error

	// Rule version operations.
	GetRuleHistory(ctx context.Context, originalRuleID int64) ([]*RuleVersion, error)
	GetLatestRuleVersion(ctx context.Context, originalRuleID int64) (*RuleVersion, error)
	CreateRuleVersion(ctx context.Context, ver *RuleVersion) error

	// Application operations (affiliate-scoped).
	SaveApplication(ctx context.Context, affiliateID string, app *Application) error
	GetApplication(ctx context.Context, affiliateID string, appID string) (*Application, error)
	UpdateApplicationStatus(ctx context.Context, affiliateID string, appID string, status ApplicationStatus) error

	// Decision operations (affiliate-scoped).
	SaveDecision(ctx context.Context, affiliateID string, d *Decision) error
	GetLatestDecision(ctx context.Context, affiliateID string, appID string) (*Decision, error)
	ListDecisions(ctx context.Context, affiliateID string, appID string) ([]*Decision, error)

	// Health check.
	Ping(ctx context.Context) error

	// Lifecycle.
	Close() error
}

// StoreConfig holds configuration for store initialization.
type StoreConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
