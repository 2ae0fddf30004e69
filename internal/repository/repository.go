// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/smartunderwrite/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrConflict     = errors.New("conflicting write")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Store using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new store based on configuration.
func New(cfg domain.StoreConfig) (domain.Store, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas(r.driver) {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// GetActiveRules retrieves active rules ordered by priority then id.
func (r *SQLRepository) GetActiveRules(ctx context.Context) ([]*domain.Rule, error) {
	return r.queryRules(ctx, `
		SELECT id, name, description, definition, priority, active, created_at, updated_at
		FROM rules
		WHERE active = 1
		ORDER BY priority ASC, id ASC
	`)
}

// GetAllRules retrieves every rule, active or not.
func (r *SQLRepository) GetAllRules(ctx context.Context) ([]*domain.Rule, error) {
	return r.queryRules(ctx, `
		SELECT id, name, description, definition, priority, active, created_at, updated_at
		FROM rules
		ORDER BY priority ASC, id ASC
	`)
}

func (r *SQLRepository) queryRules(ctx context.Context, query string) ([]*domain.Rule, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// GetRule retrieves a rule by id.
func (r *SQLRepository) GetRule(ctx context.Context, id int64) (*domain.Rule, error) {
	query := `
		SELECT id, name, description, definition, priority, active, created_at, updated_at
		FROM rules
		WHERE id = ?
	`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// CreateRule inserts a rule and its initial version record in one
// transaction. The rule id is assigned by the database; when the version
// record carries no lineage it is bound to the new id.
func (r *SQLRepository) CreateRule(ctx context.Context, rule *domain.Rule, ver *domain.RuleVersion) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO rules (name, description, definition, priority, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	args := []any{
		rule.Name, rule.Description, rule.Definition, rule.Priority,
		boolToInt(rule.Active), rule.CreatedAt, rule.UpdatedAt,
	}

	if r.driver == "postgres" {
		err = tx.QueryRowContext(ctx, r.rebind(insert+" RETURNING id"), args...).Scan(&rule.ID)
	} else {
		var res sql.Result
		res, err = tx.ExecContext(ctx, insert, args...)
		if err == nil {
			rule.ID, err = res.LastInsertId()
		}
	}
	if err != nil {
		return wrapWriteErr(err)
	}

	if ver != nil {
		if ver.OriginalRuleID == 0 {
			ver.OriginalRuleID = rule.ID
		}
		if err := r.insertVersionTx(ctx, tx, ver); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateRule applies a rule mutation and writes the pre-mutation version
// record in the same transaction.
func (r *SQLRepository) UpdateRule(ctx context.Context, rule *domain.Rule, ver *domain.RuleVersion) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if ver != nil {
		if err := r.insertVersionTx(ctx, tx, ver); err != nil {
			return err
		}
	}

	query := `
		UPDATE rules
		SET name = ?, description = ?, definition = ?, priority = ?, active = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := tx.ExecContext(ctx, r.rebind(query),
		rule.Name, rule.Description, rule.Definition, rule.Priority,
		boolToInt(rule.Active), rule.UpdatedAt, rule.ID,
	)
	if err != nil {
		return wrapWriteErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// DeleteRule removes a rule after writing its final version record. The
// version history outlives the rule row.
func (r *SQLRepository) DeleteRule(ctx context.Context, id int64, ver *domain.RuleVersion) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if ver != nil {
		if err := r.insertVersionTx(ctx, tx, ver); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM rules WHERE id = ?`), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// GetRuleHistory retrieves version records for a lineage, oldest first.
func (r *SQLRepository) GetRuleHistory(ctx context.Context, originalRuleID int64) ([]*domain.RuleVersion, error) {
	query := `
		SELECT id, original_rule_id, name, description, definition, priority, active,
		       version, created_at, created_by, change_reason
		FROM rule_versions
		WHERE original_rule_id = ?
		ORDER BY version ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), originalRuleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*domain.RuleVersion
	for rows.Next() {
		ver, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, ver)
	}
	return versions, rows.Err()
}

// GetLatestRuleVersion retrieves the highest-numbered version of a lineage.
func (r *SQLRepository) GetLatestRuleVersion(ctx context.Context, originalRuleID int64) (*domain.RuleVersion, error) {
	query := `
		SELECT id, original_rule_id, name, description, definition, priority, active,
		       version, created_at, created_by, change_reason
		FROM rule_versions
		WHERE original_rule_id = ?
		ORDER BY version DESC
		LIMIT 1
	`

	ver, err := scanVersion(r.db.QueryRowContext(ctx, r.rebind(query), originalRuleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ver, nil
}

// CreateRuleVersion writes a standalone version record, allocating the next
// version number in its own transaction.
func (r *SQLRepository) CreateRuleVersion(ctx context.Context, ver *domain.RuleVersion) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := r.insertVersionTx(ctx, tx, ver); err != nil {
		return err
	}
	return tx.Commit()
}

// insertVersionTx allocates version = max+1 for the lineage and inserts the
// record inside the caller's transaction. The UNIQUE(original_rule_id,
// version) constraint turns a concurrent allocation race into ErrConflict.
func (r *SQLRepository) insertVersionTx(ctx context.Context, tx *sql.Tx, ver *domain.RuleVersion) error {
	if ver.Version == 0 {
		next := `SELECT COALESCE(MAX(version), 0) + 1 FROM rule_versions WHERE original_rule_id = ?`
		if err := tx.QueryRowContext(ctx, r.rebind(next), ver.OriginalRuleID).Scan(&ver.Version); err != nil {
			return err
		}
	}
	if ver.CreatedAt.IsZero() {
		ver.CreatedAt = time.Now().UTC()
	}

	insert := `
		INSERT INTO rule_versions (
			original_rule_id, name, description, definition, priority, active,
			version, created_at, created_by, change_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	args := []any{
		ver.OriginalRuleID, ver.Name, ver.Description, ver.Definition,
		ver.Priority, boolToInt(ver.Active), ver.Version, ver.CreatedAt,
		ver.CreatedBy, ver.ChangeReason,
	}

	if r.driver == "postgres" {
		if err := tx.QueryRowContext(ctx, r.rebind(insert+" RETURNING id"), args...).Scan(&ver.ID); err != nil {
			return wrapWriteErr(err)
		}
		return nil
	}
	res, err := tx.ExecContext(ctx, insert, args...)
	if err != nil {
		return wrapWriteErr(err)
	}
	ver.ID, err = res.LastInsertId()
	return err
}

// SaveApplication stores an application with affiliate isolation.
func (r *SQLRepository) SaveApplication(ctx context.Context, affiliateID string, app *domain.Application) error {
	if affiliateID == "" {
		return fmt.Errorf("%w: affiliateID is required", ErrInvalidInput)
	}

	applicant, _ := json.Marshal(app.Applicant)
	metadata, _ := json.Marshal(app.Metadata)

	query := `
		INSERT INTO applications (
			id, affiliate_id, amount, income_monthly, credit_score,
			employment_type, product_type, applicant, status,
			created_at, updated_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		app.ID, affiliateID,
		app.Amount.String(), app.IncomeMonthly.String(), nullableInt(app.CreditScore),
		app.EmploymentType, app.ProductType, string(applicant), string(app.Status),
		app.CreatedAt, app.UpdatedAt, string(metadata),
	)
	return wrapWriteErr(err)
}

// GetApplication retrieves an application by id with affiliate isolation.
func (r *SQLRepository) GetApplication(ctx context.Context, affiliateID string, appID string) (*domain.Application, error) {
	if affiliateID == "" {
		return nil, fmt.Errorf("%w: affiliateID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, affiliate_id, amount, income_monthly, credit_score,
		       employment_type, product_type, applicant, status,
		       created_at, updated_at, metadata
		FROM applications
		WHERE affiliate_id = ? AND id = ?
	`

	var (
		app         domain.Application
		amount      string
		income      string
		creditScore sql.NullInt64
		applicant   string
		status      string
		metadata    string
	)

	err := r.db.QueryRowContext(ctx, r.rebind(query), affiliateID, appID).Scan(
		&app.ID, &app.AffiliateID, &amount, &income, &creditScore,
		&app.EmploymentType, &app.ProductType, &applicant, &status,
		&app.CreatedAt, &app.UpdatedAt, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if app.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("corrupt amount for application %s: %w", appID, err)
	}
	if app.IncomeMonthly, err = decimal.NewFromString(income); err != nil {
		return nil, fmt.Errorf("corrupt income for application %s: %w", appID, err)
	}
	if creditScore.Valid {
		v := int(creditScore.Int64)
		app.CreditScore = &v
	}
	app.Status = domain.ApplicationStatus(status)
	if applicant != "" {
		json.Unmarshal([]byte(applicant), &app.Applicant)
	}
	if metadata != "" {
		json.Unmarshal([]byte(metadata), &app.Metadata)
	}
	return &app, nil
}

// UpdateApplicationStatus transitions an application's status.
func (r *SQLRepository) UpdateApplicationStatus(ctx context.Context, affiliateID string, appID string, status domain.ApplicationStatus) error {
	if affiliateID == "" {
		return fmt.Errorf("%w: affiliateID is required", ErrInvalidInput)
	}

	query := `
		UPDATE applications
		SET status = ?, updated_at = ?
		WHERE affiliate_id = ? AND id = ?
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query), string(status), time.Now().UTC(), affiliateID, appID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveDecision stores a decision record with affiliate isolation.
func (r *SQLRepository) SaveDecision(ctx context.Context, affiliateID string, d *domain.Decision) error {
	if affiliateID == "" {
		return fmt.Errorf("%w: affiliateID is required", ErrInvalidInput)
	}

	reasons, _ := json.Marshal(d.Reasons)
	ruleResults, _ := json.Marshal(d.RuleResults)

	query := `
		INSERT INTO decisions (
			id, affiliate_id, application_id, outcome, score, reasons,
			rule_results, decided_by, justification, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		d.ID, affiliateID, d.ApplicationID, string(d.Outcome), d.Score,
		string(reasons), string(ruleResults), d.DecidedBy, d.Justification,
		d.CreatedAt,
	)
	return wrapWriteErr(err)
}

// GetLatestDecision retrieves the most recent decision for an application.
func (r *SQLRepository) GetLatestDecision(ctx context.Context, affiliateID string, appID string) (*domain.Decision, error) {
	if affiliateID == "" {
		return nil, fmt.Errorf("%w: affiliateID is required", ErrInvalidInput)
	}

	query := decisionSelect + `
		WHERE affiliate_id = ? AND application_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	d, err := scanDecision(r.db.QueryRowContext(ctx, r.rebind(query), affiliateID, appID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ListDecisions retrieves every decision for an application, oldest first.
func (r *SQLRepository) ListDecisions(ctx context.Context, affiliateID string, appID string) ([]*domain.Decision, error) {
	if affiliateID == "" {
		return nil, fmt.Errorf("%w: affiliateID is required", ErrInvalidInput)
	}

	query := decisionSelect + `
		WHERE affiliate_id = ? AND application_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), affiliateID, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []*domain.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

const decisionSelect = `
	SELECT id, affiliate_id, application_id, outcome, score, reasons,
	       rule_results, decided_by, justification, created_at
	FROM decisions
`

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.Rule, error) {
	var rule domain.Rule
	var active int
	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Description, &rule.Definition,
		&rule.Priority, &active, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rule.Active = active == 1
	return &rule, nil
}

func scanVersion(row rowScanner) (*domain.RuleVersion, error) {
	var ver domain.RuleVersion
	var active int
	err := row.Scan(
		&ver.ID, &ver.OriginalRuleID, &ver.Name, &ver.Description,
		&ver.Definition, &ver.Priority, &active, &ver.Version,
		&ver.CreatedAt, &ver.CreatedBy, &ver.ChangeReason,
	)
	if err != nil {
		return nil, err
	}
	ver.Active = active == 1
	return &ver, nil
}

func scanDecision(row rowScanner) (*domain.Decision, error) {
	var d domain.Decision
	var outcome, reasons, ruleResults string
	err := row.Scan(
		&d.ID, &d.AffiliateID, &d.ApplicationID, &outcome, &d.Score,
		&reasons, &ruleResults, &d.DecidedBy, &d.Justification, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Outcome = domain.Outcome(outcome)
	json.Unmarshal([]byte(reasons), &d.Reasons)
	if ruleResults != "" {
		json.Unmarshal([]byte(ruleResults), &d.RuleResults)
	}
	return &d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// wrapWriteErr maps unique-constraint violations to ErrConflict so callers
// can retry version allocation.
func wrapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "unique") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
