package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/smartunderwrite/internal/domain"
)

func newTestStore(t *testing.T) domain.Store {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "smartunderwrite-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	store, err := New(domain.StoreConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRule(name string, priority int) *domain.Rule {
	now := time.Now().UTC()
	return &domain.Rule{
		Name:        name,
		Description: "test rule",
		Definition:  `{"name":"` + name + `","priority":10,"clauses":[{"if":"Amount > 0","then":"APPROVE"}]}`,
		Priority:    priority,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestSQLiteStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := store.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("CreateAndGetRule", func(t *testing.T) {
		rule := testRule("Credit Check", 10)
		ver := rule.Snapshot("admin", domain.ChangeInitialVersion)

		if err := store.CreateRule(ctx, rule, ver); err != nil {
			t.Fatalf("CreateRule failed: %v", err)
		}
		if rule.ID == 0 {
			t.Fatal("CreateRule did not assign an id")
		}
		if ver.OriginalRuleID != rule.ID {
			t.Errorf("version lineage = %d, want %d", ver.OriginalRuleID, rule.ID)
		}
		if ver.Version != 1 {
			t.Errorf("initial version = %d, want 1", ver.Version)
		}

		got, err := store.GetRule(ctx, rule.ID)
		if err != nil {
			t.Fatalf("GetRule failed: %v", err)
		}
		if got.Name != rule.Name || got.Priority != rule.Priority || !got.Active {
			t.Errorf("retrieved rule mismatch: %+v", got)
		}
	})

	t.Run("GetRuleNotFound", func(t *testing.T) {
		if _, err := store.GetRule(ctx, 99999); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("VersionNumbersAreMonotonic", func(t *testing.T) {
		rule := testRule("Versioned", 20)
		if err := store.CreateRule(ctx, rule, rule.Snapshot("admin", domain.ChangeInitialVersion)); err != nil {
			t.Fatalf("CreateRule failed: %v", err)
		}

		for i := 0; i < 3; i++ {
			ver := rule.Snapshot("admin", domain.ChangeRuleUpdated)
			rule.UpdatedAt = time.Now().UTC()
			if err := store.UpdateRule(ctx, rule, ver); err != nil {
				t.Fatalf("UpdateRule %d failed: %v", i, err)
			}
		}

		history, err := store.GetRuleHistory(ctx, rule.ID)
		if err != nil {
			t.Fatalf("GetRuleHistory failed: %v", err)
		}
		if len(history) != 4 {
			t.Fatalf("history length = %d, want 4", len(history))
		}
		// Oldest first.
		for i, ver := range history {
			want := i + 1
			if ver.Version != want {
				t.Errorf("history[%d].Version = %d, want %d", i, ver.Version, want)
			}
		}

		latest, err := store.GetLatestRuleVersion(ctx, rule.ID)
		if err != nil {
			t.Fatalf("GetLatestRuleVersion failed: %v", err)
		}
		if latest.Version != 4 {
			t.Errorf("latest version = %d, want 4", latest.Version)
		}
	})

	t.Run("DuplicateVersionConflicts", func(t *testing.T) {
		rule := testRule("Conflicted", 30)
		if err := store.CreateRule(ctx, rule, rule.Snapshot("admin", domain.ChangeInitialVersion)); err != nil {
			t.Fatalf("CreateRule failed: %v", err)
		}

		dup := rule.Snapshot("admin", domain.ChangeRuleUpdated)
		dup.Version = 1
		if err := store.CreateRuleVersion(ctx, dup); !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("ActiveRulesOrderedByPriority", func(t *testing.T) {
		fresh := newTestStore(t)

		low := testRule("Low Priority", 50)
		high := testRule("High Priority", 5)
		inactive := testRule("Disabled", 1)
		inactive.Active = false

		for _, rule := range []*domain.Rule{low, high, inactive} {
			if err := fresh.CreateRule(ctx, rule, rule.Snapshot("admin", domain.ChangeInitialVersion)); err != nil {
				t.Fatalf("CreateRule failed: %v", err)
			}
		}

		active, err := fresh.GetActiveRules(ctx)
		if err != nil {
			t.Fatalf("GetActiveRules failed: %v", err)
		}
		if len(active) != 2 {
			t.Fatalf("active count = %d, want 2", len(active))
		}
		if active[0].Name != "High Priority" || active[1].Name != "Low Priority" {
			t.Errorf("unexpected order: %s, %s", active[0].Name, active[1].Name)
		}

		all, err := fresh.GetAllRules(ctx)
		if err != nil {
			t.Fatalf("GetAllRules failed: %v", err)
		}
		if len(all) != 3 {
			t.Errorf("all count = %d, want 3", len(all))
		}
	})

	t.Run("DeleteRuleKeepsHistory", func(t *testing.T) {
		rule := testRule("Doomed", 40)
		if err := store.CreateRule(ctx, rule, rule.Snapshot("admin", domain.ChangeInitialVersion)); err != nil {
			t.Fatalf("CreateRule failed: %v", err)
		}

		ver := rule.Snapshot("admin", domain.ChangeRuleDeleted)
		if err := store.DeleteRule(ctx, rule.ID, ver); err != nil {
			t.Fatalf("DeleteRule failed: %v", err)
		}

		if _, err := store.GetRule(ctx, rule.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}

		history, err := store.GetRuleHistory(ctx, rule.ID)
		if err != nil {
			t.Fatalf("GetRuleHistory failed: %v", err)
		}
		if len(history) != 2 {
			t.Fatalf("history length = %d, want 2", len(history))
		}
		if history[1].ChangeReason != domain.ChangeRuleDeleted {
			t.Errorf("latest change reason = %q", history[1].ChangeReason)
		}
	})
}

func TestApplicationsAndDecisions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	affiliateID := "affiliate-001"

	creditScore := 720
	app := &domain.Application{
		ID:             "app-001",
		AffiliateID:    affiliateID,
		Amount:         decimal.RequireFromString("25000.50"),
		IncomeMonthly:  decimal.NewFromInt(5000),
		CreditScore:    &creditScore,
		EmploymentType: "Full-Time",
		ProductType:    "Personal",
		Applicant:      domain.Applicant{ID: "applicant-001", FullName: "Jordan Price"},
		Status:         domain.StatusSubmitted,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}

	t.Run("SaveAndGetApplication", func(t *testing.T) {
		if err := store.SaveApplication(ctx, affiliateID, app); err != nil {
			t.Fatalf("SaveApplication failed: %v", err)
		}

		got, err := store.GetApplication(ctx, affiliateID, app.ID)
		if err != nil {
			t.Fatalf("GetApplication failed: %v", err)
		}
		if !got.Amount.Equal(app.Amount) {
			t.Errorf("amount = %s, want %s", got.Amount, app.Amount)
		}
		if got.CreditScore == nil || *got.CreditScore != creditScore {
			t.Errorf("credit score = %v, want %d", got.CreditScore, creditScore)
		}
		if got.Applicant.FullName != "Jordan Price" {
			t.Errorf("applicant = %+v", got.Applicant)
		}
	})

	t.Run("NullCreditScoreRoundTrips", func(t *testing.T) {
		noScore := &domain.Application{
			ID:             "app-002",
			AffiliateID:    affiliateID,
			Amount:         decimal.NewFromInt(1000),
			IncomeMonthly:  decimal.NewFromInt(2000),
			EmploymentType: "Part-Time",
			ProductType:    "Personal",
			Status:         domain.StatusSubmitted,
			CreatedAt:      time.Now().UTC(),
			UpdatedAt:      time.Now().UTC(),
		}
		if err := store.SaveApplication(ctx, affiliateID, noScore); err != nil {
			t.Fatalf("SaveApplication failed: %v", err)
		}
		got, err := store.GetApplication(ctx, affiliateID, noScore.ID)
		if err != nil {
			t.Fatalf("GetApplication failed: %v", err)
		}
		if got.CreditScore != nil {
			t.Errorf("credit score = %v, want nil", got.CreditScore)
		}
	})

	t.Run("AffiliateIsolation", func(t *testing.T) {
		if _, err := store.GetApplication(ctx, "affiliate-002", app.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for other affiliate, got %v", err)
		}
	})

	t.Run("UpdateApplicationStatus", func(t *testing.T) {
		if err := store.UpdateApplicationStatus(ctx, affiliateID, app.ID, domain.StatusApproved); err != nil {
			t.Fatalf("UpdateApplicationStatus failed: %v", err)
		}
		got, err := store.GetApplication(ctx, affiliateID, app.ID)
		if err != nil {
			t.Fatalf("GetApplication failed: %v", err)
		}
		if got.Status != domain.StatusApproved {
			t.Errorf("status = %s, want %s", got.Status, domain.StatusApproved)
		}

		err = store.UpdateApplicationStatus(ctx, affiliateID, "missing", domain.StatusApproved)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SaveAndListDecisions", func(t *testing.T) {
		first := &domain.Decision{
			ID:            "dec-001",
			AffiliateID:   affiliateID,
			ApplicationID: app.ID,
			Outcome:       domain.OutcomeManual,
			Score:         600,
			Reasons:       []string{"Borderline credit"},
			RuleResults:   []domain.RuleTrace{{RuleID: 1, RuleName: "Credit Check", Executed: true}},
			CreatedAt:     time.Now().UTC().Add(-time.Minute),
		}
		second := &domain.Decision{
			ID:            "dec-002",
			AffiliateID:   affiliateID,
			ApplicationID: app.ID,
			Outcome:       domain.OutcomeApprove,
			Score:         600,
			Reasons:       []string{"Verified by underwriter"},
			DecidedBy:     "underwriter-7",
			Justification: "Income documents check out",
			CreatedAt:     time.Now().UTC(),
		}

		for _, d := range []*domain.Decision{first, second} {
			if err := store.SaveDecision(ctx, affiliateID, d); err != nil {
				t.Fatalf("SaveDecision failed: %v", err)
			}
		}

		latest, err := store.GetLatestDecision(ctx, affiliateID, app.ID)
		if err != nil {
			t.Fatalf("GetLatestDecision failed: %v", err)
		}
		if latest.ID != "dec-002" {
			t.Errorf("latest decision = %s, want dec-002", latest.ID)
		}
		if latest.Automated() {
			t.Error("override decision reported as automated")
		}

		all, err := store.ListDecisions(ctx, affiliateID, app.ID)
		if err != nil {
			t.Fatalf("ListDecisions failed: %v", err)
		}
		if len(all) != 2 || all[0].ID != "dec-001" {
			t.Errorf("unexpected decision list: %+v", all)
		}
	})
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}
	got := repo.rebind("SELECT * FROM rules WHERE id = ? AND active = ?")
	want := "SELECT * FROM rules WHERE id = $1 AND active = $2"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}

	repo.driver = "sqlite"
	passthrough := "SELECT * FROM rules WHERE id = ?"
	if got := repo.rebind(passthrough); got != passthrough {
		t.Errorf("sqlite rebind altered query: %q", got)
	}
}
