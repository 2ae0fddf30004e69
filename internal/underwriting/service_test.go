package underwriting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/smartunderwrite/internal/bus"
	"github.com/opensource-finance/smartunderwrite/internal/cache"
	"github.com/opensource-finance/smartunderwrite/internal/domain"
	"github.com/opensource-finance/smartunderwrite/internal/repository"
	"github.com/opensource-finance/smartunderwrite/internal/rules"
)

const affiliateID = "affiliate-001"

func newTestService(t *testing.T) (*Service, *rules.Service, domain.EventBus, domain.Cache) {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "smartunderwrite-uw-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	store, err := repository.New(domain.StoreConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := rules.NewEngine(store, logger)
	ruleSvc := rules.NewService(store, engine, logger)

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	lru := cache.NewLRUCache(100)
	svc := NewService(store, lru, eventBus, engine, logger)
	return svc, ruleSvc, eventBus, lru
}

const creditRuleDefinition = `{
  "name": "Credit Score Check",
  "priority": 10,
  "clauses": [
    { "if": "CreditScore < 500",  "then": "REJECT",  "reason": "Low credit score" },
    { "if": "CreditScore >= 700", "then": "APPROVE", "reason": "Good credit" },
    { "if": "CreditScore < 650",  "then": "MANUAL",  "reason": "Borderline credit" }
  ],
  "score": {
    "base": 600,
    "add":      [ { "when": "CreditScore >= 750", "points": 50 } ],
    "subtract": [ { "when": "IncomeMonthly < 3000", "points": 25 } ]
  }
}`

func testRequest(creditScore *int) *domain.ApplicationRequest {
	return &domain.ApplicationRequest{
		Amount:         decimal.NewFromInt(25000),
		IncomeMonthly:  decimal.NewFromInt(5000),
		CreditScore:    creditScore,
		EmploymentType: "Full-Time",
		ProductType:    "Personal",
		Applicant:      domain.Applicant{ID: "applicant-001", FullName: "Jordan Price"},
	}
}

func intPtr(v int) *int { return &v }

func TestSubmitApprovesGoodCredit(t *testing.T) {
	svc, ruleSvc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := ruleSvc.Create(ctx, "", creditRuleDefinition, "admin"); err != nil {
		t.Fatalf("rule create failed: %v", err)
	}

	app, decision, err := svc.Submit(ctx, affiliateID, testRequest(intPtr(780)))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if decision.Outcome != domain.OutcomeApprove {
		t.Errorf("outcome = %s, want APPROVE", decision.Outcome)
	}
	if decision.Score != 650 {
		t.Errorf("score = %d, want 650", decision.Score)
	}
	if app.Status != domain.StatusApproved {
		t.Errorf("application status = %s, want APPROVED", app.Status)
	}

	stored, err := svc.GetApplication(ctx, affiliateID, app.ID)
	if err != nil {
		t.Fatalf("GetApplication failed: %v", err)
	}
	if stored.Status != domain.StatusApproved {
		t.Errorf("persisted status = %s, want APPROVED", stored.Status)
	}
}

func TestSubmitWithoutRulesGoesToManualReview(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	app, decision, err := svc.Submit(ctx, affiliateID, testRequest(intPtr(700)))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if decision.Outcome != domain.OutcomeManual {
		t.Errorf("outcome = %s, want MANUAL", decision.Outcome)
	}
	if decision.Score != 0 {
		t.Errorf("score = %d, want 0", decision.Score)
	}
	if len(decision.Reasons) != 1 || decision.Reasons[0] != "No active rules" {
		t.Errorf("reasons = %v", decision.Reasons)
	}
	if app.Status != domain.StatusManualReview {
		t.Errorf("status = %s, want MANUAL_REVIEW", app.Status)
	}
}

func TestSubmitValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		mod  func(*domain.ApplicationRequest)
	}{
		{name: "zero amount", mod: func(r *domain.ApplicationRequest) { r.Amount = decimal.Zero }},
		{name: "negative income", mod: func(r *domain.ApplicationRequest) { r.IncomeMonthly = decimal.NewFromInt(-1) }},
		{name: "missing employment type", mod: func(r *domain.ApplicationRequest) { r.EmploymentType = "" }},
		{name: "missing product type", mod: func(r *domain.ApplicationRequest) { r.ProductType = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequest(intPtr(700))
			tt.mod(req)
			_, _, err := svc.Submit(ctx, affiliateID, req)
			if !errors.Is(err, ErrInvalidApplication) {
				t.Errorf("expected ErrInvalidApplication, got %v", err)
			}
		})
	}
}

func TestOverrideManualReview(t *testing.T) {
	svc, ruleSvc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := ruleSvc.Create(ctx, "", creditRuleDefinition, "admin"); err != nil {
		t.Fatalf("rule create failed: %v", err)
	}

	// Score 550 hits the MANUAL clause.
	app, decision, err := svc.Submit(ctx, affiliateID, testRequest(intPtr(550)))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if decision.Outcome != domain.OutcomeManual {
		t.Fatalf("outcome = %s, want MANUAL", decision.Outcome)
	}

	override, err := svc.Override(ctx, affiliateID, app.ID, domain.OutcomeApprove, "Verified income documents", "underwriter-7")
	if err != nil {
		t.Fatalf("Override failed: %v", err)
	}
	if override.Automated() {
		t.Error("override decision reported as automated")
	}
	if override.DecidedBy != "underwriter-7" {
		t.Errorf("decidedBy = %q", override.DecidedBy)
	}

	stored, err := svc.GetApplication(ctx, affiliateID, app.ID)
	if err != nil {
		t.Fatalf("GetApplication failed: %v", err)
	}
	if stored.Status != domain.StatusApproved {
		t.Errorf("status = %s, want APPROVED", stored.Status)
	}

	// A second override must fail: the application left manual review.
	_, err = svc.Override(ctx, affiliateID, app.ID, domain.OutcomeReject, "changed my mind", "underwriter-7")
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}

	history, err := svc.ListDecisions(ctx, affiliateID, app.ID)
	if err != nil {
		t.Fatalf("ListDecisions failed: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("decision count = %d, want 2", len(history))
	}
}

func TestOverrideRejectsInvalidOutcome(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.Override(context.Background(), affiliateID, "app-x", domain.OutcomeManual, "because", "underwriter-1")
	if !errors.Is(err, ErrInvalidOutcome) {
		t.Errorf("expected ErrInvalidOutcome, got %v", err)
	}
}

func TestGetDecisionUsesCache(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	app, submitted, err := svc.Submit(ctx, affiliateID, testRequest(intPtr(700)))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	got, err := svc.GetDecision(ctx, affiliateID, app.ID)
	if err != nil {
		t.Fatalf("GetDecision failed: %v", err)
	}
	if got.ID != submitted.ID {
		t.Errorf("decision id = %s, want %s", got.ID, submitted.ID)
	}

	if _, err := svc.GetDecision(ctx, affiliateID, "no-such-app"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitCountsPerAffiliate(t *testing.T) {
	svc, _, _, lru := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.Submit(ctx, affiliateID, testRequest(intPtr(700))); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, _, err := svc.Submit(ctx, affiliateID, testRequest(intPtr(720))); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, _, err := svc.Submit(ctx, "affiliate-002", testRequest(intPtr(700))); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Each submission bumps the affiliate's windowed counter, so the next
	// increment observes the running total.
	count, err := lru.IncrementCounter(ctx, affiliateID, submissionCounterKey, submissionWindow)
	if err != nil {
		t.Fatalf("IncrementCounter failed: %v", err)
	}
	if count != 3 {
		t.Errorf("counter = %d, want 3 (two submissions plus this increment)", count)
	}

	count, err = lru.IncrementCounter(ctx, "affiliate-002", submissionCounterKey, submissionWindow)
	if err != nil {
		t.Fatalf("IncrementCounter failed: %v", err)
	}
	if count != 2 {
		t.Errorf("counter = %d, want 2 (one submission plus this increment)", count)
	}
}

func TestSubmitPublishesEvents(t *testing.T) {
	svc, _, eventBus, _ := newTestService(t)
	ctx := context.Background()

	var submitted, evaluated, review atomic.Int32
	eventBus.Subscribe(ctx, affiliateID, domain.TopicApplicationSubmitted, func(ctx context.Context, msg *domain.Message) error {
		submitted.Add(1)
		return nil
	})
	eventBus.Subscribe(ctx, affiliateID, domain.TopicApplicationEvaluated, func(ctx context.Context, msg *domain.Message) error {
		evaluated.Add(1)
		return nil
	})
	eventBus.Subscribe(ctx, affiliateID, domain.TopicReviewRequired, func(ctx context.Context, msg *domain.Message) error {
		review.Add(1)
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	// No rules loaded, so the outcome is MANUAL and review is required.
	if _, _, err := svc.Submit(ctx, affiliateID, testRequest(intPtr(700))); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if submitted.Load() != 1 {
		t.Errorf("submitted events = %d, want 1", submitted.Load())
	}
	if evaluated.Load() != 1 {
		t.Errorf("evaluated events = %d, want 1", evaluated.Load())
	}
	if review.Load() != 1 {
		t.Errorf("review events = %d, want 1", review.Load())
	}
}
