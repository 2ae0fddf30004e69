//go:build integration
// +build integration

// Package integration exercises the full decisioning pipeline end to end:
// HTTP intake through the rules engine down to SQLite persistence.
//
// Run with: go test -tags=integration -v ./tests/integration/...
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"testing"

	"github.com/opensource-finance/smartunderwrite/internal/api"
	"github.com/opensource-finance/smartunderwrite/internal/bus"
	"github.com/opensource-finance/smartunderwrite/internal/cache"
	"github.com/opensource-finance/smartunderwrite/internal/domain"
	"github.com/opensource-finance/smartunderwrite/internal/repository"
	"github.com/opensource-finance/smartunderwrite/internal/rules"
	"github.com/opensource-finance/smartunderwrite/internal/underwriting"
)

const affiliateID = "affiliate-it"

const creditRule = `{
  "definition": {
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
  }
}`

const amountRule = `{
  "definition": {
    "name": "Amount Ceiling",
    "priority": 5,
    "clauses": [
      { "if": "Amount > 100000", "then": "REJECT", "reason": "Too large" }
    ]
  }
}`

func newServer(t *testing.T) *api.Server {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "smartunderwrite-it-*.db")
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
	uwSvc := underwriting.NewService(store, lru, eventBus, engine, logger)

	cfg := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}
	return api.NewServer(cfg, ruleSvc, uwSvc, store, lru, eventBus, "integration")
}

func do(t *testing.T, server *api.Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewBuffer(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Affiliate-ID", affiliateID)
	req.Header.Set("X-Actor-ID", "integration-suite")
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func createRule(t *testing.T, server *api.Server, body string) {
	t.Helper()
	rr := do(t, server, http.MethodPost, "/rules", []byte(body))
	if rr.Code != http.StatusCreated {
		t.Fatalf("rule create failed: %d: %s", rr.Code, rr.Body.String())
	}
}

func submission(amount string, creditScore *int) []byte {
	payload := map[string]any{
		"amount":         amount,
		"incomeMonthly":  "5000",
		"employmentType": "Full-Time",
		"productType":    "Personal",
		"applicant":      map[string]string{"id": "applicant-it", "fullName": "Casey Morgan"},
	}
	if creditScore != nil {
		payload["creditScore"] = *creditScore
	}
	body, _ := json.Marshal(payload)
	return body
}

func intPtr(v int) *int { return &v }

type submitResult struct {
	Application domain.Application `json:"application"`
	Decision    domain.Decision    `json:"decision"`
}

func submit(t *testing.T, server *api.Server, amount string, creditScore *int) submitResult {
	t.Helper()
	rr := do(t, server, http.MethodPost, "/applications", submission(amount, creditScore))
	if rr.Code != http.StatusCreated {
		t.Fatalf("submit failed: %d: %s", rr.Code, rr.Body.String())
	}
	var res submitResult
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return res
}

func TestDecisioningPipeline(t *testing.T) {
	tests := []struct {
		name        string
		rules       []string
		amount      string
		creditScore *int
		wantOutcome domain.Outcome
		wantScore   int
		wantReasons []string
		wantStatus  domain.ApplicationStatus
	}{
		{
			name:        "excellent credit approved with bonus",
			rules:       []string{creditRule},
			amount:      "25000",
			creditScore: intPtr(780),
			wantOutcome: domain.OutcomeApprove,
			wantScore:   650,
			wantReasons: []string{"Good credit"},
			wantStatus:  domain.StatusApproved,
		},
		{
			name:        "poor credit rejected",
			rules:       []string{creditRule},
			amount:      "25000",
			creditScore: intPtr(450),
			wantOutcome: domain.OutcomeReject,
			wantScore:   600,
			wantReasons: []string{"Low credit score"},
			wantStatus:  domain.StatusRejected,
		},
		{
			name:        "mid-band credit falls through to manual",
			rules:       []string{creditRule},
			amount:      "25000",
			creditScore: intPtr(660),
			wantOutcome: domain.OutcomeManual,
			wantScore:   600,
			wantReasons: []string{"No rules matched"},
			wantStatus:  domain.StatusManualReview,
		},
		{
			name:        "missing credit score goes to manual",
			rules:       []string{creditRule},
			amount:      "25000",
			creditScore: nil,
			wantOutcome: domain.OutcomeManual,
			wantScore:   600,
			wantReasons: []string{"No rules matched"},
			wantStatus:  domain.StatusManualReview,
		},
		{
			name:        "amount ceiling idle under limit",
			rules:       []string{creditRule, amountRule},
			amount:      "25000",
			creditScore: intPtr(720),
			wantOutcome: domain.OutcomeApprove,
			wantScore:   600,
			wantReasons: []string{"Good credit"},
			wantStatus:  domain.StatusApproved,
		},
		{
			name:        "amount ceiling rejects and stops iteration",
			rules:       []string{creditRule, amountRule},
			amount:      "150000",
			creditScore: intPtr(720),
			wantOutcome: domain.OutcomeReject,
			wantScore:   600,
			wantReasons: []string{"Too large"},
			wantStatus:  domain.StatusRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newServer(t)
			for _, rule := range tt.rules {
				createRule(t, server, rule)
			}

			res := submit(t, server, tt.amount, tt.creditScore)

			if res.Decision.Outcome != tt.wantOutcome {
				t.Errorf("outcome = %s, want %s", res.Decision.Outcome, tt.wantOutcome)
			}
			if res.Decision.Score != tt.wantScore {
				t.Errorf("score = %d, want %d", res.Decision.Score, tt.wantScore)
			}
			if !reflect.DeepEqual(res.Decision.Reasons, tt.wantReasons) {
				t.Errorf("reasons = %v, want %v", res.Decision.Reasons, tt.wantReasons)
			}
			if res.Application.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", res.Application.Status, tt.wantStatus)
			}

			// The persisted decision must match what intake returned.
			rr := do(t, server, http.MethodGet, "/applications/"+res.Application.ID+"/decision", nil)
			if rr.Code != http.StatusOK {
				t.Fatalf("decision fetch failed: %d", rr.Code)
			}
			var stored domain.Decision
			json.Unmarshal(rr.Body.Bytes(), &stored)
			if stored.ID != res.Decision.ID {
				t.Errorf("stored decision id = %s, want %s", stored.ID, res.Decision.ID)
			}
		})
	}
}

func TestManualReviewRoundTrip(t *testing.T) {
	server := newServer(t)
	createRule(t, server, creditRule)

	res := submit(t, server, "25000", intPtr(550))
	if res.Decision.Outcome != domain.OutcomeManual {
		t.Fatalf("outcome = %s, want MANUAL", res.Decision.Outcome)
	}

	overrideBody := []byte(`{"outcome": "REJECT", "justification": "Income could not be verified"}`)
	rr := do(t, server, http.MethodPost, "/applications/"+res.Application.ID+"/decision", overrideBody)
	if rr.Code != http.StatusCreated {
		t.Fatalf("override failed: %d: %s", rr.Code, rr.Body.String())
	}

	rr = do(t, server, http.MethodGet, "/applications/"+res.Application.ID, nil)
	var app domain.Application
	json.Unmarshal(rr.Body.Bytes(), &app)
	if app.Status != domain.StatusRejected {
		t.Errorf("status = %s, want REJECTED", app.Status)
	}

	rr = do(t, server, http.MethodGet, "/applications/"+res.Application.ID+"/decisions", nil)
	var history struct {
		Decisions []domain.Decision `json:"decisions"`
	}
	json.Unmarshal(rr.Body.Bytes(), &history)
	if len(history.Decisions) != 2 {
		t.Fatalf("decision count = %d, want 2", len(history.Decisions))
	}
	if !history.Decisions[0].Automated() {
		t.Error("first decision should be automated")
	}
	if history.Decisions[1].Automated() {
		t.Error("second decision should carry the underwriter principal")
	}
}

func TestRuleLifecycleAffectsDecisions(t *testing.T) {
	server := newServer(t)
	createRule(t, server, creditRule)

	// Approved while the rule is active.
	res := submit(t, server, "25000", intPtr(720))
	if res.Decision.Outcome != domain.OutcomeApprove {
		t.Fatalf("outcome = %s, want APPROVE", res.Decision.Outcome)
	}

	// Find the rule id and deactivate it.
	rr := do(t, server, http.MethodGet, "/rules", nil)
	var listing struct {
		Rules []domain.Rule `json:"rules"`
	}
	json.Unmarshal(rr.Body.Bytes(), &listing)
	if len(listing.Rules) != 1 {
		t.Fatalf("rule count = %d, want 1", len(listing.Rules))
	}
	ruleID := listing.Rules[0].ID

	rr = do(t, server, http.MethodPost, fmt.Sprintf("/rules/%d/deactivate", ruleID), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("deactivate failed: %d", rr.Code)
	}

	// With no active rules the same applicant lands in manual review.
	res = submit(t, server, "25000", intPtr(720))
	if res.Decision.Outcome != domain.OutcomeManual {
		t.Errorf("outcome = %s, want MANUAL", res.Decision.Outcome)
	}
	if len(res.Decision.Reasons) != 1 || res.Decision.Reasons[0] != "No active rules" {
		t.Errorf("reasons = %v, want [No active rules]", res.Decision.Reasons)
	}
}
