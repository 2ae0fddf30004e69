// Package underwriting orchestrates the application lifecycle: intake,
// automated evaluation, decision persistence, and manual overrides.
package underwriting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/smartunderwrite/internal/domain"
	"github.com/opensource-finance/smartunderwrite/internal/rules"
)

var (
	// ErrInvalidApplication indicates a submission that fails intake checks.
	ErrInvalidApplication = errors.New("invalid application")

	// ErrInvalidState indicates an override on an application that is not
	// awaiting manual review.
	ErrInvalidState = errors.New("application is not awaiting manual review")

	// ErrInvalidOutcome indicates an override outcome other than APPROVE
	// or REJECT.
	ErrInvalidOutcome = errors.New("override outcome must be APPROVE or REJECT")
)

const (
	decisionCacheTTL = time.Hour

	// Submissions per affiliate are counted in hourly windows.
	submissionCounterKey = "submissions"
	submissionWindow     = time.Hour
)

// Service runs the underwriting pipeline. Applications flow
// Submitted -> {Approved | Rejected | ManualReview}; manual-review
// applications are resolved by an underwriter override.
type Service struct {
	store  domain.Store
	cache  domain.Cache
	bus    domain.EventBus
	engine *rules.Engine
	logger *slog.Logger
}

// NewService creates the underwriting service.
func NewService(store domain.Store, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		cache:  cache,
		bus:    bus,
		engine: engine,
		logger: logger.With("component", "underwriting"),
	}
}

// Submit validates and persists an application, announces it on the bus,
// and runs an immediate evaluation.
func (s *Service) Submit(ctx context.Context, affiliateID string, req *domain.ApplicationRequest) (*domain.Application, *domain.Decision, error) {
	if err := validateRequest(req); err != nil {
		return nil, nil, err
	}

	app := req.ToApplication(affiliateID)
	app.ID = uuid.New().String()

	if err := s.store.SaveApplication(ctx, affiliateID, app); err != nil {
		return nil, nil, fmt.Errorf("saving application: %w", err)
	}

	count, err := s.cache.IncrementCounter(ctx, affiliateID, submissionCounterKey, submissionWindow)
	if err != nil {
		s.logger.Warn("submission counter failed",
			"affiliateId", affiliateID,
			"error", err.Error())
	}

	s.publish(ctx, affiliateID, domain.TopicApplicationSubmitted, app)
	s.logger.Info("application submitted",
		"affiliateId", affiliateID,
		"applicationId", app.ID,
		"amount", app.Amount.String(),
		"hourlySubmissions", count)

	decision, err := s.Evaluate(ctx, affiliateID, app)
	if err != nil {
		return nil, nil, err
	}
	return app, decision, nil
}

// Evaluate runs the active rule set against an application, persists the
// resulting decision, and transitions the application status.
func (s *Service) Evaluate(ctx context.Context, affiliateID string, app *domain.Application) (*domain.Decision, error) {
	result, err := s.engine.Evaluate(ctx, app, &app.Applicant)
	if err != nil {
		return nil, fmt.Errorf("evaluating application %s: %w", app.ID, err)
	}

	decision := &domain.Decision{
		ID:            uuid.New().String(),
		AffiliateID:   affiliateID,
		ApplicationID: app.ID,
		Outcome:       result.Outcome,
		Score:         result.Score,
		Reasons:       result.Reasons,
		RuleResults:   result.RuleResults,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.SaveDecision(ctx, affiliateID, decision); err != nil {
		return nil, fmt.Errorf("saving decision: %w", err)
	}

	status := domain.StatusFor(result.Outcome)
	if err := s.store.UpdateApplicationStatus(ctx, affiliateID, app.ID, status); err != nil {
		return nil, fmt.Errorf("updating application status: %w", err)
	}
	app.Status = status

	if err := s.cache.SetDecision(ctx, affiliateID, app.ID, decision, decisionCacheTTL); err != nil {
		s.logger.Warn("decision cache write failed",
			"applicationId", app.ID,
			"error", err.Error())
	}

	s.publish(ctx, affiliateID, domain.TopicApplicationEvaluated, decision)
	s.publish(ctx, affiliateID, domain.TopicDecision, decision)
	if result.Outcome == domain.OutcomeManual {
		s.publish(ctx, affiliateID, domain.TopicReviewRequired, decision)
	}

	s.logger.Info("application evaluated",
		"affiliateId", affiliateID,
		"applicationId", app.ID,
		"outcome", string(result.Outcome),
		"score", result.Score)
	return decision, nil
}

// EvaluateByID loads an application and evaluates it. Used by the worker
// and by explicit re-evaluation requests.
func (s *Service) EvaluateByID(ctx context.Context, affiliateID string, appID string) (*domain.Decision, error) {
	app, err := s.store.GetApplication(ctx, affiliateID, appID)
	if err != nil {
		return nil, err
	}
	return s.Evaluate(ctx, affiliateID, app)
}

// GetApplication retrieves an application.
func (s *Service) GetApplication(ctx context.Context, affiliateID string, appID string) (*domain.Application, error) {
	return s.store.GetApplication(ctx, affiliateID, appID)
}

// GetDecision returns the latest decision for an application, cache first.
func (s *Service) GetDecision(ctx context.Context, affiliateID string, appID string) (*domain.Decision, error) {
	if d, err := s.cache.GetDecision(ctx, affiliateID, appID); err == nil && d != nil {
		return d, nil
	}

	d, err := s.store.GetLatestDecision(ctx, affiliateID, appID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetDecision(ctx, affiliateID, appID, d, decisionCacheTTL); err != nil {
		s.logger.Warn("decision cache write failed",
			"applicationId", appID,
			"error", err.Error())
	}
	return d, nil
}

// ListDecisions returns every decision recorded for an application,
// oldest first.
func (s *Service) ListDecisions(ctx context.Context, affiliateID string, appID string) ([]*domain.Decision, error) {
	return s.store.ListDecisions(ctx, affiliateID, appID)
}

// Override records an underwriter decision for an application awaiting
// manual review and moves it to its final status.
func (s *Service) Override(ctx context.Context, affiliateID string, appID string, outcome domain.Outcome, justification, decidedBy string) (*domain.Decision, error) {
	if outcome != domain.OutcomeApprove && outcome != domain.OutcomeReject {
		return nil, ErrInvalidOutcome
	}
	if justification == "" {
		return nil, fmt.Errorf("%w: justification is required", ErrInvalidApplication)
	}
	if decidedBy == "" {
		return nil, fmt.Errorf("%w: decidedBy is required", ErrInvalidApplication)
	}

	app, err := s.store.GetApplication(ctx, affiliateID, appID)
	if err != nil {
		return nil, err
	}
	if app.Status != domain.StatusManualReview {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidState, app.Status)
	}

	prior, err := s.store.GetLatestDecision(ctx, affiliateID, appID)
	score := 0
	if err == nil {
		score = prior.Score
	}

	decision := &domain.Decision{
		ID:            uuid.New().String(),
		AffiliateID:   affiliateID,
		ApplicationID: appID,
		Outcome:       outcome,
		Score:         score,
		Reasons:       []string{justification},
		DecidedBy:     decidedBy,
		Justification: justification,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.SaveDecision(ctx, affiliateID, decision); err != nil {
		return nil, fmt.Errorf("saving override decision: %w", err)
	}
	if err := s.store.UpdateApplicationStatus(ctx, affiliateID, appID, domain.StatusFor(outcome)); err != nil {
		return nil, fmt.Errorf("updating application status: %w", err)
	}
	if err := s.cache.SetDecision(ctx, affiliateID, appID, decision, decisionCacheTTL); err != nil {
		s.logger.Warn("decision cache write failed",
			"applicationId", appID,
			"error", err.Error())
	}
	s.publish(ctx, affiliateID, domain.TopicDecision, decision)

	s.logger.Info("manual decision recorded",
		"affiliateId", affiliateID,
		"applicationId", appID,
		"outcome", string(outcome),
		"decidedBy", decidedBy)
	return decision, nil
}

func (s *Service) publish(ctx context.Context, affiliateID string, topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("event marshal failed", "topic", topic, "error", err.Error())
		return
	}
	if err := s.bus.Publish(ctx, affiliateID, topic, data); err != nil {
		s.logger.Warn("event publish failed", "topic", topic, "error", err.Error())
	}
}

func validateRequest(req *domain.ApplicationRequest) error {
	if req == nil {
		return fmt.Errorf("%w: empty request", ErrInvalidApplication)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidApplication)
	}
	if req.IncomeMonthly.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("%w: incomeMonthly must not be negative", ErrInvalidApplication)
	}
	if req.EmploymentType == "" {
		return fmt.Errorf("%w: employmentType is required", ErrInvalidApplication)
	}
	if req.ProductType == "" {
		return fmt.Errorf("%w: productType is required", ErrInvalidApplication)
	}
	return nil
}
