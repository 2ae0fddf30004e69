// Package worker provides async application processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/smartunderwrite/internal/domain"
	"github.com/opensource-finance/smartunderwrite/internal/underwriting"
)

// Worker evaluates submitted applications asynchronously from the EventBus.
// It is a safety net behind the synchronous intake path: only applications
// still in SUBMITTED state are picked up, so a submission that was already
// evaluated inline is skipped.
type Worker struct {
	bus          domain.EventBus
	underwriting *underwriting.Service

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// AffiliateIDs is the list of affiliates to process.
	AffiliateIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, uwSvc *underwriting.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:          bus,
		underwriting: uwSvc,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins processing submissions for the given affiliates.
func (w *Worker) Start(cfg Config) error {
	for _, affiliateID := range cfg.AffiliateIDs {
		if err := w.startAffiliateWorker(affiliateID); err != nil {
			slog.Error("failed to start worker for affiliate",
				"affiliate_id", affiliateID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"affiliate_count", len(cfg.AffiliateIDs),
	)

	return nil
}

// startAffiliateWorker subscribes one affiliate's submission topic.
func (w *Worker) startAffiliateWorker(affiliateID string) error {
	sub, err := w.bus.Subscribe(w.ctx, affiliateID, domain.TopicApplicationSubmitted, func(ctx context.Context, msg *domain.Message) error {
		return w.processApplication(ctx, affiliateID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("affiliate worker started",
		"affiliate_id", affiliateID,
		"topic", domain.TopicApplicationSubmitted,
	)

	return nil
}

// processApplication evaluates a submitted application. In-flight handlers
// are tracked so Stop can drain them before returning.
func (w *Worker) processApplication(ctx context.Context, affiliateID string, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	start := time.Now()

	var app domain.Application
	if err := json.Unmarshal(msg.Payload, &app); err != nil {
		slog.Error("failed to parse application message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if app.AffiliateID != "" {
		affiliateID = app.AffiliateID
	}

	// The inline path usually wins the race; only evaluate applications
	// that are still waiting.
	current, err := w.underwriting.GetApplication(ctx, affiliateID, app.ID)
	if err != nil {
		slog.Error("failed to load application",
			"application_id", app.ID,
			"error", err,
		)
		return err
	}
	if current.Status != domain.StatusSubmitted {
		slog.Debug("application already evaluated, skipping",
			"application_id", app.ID,
			"status", string(current.Status),
		)
		return nil
	}

	decision, err := w.underwriting.EvaluateByID(ctx, affiliateID, app.ID)
	if err != nil {
		slog.Error("application evaluation failed",
			"application_id", app.ID,
			"error", err,
		)
		return err
	}

	slog.Info("application processed",
		"application_id", app.ID,
		"affiliate_id", affiliateID,
		"outcome", string(decision.Outcome),
		"score", decision.Score,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	// Drain handlers that were already dispatched.
	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
