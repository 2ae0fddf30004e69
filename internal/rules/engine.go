package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/smartunderwrite/internal/domain"
	"github.com/opensource-finance/smartunderwrite/internal/expr"
)

var tracer = otel.Tracer("smartunderwrite-engine")

const (
	reasonNoActiveRules  = "No active rules"
	reasonNoRulesMatched = "No rules matched"
)

// Engine evaluates applications against the active rule set. Stateless
// between calls; the compile cache is the only retained state and is safe
// for concurrent use.
type Engine struct {
	store  domain.Store
	cache  *compileCache
	logger *slog.Logger
}

// NewEngine creates an evaluation engine backed by store.
func NewEngine(store domain.Store, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		cache:  newCompileCache(),
		logger: logger.With("component", "engine"),
	}
}

// Invalidate drops cached compilations for a rule. Called by the rule
// service on every mutation.
func (e *Engine) Invalidate(ruleID int64) {
	e.cache.invalidate(ruleID)
}

// Evaluate runs the active rule set against an application.
func (e *Engine) Evaluate(ctx context.Context, app *domain.Application, applicant *domain.Applicant) (*domain.EvaluationResult, error) {
	active, err := e.store.GetActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading active rules: %w", err)
	}
	return e.EvaluateWithRules(ctx, app, applicant, active)
}

// EvaluateWithRules runs a caller-supplied rule set against an application.
// The applicant is reserved by the condition grammar and currently unused.
func (e *Engine) EvaluateWithRules(ctx context.Context, app *domain.Application, _ *domain.Applicant, ruleSet []*domain.Rule) (*domain.EvaluationResult, error) {
	ctx, span := tracer.Start(ctx, "engine.evaluate",
		trace.WithAttributes(
			attribute.String("application.id", app.ID),
			attribute.Int("rules.count", len(ruleSet)),
		),
	)
	defer span.End()

	if len(ruleSet) == 0 {
		return &domain.EvaluationResult{
			Outcome:     domain.OutcomeManual,
			Score:       0,
			Reasons:     []string{reasonNoActiveRules},
			RuleResults: []domain.RuleTrace{},
		}, nil
	}

	ordered := make([]*domain.Rule, len(ruleSet))
	copy(ordered, ruleSet)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	ec := &expr.Context{
		Amount:          app.Amount,
		IncomeMonthly:   app.IncomeMonthly,
		CreditScore:     app.CreditScore,
		EmploymentType:  app.EmploymentType,
		ProductType:     app.ProductType,
		ApplicationDate: app.CreatedAt,
		Additional:      app.Metadata,
	}

	compiled := make([]*compiledRule, len(ordered))
	traces := make([]domain.RuleTrace, len(ordered))
	for i, rule := range ordered {
		compiled[i] = e.cache.get(rule)
		traces[i] = domain.RuleTrace{RuleID: rule.ID, RuleName: rule.Name, Executed: true}
		if compiled[i].parseErr != nil {
			traces[i].Executed = false
			traces[i].Errors = append(traces[i].Errors, compiled[i].parseErr.Error())
			e.logger.Warn("skipping malformed rule",
				"ruleId", rule.ID,
				"ruleName", rule.Name,
				"error", compiled[i].parseErr.Error())
		}
	}

	var (
		outcome  domain.Outcome
		reasons  []string
		rejected bool
	)

	// Clause pass. The first true clause fires a rule; REJECT stops the
	// walk across all remaining rules.
	for i := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cr := compiled[i]
		if cr.parseErr != nil {
			continue
		}
		for _, cc := range cr.clauses {
			if cc.err != nil {
				traces[i].Errors = append(traces[i].Errors, cc.err.Error())
				continue
			}
			if !cc.pred(ec) {
				continue
			}
			fired := domain.Outcome(cc.clause.Then)
			traces[i].Outcome = fired
			traces[i].Reason = cc.clause.Reason
			outcome = strongerOutcome(outcome, fired)
			if cc.clause.Reason != "" {
				reasons = append(reasons, cc.clause.Reason)
			}
			if fired == domain.OutcomeReject {
				rejected = true
			}
			break
		}
		if rejected {
			break
		}
	}

	// Score pass over the whole set: max base, then every modifier whose
	// condition holds. Modifiers that failed to compile are skipped and
	// recorded in the trace.
	score := 0
	baseAt := -1
	for i, cr := range compiled {
		if cr.parseErr != nil || !cr.hasScore {
			continue
		}
		if baseAt == -1 || cr.base > score {
			score = cr.base
			baseAt = i
		}
	}
	if baseAt >= 0 {
		traces[baseAt].ScoreImpact += score
	}
	for i, cr := range compiled {
		if cr.parseErr != nil {
			continue
		}
		for _, m := range cr.add {
			if m.err != nil {
				traces[i].Errors = append(traces[i].Errors, m.err.Error())
				continue
			}
			if m.pred(ec) {
				score += m.points
				traces[i].ScoreImpact += m.points
			}
		}
		for _, m := range cr.subtract {
			if m.err != nil {
				traces[i].Errors = append(traces[i].Errors, m.err.Error())
				continue
			}
			if m.pred(ec) {
				score -= m.points
				traces[i].ScoreImpact -= m.points
			}
		}
	}
	if score < 0 {
		score = 0
	}

	if outcome == "" {
		outcome = domain.OutcomeManual
		reasons = append(reasons, reasonNoRulesMatched)
	}

	span.SetAttributes(
		attribute.String("decision.outcome", string(outcome)),
		attribute.Int("decision.score", score),
	)

	return &domain.EvaluationResult{
		Outcome:     outcome,
		Score:       score,
		Reasons:     dedup(reasons),
		RuleResults: traces,
	}, nil
}

// strongerOutcome combines outcomes under REJECT > MANUAL > APPROVE.
func strongerOutcome(cur, next domain.Outcome) domain.Outcome {
	if cur == domain.OutcomeReject || next == domain.OutcomeReject {
		return domain.OutcomeReject
	}
	if cur == domain.OutcomeManual || next == domain.OutcomeManual {
		return domain.OutcomeManual
	}
	return domain.OutcomeApprove
}

// dedup preserves first occurrence.
func dedup(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
