package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/smartunderwrite/internal/domain"
	"github.com/opensource-finance/smartunderwrite/internal/expr"
	"github.com/opensource-finance/smartunderwrite/internal/repository"
	"github.com/opensource-finance/smartunderwrite/internal/rules"
	"github.com/opensource-finance/smartunderwrite/internal/underwriting"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	rules        *rules.Service
	underwriting *underwriting.Service
	store        domain.Store
	cache        domain.Cache
	bus          domain.EventBus
	version      string
}

// NewHandler creates a new API handler.
func NewHandler(ruleSvc *rules.Service, uwSvc *underwriting.Service, store domain.Store, cache domain.Cache, bus domain.EventBus, version string) *Handler {
	return &Handler{
		rules:        ruleSvc,
		underwriting: uwSvc,
		store:        store,
		cache:        cache,
		bus:          bus,
		version:      version,
	}
}

// RuleRequest is the request body for creating or updating a rule. The
// definition document carries the rule name and priority; description is
// free-form metadata held outside the definition.
type RuleRequest struct {
	Description string          `json:"description,omitempty"`
	Definition  json.RawMessage `json:"definition"`
}

// OverrideRequest is the request body for a manual decision.
type OverrideRequest struct {
	Outcome       string `json:"outcome"`
	Justification string `json:"justification"`
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListFields returns the catalog of fields recognized by rule conditions.
func (h *Handler) ListFields(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"fields": expr.Fields(),
	})
}

// ListRules returns every rule, active and inactive.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	all, err := h.rules.GetAll(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": all,
		"count": len(all),
	})
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	rule, err := h.rules.GetByID(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule creates a new active rule from a JSON definition.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !decodeRuleRequest(w, r, &req) {
		return
	}

	rule, err := h.rules.Create(r.Context(), req.Description, string(req.Definition), GetActorID(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// UpdateRule replaces a rule's definition and description in place.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	var req RuleRequest
	if !decodeRuleRequest(w, r, &req) {
		return
	}

	rule, err := h.rules.Update(r.Context(), id, req.Description, string(req.Definition), GetActorID(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// DeleteRule removes a rule. Its version history is retained.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if err := h.rules.Delete(r.Context(), id, GetActorID(r.Context())); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ActivateRule enables a rule.
func (h *Handler) ActivateRule(w http.ResponseWriter, r *http.Request) {
	h.toggleRule(w, r, true)
}

// DeactivateRule disables a rule.
func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	h.toggleRule(w, r, false)
}

func (h *Handler) toggleRule(w http.ResponseWriter, r *http.Request, active bool) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	var (
		rule *domain.Rule
		err  error
	)
	if active {
		rule, err = h.rules.Activate(r.Context(), id, GetActorID(r.Context()))
	} else {
		rule, err = h.rules.Deactivate(r.Context(), id, GetActorID(r.Context()))
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRuleVersion deactivates a rule and creates an active successor with
// a new definition, keeping one version lineage across both.
func (h *Handler) CreateRuleVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	var req RuleRequest
	if !decodeRuleRequest(w, r, &req) {
		return
	}

	successor, err := h.rules.CreateNewVersion(r.Context(), id, req.Description, string(req.Definition), GetActorID(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, successor)
}

// GetRuleHistory returns the version records for a rule lineage, oldest
// first. The id is the original rule's; history survives rule deletion.
func (h *Handler) GetRuleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	history, err := h.rules.GetHistory(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"versions": history,
		"count":    len(history),
	})
}

// ValidateRule validates a definition document without persisting anything.
func (h *Handler) ValidateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !decodeRuleRequest(w, r, &req) {
		return
	}
	res := h.rules.ValidateDefinition(string(req.Definition))
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    res.IsValid(),
		"errors":   res.Errors,
		"warnings": res.Warnings,
	})
}

// SubmitApplication handles application intake plus an immediate evaluation.
func (h *Handler) SubmitApplication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.ApplicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	app, decision, err := h.underwriting.Submit(ctx, GetAffiliateID(ctx), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"application": app,
		"decision":    decision,
	})
}

// GetApplication retrieves an application by ID.
func (h *Handler) GetApplication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	app, err := h.underwriting.GetApplication(ctx, GetAffiliateID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

// EvaluateApplication re-runs the active rule set against an application.
func (h *Handler) EvaluateApplication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	decision, err := h.underwriting.EvaluateByID(ctx, GetAffiliateID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// GetDecision returns the latest decision for an application.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	decision, err := h.underwriting.GetDecision(ctx, GetAffiliateID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// ListDecisions returns every decision recorded for an application.
func (h *Handler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	decisions, err := h.underwriting.ListDecisions(ctx, GetAffiliateID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

// OverrideDecision records a manual underwriter decision for an application
// awaiting review.
func (h *Handler) OverrideDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	actor := GetActorID(ctx)
	if actor == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "X-Actor-ID header is required for manual decisions",
		})
		return
	}

	decision, err := h.underwriting.Override(ctx, GetAffiliateID(ctx), chi.URLParam(r, "id"), domain.Outcome(req.Outcome), req.Justification, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, decision)
}

// writeError maps service errors to HTTP responses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var defErr *rules.DefinitionError
	switch {
	case errors.As(err, &defErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "invalid rule definition",
			"errors": defErr.Errors,
		})
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "not found",
		})
	case errors.Is(err, repository.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "conflicting write, retry the request",
		})
	case errors.Is(err, underwriting.ErrInvalidState):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": err.Error(),
		})
	case errors.Is(err, underwriting.ErrInvalidOutcome),
		errors.Is(err, underwriting.ErrInvalidApplication),
		errors.Is(err, rules.ErrInvalidJSON):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
	}
}

func ruleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id must be an integer",
		})
		return 0, false
	}
	return id, true
}

func decodeRuleRequest(w http.ResponseWriter, r *http.Request, req *RuleRequest) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	if len(req.Definition) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "definition is required",
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
