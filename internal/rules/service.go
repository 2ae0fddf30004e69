package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/smartunderwrite/internal/domain"
)

// DefinitionError carries the aggregated validation errors for a rejected
// rule definition. Nothing is written to storage when it is returned.
type DefinitionError struct {
	Errors []string
}

func (e *DefinitionError) Error() string {
	return "invalid rule definition: " + strings.Join(e.Errors, "; ")
}

// keyedMutex serializes rule mutations per rule id so version numbers stay
// monotonic. Entries are never reclaimed; the rule population is small.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func (k *keyedMutex) lock(id int64) *sync.Mutex {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[int64]*sync.Mutex)
	}
	m, ok := k.locks[id]
	if !ok {
		m = &sync.Mutex{}
		k.locks[id] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m
}

// Service owns rule CRUD with immutable version history. Every mutation
// writes a version record snapshotting the pre-mutation state in the same
// transaction as the mutation itself.
type Service struct {
	store  domain.Store
	engine *Engine
	logger *slog.Logger
	locks  keyedMutex
}

// NewService creates the rule management service. The engine reference is
// used to invalidate compiled-rule cache entries on mutation.
func NewService(store domain.Store, engine *Engine, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		engine: engine,
		logger: logger.With("component", "rules"),
	}
}

// GetAll returns every rule, active or not.
func (s *Service) GetAll(ctx context.Context) ([]*domain.Rule, error) {
	return s.store.GetAllRules(ctx)
}

// GetActive returns active rules ordered by priority then id.
func (s *Service) GetActive(ctx context.Context) ([]*domain.Rule, error) {
	return s.store.GetActiveRules(ctx)
}

// GetByID returns one rule.
func (s *Service) GetByID(ctx context.Context, id int64) (*domain.Rule, error) {
	return s.store.GetRule(ctx, id)
}

// ValidateDefinition validates a JSON definition without touching storage.
func (s *Service) ValidateDefinition(definition string) *ValidationResult {
	return ValidateJSON(definition)
}

// GetHistory returns the version records for a rule lineage, oldest first.
func (s *Service) GetHistory(ctx context.Context, originalRuleID int64) ([]*domain.RuleVersion, error) {
	return s.store.GetRuleHistory(ctx, originalRuleID)
}

// Create validates the definition and inserts a new active rule along with
// its initial version record. Name and priority are mirrored from the
// definition document.
func (s *Service) Create(ctx context.Context, description, definition, createdBy string) (*domain.Rule, error) {
	def, err := s.checkDefinition(definition)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rule := &domain.Rule{
		Name:        def.Name,
		Description: description,
		Definition:  definition,
		Priority:    def.Priority,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ver := rule.Snapshot(createdBy, domain.ChangeInitialVersion)
	if err := s.store.CreateRule(ctx, rule, ver); err != nil {
		return nil, fmt.Errorf("creating rule: %w", err)
	}
	s.logger.Info("rule created", "ruleId", rule.ID, "name", rule.Name, "createdBy", createdBy)
	return rule, nil
}

// Update replaces a rule's definition and description, snapshotting the
// previous state as a new version.
func (s *Service) Update(ctx context.Context, id int64, description, definition, updatedBy string) (*domain.Rule, error) {
	def, err := s.checkDefinition(definition)
	if err != nil {
		return nil, err
	}

	m := s.locks.lock(id)
	defer m.Unlock()

	rule, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	ver := rule.Snapshot(updatedBy, domain.ChangeRuleUpdated)

	rule.Name = def.Name
	rule.Description = description
	rule.Definition = definition
	rule.Priority = def.Priority
	rule.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateRule(ctx, rule, ver); err != nil {
		return nil, fmt.Errorf("updating rule %d: %w", id, err)
	}
	s.engine.Invalidate(id)
	s.logger.Info("rule updated", "ruleId", id, "updatedBy", updatedBy)
	return rule, nil
}

// Activate enables a rule. Idempotent: activating an already-active rule
// returns it unchanged and writes no version record.
func (s *Service) Activate(ctx context.Context, id int64, actor string) (*domain.Rule, error) {
	return s.setActive(ctx, id, actor, true)
}

// Deactivate disables a rule. Idempotent like Activate.
func (s *Service) Deactivate(ctx context.Context, id int64, actor string) (*domain.Rule, error) {
	return s.setActive(ctx, id, actor, false)
}

func (s *Service) setActive(ctx context.Context, id int64, actor string, active bool) (*domain.Rule, error) {
	m := s.locks.lock(id)
	defer m.Unlock()

	rule, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if rule.Active == active {
		s.logger.Warn("rule already in target state", "ruleId", id, "active", active)
		return rule, nil
	}

	reason := domain.ChangeRuleActivated
	if !active {
		reason = domain.ChangeRuleDeactivated
	}
	ver := rule.Snapshot(actor, reason)

	rule.Active = active
	rule.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateRule(ctx, rule, ver); err != nil {
		return nil, fmt.Errorf("toggling rule %d: %w", id, err)
	}
	s.engine.Invalidate(id)
	s.logger.Info("rule state changed", "ruleId", id, "active", active, "actor", actor)
	return rule, nil
}

// Delete removes a rule after snapshotting its final state. The version
// history survives the rule row.
func (s *Service) Delete(ctx context.Context, id int64, actor string) error {
	m := s.locks.lock(id)
	defer m.Unlock()

	rule, err := s.store.GetRule(ctx, id)
	if err != nil {
		return err
	}
	ver := rule.Snapshot(actor, domain.ChangeRuleDeleted)
	if err := s.store.DeleteRule(ctx, id, ver); err != nil {
		return fmt.Errorf("deleting rule %d: %w", id, err)
	}
	s.engine.Invalidate(id)
	s.logger.Info("rule deleted", "ruleId", id, "actor", actor)
	return nil
}

// CreateNewVersion deactivates the rule and inserts a new active successor
// row carrying the given definition. Both steps write version records under
// the original rule's lineage, so history stays linear across the id change.
func (s *Service) CreateNewVersion(ctx context.Context, id int64, description, definition, actor string) (*domain.Rule, error) {
	def, err := s.checkDefinition(definition)
	if err != nil {
		return nil, err
	}

	m := s.locks.lock(id)
	defer m.Unlock()

	old, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}

	oldVer := old.Snapshot(actor, domain.ChangeNewVersionCreated)
	old.Active = false
	old.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateRule(ctx, old, oldVer); err != nil {
		return nil, fmt.Errorf("deactivating rule %d: %w", id, err)
	}

	now := time.Now().UTC()
	successor := &domain.Rule{
		Name:        def.Name,
		Description: description,
		Definition:  definition,
		Priority:    def.Priority,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	newVer := successor.Snapshot(actor, domain.ChangeInitialVersion)
	// Keep the lineage under the original id so GetHistory sees one chain.
	newVer.OriginalRuleID = id
	if err := s.store.CreateRule(ctx, successor, newVer); err != nil {
		return nil, fmt.Errorf("creating successor for rule %d: %w", id, err)
	}

	s.engine.Invalidate(id)
	s.logger.Info("rule versioned",
		"ruleId", id,
		"successorId", successor.ID,
		"actor", actor)
	return successor, nil
}

func (s *Service) checkDefinition(definition string) (*domain.RuleDefinition, error) {
	res := ValidateJSON(definition)
	if !res.IsValid() {
		return nil, &DefinitionError{Errors: res.Errors}
	}
	def, err := ParseDefinition(definition)
	if err != nil {
		return nil, &DefinitionError{Errors: []string{err.Error()}}
	}
	return def, nil
}
