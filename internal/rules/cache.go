package rules

import (
	"sync"
	"time"

	"github.com/opensource-finance/smartunderwrite/internal/domain"
	"github.com/opensource-finance/smartunderwrite/internal/expr"
)

// compiledClause pairs a clause with its compiled condition. pred is nil
// when the condition failed to compile; err carries the detail.
type compiledClause struct {
	clause domain.Clause
	pred   expr.Predicate
	err    error
}

// compiledModifier pairs a score modifier with its compiled condition.
type compiledModifier struct {
	points int
	pred   expr.Predicate
	err    error
}

// compiledRule is the evaluation-ready form of a rule definition. A rule
// whose definition failed to parse has parseErr set and nothing else.
type compiledRule struct {
	def      *domain.RuleDefinition
	clauses  []compiledClause
	base     int
	hasScore bool
	add      []compiledModifier
	subtract []compiledModifier
	parseErr error
}

type cacheKey struct {
	ruleID    int64
	updatedAt time.Time
}

// compileCache memoizes compiled rules keyed by (id, updatedAt), so a rule
// row change naturally misses the stale entry. Read-mostly; safe for
// concurrent evaluations.
type compileCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]*compiledRule
}

func newCompileCache() *compileCache {
	return &compileCache{entries: make(map[cacheKey]*compiledRule)}
}

func (c *compileCache) get(rule *domain.Rule) *compiledRule {
	key := cacheKey{ruleID: rule.ID, updatedAt: rule.UpdatedAt}

	c.mu.RLock()
	cr, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return cr
	}

	cr = compileRule(rule)

	c.mu.Lock()
	c.entries[key] = cr
	c.mu.Unlock()
	return cr
}

// invalidate drops every entry for a rule id, called on rule mutation.
func (c *compileCache) invalidate(ruleID int64) {
	c.mu.Lock()
	for key := range c.entries {
		if key.ruleID == ruleID {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

func compileRule(rule *domain.Rule) *compiledRule {
	def, err := ParseDefinition(rule.Definition)
	if err != nil {
		return &compiledRule{parseErr: err}
	}

	cr := &compiledRule{def: def}
	for _, cl := range def.Clauses {
		cc := compiledClause{clause: cl}
		cc.pred, cc.err = expr.Compile(cl.If)
		cr.clauses = append(cr.clauses, cc)
	}
	if def.Score != nil {
		cr.hasScore = true
		cr.base = def.Score.Base
		cr.add = compileModifiers(def.Score.Add)
		cr.subtract = compileModifiers(def.Score.Subtract)
	}
	return cr
}

func compileModifiers(mods []domain.ScoreModifier) []compiledModifier {
	out := make([]compiledModifier, 0, len(mods))
	for _, m := range mods {
		cm := compiledModifier{points: m.Points}
		cm.pred, cm.err = expr.Compile(m.When)
		out = append(out, cm)
	}
	return out
}
