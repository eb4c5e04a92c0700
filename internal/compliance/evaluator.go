package compliance

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/aegisshield/compliance-audit/internal/regulatory"
)

// ApplicabilityMatcher decides which rules apply to a check category. A rule
// applies when it lists the category itself, or when its framework is mapped
// to the category in configuration.
type ApplicabilityMatcher struct {
	categoryFrameworks map[string]map[string]struct{}
}

// NewApplicabilityMatcher builds a matcher from a category -> frameworks mapping.
func NewApplicabilityMatcher(categoryFrameworks map[string][]string) *ApplicabilityMatcher {
	m := &ApplicabilityMatcher{categoryFrameworks: make(map[string]map[string]struct{}, len(categoryFrameworks))}
	for category, frameworks := range categoryFrameworks {
		key := normalizeTag(category)
		set := m.categoryFrameworks[key]
		if set == nil {
			set = make(map[string]struct{}, len(frameworks))
			m.categoryFrameworks[key] = set
		}
		for _, f := range frameworks {
			set[normalizeTag(f)] = struct{}{}
		}
	}
	return m
}

// Applies reports whether rule applies to category.
func (m *ApplicabilityMatcher) Applies(rule regulatory.Rule, category string) bool {
	category = normalizeTag(category)
	for _, c := range rule.Categories {
		if normalizeTag(c) == category {
			return true
		}
	}
	if m == nil {
		return false
	}
	_, mapped := m.categoryFrameworks[category][normalizeTag(rule.Framework)]
	return mapped
}

// Filter returns the applicable rules, preserving order.
func (m *ApplicabilityMatcher) Filter(rules []regulatory.Rule, category string) []regulatory.Rule {
	out := make([]regulatory.Rule, 0, len(rules))
	for _, r := range rules {
		if m.Applies(r, category) {
			out = append(out, r)
		}
	}
	return out
}

func normalizeTag(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// DegradedRule records a rule whose predicate faulted during evaluation.
type DegradedRule struct {
	RuleID string
	Reason string
}

// Evaluation is the outcome of applying a rule set to one entity.
type Evaluation struct {
	Violations []string
	Degraded   []DegradedRule
	Examined   int
}

// Evaluator applies rules to entity snapshots.
type Evaluator struct {
	registry *PredicateRegistry
	logger   *zap.Logger
}

// NewEvaluator creates an evaluator over registry.
func NewEvaluator(registry *PredicateRegistry, logger *zap.Logger) *Evaluator {
	if registry == nil {
		registry = DefaultPredicateRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{registry: registry, logger: logger}
}

// Evaluate runs every rule against entity and returns violations in rule
// order. It never short-circuits: a faulting predicate is counted as not
// violated and reported in Degraded.
func (ev *Evaluator) Evaluate(entity Entity, rules []regulatory.Rule) Evaluation {
	result := Evaluation{Violations: []string{}}
	for _, rule := range rules {
		result.Examined++
		violated, err := ev.evaluateRule(entity, rule)
		if err != nil {
			result.Degraded = append(result.Degraded, DegradedRule{RuleID: rule.RuleID, Reason: err.Error()})
			ev.logger.Warn("Degraded rule evaluation",
				zap.String("rule_id", rule.RuleID),
				zap.String("entity_id", entity.ID),
				zap.Error(err),
			)
			continue
		}
		if violated {
			result.Violations = append(result.Violations, rule.RuleID)
		}
	}
	return result
}

func (ev *Evaluator) evaluateRule(entity Entity, rule regulatory.Rule) (violated bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			violated = false
			err = fmt.Errorf("predicate panicked: %v", r)
		}
	}()
	return ev.registry.Compile(rule.Predicate.Type, rule.Predicate.Params).Violated(entity)
}

// DeriveStatus applies the verdict precedence: AML confirmation or high risk
// fails first, then rule violations, then an unresolved screening leaves the
// check pending; anything else passes.
func DeriveStatus(aml AmlResult, violations []string) CheckStatus {
	if aml.MatchStatus == MatchConfirmed || aml.RiskLevel == RiskHigh || aml.RiskLevel == RiskCritical {
		return StatusFail
	}
	if len(violations) > 0 {
		return StatusFail
	}
	if aml.MatchStatus == MatchPendingReview || aml.MatchStatus == MatchError {
		return StatusPending
	}
	return StatusPass
}
