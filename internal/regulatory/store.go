package regulatory

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Store is the versioned, queryable collection of regulatory rules.
//
// Rules are never physically removed: DeactivateRule appends a new version with
// active=false so historical checks keep a resolvable rule identity.
type Store interface {
	// GetActiveRules returns rules with active=true and effectiveDate <= asOf,
	// ordered by framework then rule id, read from one consistent snapshot.
	GetActiveRules(ctx context.Context, asOf time.Time) ([]Rule, error)
	GetRule(ctx context.Context, ruleID string) (*Rule, error)
	// CreateRule stores version 1 of a new rule and rejects duplicate ids.
	CreateRule(ctx context.Context, rule Rule) (*Rule, error)
	// UpdateRule appends a new version of an existing rule.
	UpdateRule(ctx context.Context, rule Rule) (*Rule, error)
	// UpsertRule creates the rule when unknown, otherwise appends a new version.
	UpsertRule(ctx context.Context, rule Rule) (*Rule, error)
	DeactivateRule(ctx context.Context, ruleID string) (*Rule, error)
	ListVersions(ctx context.Context, ruleID string) ([]RuleVersion, error)
	GetRuleAt(ctx context.Context, ruleID string, version int64) (*Rule, error)
}

var validate = validator.New()

// ValidateRule checks the identity fields every rule must carry.
func ValidateRule(rule Rule) error {
	if err := validate.Struct(rule); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if err := validate.Struct(rule.Predicate); err != nil {
		return fmt.Errorf("%w: predicate: %v", ErrInvalidRule, err)
	}
	return nil
}

// prepareCreate normalizes and validates a new rule and stamps version 1.
func prepareCreate(rule Rule, now time.Time) (Rule, error) {
	rule = normalizeRule(rule)
	if err := ValidateRule(rule); err != nil {
		return Rule{}, err
	}
	rule.Version = 1
	rule.LastUpdated = now.UTC().Truncate(time.Microsecond)
	return rule.Clone(), nil
}

// prepareUpdate derives the next version of current from the supplied rule.
// ruleId, jurisdiction and framework are identity fields and may not change.
func prepareUpdate(current, rule Rule, now time.Time) (Rule, error) {
	rule = normalizeRule(rule)
	if err := ValidateRule(rule); err != nil {
		return Rule{}, err
	}
	if rule.Jurisdiction != current.Jurisdiction {
		return Rule{}, fmt.Errorf("%w: jurisdiction %q -> %q", ErrImmutableField, current.Jurisdiction, rule.Jurisdiction)
	}
	if rule.Framework != current.Framework {
		return Rule{}, fmt.Errorf("%w: framework %q -> %q", ErrImmutableField, current.Framework, rule.Framework)
	}
	rule.RuleID = current.RuleID
	rule.Version = current.Version + 1
	rule.LastUpdated = nextTimestamp(now, current.LastUpdated)
	return rule.Clone(), nil
}

// prepareDeactivate derives the deactivated version of current.
func prepareDeactivate(current Rule, now time.Time) Rule {
	next := current.Clone()
	next.Active = false
	next.Version = current.Version + 1
	next.LastUpdated = nextTimestamp(now, current.LastUpdated)
	return next
}
