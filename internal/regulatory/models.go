package regulatory

import (
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"strings"
	"time"
)

var (
	ErrRuleNotFound     = errors.New("regulatory rule not found")
	ErrRuleExists       = errors.New("regulatory rule already exists")
	ErrInvalidRule      = errors.New("invalid regulatory rule")
	ErrImmutableField   = errors.New("immutable rule field changed")
	ErrVersionConflict  = errors.New("regulatory rule version conflict")
	ErrStoreUnavailable = errors.New("rule store unavailable")
)

// Predicate names a registered evaluator kind and its parameters.
type Predicate struct {
	Type   string                 `json:"type" yaml:"type" validate:"required"`
	Params map[string]interface{} `json:"params,omitempty" yaml:"params"`
}

// Rule is the current projection of a regulatory rule's version log.
type Rule struct {
	RuleID        string    `json:"rule_id" validate:"required,max=64"`
	Jurisdiction  string    `json:"jurisdiction" validate:"required,max=32"`
	Framework     string    `json:"framework" validate:"required,max=64"`
	Description   string    `json:"description"`
	Citation      string    `json:"citation"`
	Categories    []string  `json:"categories"`
	Predicate     Predicate `json:"predicate"`
	EffectiveDate time.Time `json:"effective_date"`
	Active        bool      `json:"active"`
	Version       int64     `json:"version"`
	LastUpdated   time.Time `json:"last_updated"`
}

// ChangeType classifies an entry in a rule's version log.
type ChangeType string

const (
	ChangeCreate     ChangeType = "CREATE"
	ChangeUpdate     ChangeType = "UPDATE"
	ChangeDeactivate ChangeType = "DEACTIVATE"
)

// RuleVersion is one immutable entry of the per-rule version log.
type RuleVersion struct {
	Rule       Rule       `json:"rule"`
	ChangeType ChangeType `json:"change_type"`
	ChangedAt  time.Time  `json:"changed_at"`
}

// RuleSpec is the writable shape of a rule as supplied by an author, via the
// API or a catalog file. Active defaults to true when omitted.
type RuleSpec struct {
	RuleID        string    `json:"rule_id" yaml:"rule_id" binding:"required"`
	Jurisdiction  string    `json:"jurisdiction" yaml:"jurisdiction" binding:"required"`
	Framework     string    `json:"framework" yaml:"framework" binding:"required"`
	Description   string    `json:"description" yaml:"description"`
	Citation      string    `json:"citation" yaml:"citation"`
	Categories    []string  `json:"categories" yaml:"categories"`
	Predicate     Predicate `json:"predicate" yaml:"predicate"`
	EffectiveDate time.Time `json:"effective_date" yaml:"effective_date"`
	Active        *bool     `json:"active,omitempty" yaml:"active"`
}

// ToRule converts the spec into an unversioned rule.
func (s RuleSpec) ToRule() Rule {
	active := true
	if s.Active != nil {
		active = *s.Active
	}
	return Rule{
		RuleID:        s.RuleID,
		Jurisdiction:  s.Jurisdiction,
		Framework:     s.Framework,
		Description:   s.Description,
		Citation:      s.Citation,
		Categories:    s.Categories,
		Predicate:     s.Predicate,
		EffectiveDate: s.EffectiveDate,
		Active:        active,
	}
}

// Clone returns a deep copy so snapshots never share mutable state.
func (r Rule) Clone() Rule {
	out := r
	if r.Categories != nil {
		out.Categories = append([]string(nil), r.Categories...)
	}
	out.Predicate.Params = cloneParams(r.Predicate.Params)
	return out
}

// IsEffective reports whether the rule is active and in force at asOf.
func (r Rule) IsEffective(asOf time.Time) bool {
	return r.Active && !r.EffectiveDate.After(asOf)
}

// SameContent reports whether two rules carry the same authored content,
// ignoring version bookkeeping.
func (r Rule) SameContent(o Rule) bool {
	return r.RuleID == o.RuleID &&
		r.Jurisdiction == o.Jurisdiction &&
		r.Framework == o.Framework &&
		r.Description == o.Description &&
		r.Citation == o.Citation &&
		r.Active == o.Active &&
		r.EffectiveDate.Equal(o.EffectiveDate) &&
		reflect.DeepEqual(normalizeCategories(r.Categories), normalizeCategories(o.Categories)) &&
		r.Predicate.Type == o.Predicate.Type &&
		sameParams(r.Predicate.Params, o.Predicate.Params)
}

// sameParams compares predicate parameters by their JSON form, so values that
// went through a storage round trip (int vs float64) still compare equal.
func sameParams(a, b map[string]interface{}) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	var na, nb interface{}
	if json.Unmarshal(ja, &na) != nil || json.Unmarshal(jb, &nb) != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

// SortRules orders rules by framework then rule id for deterministic evaluation.
func SortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Framework != rules[j].Framework {
			return rules[i].Framework < rules[j].Framework
		}
		return rules[i].RuleID < rules[j].RuleID
	})
}

func normalizeRule(rule Rule) Rule {
	rule.RuleID = strings.TrimSpace(rule.RuleID)
	rule.Jurisdiction = strings.ToUpper(strings.TrimSpace(rule.Jurisdiction))
	rule.Framework = strings.ToUpper(strings.TrimSpace(rule.Framework))
	rule.Predicate.Type = strings.TrimSpace(rule.Predicate.Type)
	rule.Categories = normalizeCategories(rule.Categories)
	rule.EffectiveDate = rule.EffectiveDate.UTC()
	return rule
}

func normalizeCategories(categories []string) []string {
	if len(categories) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(categories))
	out := make([]string, 0, len(categories))
	for _, c := range categories {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func cloneParams(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		switch tv := v.(type) {
		case []interface{}:
			out[k] = append([]interface{}(nil), tv...)
		case []string:
			out[k] = append([]string(nil), tv...)
		case map[string]interface{}:
			out[k] = cloneParams(tv)
		default:
			out[k] = v
		}
	}
	return out
}

// nextTimestamp returns now, nudged forward when the clock has not moved past prev.
func nextTimestamp(now, prev time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}
