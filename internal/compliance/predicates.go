package compliance

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Predicate kinds understood by the default registry.
const (
	PredicateAmountThreshold    = "amount_threshold"
	PredicateAttributeIn        = "attribute_in"
	PredicateRequiredAttributes = "required_attributes"
	PredicateAttributeEquals    = "attribute_equals"
)

var errMissingParam = errors.New("missing predicate parameter")

// RulePredicate decides whether an entity violates a rule. Implementations
// must be pure; returning an error marks the evaluation degraded.
type RulePredicate interface {
	Violated(entity Entity) (bool, error)
}

// PredicateFunc adapts a function to RulePredicate.
type PredicateFunc func(entity Entity) (bool, error)

func (f PredicateFunc) Violated(entity Entity) (bool, error) { return f(entity) }

// PredicateFactory builds a predicate from a rule's parameters.
type PredicateFactory func(params map[string]interface{}) (RulePredicate, error)

// PredicateRegistry maps predicate kinds to factories.
type PredicateRegistry struct {
	mu        sync.RWMutex
	factories map[string]PredicateFactory
}

// NewPredicateRegistry returns an empty registry.
func NewPredicateRegistry() *PredicateRegistry {
	return &PredicateRegistry{factories: make(map[string]PredicateFactory)}
}

// DefaultPredicateRegistry returns a registry with the built-in kinds.
func DefaultPredicateRegistry() *PredicateRegistry {
	r := NewPredicateRegistry()
	r.Register(PredicateAmountThreshold, newAmountThreshold)
	r.Register(PredicateAttributeIn, newAttributeIn)
	r.Register(PredicateRequiredAttributes, newRequiredAttributes)
	r.Register(PredicateAttributeEquals, newAttributeEquals)
	return r
}

// Register adds or replaces the factory for kind.
func (r *PredicateRegistry) Register(kind string, factory PredicateFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Kinds lists the registered predicate kinds.
func (r *PredicateRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Compile builds the predicate for kind. Unknown kinds and bad parameters
// compile to a predicate that faults when evaluated, so a misconfigured rule
// degrades the check instead of aborting it.
func (r *PredicateRegistry) Compile(kind string, params map[string]interface{}) RulePredicate {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return faulting(fmt.Errorf("unknown predicate kind %q", kind))
	}
	p, err := factory(params)
	if err != nil {
		return faulting(fmt.Errorf("predicate %s: %w", kind, err))
	}
	return p
}

func faulting(err error) RulePredicate {
	return PredicateFunc(func(Entity) (bool, error) { return false, err })
}

// amount_threshold: violated when attribute > threshold (>= when inclusive).
func newAmountThreshold(params map[string]interface{}) (RulePredicate, error) {
	attr := stringParam(params, "attribute", "amount")
	raw, ok := params["threshold"]
	if !ok {
		return nil, fmt.Errorf("%w: threshold", errMissingParam)
	}
	threshold, err := toDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("threshold: %w", err)
	}
	inclusive, _ := params["inclusive"].(bool)

	return PredicateFunc(func(e Entity) (bool, error) {
		v, ok := e.Attribute(attr)
		if !ok || v == nil {
			return false, nil
		}
		amount, err := toDecimal(v)
		if err != nil {
			return false, fmt.Errorf("attribute %s: %w", attr, err)
		}
		if inclusive {
			return amount.GreaterThanOrEqual(threshold), nil
		}
		return amount.GreaterThan(threshold), nil
	}), nil
}

// attribute_in: violated when the attribute's value is one of values.
func newAttributeIn(params map[string]interface{}) (RulePredicate, error) {
	attr := stringParam(params, "attribute", "")
	if attr == "" {
		return nil, fmt.Errorf("%w: attribute", errMissingParam)
	}
	values, err := stringListParam(params, "values")
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToUpper(strings.TrimSpace(v))] = struct{}{}
	}

	return PredicateFunc(func(e Entity) (bool, error) {
		v, ok := e.Attribute(attr)
		if !ok || v == nil {
			return false, nil
		}
		_, hit := set[strings.ToUpper(strings.TrimSpace(fmt.Sprint(v)))]
		return hit, nil
	}), nil
}

// required_attributes: violated when any listed attribute is missing or blank.
func newRequiredAttributes(params map[string]interface{}) (RulePredicate, error) {
	required, err := stringListParam(params, "attributes")
	if err != nil {
		return nil, err
	}
	return PredicateFunc(func(e Entity) (bool, error) {
		for _, name := range required {
			v, ok := e.Attribute(name)
			if !ok || v == nil || strings.TrimSpace(fmt.Sprint(v)) == "" {
				return true, nil
			}
		}
		return false, nil
	}), nil
}

// attribute_equals: violated when the attribute equals value.
func newAttributeEquals(params map[string]interface{}) (RulePredicate, error) {
	attr := stringParam(params, "attribute", "")
	if attr == "" {
		return nil, fmt.Errorf("%w: attribute", errMissingParam)
	}
	want, ok := params["value"]
	if !ok {
		return nil, fmt.Errorf("%w: value", errMissingParam)
	}
	wantStr := strings.TrimSpace(fmt.Sprint(want))

	return PredicateFunc(func(e Entity) (bool, error) {
		v, ok := e.Attribute(attr)
		if !ok || v == nil {
			return false, nil
		}
		return strings.EqualFold(strings.TrimSpace(fmt.Sprint(v)), wantStr), nil
	}), nil
}

func stringParam(params map[string]interface{}, key, def string) string {
	if v, ok := params[key].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func stringListParam(params map[string]interface{}, key string) ([]string, error) {
	raw, ok := params[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errMissingParam, key)
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	case string:
		return strings.Split(v, ","), nil
	default:
		return nil, fmt.Errorf("parameter %s: expected list, got %T", key, raw)
	}
}

func toDecimal(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case string:
		return decimal.NewFromString(strings.TrimSpace(n))
	case json.Number:
		return decimal.NewFromString(n.String())
	case float64:
		return decimal.NewFromFloat(n), nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int32:
		return decimal.NewFromInt32(n), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case uint64:
		return decimal.NewFromString(fmt.Sprint(n))
	default:
		return decimal.Zero, fmt.Errorf("not a number: %T", v)
	}
}
