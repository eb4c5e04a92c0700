package regulatory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// MemoryStore keeps rules in process. Readers load an immutable snapshot through
// an atomic pointer; writers serialize on mu and publish a fresh copy, so a
// reader never observes a half-applied write.
type MemoryStore struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[memorySnapshot]
	clock    func() time.Time
	logger   *zap.Logger
}

type memorySnapshot struct {
	current  map[string]Rule
	versions map[string][]RuleVersion
}

// NewMemoryStore creates an empty in-memory rule store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	s := &MemoryStore{
		clock:  time.Now,
		logger: logger,
	}
	s.snapshot.Store(&memorySnapshot{
		current:  make(map[string]Rule),
		versions: make(map[string][]RuleVersion),
	})
	return s
}

// WithClock overrides the time source, used by tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) GetActiveRules(ctx context.Context, asOf time.Time) ([]Rule, error) {
	snap := s.snapshot.Load()
	rules := make([]Rule, 0, len(snap.current))
	for _, rule := range snap.current {
		if rule.IsEffective(asOf) {
			rules = append(rules, rule.Clone())
		}
	}
	SortRules(rules)
	return rules, nil
}

func (s *MemoryStore) GetRule(ctx context.Context, ruleID string) (*Rule, error) {
	ruleID = strings.TrimSpace(ruleID)
	rule, ok := s.snapshot.Load().current[ruleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	out := rule.Clone()
	return &out, nil
}

func (s *MemoryStore) CreateRule(ctx context.Context, rule Rule) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot.Load()
	created, err := prepareCreate(rule, s.clock())
	if err != nil {
		return nil, err
	}
	if _, exists := snap.current[created.RuleID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrRuleExists, created.RuleID)
	}
	s.publish(snap, created, ChangeCreate)
	return s.logWrite(created, ChangeCreate), nil
}

func (s *MemoryStore) UpdateRule(ctx context.Context, rule Rule) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot.Load()
	ruleID := normalizeRule(rule).RuleID
	current, exists := snap.current[ruleID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	next, err := prepareUpdate(current, rule, s.clock())
	if err != nil {
		return nil, err
	}
	s.publish(snap, next, ChangeUpdate)
	return s.logWrite(next, ChangeUpdate), nil
}

func (s *MemoryStore) UpsertRule(ctx context.Context, rule Rule) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot.Load()
	current, exists := snap.current[normalizeRule(rule).RuleID]
	if !exists {
		created, err := prepareCreate(rule, s.clock())
		if err != nil {
			return nil, err
		}
		s.publish(snap, created, ChangeCreate)
		return s.logWrite(created, ChangeCreate), nil
	}

	next, err := prepareUpdate(current, rule, s.clock())
	if err != nil {
		return nil, err
	}
	s.publish(snap, next, ChangeUpdate)
	return s.logWrite(next, ChangeUpdate), nil
}

func (s *MemoryStore) DeactivateRule(ctx context.Context, ruleID string) (*Rule, error) {
	ruleID = strings.TrimSpace(ruleID)
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot.Load()
	current, exists := snap.current[ruleID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	next := prepareDeactivate(current, s.clock())
	s.publish(snap, next, ChangeDeactivate)
	return s.logWrite(next, ChangeDeactivate), nil
}

func (s *MemoryStore) ListVersions(ctx context.Context, ruleID string) ([]RuleVersion, error) {
	ruleID = strings.TrimSpace(ruleID)
	versions, ok := s.snapshot.Load().versions[ruleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	out := make([]RuleVersion, len(versions))
	for i, v := range versions {
		out[i] = RuleVersion{Rule: v.Rule.Clone(), ChangeType: v.ChangeType, ChangedAt: v.ChangedAt}
	}
	return out, nil
}

func (s *MemoryStore) GetRuleAt(ctx context.Context, ruleID string, version int64) (*Rule, error) {
	ruleID = strings.TrimSpace(ruleID)
	for _, v := range s.snapshot.Load().versions[ruleID] {
		if v.Rule.Version == version {
			out := v.Rule.Clone()
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: %s@%d", ErrRuleNotFound, ruleID, version)
}

// publish installs a copy of prev with rule applied. Caller holds mu.
func (s *MemoryStore) publish(prev *memorySnapshot, rule Rule, change ChangeType) {
	next := &memorySnapshot{
		current:  make(map[string]Rule, len(prev.current)+1),
		versions: make(map[string][]RuleVersion, len(prev.versions)+1),
	}
	for id, r := range prev.current {
		next.current[id] = r
	}
	for id, v := range prev.versions {
		next.versions[id] = v
	}

	next.current[rule.RuleID] = rule
	history := prev.versions[rule.RuleID]
	appended := make([]RuleVersion, len(history), len(history)+1)
	copy(appended, history)
	next.versions[rule.RuleID] = append(appended, RuleVersion{
		Rule:       rule.Clone(),
		ChangeType: change,
		ChangedAt:  rule.LastUpdated,
	})
	s.snapshot.Store(next)
}

func (s *MemoryStore) logWrite(rule Rule, change ChangeType) *Rule {
	if s.logger != nil {
		s.logger.Info("Regulatory rule written",
			zap.String("rule_id", rule.RuleID),
			zap.String("change", string(change)),
			zap.Int64("version", rule.Version),
			zap.Bool("active", rule.Active),
		)
	}
	out := rule.Clone()
	return &out
}
