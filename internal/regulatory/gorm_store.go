package regulatory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ruleRecord is the current projection of a rule's version log.
type ruleRecord struct {
	RuleID          string    `gorm:"column:rule_id;primaryKey;size:64"`
	Jurisdiction    string    `gorm:"column:jurisdiction;size:32;not null;index"`
	Framework       string    `gorm:"column:framework;size:64;not null;index"`
	Description     string    `gorm:"column:description"`
	Citation        string    `gorm:"column:citation"`
	Categories      string    `gorm:"column:categories;not null;default:'[]'"`
	PredicateType   string    `gorm:"column:predicate_type;size:64;not null"`
	PredicateParams string    `gorm:"column:predicate_params;not null;default:'{}'"`
	EffectiveDate   time.Time `gorm:"column:effective_date;not null"`
	Active          bool      `gorm:"column:active;not null;index"`
	Version         int64     `gorm:"column:version;not null"`
	LastUpdated     time.Time `gorm:"column:last_updated;not null"`
}

func (ruleRecord) TableName() string { return "regulatory_rules" }

// ruleVersionRecord is one append-only row of the version log.
type ruleVersionRecord struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	RuleID     string    `gorm:"column:rule_id;size:64;not null;uniqueIndex:idx_rule_versions_rule_version"`
	Version    int64     `gorm:"column:version;not null;uniqueIndex:idx_rule_versions_rule_version"`
	ChangeType string    `gorm:"column:change_type;size:16;not null"`
	Snapshot   string    `gorm:"column:snapshot;not null"`
	ChangedAt  time.Time `gorm:"column:changed_at;not null"`
}

func (ruleVersionRecord) TableName() string { return "regulatory_rule_versions" }

// GormStore persists rules in a relational database. Every write updates the
// projection and appends the version row in one transaction; concurrent writers
// are detected by an optimistic version check.
type GormStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewGormStore creates a rule store over db.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	return &GormStore{db: db, clock: time.Now, logger: logger}
}

// AutoMigrate creates the rule tables. Production schemas come from the SQL
// migrations; this is used for sqlite and local development.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ruleRecord{}, &ruleVersionRecord{})
}

// GetActiveRules reads the active projection with a single statement.
func (s *GormStore) GetActiveRules(ctx context.Context, asOf time.Time) ([]Rule, error) {
	var records []ruleRecord
	err := s.db.WithContext(ctx).
		Where("active = ? AND effective_date <= ?", true, asOf.UTC()).
		Order("framework ASC, rule_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	rules := make([]Rule, 0, len(records))
	for _, rec := range records {
		rule, err := rec.toRule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	SortRules(rules)
	return rules, nil
}

// GetRule retrieves the current version of a rule.
func (s *GormStore) GetRule(ctx context.Context, ruleID string) (*Rule, error) {
	ruleID = strings.TrimSpace(ruleID)
	rec, err := s.load(s.db.WithContext(ctx), ruleID)
	if err != nil {
		return nil, err
	}
	rule, err := rec.toRule()
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// CreateRule inserts version 1 of a rule.
func (s *GormStore) CreateRule(ctx context.Context, rule Rule) (*Rule, error) {
	created, err := prepareCreate(rule, s.clock())
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.insert(tx, created)
	})
	if err != nil {
		return nil, err
	}
	s.logWrite(created, ChangeCreate)
	return &created, nil
}

// UpdateRule appends a new version to an existing rule.
func (s *GormStore) UpdateRule(ctx context.Context, rule Rule) (*Rule, error) {
	var next Rule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.load(tx, normalizeRule(rule).RuleID)
		if err != nil {
			return err
		}
		current, err := rec.toRule()
		if err != nil {
			return err
		}
		next, err = prepareUpdate(current, rule, s.clock())
		if err != nil {
			return err
		}
		return s.replace(tx, current.Version, next, ChangeUpdate)
	})
	if err != nil {
		return nil, err
	}
	s.logWrite(next, ChangeUpdate)
	return &next, nil
}

// UpsertRule creates the rule when unknown, otherwise updates it.
func (s *GormStore) UpsertRule(ctx context.Context, rule Rule) (*Rule, error) {
	out, err := s.UpdateRule(ctx, rule)
	if errors.Is(err, ErrRuleNotFound) {
		return s.CreateRule(ctx, rule)
	}
	return out, err
}

// DeactivateRule soft-deletes a rule by appending an inactive version.
func (s *GormStore) DeactivateRule(ctx context.Context, ruleID string) (*Rule, error) {
	ruleID = strings.TrimSpace(ruleID)
	var next Rule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.load(tx, ruleID)
		if err != nil {
			return err
		}
		current, err := rec.toRule()
		if err != nil {
			return err
		}
		next = prepareDeactivate(current, s.clock())
		return s.replace(tx, current.Version, next, ChangeDeactivate)
	})
	if err != nil {
		return nil, err
	}
	s.logWrite(next, ChangeDeactivate)
	return &next, nil
}

// ListVersions returns the version log of a rule, oldest first.
func (s *GormStore) ListVersions(ctx context.Context, ruleID string) ([]RuleVersion, error) {
	ruleID = strings.TrimSpace(ruleID)
	var records []ruleVersionRecord
	err := s.db.WithContext(ctx).
		Where("rule_id = ?", ruleID).
		Order("version ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}

	versions := make([]RuleVersion, 0, len(records))
	for _, rec := range records {
		v, err := rec.toVersion()
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// GetRuleAt returns a rule as it was at the given version.
func (s *GormStore) GetRuleAt(ctx context.Context, ruleID string, version int64) (*Rule, error) {
	ruleID = strings.TrimSpace(ruleID)
	var rec ruleVersionRecord
	err := s.db.WithContext(ctx).
		Where("rule_id = ? AND version = ?", ruleID, version).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s@%d", ErrRuleNotFound, ruleID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	v, err := rec.toVersion()
	if err != nil {
		return nil, err
	}
	return &v.Rule, nil
}

func (s *GormStore) load(db *gorm.DB, ruleID string) (*ruleRecord, error) {
	var rec ruleRecord
	err := db.Where("rule_id = ?", ruleID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &rec, nil
}

func (s *GormStore) insert(tx *gorm.DB, rule Rule) error {
	rec, err := newRuleRecord(rule)
	if err != nil {
		return err
	}
	if err := tx.Create(rec).Error; err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrRuleExists, rule.RuleID)
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return s.appendVersion(tx, rule, ChangeCreate)
}

// replace swaps the projection row guarded by the version it was read at.
func (s *GormStore) replace(tx *gorm.DB, readVersion int64, rule Rule, change ChangeType) error {
	rec, err := newRuleRecord(rule)
	if err != nil {
		return err
	}
	result := tx.Model(&ruleRecord{}).
		Where("rule_id = ? AND version = ?", rule.RuleID, readVersion).
		Select("*").
		Updates(rec)
	if result.Error != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, rule.RuleID, readVersion)
	}
	return s.appendVersion(tx, rule, change)
}

func (s *GormStore) appendVersion(tx *gorm.DB, rule Rule, change ChangeType) error {
	snapshot, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	rec := &ruleVersionRecord{
		RuleID:     rule.RuleID,
		Version:    rule.Version,
		ChangeType: string(change),
		Snapshot:   string(snapshot),
		ChangedAt:  rule.LastUpdated,
	}
	if err := tx.Create(rec).Error; err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s version %d", ErrVersionConflict, rule.RuleID, rule.Version)
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *GormStore) logWrite(rule Rule, change ChangeType) {
	if s.logger == nil {
		return
	}
	s.logger.Info("Regulatory rule persisted",
		zap.String("rule_id", rule.RuleID),
		zap.String("change", string(change)),
		zap.Int64("version", rule.Version),
		zap.Bool("active", rule.Active),
	)
}

func newRuleRecord(rule Rule) (*ruleRecord, error) {
	categories := rule.Categories
	if categories == nil {
		categories = []string{}
	}
	cats, err := json.Marshal(categories)
	if err != nil {
		return nil, fmt.Errorf("%w: categories: %v", ErrInvalidRule, err)
	}
	params := rule.Predicate.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	ps, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%w: predicate params: %v", ErrInvalidRule, err)
	}
	return &ruleRecord{
		RuleID:          rule.RuleID,
		Jurisdiction:    rule.Jurisdiction,
		Framework:       rule.Framework,
		Description:     rule.Description,
		Citation:        rule.Citation,
		Categories:      string(cats),
		PredicateType:   rule.Predicate.Type,
		PredicateParams: string(ps),
		EffectiveDate:   rule.EffectiveDate.UTC(),
		Active:          rule.Active,
		Version:         rule.Version,
		LastUpdated:     rule.LastUpdated.UTC(),
	}, nil
}

func (r ruleRecord) toRule() (Rule, error) {
	rule := Rule{
		RuleID:        r.RuleID,
		Jurisdiction:  r.Jurisdiction,
		Framework:     r.Framework,
		Description:   r.Description,
		Citation:      r.Citation,
		Predicate:     Predicate{Type: r.PredicateType},
		EffectiveDate: r.EffectiveDate.UTC(),
		Active:        r.Active,
		Version:       r.Version,
		LastUpdated:   r.LastUpdated.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Categories), &rule.Categories); err != nil {
		return Rule{}, fmt.Errorf("%w: decode categories of %s: %v", ErrStoreUnavailable, r.RuleID, err)
	}
	if len(rule.Categories) == 0 {
		rule.Categories = nil
	}
	if err := json.Unmarshal([]byte(r.PredicateParams), &rule.Predicate.Params); err != nil {
		return Rule{}, fmt.Errorf("%w: decode params of %s: %v", ErrStoreUnavailable, r.RuleID, err)
	}
	if len(rule.Predicate.Params) == 0 {
		rule.Predicate.Params = nil
	}
	return rule, nil
}

func (r ruleVersionRecord) toVersion() (RuleVersion, error) {
	var rule Rule
	if err := json.Unmarshal([]byte(r.Snapshot), &rule); err != nil {
		return RuleVersion{}, fmt.Errorf("%w: decode version %s@%d: %v", ErrStoreUnavailable, r.RuleID, r.Version, err)
	}
	return RuleVersion{
		Rule:       rule,
		ChangeType: ChangeType(r.ChangeType),
		ChangedAt:  r.ChangedAt.UTC(),
	}, nil
}

func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "23505")
}
