package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aegisshield/compliance-audit/internal/compliance"
)

// checkRecord is the persisted row of a compliance check. Rows are insert-only;
// the postgres migration installs a trigger rejecting UPDATE and DELETE.
type checkRecord struct {
	ID                string    `gorm:"column:id;primaryKey;size:36"`
	IdempotencyKey    string    `gorm:"column:idempotency_key;size:64;not null;uniqueIndex"`
	EntityID          string    `gorm:"column:entity_id;size:128;not null;index:idx_checks_entity,priority:1"`
	EntityType        string    `gorm:"column:entity_type;size:64;not null;index:idx_checks_entity,priority:2"`
	CheckTimestamp    time.Time `gorm:"column:check_timestamp;not null;index:idx_checks_entity,priority:3"`
	Category          string    `gorm:"column:check_category;size:64;not null"`
	Status            string    `gorm:"column:status;size:16;not null;index"`
	Details           string    `gorm:"column:details;not null"`
	ViolatedRules     string    `gorm:"column:violated_rules;not null;default:'[]'"`
	EvaluatedRules    string    `gorm:"column:evaluated_rules;not null;default:'[]'"`
	DegradedRules     string    `gorm:"column:degraded_rules;not null;default:'[]'"`
	AmlResult         string    `gorm:"column:aml_result"`
	CallerRequestID   string    `gorm:"column:caller_request_id;size:128;not null"`
	SupersedesCheckID string    `gorm:"column:supersedes_check_id;size:36"`
	FailedStage       string    `gorm:"column:failed_stage;size:32"`
	ContentDigest     string    `gorm:"column:content_digest;size:64;not null"`
	RecordedAt        time.Time `gorm:"column:recorded_at;not null"`
}

func (checkRecord) TableName() string { return "compliance_checks" }

// GormLog is the relational audit log. The idempotency key's unique index is
// the arbitration point: an insert that conflicts is discarded atomically by
// the database and reported as ErrAlreadyFinalized.
type GormLog struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormLog creates an audit log over db.
func NewGormLog(db *gorm.DB, logger *zap.Logger) *GormLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormLog{db: db, logger: logger}
}

// AutoMigrate creates the checks table for sqlite and local development.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&checkRecord{})
}

// Append inserts check unless its id or idempotency key is already recorded.
func (l *GormLog) Append(ctx context.Context, check *compliance.Check) error {
	if err := validateRecord(check); err != nil {
		return err
	}
	rec, err := newCheckRecord(check)
	if err != nil {
		return err
	}

	result := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec)
	if result.Error != nil {
		return fmt.Errorf("%w: %v", ErrLogUnavailable, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	winner, err := l.GetByIdempotencyKey(ctx, check.IdempotencyKey)
	switch {
	case err == nil:
		return fmt.Errorf("%w: key %s recorded as check %s", ErrAlreadyFinalized, check.IdempotencyKey, winner.ID)
	case errors.Is(err, ErrCheckNotFound):
		return fmt.Errorf("%w: %s", ErrDuplicateCheck, check.ID)
	default:
		return err
	}
}

// Get returns a check by id.
func (l *GormLog) Get(ctx context.Context, id string) (*compliance.Check, error) {
	return l.first(ctx, "id = ?", id)
}

// GetByIdempotencyKey returns the check recorded for key.
func (l *GormLog) GetByIdempotencyKey(ctx context.Context, key string) (*compliance.Check, error) {
	return l.first(ctx, "idempotency_key = ?", key)
}

// ListByEntity returns a page of an entity's checks ordered by timestamp then id.
func (l *GormLog) ListByEntity(ctx context.Context, q compliance.EntityQuery) (*compliance.CheckPage, error) {
	cursor, err := compliance.DecodeCursor(q.Cursor)
	if err != nil {
		return nil, err
	}
	limit := compliance.NormalizeLimit(q.Limit)

	query := l.db.WithContext(ctx).
		Where("entity_id = ? AND entity_type = ?", q.EntityID, string(q.EntityType))
	if !q.From.IsZero() {
		query = query.Where("check_timestamp >= ?", q.From.UTC())
	}
	if !q.To.IsZero() {
		query = query.Where("check_timestamp < ?", q.To.UTC())
	}
	if cursor != nil {
		ts := cursor.Timestamp.UTC()
		query = query.Where("(check_timestamp > ? OR (check_timestamp = ? AND id > ?))", ts, ts, cursor.ID)
	}

	var records []checkRecord
	if err := query.Order("check_timestamp ASC, id ASC").Limit(limit + 1).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogUnavailable, err)
	}

	page := &compliance.CheckPage{Checks: make([]*compliance.Check, 0, len(records))}
	for i, rec := range records {
		if i == limit {
			page.NextCursor = compliance.EncodeCursor(page.Checks[limit-1])
			break
		}
		check, err := l.decode(rec)
		if err != nil {
			return nil, err
		}
		page.Checks = append(page.Checks, check)
	}
	return page, nil
}

func (l *GormLog) first(ctx context.Context, cond string, arg interface{}) (*compliance.Check, error) {
	var rec checkRecord
	err := l.db.WithContext(ctx).Where(cond, arg).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrCheckNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogUnavailable, err)
	}
	return l.decode(rec)
}

func (l *GormLog) decode(rec checkRecord) (*compliance.Check, error) {
	check, err := rec.toCheck()
	if err != nil {
		return nil, err
	}
	digest, err := Digest(check)
	if err != nil {
		return nil, err
	}
	if digest != rec.ContentDigest {
		l.logger.Error("Audit record failed integrity verification",
			zap.String("check_id", rec.ID),
			zap.String("stored_digest", rec.ContentDigest),
			zap.String("computed_digest", digest),
		)
		return nil, fmt.Errorf("%w: check %s", ErrIntegrity, rec.ID)
	}
	return check, nil
}

func newCheckRecord(check *compliance.Check) (*checkRecord, error) {
	digest, err := Digest(check)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	violated, err := marshalList(check.ViolatedRules)
	if err != nil {
		return nil, err
	}
	evaluated, err := marshalList(check.EvaluatedRules)
	if err != nil {
		return nil, err
	}
	degraded, err := marshalList(check.DegradedRules)
	if err != nil {
		return nil, err
	}
	var aml string
	if check.Aml != nil {
		a := *check.Aml
		a.ScreenedAt = a.ScreenedAt.UTC().Truncate(time.Microsecond)
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("%w: aml result: %v", ErrInvalidRecord, err)
		}
		aml = string(raw)
	}

	return &checkRecord{
		ID:                check.ID,
		IdempotencyKey:    check.IdempotencyKey,
		EntityID:          check.EntityID,
		EntityType:        string(check.EntityType),
		CheckTimestamp:    check.CheckTimestamp.UTC().Truncate(time.Microsecond),
		Category:          check.Category,
		Status:            string(check.Status),
		Details:           check.Details,
		ViolatedRules:     violated,
		EvaluatedRules:    evaluated,
		DegradedRules:     degraded,
		AmlResult:         aml,
		CallerRequestID:   check.CallerRequestID,
		SupersedesCheckID: check.SupersedesCheckID,
		FailedStage:       string(check.FailedStage),
		ContentDigest:     digest,
		RecordedAt:        time.Now().UTC(),
	}, nil
}

func (r checkRecord) toCheck() (*compliance.Check, error) {
	check := &compliance.Check{
		ID:                r.ID,
		EntityID:          r.EntityID,
		EntityType:        compliance.EntityType(r.EntityType),
		Category:          r.Category,
		Status:            compliance.CheckStatus(r.Status),
		CheckTimestamp:    r.CheckTimestamp.UTC(),
		Details:           r.Details,
		IdempotencyKey:    r.IdempotencyKey,
		CallerRequestID:   r.CallerRequestID,
		SupersedesCheckID: r.SupersedesCheckID,
		FailedStage:       compliance.Stage(r.FailedStage),
	}
	if err := json.Unmarshal([]byte(r.ViolatedRules), &check.ViolatedRules); err != nil {
		return nil, fmt.Errorf("%w: decode violated rules of %s: %v", ErrLogUnavailable, r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.EvaluatedRules), &check.EvaluatedRules); err != nil {
		return nil, fmt.Errorf("%w: decode evaluated rules of %s: %v", ErrLogUnavailable, r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.DegradedRules), &check.DegradedRules); err != nil {
		return nil, fmt.Errorf("%w: decode degraded rules of %s: %v", ErrLogUnavailable, r.ID, err)
	}
	if len(check.DegradedRules) == 0 {
		check.DegradedRules = nil
	}
	if r.AmlResult != "" {
		var aml compliance.AmlResult
		if err := json.Unmarshal([]byte(r.AmlResult), &aml); err != nil {
			return nil, fmt.Errorf("%w: decode aml result of %s: %v", ErrLogUnavailable, r.ID, err)
		}
		aml.ScreenedAt = aml.ScreenedAt.UTC()
		check.Aml = &aml
	}
	return check, nil
}

func marshalList(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if string(raw) == "null" {
		return "[]", nil
	}
	return string(raw), nil
}
