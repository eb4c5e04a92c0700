package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aegisshield/compliance-audit/internal/compliance"
)

type reportRecord struct {
	ID             string    `gorm:"column:id;primaryKey;size:36"`
	ReportType     string    `gorm:"column:report_type;size:64;not null"`
	EntityID       string    `gorm:"column:entity_id;size:128;not null;index:idx_reports_entity,priority:1"`
	EntityType     string    `gorm:"column:entity_type;size:64;not null;index:idx_reports_entity,priority:2"`
	WindowFrom     time.Time `gorm:"column:window_from;not null"`
	WindowTo       time.Time `gorm:"column:window_to;not null"`
	GenerationDate time.Time `gorm:"column:generation_date;not null"`
	Status         string    `gorm:"column:status;size:16;not null;index"`
	Summary        string    `gorm:"column:summary;not null"`
	CheckIDs       string    `gorm:"column:check_ids;not null"`
	Statistics     string    `gorm:"column:statistics;not null"`
	Version        int       `gorm:"column:version;not null"`
	Revision       int64     `gorm:"column:revision;not null"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null"`
}

func (reportRecord) TableName() string { return "compliance_reports" }

// GormStore persists reports through gorm with optimistic revision checks.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: db, logger: logger}
}

// AutoMigrate creates the reports table for sqlite and local development.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&reportRecord{})
}

func (s *GormStore) Create(ctx context.Context, report *Report) error {
	rec, err := newReportRecord(report)
	if err != nil {
		return err
	}
	rec.Revision = 1
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	report.Revision = 1
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*Report, error) {
	var rec reportRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return rec.toReport()
}

func (s *GormStore) Update(ctx context.Context, report *Report, expectedRevision int64) error {
	rec, err := newReportRecord(report)
	if err != nil {
		return err
	}
	rec.Revision = expectedRevision + 1

	result := s.db.WithContext(ctx).
		Model(&reportRecord{}).
		Where("id = ? AND revision = ?", report.ID, expectedRevision).
		Select("*").
		Updates(rec)
	if result.Error != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(ctx, report.ID); err != nil {
			return err
		}
		return ErrRevisionConflict
	}
	report.Revision = rec.Revision
	return nil
}

func (s *GormStore) List(ctx context.Context, q ListQuery) ([]*Report, error) {
	query := s.db.WithContext(ctx).Model(&reportRecord{})
	if q.EntityID != "" {
		query = query.Where("entity_id = ?", q.EntityID)
	}
	if q.EntityType != "" {
		query = query.Where("entity_type = ?", string(q.EntityType))
	}
	if q.Status != "" {
		query = query.Where("status = ?", string(q.Status))
	}

	var records []reportRecord
	if err := query.Order("generation_date DESC, id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	out := make([]*Report, 0, len(records))
	for _, rec := range records {
		r, err := rec.toReport()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func newReportRecord(r *Report) (*reportRecord, error) {
	checkIDs := r.CheckIDs
	if checkIDs == nil {
		checkIDs = []string{}
	}
	ids, err := json.Marshal(checkIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode check ids: %w", err)
	}
	stats, err := json.Marshal(r.Statistics)
	if err != nil {
		return nil, fmt.Errorf("failed to encode statistics: %w", err)
	}
	return &reportRecord{
		ID:             r.ID,
		ReportType:     r.ReportType,
		EntityID:       r.EntityID,
		EntityType:     string(r.EntityType),
		WindowFrom:     r.Window.From.UTC(),
		WindowTo:       r.Window.To.UTC(),
		GenerationDate: r.GenerationDate.UTC(),
		Status:         string(r.Status),
		Summary:        r.Summary,
		CheckIDs:       string(ids),
		Statistics:     string(stats),
		Version:        r.Version,
		Revision:       r.Revision,
		UpdatedAt:      r.UpdatedAt.UTC(),
	}, nil
}

func (rec reportRecord) toReport() (*Report, error) {
	r := &Report{
		ID:             rec.ID,
		ReportType:     rec.ReportType,
		EntityID:       rec.EntityID,
		EntityType:     compliance.EntityType(rec.EntityType),
		Window:         Window{From: rec.WindowFrom.UTC(), To: rec.WindowTo.UTC()},
		GenerationDate: rec.GenerationDate.UTC(),
		Status:         Status(rec.Status),
		Summary:        rec.Summary,
		Version:        rec.Version,
		Revision:       rec.Revision,
		UpdatedAt:      rec.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(rec.CheckIDs), &r.CheckIDs); err != nil {
		return nil, fmt.Errorf("failed to decode check ids of report %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(rec.Statistics), &r.Statistics); err != nil {
		return nil, fmt.Errorf("failed to decode statistics of report %s: %w", rec.ID, err)
	}
	if r.Statistics.RuleHistogram == nil {
		r.Statistics.RuleHistogram = map[string]int{}
	}
	return r, nil
}
