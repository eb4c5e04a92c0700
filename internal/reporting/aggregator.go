package reporting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aegisshield/compliance-audit/internal/compliance"
)

// CheckReader is the read side of the audit log.
type CheckReader interface {
	Get(ctx context.Context, id string) (*compliance.Check, error)
	ListByEntity(ctx context.Context, q compliance.EntityQuery) (*compliance.CheckPage, error)
}

// StatusPublisher announces report lifecycle changes.
type StatusPublisher interface {
	PublishReportStatus(ctx context.Context, event StatusEvent) error
}

var validate = validator.New()

// Aggregator rolls audited checks up into reports and drives the report
// lifecycle.
type Aggregator struct {
	store     Store
	checks    CheckReader
	publisher StatusPublisher
	logger    *zap.Logger
	clock     func() time.Time
}

type Option func(*Aggregator)

func WithClock(clock func() time.Time) Option {
	return func(a *Aggregator) { a.clock = clock }
}

func NewAggregator(store Store, checks CheckReader, publisher StatusPublisher, logger *zap.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		store:     store,
		checks:    checks,
		publisher: publisher,
		logger:    logger,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// GenerateReport reads every check for the entity within the window and
// persists a DRAFT report summarizing them.
func (a *Aggregator) GenerateReport(ctx context.Context, req GenerateRequest) (*Report, error) {
	req.EntityID = strings.TrimSpace(req.EntityID)
	req.EntityType = compliance.EntityType(strings.ToUpper(strings.TrimSpace(string(req.EntityType))))
	req.ReportType = strings.ToUpper(strings.TrimSpace(req.ReportType))
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := req.Window.Validate(); err != nil {
		return nil, err
	}

	checks, err := a.collect(ctx, req.EntityID, req.EntityType, req.Window)
	if err != nil {
		return nil, err
	}

	now := a.now()
	report := &Report{
		ID:             uuid.New().String(),
		ReportType:     req.ReportType,
		EntityID:       req.EntityID,
		EntityType:     req.EntityType,
		Window:         Window{From: req.Window.From.UTC(), To: req.Window.To.UTC()},
		GenerationDate: now,
		Status:         StatusDraft,
		Version:        1,
		UpdatedAt:      now,
	}
	report.fill(checks)

	if err := a.store.Create(ctx, report); err != nil {
		return nil, err
	}

	a.logger.Info("Report generated",
		zap.String("report_id", report.ID),
		zap.String("entity_id", report.EntityID),
		zap.String("entity_type", string(report.EntityType)),
		zap.String("report_type", report.ReportType),
		zap.Int("checks", report.Statistics.Total),
	)
	a.publish(ctx, report, "")
	return report.Clone(), nil
}

// GetReport returns a stored report.
func (a *Aggregator) GetReport(ctx context.Context, id string) (*Report, error) {
	return a.store.Get(ctx, strings.TrimSpace(id))
}

// ListReports returns stored reports matching q, newest first.
func (a *Aggregator) ListReports(ctx context.Context, q ListQuery) ([]*Report, error) {
	q.EntityType = compliance.EntityType(strings.ToUpper(string(q.EntityType)))
	q.Status = Status(strings.ToUpper(string(q.Status)))
	return a.store.List(ctx, q)
}

// Transition moves a report to target. Approval re-reads the referenced
// checks and re-queries the window, so checks that landed after generation
// are taken into account. Returning from REJECTED to DRAFT starts a new
// version over a fresh aggregation.
func (a *Aggregator) Transition(ctx context.Context, id string, target Status) (*Report, error) {
	target = Status(strings.ToUpper(strings.TrimSpace(string(target))))
	if !target.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, target)
	}

	report, err := a.store.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	from := report.Status
	if !CanTransition(from, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, target)
	}

	switch target {
	case StatusApproved:
		if err := a.verifyApprovable(ctx, report); err != nil {
			a.logger.Warn("Report approval blocked",
				zap.String("report_id", report.ID),
				zap.Error(err),
			)
			return nil, err
		}
	case StatusDraft:
		checks, err := a.collect(ctx, report.EntityID, report.EntityType, report.Window)
		if err != nil {
			return nil, err
		}
		report.Version++
		report.GenerationDate = a.now()
		report.fill(checks)
	}

	expected := report.Revision
	report.Status = target
	report.UpdatedAt = a.now()
	if err := a.store.Update(ctx, report, expected); err != nil {
		return nil, err
	}

	a.logger.Info("Report transitioned",
		zap.String("report_id", report.ID),
		zap.String("from", string(from)),
		zap.String("status", string(target)),
		zap.Int("version", report.Version),
	)
	a.publish(ctx, report, from)
	return report.Clone(), nil
}

// verifyApprovable requires at least one referenced check and no PENDING check
// among the referenced set and any check recorded in the window since generation.
func (a *Aggregator) verifyApprovable(ctx context.Context, report *Report) error {
	if len(report.CheckIDs) == 0 {
		return fmt.Errorf("%w: report references no checks", ErrApprovalBlocked)
	}

	pending := make([]string, 0)
	seen := make(map[string]struct{}, len(report.CheckIDs))

	for _, checkID := range report.CheckIDs {
		check, err := a.checks.Get(ctx, checkID)
		if err != nil {
			if errors.Is(err, compliance.ErrNotFound) {
				return fmt.Errorf("%w: referenced check %s is missing", ErrApprovalBlocked, checkID)
			}
			return err
		}
		seen[checkID] = struct{}{}
		if check.Status == compliance.StatusPending {
			pending = append(pending, checkID)
		}
	}

	current, err := a.collect(ctx, report.EntityID, report.EntityType, report.Window)
	if err != nil {
		return err
	}
	for _, check := range current {
		if _, ok := seen[check.ID]; ok {
			continue
		}
		seen[check.ID] = struct{}{}
		if check.Status == compliance.StatusPending {
			pending = append(pending, check.ID)
		}
	}

	if len(pending) > 0 {
		return fmt.Errorf("%w: %d pending checks (%s)", ErrApprovalBlocked, len(pending), strings.Join(pending, ", "))
	}
	return nil
}

// collect pages through the audit log for every check in the window.
func (a *Aggregator) collect(ctx context.Context, entityID string, entityType compliance.EntityType, w Window) ([]*compliance.Check, error) {
	var (
		checks []*compliance.Check
		cursor string
	)
	for {
		page, err := a.checks.ListByEntity(ctx, compliance.EntityQuery{
			EntityID:   entityID,
			EntityType: entityType,
			From:       w.From,
			To:         w.To,
			Cursor:     cursor,
			Limit:      compliance.MaxPageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read checks: %w", err)
		}
		checks = append(checks, page.Checks...)
		if page.NextCursor == "" {
			return checks, nil
		}
		cursor = page.NextCursor
	}
}

func (a *Aggregator) publish(ctx context.Context, report *Report, from Status) {
	if a.publisher == nil {
		return
	}
	event := StatusEvent{
		EventID:       uuid.New().String(),
		ReportID:      report.ID,
		ReportType:    report.ReportType,
		EntityID:      report.EntityID,
		EntityType:    report.EntityType,
		From:          from,
		To:            report.Status,
		Version:       report.Version,
		Timestamp:     report.UpdatedAt,
		SchemaVersion: StatusSchemaVersion,
	}
	if err := a.publisher.PublishReportStatus(context.WithoutCancel(ctx), event); err != nil {
		a.logger.Error("Failed to publish report status",
			zap.String("report_id", report.ID),
			zap.String("status", string(report.Status)),
			zap.Error(err),
		)
	}
}

func (a *Aggregator) now() time.Time {
	return a.clock().UTC().Truncate(time.Microsecond)
}

// fill replaces the report's check references and statistics.
func (r *Report) fill(checks []*compliance.Check) {
	r.CheckIDs = make([]string, 0, len(checks))
	for _, c := range checks {
		r.CheckIDs = append(r.CheckIDs, c.ID)
	}
	r.Statistics = Summarize(checks)
	r.Summary = r.Statistics.Narrative(r.EntityType, r.EntityID, r.Window)
}
