package reporting

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aegisshield/compliance-audit/internal/compliance"
)

var (
	ErrReportNotFound    = fmt.Errorf("reporting: %w", compliance.ErrNotFound)
	ErrInvalidTransition = errors.New("reporting: transition not allowed")
	ErrApprovalBlocked   = errors.New("reporting: approval blocked")
	ErrRevisionConflict  = errors.New("reporting: report modified concurrently")
	ErrInvalidRequest    = fmt.Errorf("reporting: %w", compliance.ErrInvalidInput)
	ErrStoreUnavailable  = fmt.Errorf("reporting: %w", compliance.ErrUnavailable)
)

// Status is a report's lifecycle state.
type Status string

const (
	StatusDraft        Status = "DRAFT"
	StatusUnderReview  Status = "UNDER_REVIEW"
	StatusApproved     Status = "APPROVED"
	StatusSubmitted    Status = "SUBMITTED"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusRejected     Status = "REJECTED"
	StatusArchived     Status = "ARCHIVED"
)

// transitions lists the targets reachable from each state. ARCHIVED is
// reachable from every state except itself.
var transitions = map[Status][]Status{
	StatusDraft:        {StatusUnderReview, StatusArchived},
	StatusUnderReview:  {StatusApproved, StatusArchived},
	StatusApproved:     {StatusSubmitted, StatusRejected, StatusArchived},
	StatusSubmitted:    {StatusAcknowledged, StatusRejected, StatusArchived},
	StatusAcknowledged: {StatusArchived},
	StatusRejected:     {StatusDraft, StatusArchived},
	StatusArchived:     nil,
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Window is the half-open interval [From, To) of check timestamps a report covers.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (w Window) Validate() error {
	if w.From.IsZero() || w.To.IsZero() {
		return fmt.Errorf("%w: window bounds are required", ErrInvalidRequest)
	}
	if !w.From.Before(w.To) {
		return fmt.Errorf("%w: window start must precede end", ErrInvalidRequest)
	}
	return nil
}

// Statistics summarizes the checks referenced by a report.
type Statistics struct {
	Total         int            `json:"total"`
	Pass          int            `json:"pass"`
	Fail          int            `json:"fail"`
	Pending       int            `json:"pending"`
	Error         int            `json:"error"`
	RuleHistogram map[string]int `json:"rule_histogram"`
}

// Summarize counts checks by status and violated rule.
func Summarize(checks []*compliance.Check) Statistics {
	stats := Statistics{RuleHistogram: map[string]int{}}
	for _, c := range checks {
		stats.Total++
		switch c.Status {
		case compliance.StatusPass:
			stats.Pass++
		case compliance.StatusFail:
			stats.Fail++
		case compliance.StatusPending:
			stats.Pending++
		case compliance.StatusError:
			stats.Error++
		}
		for _, ruleID := range c.ViolatedRules {
			stats.RuleHistogram[ruleID]++
		}
	}
	return stats
}

// Narrative renders the statistics as a one-paragraph summary.
func (s Statistics) Narrative(entityType compliance.EntityType, entityID string, w Window) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d checks for %s %s between %s and %s: %d pass, %d fail, %d pending, %d error.",
		s.Total, entityType, entityID,
		w.From.UTC().Format(time.RFC3339), w.To.UTC().Format(time.RFC3339),
		s.Pass, s.Fail, s.Pending, s.Error)

	if len(s.RuleHistogram) > 0 {
		ids := make([]string, 0, len(s.RuleHistogram))
		for id := range s.RuleHistogram {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			if s.RuleHistogram[ids[i]] != s.RuleHistogram[ids[j]] {
				return s.RuleHistogram[ids[i]] > s.RuleHistogram[ids[j]]
			}
			return ids[i] < ids[j]
		})
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = fmt.Sprintf("%s (%d)", id, s.RuleHistogram[id])
		}
		fmt.Fprintf(&b, " Violated rules: %s.", strings.Join(parts, ", "))
	}
	return b.String()
}

// Report is a roll-up of an entity's checks over a window with its own
// submission lifecycle. Version counts remediation rounds; Revision guards
// concurrent writers.
type Report struct {
	ID             string                `json:"id"`
	ReportType     string                `json:"report_type"`
	EntityID       string                `json:"entity_id"`
	EntityType     compliance.EntityType `json:"entity_type"`
	Window         Window                `json:"window"`
	GenerationDate time.Time             `json:"generation_date"`
	Status         Status                `json:"status"`
	Summary        string                `json:"summary"`
	CheckIDs       []string              `json:"check_ids"`
	Statistics     Statistics            `json:"statistics"`
	Version        int                   `json:"version"`
	Revision       int64                 `json:"revision"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	c := *r
	if r.CheckIDs != nil {
		c.CheckIDs = append([]string{}, r.CheckIDs...)
	}
	if r.Statistics.RuleHistogram != nil {
		c.Statistics.RuleHistogram = make(map[string]int, len(r.Statistics.RuleHistogram))
		for k, v := range r.Statistics.RuleHistogram {
			c.Statistics.RuleHistogram[k] = v
		}
	}
	return &c
}

// GenerateRequest scopes a new report.
type GenerateRequest struct {
	EntityID   string                `json:"entity_id" validate:"required,max=128"`
	EntityType compliance.EntityType `json:"entity_type" validate:"required"`
	ReportType string                `json:"report_type" validate:"required,max=64"`
	Window     Window                `json:"window"`
}

// ListQuery filters stored reports. Empty fields match everything.
type ListQuery struct {
	EntityID   string
	EntityType compliance.EntityType
	Status     Status
}

// StatusSchemaVersion is the schema version of StatusEvent payloads.
const StatusSchemaVersion = 1

// StatusEvent announces a report lifecycle change.
type StatusEvent struct {
	EventID       string                `json:"event_id"`
	ReportID      string                `json:"report_id"`
	ReportType    string                `json:"report_type"`
	EntityID      string                `json:"entity_id"`
	EntityType    compliance.EntityType `json:"entity_type"`
	From          Status                `json:"from_status,omitempty"`
	To            Status                `json:"to_status"`
	Version       int                   `json:"version"`
	Timestamp     time.Time             `json:"timestamp"`
	SchemaVersion int                   `json:"schema_version"`
}
