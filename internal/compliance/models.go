package compliance

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CheckStatus is the durable outcome of a compliance check.
type CheckStatus string

const (
	StatusPending CheckStatus = "PENDING"
	StatusPass    CheckStatus = "PASS"
	StatusFail    CheckStatus = "FAIL"
	StatusError   CheckStatus = "ERROR"
)

// Valid reports whether s is a known status.
func (s CheckStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPass, StatusFail, StatusError:
		return true
	}
	return false
}

// EntityType tags the subject of a check.
type EntityType string

const (
	EntityCustomer     EntityType = "CUSTOMER"
	EntityTransaction  EntityType = "TRANSACTION"
	EntityJurisdiction EntityType = "JURISDICTION"
	EntityBusinessUnit EntityType = "BUSINESS_UNIT"
)

// MatchStatus is the watchlist screening verdict.
type MatchStatus string

const (
	MatchNone          MatchStatus = "NO_MATCH"
	MatchPotential     MatchStatus = "POTENTIAL_MATCH"
	MatchConfirmed     MatchStatus = "CONFIRMED_MATCH"
	MatchFalsePositive MatchStatus = "FALSE_POSITIVE"
	MatchPendingReview MatchStatus = "PENDING_REVIEW"
	MatchError         MatchStatus = "ERROR"
)

// Valid reports whether m is a known match status.
func (m MatchStatus) Valid() bool {
	switch m {
	case MatchNone, MatchPotential, MatchConfirmed, MatchFalsePositive, MatchPendingReview, MatchError:
		return true
	}
	return false
}

// RiskLevel grades the screening risk.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
	RiskUnknown  RiskLevel = "UNKNOWN"
)

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical, RiskUnknown:
		return true
	}
	return false
}

// Stage names a step of the check pipeline. Stages are never persisted on
// their own; an ERROR check records the stage that failed.
type Stage string

const (
	StageReceived     Stage = "RECEIVED"
	StageRulesFetched Stage = "RULES_FETCHED"
	StageScreened     Stage = "SCREENED"
	StageEvaluated    Stage = "EVALUATED"
	StageFinalized    Stage = "FINALIZED"
)

// AmlResult is the screening outcome owned by a check.
type AmlResult struct {
	Source      string      `json:"source"`
	MatchStatus MatchStatus `json:"match_status"`
	RiskLevel   RiskLevel   `json:"risk_level"`
	Details     string      `json:"details"`
	ScreenedAt  time.Time   `json:"screened_at"`
}

// IsSentinel reports whether the result stands in for a failed or timed-out call.
func (a AmlResult) IsSentinel() bool {
	return a.RiskLevel == RiskUnknown &&
		(a.MatchStatus == MatchPendingReview || a.MatchStatus == MatchError)
}

// TimeoutResult is the sentinel substituted when screening does not answer in time.
func TimeoutResult(source string, timeout time.Duration, at time.Time) AmlResult {
	return AmlResult{
		Source:      source,
		MatchStatus: MatchPendingReview,
		RiskLevel:   RiskUnknown,
		Details:     fmt.Sprintf("screening timed out after %s", timeout),
		ScreenedAt:  at.UTC(),
	}
}

// ErrorResult is the sentinel substituted when the screening provider fails.
func ErrorResult(source string, cause error, at time.Time) AmlResult {
	detail := "screening provider error"
	if cause != nil {
		detail = fmt.Sprintf("screening provider error: %v", cause)
	}
	return AmlResult{
		Source:      source,
		MatchStatus: MatchError,
		RiskLevel:   RiskUnknown,
		Details:     detail,
		ScreenedAt:  at.UTC(),
	}
}

// RuleRef identifies the exact rule version a check was evaluated against.
type RuleRef struct {
	RuleID    string `json:"rule_id"`
	Version   int64  `json:"version"`
	Framework string `json:"framework"`
}

// Check is a finalized compliance check. Once persisted it is never modified.
type Check struct {
	ID                string      `json:"id"`
	EntityID          string      `json:"entity_id"`
	EntityType        EntityType  `json:"entity_type"`
	Category          string      `json:"check_category"`
	Status            CheckStatus `json:"status"`
	CheckTimestamp    time.Time   `json:"check_timestamp"`
	Details           string      `json:"details"`
	ViolatedRules     []string    `json:"violated_rules"`
	IdempotencyKey    string      `json:"idempotency_key"`
	CallerRequestID   string      `json:"caller_request_id"`
	Aml               *AmlResult  `json:"aml_result,omitempty"`
	EvaluatedRules    []RuleRef   `json:"evaluated_rules"`
	DegradedRules     []string    `json:"degraded_rules,omitempty"`
	SupersedesCheckID string      `json:"supersedes_check_id,omitempty"`
	FailedStage       Stage       `json:"failed_stage,omitempty"`
}

// Clone returns a deep copy of the check.
func (c *Check) Clone() *Check {
	if c == nil {
		return nil
	}
	out := *c
	if c.ViolatedRules != nil {
		out.ViolatedRules = append(make([]string, 0, len(c.ViolatedRules)), c.ViolatedRules...)
	}
	if c.EvaluatedRules != nil {
		out.EvaluatedRules = append(make([]RuleRef, 0, len(c.EvaluatedRules)), c.EvaluatedRules...)
	}
	if c.DegradedRules != nil {
		out.DegradedRules = append(make([]string, 0, len(c.DegradedRules)), c.DegradedRules...)
	}
	if c.Aml != nil {
		aml := *c.Aml
		out.Aml = &aml
	}
	return &out
}

// Entity is the snapshot a check evaluates.
type Entity struct {
	ID         string                 `json:"id"`
	Type       EntityType             `json:"type"`
	Attributes map[string]interface{} `json:"attributes"`
}

// Attribute looks up an attribute case-insensitively.
func (e Entity) Attribute(name string) (interface{}, bool) {
	if v, ok := e.Attributes[name]; ok {
		return v, true
	}
	for k, v := range e.Attributes {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

// CheckRequest is what the intake layer hands to the orchestrator.
type CheckRequest struct {
	EntityID          string                 `json:"entity_id" validate:"required,max=128"`
	EntityType        EntityType             `json:"entity_type" validate:"required,max=64"`
	Category          string                 `json:"check_category" validate:"required,max=64"`
	CallerRequestID   string                 `json:"caller_request_id" validate:"required,max=128"`
	Attributes        map[string]interface{} `json:"attributes"`
	ScreeningTimeout  time.Duration          `json:"-"`
	SupersedesCheckID string                 `json:"supersedes_check_id,omitempty"`
}

// Entity returns the snapshot described by the request.
func (r CheckRequest) Entity() Entity {
	return Entity{ID: r.EntityID, Type: r.EntityType, Attributes: r.Attributes}
}

// IdempotencyKey derives the key collapsing retries of one triggering request.
func IdempotencyKey(entityType EntityType, entityID, callerRequestID string) string {
	sum := sha256.Sum256([]byte(string(entityType) + "|" + entityID + "|" + callerRequestID))
	return hex.EncodeToString(sum[:])
}

// VerdictSchemaVersion is the current version of VerdictEvent.
const VerdictSchemaVersion = 1

// VerdictEvent is emitted after a check is finalized.
type VerdictEvent struct {
	EventID       string      `json:"event_id"`
	CheckID       string      `json:"check_id"`
	EntityID      string      `json:"entity_id"`
	EntityType    EntityType  `json:"entity_type"`
	Category      string      `json:"check_category"`
	Status        CheckStatus `json:"status"`
	ViolatedRules []string    `json:"violated_rules"`
	Timestamp     time.Time   `json:"timestamp"`
	SchemaVersion int         `json:"schema_version"`
}

// EntityQuery selects a page of one entity's checks.
type EntityQuery struct {
	EntityID   string
	EntityType EntityType
	From       time.Time
	To         time.Time
	Cursor     string
	Limit      int
}

// CheckPage is one page of an entity's checks, oldest first.
type CheckPage struct {
	Checks     []*Check `json:"checks"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// PageCursor is the decoded position after the last returned check.
type PageCursor struct {
	Timestamp time.Time `json:"ts"`
	ID        string    `json:"id"`
}

// EncodeCursor returns an opaque cursor pointing after c.
func EncodeCursor(c *Check) string {
	raw, _ := json.Marshal(PageCursor{Timestamp: c.CheckTimestamp.UTC(), ID: c.ID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a cursor produced by EncodeCursor. An empty cursor
// decodes to nil.
func DecodeCursor(cursor string) (*PageCursor, error) {
	if cursor == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", ErrInvalidInput)
	}
	var pc PageCursor
	if err := json.Unmarshal(raw, &pc); err != nil || pc.ID == "" {
		return nil, fmt.Errorf("%w: malformed cursor", ErrInvalidInput)
	}
	return &pc, nil
}

// After reports whether c sorts after the cursor position.
func (pc *PageCursor) After(c *Check) bool {
	if pc == nil {
		return true
	}
	if !c.CheckTimestamp.Equal(pc.Timestamp) {
		return c.CheckTimestamp.After(pc.Timestamp)
	}
	return c.ID > pc.ID
}

// InWindow reports whether t falls in [from, to); zero bounds are open.
func InWindow(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// NormalizeLimit clamps a requested page size.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
