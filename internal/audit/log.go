package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aegisshield/compliance-audit/internal/compliance"
)

var (
	ErrCheckNotFound    = fmt.Errorf("audit: %w", compliance.ErrNotFound)
	ErrDuplicateCheck   = errors.New("audit: check id already recorded")
	ErrAlreadyFinalized = fmt.Errorf("audit: %w", compliance.ErrConflictAlreadyFinalized)
	ErrLogUnavailable   = fmt.Errorf("audit: %w", compliance.ErrUnavailable)
	ErrInvalidRecord    = fmt.Errorf("audit: %w", compliance.ErrInvalidInput)
	ErrIntegrity        = errors.New("audit: record digest mismatch")
)

// validateRecord checks the fields every appended check must carry.
func validateRecord(check *compliance.Check) error {
	if check == nil {
		return fmt.Errorf("%w: nil check", ErrInvalidRecord)
	}
	var missing []string
	if check.ID == "" {
		missing = append(missing, "id")
	}
	if check.IdempotencyKey == "" {
		missing = append(missing, "idempotency_key")
	}
	if check.EntityID == "" {
		missing = append(missing, "entity_id")
	}
	if check.EntityType == "" {
		missing = append(missing, "entity_type")
	}
	if check.CheckTimestamp.IsZero() {
		missing = append(missing, "check_timestamp")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRecord, strings.Join(missing, ", "))
	}
	if !check.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, check.Status)
	}
	return nil
}

// Digest returns the hex sha256 of a check's canonical JSON form. It is stored
// alongside each record and re-verified on read.
func Digest(check *compliance.Check) (string, error) {
	c := check.Clone()
	c.CheckTimestamp = c.CheckTimestamp.UTC().Truncate(time.Microsecond)
	if c.Aml != nil {
		c.Aml.ScreenedAt = c.Aml.ScreenedAt.UTC().Truncate(time.Microsecond)
	}
	if len(c.ViolatedRules) == 0 {
		c.ViolatedRules = nil
	}
	if len(c.EvaluatedRules) == 0 {
		c.EvaluatedRules = nil
	}
	if len(c.DegradedRules) == 0 {
		c.DegradedRules = nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
