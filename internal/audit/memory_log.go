package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/aegisshield/compliance-audit/internal/compliance"
)

type entityKey struct {
	id  string
	typ compliance.EntityType
}

// MemoryLog is an in-process audit log. The idempotency check and the insert
// happen under one lock, so concurrent appends of the same key have exactly
// one winner.
type MemoryLog struct {
	mu       sync.RWMutex
	byID     map[string]*compliance.Check
	byKey    map[string]string
	byEntity map[entityKey][]*compliance.Check
	logger   *zap.Logger
}

// NewMemoryLog creates an empty audit log.
func NewMemoryLog(logger *zap.Logger) *MemoryLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryLog{
		byID:     make(map[string]*compliance.Check),
		byKey:    make(map[string]string),
		byEntity: make(map[entityKey][]*compliance.Check),
		logger:   logger,
	}
}

// Append records a finalized check.
func (l *MemoryLog) Append(ctx context.Context, check *compliance.Check) error {
	if err := validateRecord(check); err != nil {
		return err
	}
	stored := check.Clone()

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.byID[stored.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCheck, stored.ID)
	}
	if winner, exists := l.byKey[stored.IdempotencyKey]; exists {
		return fmt.Errorf("%w: key %s recorded as check %s", ErrAlreadyFinalized, stored.IdempotencyKey, winner)
	}

	l.byID[stored.ID] = stored
	l.byKey[stored.IdempotencyKey] = stored.ID

	k := entityKey{id: stored.EntityID, typ: stored.EntityType}
	list := l.byEntity[k]
	i := sort.Search(len(list), func(i int) bool { return sortsAfter(list[i], stored) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = stored
	l.byEntity[k] = list

	l.logger.Debug("Check appended to audit log",
		zap.String("check_id", stored.ID),
		zap.String("status", string(stored.Status)),
	)
	return nil
}

// Get returns a check by id.
func (l *MemoryLog) Get(ctx context.Context, id string) (*compliance.Check, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	check, ok := l.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCheckNotFound, id)
	}
	return check.Clone(), nil
}

// GetByIdempotencyKey returns the check recorded for key.
func (l *MemoryLog) GetByIdempotencyKey(ctx context.Context, key string) (*compliance.Check, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: idempotency key %s", ErrCheckNotFound, key)
	}
	return l.byID[id].Clone(), nil
}

// ListByEntity returns a page of an entity's checks ordered by timestamp then id.
func (l *MemoryLog) ListByEntity(ctx context.Context, q compliance.EntityQuery) (*compliance.CheckPage, error) {
	cursor, err := compliance.DecodeCursor(q.Cursor)
	if err != nil {
		return nil, err
	}
	limit := compliance.NormalizeLimit(q.Limit)

	l.mu.RLock()
	defer l.mu.RUnlock()

	page := &compliance.CheckPage{Checks: []*compliance.Check{}}
	for _, c := range l.byEntity[entityKey{id: q.EntityID, typ: q.EntityType}] {
		if !cursor.After(c) || !compliance.InWindow(c.CheckTimestamp, q.From, q.To) {
			continue
		}
		if len(page.Checks) == limit {
			page.NextCursor = compliance.EncodeCursor(page.Checks[limit-1])
			break
		}
		page.Checks = append(page.Checks, c.Clone())
	}
	return page, nil
}

// Len returns the number of recorded checks.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}

func sortsAfter(a, b *compliance.Check) bool {
	if !a.CheckTimestamp.Equal(b.CheckTimestamp) {
		return a.CheckTimestamp.After(b.CheckTimestamp)
	}
	return a.ID > b.ID
}
