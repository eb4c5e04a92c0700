package reporting

import (
	"context"
	"sort"
	"sync"
)

// Store persists reports. Update succeeds only when the stored revision
// equals expectedRevision, and it advances the revision by one.
type Store interface {
	Create(ctx context.Context, report *Report) error
	Get(ctx context.Context, id string) (*Report, error)
	Update(ctx context.Context, report *Report, expectedRevision int64) error
	List(ctx context.Context, q ListQuery) ([]*Report, error)
}

// MemoryStore keeps reports in process.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[string]*Report
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reports: make(map[string]*Report)}
}

func (s *MemoryStore) Create(ctx context.Context, report *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[report.ID]; ok {
		return ErrRevisionConflict
	}
	stored := report.Clone()
	stored.Revision = 1
	s.reports[report.ID] = stored
	report.Revision = 1
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, ErrReportNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, report *Report, expectedRevision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.reports[report.ID]
	if !ok {
		return ErrReportNotFound
	}
	if current.Revision != expectedRevision {
		return ErrRevisionConflict
	}
	stored := report.Clone()
	stored.Revision = expectedRevision + 1
	s.reports[report.ID] = stored
	report.Revision = stored.Revision
	return nil
}

func (s *MemoryStore) List(ctx context.Context, q ListQuery) ([]*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Report, 0)
	for _, r := range s.reports {
		if q.EntityID != "" && r.EntityID != q.EntityID {
			continue
		}
		if q.EntityType != "" && r.EntityType != q.EntityType {
			continue
		}
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		out = append(out, r.Clone())
	}
	sortReports(out)
	return out, nil
}

// sortReports orders by generation date, newest first.
func sortReports(reports []*Report) {
	sort.Slice(reports, func(i, j int) bool {
		if !reports[i].GenerationDate.Equal(reports[j].GenerationDate) {
			return reports[i].GenerationDate.After(reports[j].GenerationDate)
		}
		return reports[i].ID < reports[j].ID
	})
}
