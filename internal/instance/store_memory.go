package instance

import (
	"context"
	"sort"
	"sync"

	"veriflow/pkg/domain"
	"veriflow/pkg/platform/sentinel"
)

// MemoryStore is the in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[domain.InstanceID]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[domain.InstanceID]*Record)}
}

func (s *MemoryStore) Put(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.Steps = append([]domain.StepRecord(nil), rec.Steps...)
	s.records[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id domain.InstanceID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) FindActive(_ context.Context, subject domain.SubjectID, kind domain.WorkflowKind) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.SubjectID == subject && rec.Kind == kind && !rec.Status.IsTerminal() {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *MemoryStore) ListBySubject(_ context.Context, subject domain.SubjectID) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, rec := range s.records {
		if rec.SubjectID == subject {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}
