package stats

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps snapshots in memory. Used when no database is configured
// and by tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryStore) ForApp(_ context.Context, appID string, since time.Time) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, rec := range s.records {
		if rec.AppID == appID && !rec.Time.Before(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) Prune(_ context.Context, olderThan time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	for _, rec := range s.records {
		if !rec.Time.Before(olderThan) {
			kept = append(kept, rec)
		}
	}
	s.records = kept
	return nil
}
