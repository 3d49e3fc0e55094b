package repository

import (
	"context"
	"sync"
	"time"

	"github.com/spec-kit/security-gateway/internal/domain"
)

// MemoryRefreshStore keeps refresh records in process.
type MemoryRefreshStore struct {
	mu      sync.Mutex
	records map[string]domain.RefreshRecord
}

// NewMemoryRefreshStore creates an empty store.
func NewMemoryRefreshStore() *MemoryRefreshStore {
	return &MemoryRefreshStore{records: make(map[string]domain.RefreshRecord)}
}

func (s *MemoryRefreshStore) Save(_ context.Context, record domain.RefreshRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.TokenHash] = record
	return nil
}

func (s *MemoryRefreshStore) Consume(_ context.Context, tokenHash string) (*domain.RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[tokenHash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	delete(s.records, tokenHash)
	return &record, nil
}

func (s *MemoryRefreshStore) Delete(_ context.Context, tokenHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[tokenHash]
	delete(s.records, tokenHash)
	return ok, nil
}

func (s *MemoryRefreshStore) DeleteForUser(_ context.Context, userID string) (int, error) {
	return s.deleteWhere(func(r domain.RefreshRecord) bool { return r.UserID == userID }), nil
}

func (s *MemoryRefreshStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	return s.deleteWhere(func(r domain.RefreshRecord) bool { return r.Expired(now) }), nil
}

func (s *MemoryRefreshStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]domain.RefreshRecord)
	return nil
}

// Len reports the number of stored records.
func (s *MemoryRefreshStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *MemoryRefreshStore) deleteWhere(match func(domain.RefreshRecord) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for hash, record := range s.records {
		if match(record) {
			delete(s.records, hash)
			removed++
		}
	}
	return removed
}
