package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/security-gateway/internal/domain"
)

// MemoryPrincipalStore keeps principals in process. Usernames are matched
// exactly; emails case-insensitively, like the Postgres store.
type MemoryPrincipalStore struct {
	mu   sync.RWMutex
	byID map[string]*domain.Principal
	now  func() time.Time
}

// NewMemoryPrincipalStore creates an empty store.
func NewMemoryPrincipalStore() *MemoryPrincipalStore {
	return &MemoryPrincipalStore{byID: make(map[string]*domain.Principal), now: time.Now}
}

func (s *MemoryPrincipalStore) Create(_ context.Context, p *domain.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUnique(p, ""); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := s.now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.byID[p.ID] = p.Clone()
	return nil
}

func (s *MemoryPrincipalStore) Update(_ context.Context, p *domain.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byID[p.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if err := s.checkUnique(p, p.ID); err != nil {
		return err
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = s.now().UTC()
	s.byID[p.ID] = p.Clone()
	return nil
}

func (s *MemoryPrincipalStore) FindByID(_ context.Context, id string) (*domain.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.byID[id]; ok {
		return p.Clone(), nil
	}
	return nil, domain.ErrNotFound
}

func (s *MemoryPrincipalStore) FindByUsername(_ context.Context, username string) (*domain.Principal, error) {
	return s.find(func(p *domain.Principal) bool { return p.Username == username })
}

func (s *MemoryPrincipalStore) FindByEmail(_ context.Context, email string) (*domain.Principal, error) {
	return s.find(func(p *domain.Principal) bool { return strings.EqualFold(p.Email, email) })
}

func (s *MemoryPrincipalStore) find(match func(*domain.Principal) bool) (*domain.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.byID {
		if match(p) {
			return p.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

// checkUnique must be called with the write lock held.
func (s *MemoryPrincipalStore) checkUnique(p *domain.Principal, selfID string) error {
	for id, other := range s.byID {
		if id == selfID {
			continue
		}
		if other.Username == p.Username {
			return domain.ErrDuplicateUsername
		}
		if p.Email != "" && strings.EqualFold(other.Email, p.Email) {
			return domain.ErrDuplicateEmail
		}
	}
	return nil
}
