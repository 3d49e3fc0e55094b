package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/spec-kit/security-gateway/internal/domain"
)

// MemoryBackend keeps limiter state in process.
type MemoryBackend struct {
	mu      sync.Mutex
	buckets map[string]Bucket
	windows map[string][]WindowEntry
	closed  bool
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		buckets: make(map[string]Bucket),
		windows: make(map[string][]WindowEntry),
	}
}

func (m *MemoryBackend) GetBucket(_ context.Context, key string) (*Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.ErrBackendUnavailable
	}
	b, ok := m.buckets[key]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *MemoryBackend) SetBucket(_ context.Context, key string, bucket Bucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.ErrBackendUnavailable
	}
	m.buckets[key] = bucket
	return nil
}

func (m *MemoryBackend) ConsumeTokens(_ context.Context, key string, update BucketUpdate) (Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Bucket{}, domain.ErrBackendUnavailable
	}
	var current *Bucket
	if b, ok := m.buckets[key]; ok {
		current = &b
	}
	next := update(current)
	m.buckets[key] = next
	return next, nil
}

func (m *MemoryBackend) GetSlidingWindow(_ context.Context, key string) ([]WindowEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.ErrBackendUnavailable
	}
	return append([]WindowEntry(nil), m.windows[key]...), nil
}

func (m *MemoryBackend) AddToSlidingWindow(_ context.Context, key string, entry WindowEntry, _ time.Duration, maxEntries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.ErrBackendUnavailable
	}
	entries := append(m.windows[key], entry)
	if maxEntries > 0 && len(entries) > maxEntries {
		entries = append([]WindowEntry(nil), entries[len(entries)-maxEntries:]...)
	}
	m.windows[key] = entries
	return nil
}

func (m *MemoryBackend) CleanSlidingWindow(_ context.Context, key string, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, domain.ErrBackendUnavailable
	}
	entries := m.windows[key]
	i := 0
	for i < len(entries) && !entries[i].At.After(cutoff) {
		i++
	}
	if i == 0 {
		return 0, nil
	}
	if i == len(entries) {
		delete(m.windows, key)
		return i, nil
	}
	m.windows[key] = append([]WindowEntry(nil), entries[i:]...)
	return i, nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, key)
	delete(m.windows, key)
	return nil
}

func (m *MemoryBackend) Health(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.ErrBackendUnavailable
	}
	return nil
}

// Close drops all state. Later calls fail with domain.ErrBackendUnavailable.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.buckets = make(map[string]Bucket)
	m.windows = make(map[string][]WindowEntry)
	return nil
}
