// Package ratelimit implements token-bucket and sliding-window limiting over
// pluggable storage backends.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/security-gateway/internal/domain"
)

const (
	// DefaultMaxWindowEntries bounds each sliding-window log.
	DefaultMaxWindowEntries = 1000
	lockStripes             = 64
)

// Decision captures the evaluated rate limit outcome.
type Decision struct {
	Policy     string
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
	// Degraded is set when the backend failed and a non-strict policy let the request through.
	Degraded bool
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithMaxWindowEntries overrides the sliding-window log bound.
func WithMaxWindowEntries(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxEntries = n
		}
	}
}

// Limiter evaluates registered policies against a storage backend.
type Limiter struct {
	backend    StorageBackend
	logger     *zap.Logger
	now        func() time.Time
	maxEntries int

	mu       sync.RWMutex
	policies map[string]Policy

	stripes [lockStripes]sync.Mutex
	closed  atomic.Bool
}

// NewLimiter builds a limiter. A nil backend selects the in-process one.
func NewLimiter(backend StorageBackend, logger *zap.Logger, opts ...Option) *Limiter {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		backend:    backend,
		logger:     logger.Named("ratelimit"),
		now:        time.Now,
		maxEntries: DefaultMaxWindowEntries,
		policies:   make(map[string]Policy),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Configure validates and registers a policy, replacing any policy with the same key.
func (l *Limiter) Configure(policy Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	policy = policy.Normalized()
	l.mu.Lock()
	l.policies[policy.Key] = policy
	l.mu.Unlock()
	return nil
}

// Policy returns a registered policy.
func (l *Limiter) Policy(key string) (Policy, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.policies[key]
	return p, ok
}

// IsAllowed spends tokens from clientKey's allowance under policyKey.
//
// An unregistered policy fails with domain.ErrConfigurationMissing. When the
// backend errors, non-strict policies allow the request and mark the decision
// Degraded; strict policies return an error wrapping
// domain.ErrBackendUnavailable.
func (l *Limiter) IsAllowed(ctx context.Context, policyKey, clientKey string, tokens int) (Decision, error) {
	policy, ok := l.Policy(policyKey)
	if !ok {
		return Decision{Policy: policyKey}, fmt.Errorf("%w: %q", domain.ErrConfigurationMissing, policyKey)
	}
	if tokens < 1 {
		tokens = 1
	}

	var (
		decision Decision
		err      error
	)
	if l.closed.Load() {
		err = domain.ErrBackendUnavailable
	} else {
		key := storageKey(policy.Key, clientKey)
		unlock := l.lock(key)
		switch policy.Algorithm {
		case AlgorithmTokenBucket:
			decision, err = l.tokenBucket(ctx, policy, key, tokens)
		default:
			decision, err = l.slidingWindow(ctx, policy, key, tokens)
		}
		unlock()
	}
	if err == nil {
		return decision, nil
	}

	if policy.Strict {
		l.logger.Error("rate limiter backend failure, rejecting",
			zap.String("policy", policy.Key), zap.Error(err))
		if !errors.Is(err, domain.ErrBackendUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
		}
		return Decision{Policy: policy.Key, Limit: policy.Limit}, err
	}
	l.logger.Warn("rate limiter backend failure, allowing",
		zap.String("policy", policy.Key), zap.Error(err))
	return Decision{Policy: policy.Key, Allowed: true, Limit: policy.Limit, Remaining: policy.Limit, Degraded: true}, nil
}

func (l *Limiter) tokenBucket(ctx context.Context, policy Policy, key string, n int) (Decision, error) {
	now := l.now()
	capacity := float64(policy.Capacity)
	var allowed bool

	bucket, err := l.backend.ConsumeTokens(ctx, key, func(current *Bucket) Bucket {
		b := Bucket{Capacity: capacity, Tokens: capacity, RefillRate: policy.RefillRate, LastRefill: now}
		if current != nil {
			elapsed := now.Sub(current.LastRefill).Seconds()
			if elapsed < 0 {
				elapsed = 0
			}
			b.Tokens = math.Min(capacity, current.Tokens+elapsed*policy.RefillRate)
		}
		allowed = b.Tokens >= float64(n)
		if allowed {
			b.Tokens -= float64(n)
		}
		return b
	})
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Policy:    policy.Key,
		Allowed:   allowed,
		Limit:     policy.Capacity,
		Remaining: int(math.Floor(bucket.Tokens)),
		ResetAt:   now.Add(bucket.timeToFull()),
	}
	if !allowed {
		secs := ceilSeconds((float64(n) - bucket.Tokens) / policy.RefillRate)
		d.RetryAfter = time.Duration(secs) * time.Second
		d.ResetAt = now.Add(d.RetryAfter)
	}
	return d, nil
}

func (l *Limiter) slidingWindow(ctx context.Context, policy Policy, key string, n int) (Decision, error) {
	now := l.now()
	if _, err := l.backend.CleanSlidingWindow(ctx, key, now.Add(-policy.Window)); err != nil {
		return Decision{}, err
	}
	entries, err := l.backend.GetSlidingWindow(ctx, key)
	if err != nil {
		return Decision{}, err
	}

	used := 0
	for _, e := range entries {
		used += e.Weight
	}
	allowed := used+n <= policy.Limit
	if allowed {
		if err := l.backend.AddToSlidingWindow(ctx, key, WindowEntry{At: now, Weight: n}, policy.Window, l.maxEntries); err != nil {
			return Decision{}, err
		}
		used += n
		entries = append(entries, WindowEntry{At: now, Weight: n})
	}

	d := Decision{
		Policy:    policy.Key,
		Allowed:   allowed,
		Limit:     policy.Limit,
		Remaining: max(policy.Limit-used, 0),
		ResetAt:   now,
	}
	if len(entries) > 0 {
		d.ResetAt = entries[0].At.Add(policy.Window)
	}
	if !allowed {
		d.RetryAfter = retryAfterWindow(entries, used, n, policy, now)
		d.ResetAt = now.Add(d.RetryAfter)
	}
	return d, nil
}

// retryAfterWindow finds when enough of the oldest entries age out for n
// more tokens to fit.
func retryAfterWindow(entries []WindowEntry, used, n int, policy Policy, now time.Time) time.Duration {
	if n > policy.Limit {
		return policy.Window
	}
	freed := 0
	for _, e := range entries {
		freed += e.Weight
		if used-freed+n <= policy.Limit {
			secs := ceilSeconds(e.At.Add(policy.Window).Sub(now).Seconds())
			if secs < 1 {
				secs = 1
			}
			return time.Duration(secs) * time.Second
		}
	}
	return policy.Window
}

// Reset forgets clientKey's state under policyKey.
func (l *Limiter) Reset(ctx context.Context, policyKey, clientKey string) error {
	if _, ok := l.Policy(policyKey); !ok {
		return fmt.Errorf("%w: %q", domain.ErrConfigurationMissing, policyKey)
	}
	key := storageKey(policyKey, clientKey)
	unlock := l.lock(key)
	defer unlock()
	return l.backend.Delete(ctx, key)
}

// Health reports whether the backend is reachable.
func (l *Limiter) Health(ctx context.Context) error {
	if l.closed.Load() {
		return domain.ErrBackendUnavailable
	}
	return l.backend.Health(ctx)
}

// Close releases the backend. Safe to call more than once.
func (l *Limiter) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.backend.Close()
}

func (l *Limiter) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

// ceilSeconds rounds up, ignoring float noise below a nanosecond.
func ceilSeconds(s float64) float64 {
	return math.Ceil(s - 1e-9)
}

func storageKey(policyKey, clientKey string) string {
	return policyKey + ":" + clientKey
}
