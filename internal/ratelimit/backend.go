package ratelimit

import (
	"context"
	"time"
)

// Bucket is the persisted state of one token bucket.
type Bucket struct {
	Capacity   float64
	Tokens     float64
	RefillRate float64
	LastRefill time.Time
}

// WindowEntry is one weighted event in a sliding-window log.
type WindowEntry struct {
	At     time.Time
	Weight int
}

// BucketUpdate computes the next bucket state from the current one, which is
// nil when the key has no bucket yet. It may run more than once when a
// backend retries an optimistic transaction, so it must not have side effects
// beyond its return value.
type BucketUpdate func(current *Bucket) Bucket

// StorageBackend stores limiter state. Backends hold no algorithm logic;
// they only persist and apply updates atomically per key.
type StorageBackend interface {
	GetBucket(ctx context.Context, key string) (*Bucket, error)
	SetBucket(ctx context.Context, key string, bucket Bucket) error
	ConsumeTokens(ctx context.Context, key string, update BucketUpdate) (Bucket, error)

	GetSlidingWindow(ctx context.Context, key string) ([]WindowEntry, error)
	AddToSlidingWindow(ctx context.Context, key string, entry WindowEntry, window time.Duration, maxEntries int) error
	CleanSlidingWindow(ctx context.Context, key string, cutoff time.Time) (int, error)

	Delete(ctx context.Context, key string) error
	Health(ctx context.Context) error
	Close() error
}

// timeToFull is how long an idle bucket takes to refill completely.
func (b Bucket) timeToFull() time.Duration {
	if b.RefillRate <= 0 || b.Tokens >= b.Capacity {
		return 0
	}
	return time.Duration((b.Capacity - b.Tokens) / b.RefillRate * float64(time.Second))
}
