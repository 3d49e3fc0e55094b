package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "ratelimit"
	maxTxRetries       = 8
)

// RedisBackend keeps buckets as hashes updated under WATCH/MULTI and
// sliding windows as sorted sets scored by microsecond timestamps.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend builds a backend. An empty prefix selects "ratelimit".
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) bucketKey(key string) string { return r.prefix + ":tb:" + key }
func (r *RedisBackend) windowKey(key string) string { return r.prefix + ":sw:" + key }

func (r *RedisBackend) GetBucket(ctx context.Context, key string) (*Bucket, error) {
	fields, err := r.client.HGetAll(ctx, r.bucketKey(key)).Result()
	if err != nil {
		return nil, err
	}
	return decodeBucket(fields)
}

func (r *RedisBackend) SetBucket(ctx context.Context, key string, bucket Bucket) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		writeBucket(ctx, pipe, r.bucketKey(key), bucket)
		return nil
	})
	return err
}

func (r *RedisBackend) ConsumeTokens(ctx context.Context, key string, update BucketUpdate) (Bucket, error) {
	redisKey := r.bucketKey(key)
	var next Bucket
	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, redisKey).Result()
		if err != nil {
			return err
		}
		current, err := decodeBucket(fields)
		if err != nil {
			return err
		}
		next = update(current)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			writeBucket(ctx, pipe, redisKey, next)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, redisKey)
		if err == nil {
			return next, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Bucket{}, err
	}
	return Bucket{}, fmt.Errorf("consume tokens for %q: too much contention", key)
}

func (r *RedisBackend) GetSlidingWindow(ctx context.Context, key string) ([]WindowEntry, error) {
	members, err := r.client.ZRangeWithScores(ctx, r.windowKey(key), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]WindowEntry, 0, len(members))
	for _, z := range members {
		member, _ := z.Member.(string)
		weight, _, _ := strings.Cut(member, ":")
		w, err := strconv.Atoi(weight)
		if err != nil || w <= 0 {
			w = 1
		}
		entries = append(entries, WindowEntry{At: time.UnixMicro(int64(z.Score)), Weight: w})
	}
	return entries, nil
}

func (r *RedisBackend) AddToSlidingWindow(ctx context.Context, key string, entry WindowEntry, window time.Duration, maxEntries int) error {
	redisKey := r.windowKey(key)
	member := strconv.Itoa(entry.Weight) + ":" + uuid.NewString()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(entry.At.UnixMicro()), Member: member})
		if maxEntries > 0 {
			pipe.ZRemRangeByRank(ctx, redisKey, 0, int64(-maxEntries-1))
		}
		if window > 0 {
			pipe.PExpire(ctx, redisKey, window)
		}
		return nil
	})
	return err
}

func (r *RedisBackend) CleanSlidingWindow(ctx context.Context, key string, cutoff time.Time) (int, error) {
	n, err := r.client.ZRemRangeByScore(ctx, r.windowKey(key), "-inf", strconv.FormatInt(cutoff.UnixMicro(), 10)).Result()
	return int(n), err
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.bucketKey(key), r.windowKey(key)).Err()
}

func (r *RedisBackend) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close is a no-op; the client is owned by the caller.
func (r *RedisBackend) Close() error {
	return nil
}

func writeBucket(ctx context.Context, pipe redis.Pipeliner, key string, b Bucket) {
	pipe.HSet(ctx, key,
		"capacity", strconv.FormatFloat(b.Capacity, 'f', -1, 64),
		"tokens", strconv.FormatFloat(b.Tokens, 'f', -1, 64),
		"rate", strconv.FormatFloat(b.RefillRate, 'f', -1, 64),
		"last", strconv.FormatInt(b.LastRefill.UnixNano(), 10),
	)
	// Once full again the bucket is indistinguishable from a fresh one.
	ttl := b.timeToFull() + time.Second
	pipe.PExpire(ctx, key, ttl)
}

func decodeBucket(fields map[string]string) (*Bucket, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	var b Bucket
	var err error
	if b.Capacity, err = strconv.ParseFloat(fields["capacity"], 64); err != nil {
		return nil, fmt.Errorf("decode bucket capacity: %w", err)
	}
	if b.Tokens, err = strconv.ParseFloat(fields["tokens"], 64); err != nil {
		return nil, fmt.Errorf("decode bucket tokens: %w", err)
	}
	if b.RefillRate, err = strconv.ParseFloat(fields["rate"], 64); err != nil {
		return nil, fmt.Errorf("decode bucket rate: %w", err)
	}
	last, err := strconv.ParseInt(fields["last"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode bucket timestamp: %w", err)
	}
	b.LastRefill = time.Unix(0, last)
	return &b, nil
}
