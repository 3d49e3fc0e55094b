package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/security-gateway/internal/domain"
)

const defaultRefreshPrefix = "refresh"

// RedisRefreshStore keeps refresh records in Redis. Each record is a string
// key with a TTL equal to its lifetime; a per-user set supports revocation
// and a sorted set indexed by expiry supports sweeping.
type RedisRefreshStore struct {
	client *redis.Client
	prefix string
}

type redisRefreshValue struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRedisRefreshStore builds a store. An empty prefix selects "refresh".
func NewRedisRefreshStore(client *redis.Client, prefix string) *RedisRefreshStore {
	if prefix == "" {
		prefix = defaultRefreshPrefix
	}
	return &RedisRefreshStore{client: client, prefix: prefix}
}

func (s *RedisRefreshStore) tokenKey(hash string) string { return s.prefix + ":token:" + hash }
func (s *RedisRefreshStore) userKey(id string) string    { return s.prefix + ":user:" + id }
func (s *RedisRefreshStore) expiryKey() string           { return s.prefix + ":expiry" }

func (s *RedisRefreshStore) Save(ctx context.Context, record domain.RefreshRecord) error {
	payload, err := json.Marshal(redisRefreshValue{
		UserID:    record.UserID,
		ExpiresAt: record.ExpiresAt,
		CreatedAt: record.CreatedAt,
	})
	if err != nil {
		return err
	}
	ttl := record.ExpiresAt.Sub(record.CreatedAt)
	if ttl < 0 {
		ttl = 0
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.tokenKey(record.TokenHash), payload, ttl)
		pipe.SAdd(ctx, s.userKey(record.UserID), record.TokenHash)
		pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: float64(record.ExpiresAt.UnixMilli()), Member: record.TokenHash})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

func (s *RedisRefreshStore) Consume(ctx context.Context, tokenHash string) (*domain.RefreshRecord, error) {
	raw, err := s.client.GetDel(ctx, s.tokenKey(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var value redisRefreshValue
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode refresh token: %w", err)
	}

	_, _ = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.userKey(value.UserID), tokenHash)
		pipe.ZRem(ctx, s.expiryKey(), tokenHash)
		return nil
	})
	return &domain.RefreshRecord{
		TokenHash: tokenHash,
		UserID:    value.UserID,
		ExpiresAt: value.ExpiresAt,
		CreatedAt: value.CreatedAt,
	}, nil
}

func (s *RedisRefreshStore) Delete(ctx context.Context, tokenHash string) (bool, error) {
	record, err := s.Consume(ctx, tokenHash)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return record != nil, nil
}

func (s *RedisRefreshStore) DeleteForUser(ctx context.Context, userID string) (int, error) {
	hashes, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return 0, err
	}
	if len(hashes) == 0 {
		return 0, nil
	}
	keys := make([]string, len(hashes))
	members := make([]interface{}, len(hashes))
	for i, h := range hashes {
		keys[i] = s.tokenKey(h)
		members[i] = h
	}

	var del *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.expiryKey(), members...)
		pipe.Del(ctx, s.userKey(userID))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(del.Val()), nil
}

func (s *RedisRefreshStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	hashes, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(hashes) == 0 {
		return 0, nil
	}

	removed := 0
	for _, h := range hashes {
		record, err := s.Consume(ctx, h)
		if errors.Is(err, domain.ErrNotFound) {
			// The key already lapsed through its TTL; drop the index entry.
			if n, zerr := s.client.ZRem(ctx, s.expiryKey(), h).Result(); zerr == nil && n > 0 {
				removed++
			}
			continue
		}
		if err != nil {
			return removed, err
		}
		if record != nil {
			removed++
		}
	}
	return removed, nil
}

func (s *RedisRefreshStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}
