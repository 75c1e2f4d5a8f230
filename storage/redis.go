package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"admitd/core"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// RedisNonceStore keeps valid single-use nonces in Redis. Each nonce is its
// own key with a TTL; a per-pair pointer key tracks the latest issuance so
// RevokeNonces can invalidate it. GETDEL makes consumption atomic: exactly
// one concurrent caller observes the value.
type RedisNonceStore struct {
	rdb *redis.Client
}

func NewRedisNonceStore(cfg RedisConfig) *RedisNonceStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisNonceStore{rdb: rdb}
}

func redisNonceKey(nonce string) string {
	return "nonce:" + nonce
}

func redisPairKey(electionID string, voterID uuid.UUID) string {
	return "active:" + electionID + ":" + voterID.String()
}

func (s *RedisNonceStore) PutNonce(ctx context.Context, electionID string, voterID uuid.UUID, nonce string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("nonce already expired")
	}

	pairValue := electionID + "|" + voterID.String()
	if err := s.rdb.Set(ctx, redisNonceKey(nonce), pairValue, ttl).Err(); err != nil {
		return fmt.Errorf("store nonce in redis: %w", err)
	}
	if err := s.rdb.Set(ctx, redisPairKey(electionID, voterID), nonce, ttl).Err(); err != nil {
		return fmt.Errorf("store pair pointer in redis: %w", err)
	}
	return nil
}

func (s *RedisNonceStore) RevokeNonces(ctx context.Context, electionID string, voterID uuid.UUID) (int64, error) {
	nonce, err := s.rdb.GetDel(ctx, redisPairKey(electionID, voterID)).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("revoke nonces in redis: %w", err)
	}

	removed, err := s.rdb.Del(ctx, redisNonceKey(nonce)).Result()
	if err != nil {
		return 0, fmt.Errorf("revoke nonces in redis: %w", err)
	}
	return removed, nil
}

func (s *RedisNonceStore) ConsumeNonce(ctx context.Context, electionID string, voterID uuid.UUID, nonce string) error {
	val, err := s.rdb.GetDel(ctx, redisNonceKey(nonce)).Result()
	if err != nil {
		if err == redis.Nil {
			return core.ErrTokenConsumed
		}
		return fmt.Errorf("consume nonce in redis: %w", err)
	}

	parts := strings.SplitN(val, "|", 2)
	if len(parts) != 2 || parts[0] != electionID || parts[1] != voterID.String() {
		return core.ErrTokenInvalid
	}

	// Best effort; the pair pointer expires with its TTL anyway.
	s.rdb.Del(ctx, redisPairKey(electionID, voterID))

	return nil
}

// DeleteExpired is a no-op: Redis evicts nonces via key TTLs.
func (s *RedisNonceStore) DeleteExpired(ctx context.Context) (int64, error) {
	return 0, nil
}

func (s *RedisNonceStore) Close() error {
	return s.rdb.Close()
}
