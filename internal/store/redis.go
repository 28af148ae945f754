// Package store provides storage backends for BookFlow.
//
// This file implements a Redis-backed snapshot store. Snapshots are stored as
// JSON with a native key TTL; the per-conversation advisory lock uses SET NX
// with a Lua-scripted release so only the holder can unlock.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BookFlowHQ/BookFlow/internal/models"
	"github.com/BookFlowHQ/BookFlow/internal/util"
	"github.com/redis/go-redis/v9"
)

const lockUnlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// RedisStore is a snapshot store backed by Redis.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis snapshot store from a redis:// DSN.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	cfg := applyOptions(opts)
	slog.Debug("NewRedisStore invoked", "DSN_set", cfg.DSN != "", "ttl", cfg.TTL)

	if cfg.DSN == "" {
		slog.Error("RedisStore DSN not set")
		return nil, fmt.Errorf("redis DSN not set")
	}

	redisOpts, err := redis.ParseURL(cfg.DSN)
	if err != nil {
		slog.Error("RedisStore failed to parse DSN", "error", err)
		return nil, fmt.Errorf("failed to parse redis DSN: %w", err)
	}

	client := redis.NewClient(redisOpts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		slog.Error("RedisStore ping failed", "error", err)
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	slog.Debug("RedisStore connected")

	return &RedisStore{client: client, ttl: cfg.TTL}, nil
}

// NewRedisStoreFromClient creates a Redis snapshot store from an existing client.
func NewRedisStoreFromClient(client *redis.Client, opts ...Option) *RedisStore {
	cfg := applyOptions(opts)
	return &RedisStore{client: client, ttl: cfg.TTL}
}

// GetSnapshot returns the stored snapshot, or (nil, nil) when the key is absent.
func (s *RedisStore) GetSnapshot(ctx context.Context, conversationID string) (*models.Snapshot, error) {
	val, err := s.client.Get(ctx, snapshotKey(conversationID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			slog.Debug("RedisStore.GetSnapshot not found", "conversationID", conversationID)
			return nil, nil
		}
		slog.Error("RedisStore.GetSnapshot failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var snap models.Snapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		slog.Error("RedisStore.GetSnapshot unmarshal failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot stores the snapshot with the configured TTL, refreshing it on
// every successful persist.
func (s *RedisStore) SaveSnapshot(ctx context.Context, conversationID string, snap models.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := s.client.Set(ctx, snapshotKey(conversationID), data, s.ttl).Err(); err != nil {
		slog.Error("RedisStore.SaveSnapshot failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	slog.Debug("RedisStore.SaveSnapshot succeeded", "conversationID", conversationID, "state", snap.State, "ttl", s.ttl)
	return nil
}

// DeleteSnapshot removes the snapshot for a conversation.
func (s *RedisStore) DeleteSnapshot(ctx context.Context, conversationID string) error {
	if err := s.client.Del(ctx, snapshotKey(conversationID)).Err(); err != nil {
		slog.Error("RedisStore.DeleteSnapshot failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// AcquireLock takes the per-conversation advisory lock using SET NX, polling
// with a short backoff until acquired or ctx expires.
func (s *RedisStore) AcquireLock(ctx context.Context, conversationID string, ttl time.Duration) (UnlockFunc, error) {
	key := lockKey(conversationID)
	token := util.GenerateLockToken()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			slog.Error("RedisStore.AcquireLock failed", "error", err, "conversationID", conversationID)
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if ok {
			slog.Debug("RedisStore.AcquireLock acquired", "conversationID", conversationID)
			return func(ctx context.Context) error {
				return s.client.Eval(ctx, lockUnlockScript, []string{key}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			slog.Warn("RedisStore.AcquireLock timed out", "conversationID", conversationID)
			return nil, ErrLockHeld
		case <-ticker.C:
		}
	}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
