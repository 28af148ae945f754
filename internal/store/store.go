// Package store provides persistence backends for BookFlow conversation snapshots.
//
// The external store is the only long-lived owner of conversation state
// between messages: a controller instance is loaded, mutated, persisted, and
// discarded per message. Backends: in-memory (tests/dev), Redis, SQLite, and
// PostgreSQL, all honoring the per-key snapshot TTL.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/BookFlowHQ/BookFlow/internal/models"
)

// Key prefixes for snapshot and advisory lock entries.
const (
	SnapshotKeyPrefix = "bookflow:conv:"
	LockKeyPrefix     = "bookflow:lock:"
)

// DefaultLockTTL bounds how long one message's processing may hold a
// conversation's advisory lock.
const DefaultLockTTL = 30 * time.Second

// ErrLockHeld is returned when a conversation's advisory lock is already held
// and could not be acquired before the context expired. It wraps
// models.ErrConversationBusy so callers can match either.
var ErrLockHeld = fmt.Errorf("conversation lock held: %w", models.ErrConversationBusy)

// UnlockFunc releases a held advisory lock.
type UnlockFunc func(ctx context.Context) error

// SnapshotStore persists conversation snapshots keyed by conversation ID.
//
// GetSnapshot returns (nil, nil) for an unknown or expired conversation;
// callers construct a fresh idle snapshot in that case. SaveSnapshot applies
// the snapshot TTL, refreshing it on every successful persist.
type SnapshotStore interface {
	GetSnapshot(ctx context.Context, conversationID string) (*models.Snapshot, error)
	SaveSnapshot(ctx context.Context, conversationID string, snap models.Snapshot) error
	DeleteSnapshot(ctx context.Context, conversationID string) error

	// AcquireLock takes the per-conversation advisory lock, serializing
	// concurrent messages for the same conversation. It polls until the lock
	// is acquired or ctx expires (ErrLockHeld).
	AcquireLock(ctx context.Context, conversationID string, ttl time.Duration) (UnlockFunc, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
	TTL time.Duration
}

// Option configures a store backend.
type Option func(*Opts)

// WithDSN sets the backend connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithTTL overrides the snapshot expiration (defaults to models.SnapshotTTL).
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TTL = ttl }
}

func applyOptions(opts []Option) Opts {
	cfg := Opts{TTL: models.SnapshotTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func snapshotKey(conversationID string) string {
	return SnapshotKeyPrefix + conversationID
}

func lockKey(conversationID string) string {
	return LockKeyPrefix + conversationID
}
