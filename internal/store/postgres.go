// Package store provides storage backends for BookFlow.
//
// This file implements a PostgreSQL-backed snapshot store with the same TTL
// semantics as the SQLite backend.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BookFlowHQ/BookFlow/internal/models"
	"github.com/BookFlowHQ/BookFlow/internal/util"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a snapshot store backed by PostgreSQL.
type PostgresStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := applyOptions(opts)
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run PostgreSQL migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied")

	return &PostgresStore{db: db, ttl: cfg.TTL}, nil
}

// GetSnapshot returns the stored snapshot, or (nil, nil) when absent or expired.
func (s *PostgresStore) GetSnapshot(ctx context.Context, conversationID string) (*models.Snapshot, error) {
	var raw string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot, expires_at FROM snapshots WHERE conversation_id = $1`,
		conversationID).Scan(&raw, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetSnapshot failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}

	if time.Now().Unix() >= expiresAt {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE conversation_id = $1`, conversationID); err != nil {
			slog.Warn("PostgresStore.GetSnapshot failed to prune expired snapshot", "error", err, "conversationID", conversationID)
		}
		return nil, nil
	}

	var snap models.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		slog.Error("PostgresStore.GetSnapshot unmarshal failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot stores the snapshot, refreshing its expiration.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, conversationID string, snap models.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	expiresAt := time.Now().Add(s.ttl).Unix()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (conversation_id, snapshot, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (conversation_id) DO UPDATE SET snapshot = EXCLUDED.snapshot, expires_at = EXCLUDED.expires_at`,
		conversationID, string(data), expiresAt)
	if err != nil {
		slog.Error("PostgresStore.SaveSnapshot failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	slog.Debug("PostgresStore.SaveSnapshot succeeded", "conversationID", conversationID, "state", snap.State)
	return nil
}

// DeleteSnapshot removes the snapshot for a conversation.
func (s *PostgresStore) DeleteSnapshot(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE conversation_id = $1`, conversationID); err != nil {
		slog.Error("PostgresStore.DeleteSnapshot failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// AcquireLock takes the per-conversation advisory lock backed by the
// conversation_locks table, polling until acquired or ctx expires.
func (s *PostgresStore) AcquireLock(ctx context.Context, conversationID string, ttl time.Duration) (UnlockFunc, error) {
	token := util.GenerateLockToken()

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		ok, err := s.tryLock(ctx, conversationID, token, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			slog.Debug("PostgresStore.AcquireLock acquired", "conversationID", conversationID)
			return func(ctx context.Context) error {
				_, err := s.db.ExecContext(ctx,
					`DELETE FROM conversation_locks WHERE conversation_id = $1 AND token = $2`,
					conversationID, token)
				return err
			}, nil
		}
		select {
		case <-ctx.Done():
			slog.Warn("PostgresStore.AcquireLock timed out", "conversationID", conversationID)
			return nil, ErrLockHeld
		case <-ticker.C:
		}
	}
}

func (s *PostgresStore) tryLock(ctx context.Context, conversationID, token string, ttl time.Duration) (bool, error) {
	now := time.Now().Unix()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_locks WHERE conversation_id = $1 AND expires_at <= $2`,
		conversationID, now); err != nil {
		return false, fmt.Errorf("failed to prune expired lock: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_locks (conversation_id, token, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		conversationID, token, time.Now().Add(ttl).Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert lock: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lock insert result: %w", err)
	}
	return rows == 1, nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
