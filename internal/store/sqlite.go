// Package store provides storage backends for BookFlow.
//
// This file implements an SQLite-backed snapshot store for single-node
// deployments. Expiration is enforced on read and refreshed on save, matching
// the TTL semantics of the Redis backend.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BookFlowHQ/BookFlow/internal/models"
	"github.com/BookFlowHQ/BookFlow/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a snapshot store backed by an SQLite database file.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewSQLiteStore creates a new SQLite store with the given DSN (a file path).
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := applyOptions(opts)
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied")

	return &SQLiteStore{db: db, ttl: cfg.TTL}, nil
}

// GetSnapshot returns the stored snapshot, or (nil, nil) when absent or expired.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, conversationID string) (*models.Snapshot, error) {
	var raw string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot, expires_at FROM snapshots WHERE conversation_id = ?`,
		conversationID).Scan(&raw, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetSnapshot failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}

	if time.Now().Unix() >= expiresAt {
		// Expired entries behave like missing keys.
		if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE conversation_id = ?`, conversationID); err != nil {
			slog.Warn("SQLiteStore.GetSnapshot failed to prune expired snapshot", "error", err, "conversationID", conversationID)
		}
		slog.Debug("SQLiteStore.GetSnapshot expired entry dropped", "conversationID", conversationID)
		return nil, nil
	}

	var snap models.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		slog.Error("SQLiteStore.GetSnapshot unmarshal failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot stores the snapshot, refreshing its expiration.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, conversationID string, snap models.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	expiresAt := time.Now().Add(s.ttl).Unix()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (conversation_id, snapshot, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET snapshot = excluded.snapshot, expires_at = excluded.expires_at`,
		conversationID, string(data), expiresAt)
	if err != nil {
		slog.Error("SQLiteStore.SaveSnapshot failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	slog.Debug("SQLiteStore.SaveSnapshot succeeded", "conversationID", conversationID, "state", snap.State)
	return nil
}

// DeleteSnapshot removes the snapshot for a conversation.
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE conversation_id = ?`, conversationID); err != nil {
		slog.Error("SQLiteStore.DeleteSnapshot failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// AcquireLock takes the per-conversation advisory lock backed by the
// conversation_locks table, polling until acquired or ctx expires.
func (s *SQLiteStore) AcquireLock(ctx context.Context, conversationID string, ttl time.Duration) (UnlockFunc, error) {
	token := util.GenerateLockToken()

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		ok, err := s.tryLock(ctx, conversationID, token, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			slog.Debug("SQLiteStore.AcquireLock acquired", "conversationID", conversationID)
			return func(ctx context.Context) error {
				_, err := s.db.ExecContext(ctx,
					`DELETE FROM conversation_locks WHERE conversation_id = ? AND token = ?`,
					conversationID, token)
				return err
			}, nil
		}
		select {
		case <-ctx.Done():
			slog.Warn("SQLiteStore.AcquireLock timed out", "conversationID", conversationID)
			return nil, ErrLockHeld
		case <-ticker.C:
		}
	}
}

func (s *SQLiteStore) tryLock(ctx context.Context, conversationID, token string, ttl time.Duration) (bool, error) {
	now := time.Now().Unix()

	// Drop any expired holder first so the insert below can succeed.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_locks WHERE conversation_id = ? AND expires_at <= ?`,
		conversationID, now); err != nil {
		return false, fmt.Errorf("failed to prune expired lock: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_locks (conversation_id, token, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(conversation_id) DO NOTHING`,
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
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
