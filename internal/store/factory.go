package store

import (
	"log/slog"
	"strings"
)

// NewFromDSN selects a snapshot store backend from the DSN shape:
// redis:// for Redis, postgres:// for PostgreSQL, "memory" (or empty) for the
// in-memory store, anything else is treated as an SQLite file path.
func NewFromDSN(dsn string, opts ...Option) (SnapshotStore, error) {
	opts = append(opts, WithDSN(dsn))
	switch {
	case dsn == "" || dsn == "memory":
		slog.Info("Store backend selected", "backend", "memory")
		return NewInMemoryStore(opts...), nil
	case strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://"):
		slog.Info("Store backend selected", "backend", "redis")
		return NewRedisStore(opts...)
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		slog.Info("Store backend selected", "backend", "postgres")
		return NewPostgresStore(opts...)
	default:
		slog.Info("Store backend selected", "backend", "sqlite", "path", dsn)
		return NewSQLiteStore(opts...)
	}
}
