package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/BookFlowHQ/BookFlow/internal/models"
)

func newTestSQLiteStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "bookflow_test.db")
	opts = append(opts, WithDSN(dbPath))
	s, err := NewSQLiteStore(opts...)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_SaveGetDelete(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	snap, err := s.GetSnapshot(ctx, "conv-s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot for unknown conversation, got %+v", snap)
	}

	if err := s.SaveSnapshot(ctx, "conv-s1", testSnapshot()); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	snap, err = s.GetSnapshot(ctx, "conv-s1")
	if err != nil || snap == nil {
		t.Fatalf("expected snapshot, got %v, %v", snap, err)
	}
	if snap.State != models.StateSelectingTime || snap.Data.ProviderID != "P1" {
		t.Errorf("round trip mismatch: %+v", snap)
	}

	// Upsert replaces the existing row.
	updated := testSnapshot()
	updated.State = models.StateCollectingContact
	if err := s.SaveSnapshot(ctx, "conv-s1", updated); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	snap, _ = s.GetSnapshot(ctx, "conv-s1")
	if snap.State != models.StateCollectingContact {
		t.Errorf("expected upserted state, got %s", snap.State)
	}

	if err := s.DeleteSnapshot(ctx, "conv-s1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	snap, _ = s.GetSnapshot(ctx, "conv-s1")
	if snap != nil {
		t.Error("expected snapshot gone after delete")
	}
}

func TestSQLiteStore_ExpiredSnapshotReadsAsMissing(t *testing.T) {
	s := newTestSQLiteStore(t, WithTTL(time.Second))
	ctx := context.Background()

	if err := s.SaveSnapshot(ctx, "conv-s2", testSnapshot()); err != nil {
		t.Fatal(err)
	}

	// Backdate the expiry instead of sleeping past a wall-clock TTL.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE snapshots SET expires_at = ? WHERE conversation_id = ?`,
		time.Now().Add(-time.Minute).Unix(), "conv-s2"); err != nil {
		t.Fatal(err)
	}

	snap, err := s.GetSnapshot(ctx, "conv-s2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap != nil {
		t.Error("expected expired snapshot to read as missing")
	}

	// The expired row was pruned, not just skipped.
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshots WHERE conversation_id = ?`, "conv-s2").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Error("expected expired row pruned on read")
	}
}

func TestSQLiteStore_LockExcludesSecondHolder(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	unlock, err := s.AcquireLock(ctx, "conv-s3", DefaultLockTTL)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := s.AcquireLock(shortCtx, "conv-s3", DefaultLockTTL); err != ErrLockHeld {
		t.Fatalf("expected ErrLockHeld for second holder, got %v", err)
	}

	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	unlock2, err := s.AcquireLock(ctx, "conv-s3", DefaultLockTTL)
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	unlock2(ctx)
}

func TestSQLiteStore_ExpiredLockIsReclaimed(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	// A holder with an already-elapsed TTL, as if the process died mid-message.
	if _, err := s.AcquireLock(ctx, "conv-s4", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond) // expires_at has one-second resolution

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	unlock, err := s.AcquireLock(waitCtx, "conv-s4", DefaultLockTTL)
	if err != nil {
		t.Fatalf("expected stale lock reclaimed, got %v", err)
	}
	unlock(ctx)
}
