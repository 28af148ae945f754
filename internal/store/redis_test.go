package store

import (
	"context"
	"testing"
	"time"

	"github.com/BookFlowHQ/BookFlow/internal/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStoreFromClient(client), mr
}

func TestRedisStore_SaveGetDelete(t *testing.T) {
	s, _ := newTestRedisStore(t)
	defer s.Close()
	ctx := context.Background()

	snap, err := s.GetSnapshot(ctx, "conv-r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot for unknown conversation, got %+v", snap)
	}

	if err := s.SaveSnapshot(ctx, "conv-r1", testSnapshot()); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	snap, err = s.GetSnapshot(ctx, "conv-r1")
	if err != nil || snap == nil {
		t.Fatalf("expected snapshot, got %v, %v", snap, err)
	}
	if snap.State != models.StateSelectingTime || snap.Data.ProviderID != "P1" {
		t.Errorf("round trip mismatch: %+v", snap)
	}

	if err := s.DeleteSnapshot(ctx, "conv-r1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	snap, _ = s.GetSnapshot(ctx, "conv-r1")
	if snap != nil {
		t.Error("expected snapshot gone after delete")
	}
}

func TestRedisStore_KeysCarryPrefix(t *testing.T) {
	s, mr := newTestRedisStore(t)
	defer s.Close()

	if err := s.SaveSnapshot(context.Background(), "conv-r2", testSnapshot()); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists(SnapshotKeyPrefix + "conv-r2") {
		t.Errorf("expected key %sconv-r2 in redis", SnapshotKeyPrefix)
	}
}

func TestRedisStore_SnapshotTTL(t *testing.T) {
	s, mr := newTestRedisStore(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.SaveSnapshot(ctx, "conv-r3", testSnapshot()); err != nil {
		t.Fatal(err)
	}

	ttl := mr.TTL(SnapshotKeyPrefix + "conv-r3")
	if ttl != models.SnapshotTTL {
		t.Errorf("expected key TTL %v, got %v", models.SnapshotTTL, ttl)
	}

	// Past the TTL the conversation reads as missing.
	mr.FastForward(models.SnapshotTTL + time.Second)
	snap, err := s.GetSnapshot(ctx, "conv-r3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap != nil {
		t.Error("expected expired snapshot to read as missing")
	}
}

func TestRedisStore_LockExcludesSecondHolder(t *testing.T) {
	s, _ := newTestRedisStore(t)
	defer s.Close()
	ctx := context.Background()

	unlock, err := s.AcquireLock(ctx, "conv-r4", DefaultLockTTL)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := s.AcquireLock(shortCtx, "conv-r4", DefaultLockTTL); err == nil {
		t.Fatal("expected second holder to be excluded")
	}

	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	unlock2, err := s.AcquireLock(ctx, "conv-r4", DefaultLockTTL)
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	unlock2(ctx)
}

func TestRedisStore_UnlockOnlyReleasesOwnToken(t *testing.T) {
	s, mr := newTestRedisStore(t)
	defer s.Close()
	ctx := context.Background()

	unlock, err := s.AcquireLock(ctx, "conv-r5", DefaultLockTTL)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate the lock expiring and a new holder taking it.
	mr.FastForward(DefaultLockTTL + time.Second)
	unlock2, err := s.AcquireLock(ctx, "conv-r5", DefaultLockTTL)
	if err != nil {
		t.Fatalf("acquire after expiry failed: %v", err)
	}

	// The stale holder's release must not free the new holder's lock.
	if err := unlock(ctx); err != nil {
		t.Fatalf("stale unlock errored: %v", err)
	}
	if !mr.Exists(LockKeyPrefix + "conv-r5") {
		t.Error("stale unlock released another holder's lock")
	}
	unlock2(ctx)
}
