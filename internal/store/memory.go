// Package store provides storage backends for BookFlow.
//
// This file implements an in-memory snapshot store used in tests and
// single-process development setups. Expiration is honored lazily on read.
package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BookFlowHQ/BookFlow/internal/models"
	"github.com/BookFlowHQ/BookFlow/internal/util"
)

type memoryEntry struct {
	snap      models.Snapshot
	expiresAt time.Time
}

type memoryLock struct {
	token     string
	expiresAt time.Time
}

// InMemoryStore is a snapshot store backed by process memory.
type InMemoryStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	snapshots map[string]memoryEntry
	locks     map[string]memoryLock
}

// NewInMemoryStore creates an in-memory snapshot store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	cfg := applyOptions(opts)
	slog.Debug("InMemoryStore created", "ttl", cfg.TTL)
	return &InMemoryStore{
		ttl:       cfg.TTL,
		snapshots: make(map[string]memoryEntry),
		locks:     make(map[string]memoryLock),
	}
}

// GetSnapshot returns the stored snapshot, or (nil, nil) when absent or expired.
func (s *InMemoryStore) GetSnapshot(ctx context.Context, conversationID string) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.snapshots[conversationID]
	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.snapshots, conversationID)
		slog.Debug("InMemoryStore.GetSnapshot expired entry dropped", "conversationID", conversationID)
		return nil, nil
	}
	snap := entry.snap
	snap.Data = entry.snap.Data.Clone()
	return &snap, nil
}

// SaveSnapshot stores the snapshot and refreshes its expiration.
func (s *InMemoryStore) SaveSnapshot(ctx context.Context, conversationID string, snap models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.Data = snap.Data.Clone()
	s.snapshots[conversationID] = memoryEntry{snap: snap, expiresAt: time.Now().Add(s.ttl)}
	slog.Debug("InMemoryStore.SaveSnapshot succeeded", "conversationID", conversationID, "state", snap.State)
	return nil
}

// DeleteSnapshot removes the snapshot for a conversation.
func (s *InMemoryStore) DeleteSnapshot(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, conversationID)
	return nil
}

// AcquireLock takes the per-conversation advisory lock, polling until
// acquired or ctx expires.
func (s *InMemoryStore) AcquireLock(ctx context.Context, conversationID string, ttl time.Duration) (UnlockFunc, error) {
	token := util.GenerateLockToken()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.tryLock(conversationID, token, ttl) {
			return func(ctx context.Context) error {
				s.unlock(conversationID, token)
				return nil
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ErrLockHeld
		case <-ticker.C:
		}
	}
}

func (s *InMemoryStore) tryLock(conversationID, token string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.locks[conversationID]
	if ok && time.Now().Before(held.expiresAt) {
		return false
	}
	s.locks[conversationID] = memoryLock{token: token, expiresAt: time.Now().Add(ttl)}
	return true
}

func (s *InMemoryStore) unlock(conversationID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.locks[conversationID]; ok && held.token == token {
		delete(s.locks, conversationID)
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
