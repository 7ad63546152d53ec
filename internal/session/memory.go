package session

import (
	"context"
	"sync"
	"time"

	"github.com/connectme/enrollment/internal/process"
)

type memEntry struct {
	snap      process.Snapshot
	expiresAt time.Time
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// MemoryStore keeps snapshots in process memory. Suitable for a single
// instance deployment and for tests.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memEntry
	locks   map[string]*keyLock
}

// NewMemoryStore creates an empty store; ttl <= 0 uses DefaultTTL
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memEntry),
		locks:   make(map[string]*keyLock),
	}
}

// Load returns the snapshot under key unless it expired
func (s *MemoryStore) Load(_ context.Context, key string) (process.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return process.Snapshot{}, false, nil
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return process.Snapshot{}, false, nil
	}
	return e.snap, true, nil
}

// Save stores snap and refreshes its TTL
func (s *MemoryStore) Save(_ context.Context, key string, snap process.Snapshot, keep time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memEntry{snap: snap, expiresAt: s.now().Add(retention(s.ttl, keep))}
	return nil
}

// Delete removes key; missing keys are not an error
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Lock acquires the per-key mutex
func (s *MemoryStore) Lock(ctx context.Context, key string) (func(), error) {
	s.mu.Lock()
	kl, ok := s.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		s.locks[key] = kl
	}
	kl.refs++
	s.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		s.release(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			s.release(key, kl)
		})
	}, nil
}

func (s *MemoryStore) release(key string, kl *keyLock) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kl.refs--
	if kl.refs == 0 {
		delete(s.locks, key)
	}
}

// Sweep drops expired entries and returns how many were removed
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
			n++
		}
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is done
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
