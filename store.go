package pubz

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// ErrUnstorableSignal is returned by stores when asked to persist an Error
// signal. Failures are transient by policy; only values and completions are
// cacheable outcomes.
var ErrUnstorableSignal = errors.New("error signals cannot be stored")

// Store is the persistence capability behind KeyedCache. Get reports a miss
// through the comma-ok result, reserving the error return for storage
// failures. Implementations must be safe for concurrent use.
type Store[K comparable, V any] interface {
	Get(ctx context.Context, key K) (Signal[V], bool, error)
	Put(ctx context.Context, key K, sig Signal[V]) error
	Evict(ctx context.Context, key K) error
}

// MemoryStore is an in-process Store over a map. Entries optionally expire
// a TTL after their Put; expiry is checked lazily on Get.
//
// Example:
//
//	store := pubz.NewMemoryStore[string, Profile]().WithTTL(5 * time.Minute)
//	profiles := pubz.NewKeyedCache[string, Profile]("profiles", store)
type MemoryStore[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]memoryEntry[V]
	ttl     time.Duration
	clock   clockz.Clock
}

type memoryEntry[V any] struct {
	sig      Signal[V]
	storedAt time.Time
}

// NewMemoryStore creates an empty MemoryStore with no expiry.
func NewMemoryStore[K comparable, V any]() *MemoryStore[K, V] {
	return &MemoryStore[K, V]{
		entries: make(map[K]memoryEntry[V]),
	}
}

// WithTTL sets the entry lifetime. Zero means entries never expire.
func (s *MemoryStore[K, V]) WithTTL(ttl time.Duration) *MemoryStore[K, V] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
	return s
}

// WithClock sets a custom clock for testing.
func (s *MemoryStore[K, V]) WithClock(clock clockz.Clock) *MemoryStore[K, V] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
	return s
}

// getClock returns the clock to use.
func (s *MemoryStore[K, V]) getClock() clockz.Clock {
	if s.clock == nil {
		return clockz.RealClock
	}
	return s.clock
}

// Get implements the Store interface.
func (s *MemoryStore[K, V]) Get(_ context.Context, key K) (Signal[V], bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	ttl := s.ttl
	clock := s.getClock()
	s.mu.RUnlock()

	if !ok {
		var zero Signal[V]
		return zero, false, nil
	}
	if ttl > 0 && clock.Now().Sub(entry.storedAt) >= ttl {
		s.mu.Lock()
		// Re-check under the write lock; a fresh Put may have replaced it.
		if cur, still := s.entries[key]; still && cur.storedAt.Equal(entry.storedAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		var zero Signal[V]
		return zero, false, nil
	}
	return entry.sig, true, nil
}

// Put implements the Store interface.
func (s *MemoryStore[K, V]) Put(_ context.Context, key K, sig Signal[V]) error {
	if sig.Kind() == KindError {
		return ErrUnstorableSignal
	}
	s.mu.Lock()
	s.entries[key] = memoryEntry[V]{sig: sig, storedAt: s.getClock().Now()}
	s.mu.Unlock()
	return nil
}

// Evict implements the Store interface.
func (s *MemoryStore[K, V]) Evict(_ context.Context, key K) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Len reports the number of stored entries, including any not yet reaped by
// lazy expiry.
func (s *MemoryStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
