package pkg

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zde37/chordring/pkg/hash"
)

// MemoryConfig holds configuration for in-memory storage.
type MemoryConfig struct {
	// GCInterval determines how often entries with an empty value are dropped.
	// Default is 1 minute if not specified.
	GCInterval time.Duration

	// ManualGC disables the background pass; the owner calls CollectEmpty.
	ManualGC bool
}

// MemoryStore is a thread-safe map from ring identifiers to opaque values.
// Every iteration over the map runs with the lock held for its full duration.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[hash.ID][]byte
	gcTicker *time.Ticker
	done     chan struct{}
	closed   atomic.Bool

	// Metrics for monitoring
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	appends   atomic.Int64
	deletes   atomic.Int64
	collected atomic.Int64
}

// NewMemoryStore creates a new in-memory store.
// If config is nil, default values are used.
func NewMemoryStore(config *MemoryConfig) *MemoryStore {
	gcInterval := time.Minute
	if config != nil && config.GCInterval > 0 {
		gcInterval = config.GCInterval
	}

	ms := &MemoryStore{
		data: make(map[hash.ID][]byte),
		done: make(chan struct{}),
	}

	if config == nil || !config.ManualGC {
		ms.gcTicker = time.NewTicker(gcInterval)
		go ms.gcLoop()
	}

	return ms
}

// check returns an error if the context is done or the store is closed.
func (ms *MemoryStore) check(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrContextCanceled
	default:
	}

	if ms.closed.Load() {
		return ErrStorageUnavailable
	}
	return nil
}

// Get returns a copy of the value stored under key.
// Returns ErrKeyNotFound if the key doesn't exist.
func (ms *MemoryStore) Get(ctx context.Context, key hash.ID) ([]byte, error) {
	if err := ms.check(ctx); err != nil {
		return nil, err
	}

	ms.mu.RLock()
	value, exists := ms.data[key]
	ms.mu.RUnlock()

	if !exists {
		ms.misses.Add(1)
		return nil, ErrKeyNotFound
	}

	ms.hits.Add(1)
	return clone(value), nil
}

// Set replaces the value stored under key.
func (ms *MemoryStore) Set(ctx context.Context, key hash.ID, value []byte) error {
	if err := ms.check(ctx); err != nil {
		return err
	}

	ms.mu.Lock()
	ms.data[key] = clone(value)
	ms.mu.Unlock()

	ms.sets.Add(1)
	return nil
}

// Append concatenates value onto the existing value, creating the entry if
// it is absent. It returns a copy of the resulting value.
func (ms *MemoryStore) Append(ctx context.Context, key hash.ID, value []byte) ([]byte, error) {
	if err := ms.check(ctx); err != nil {
		return nil, err
	}

	ms.mu.Lock()
	current := ms.data[key]
	updated := make([]byte, 0, len(current)+len(value))
	updated = append(updated, current...)
	updated = append(updated, value...)
	ms.data[key] = updated
	ms.mu.Unlock()

	ms.appends.Add(1)
	return clone(updated), nil
}

// Delete removes the key and its associated value from storage.
// No error is returned if the key doesn't exist.
func (ms *MemoryStore) Delete(ctx context.Context, key hash.ID) error {
	if err := ms.check(ctx); err != nil {
		return err
	}

	ms.mu.Lock()
	delete(ms.data, key)
	ms.mu.Unlock()

	ms.deletes.Add(1)
	return nil
}

// Range calls fn for every entry while holding the read lock.
// Iteration stops early when fn returns false. fn must not call back into
// the store.
func (ms *MemoryStore) Range(ctx context.Context, fn func(key hash.ID, value []byte) bool) error {
	if err := ms.check(ctx); err != nil {
		return err
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	for key, value := range ms.data {
		if !fn(key, clone(value)) {
			return nil
		}
	}
	return nil
}

// GetAll returns a copy of every entry.
func (ms *MemoryStore) GetAll(ctx context.Context) (map[hash.ID][]byte, error) {
	result := make(map[hash.ID][]byte)
	err := ms.Range(ctx, func(key hash.ID, value []byte) bool {
		result[key] = value
		return true
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetMultiple stores multiple key-value pairs in a single operation.
func (ms *MemoryStore) SetMultiple(ctx context.Context, items map[hash.ID][]byte) error {
	if err := ms.check(ctx); err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	for key, value := range items {
		ms.data[key] = clone(value)
		ms.sets.Add(1)
	}
	return nil
}

// Len returns the number of stored entries.
func (ms *MemoryStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.data)
}

// CollectEmpty drops every entry whose value is empty and returns how many
// were removed.
func (ms *MemoryStore) CollectEmpty() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	removed := 0
	for key, value := range ms.data {
		if len(value) == 0 {
			delete(ms.data, key)
			removed++
		}
	}
	ms.collected.Add(int64(removed))
	return removed
}

// gcLoop runs CollectEmpty on every tick until the store is closed.
func (ms *MemoryStore) gcLoop() {
	for {
		select {
		case <-ms.gcTicker.C:
			ms.CollectEmpty()
		case <-ms.done:
			return
		}
	}
}

// Close stops the GC loop and releases the data.
func (ms *MemoryStore) Close() error {
	if !ms.closed.CompareAndSwap(false, true) {
		return nil
	}

	if ms.gcTicker != nil {
		ms.gcTicker.Stop()
	}
	close(ms.done)

	ms.mu.Lock()
	ms.data = make(map[hash.ID][]byte)
	ms.mu.Unlock()

	return nil
}

// Clear removes all entries but keeps the store operational.
func (ms *MemoryStore) Clear() error {
	if ms.closed.Load() {
		return ErrStorageUnavailable
	}

	ms.mu.Lock()
	ms.data = make(map[hash.ID][]byte)
	ms.mu.Unlock()

	return nil
}

// Stats holds storage counters.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Sets      int64
	Appends   int64
	Deletes   int64
	Collected int64
}

// GetStats returns current storage statistics.
func (ms *MemoryStore) GetStats() Stats {
	return Stats{
		Entries:   ms.Len(),
		Hits:      ms.hits.Load(),
		Misses:    ms.misses.Load(),
		Sets:      ms.sets.Load(),
		Appends:   ms.appends.Load(),
		Deletes:   ms.deletes.Load(),
		Collected: ms.collected.Load(),
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
