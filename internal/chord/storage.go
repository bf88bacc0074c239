package chord

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/zde37/chordring/pkg"
	"github.com/zde37/chordring/pkg/hash"
)

const snapshotVersion = 1

// ChordStorage provides ring-aware queries over the generic MemoryStore:
// arc selections for hand-offs and msgpack snapshots of the whole store.
type ChordStorage struct {
	store *pkg.MemoryStore
}

// NewChordStorage creates a new ChordStorage wrapping the provided MemoryStore.
func NewChordStorage(store *pkg.MemoryStore) *ChordStorage {
	return &ChordStorage{store: store}
}

// NewDefaultChordStorage creates a ChordStorage whose garbage collection is
// driven by the owning node.
func NewDefaultChordStorage() *ChordStorage {
	return NewChordStorage(pkg.NewMemoryStore(&pkg.MemoryConfig{ManualGC: true}))
}

// Get retrieves a value. Returns pkg.ErrKeyNotFound when absent.
func (cs *ChordStorage) Get(ctx context.Context, key hash.ID) ([]byte, error) {
	return cs.store.Get(ctx, key)
}

// Set replaces the value stored under key.
func (cs *ChordStorage) Set(ctx context.Context, key hash.ID, value []byte) error {
	return cs.store.Set(ctx, key, value)
}

// Append appends to the stored value and returns the full result.
func (cs *ChordStorage) Append(ctx context.Context, key hash.ID, value []byte) ([]byte, error) {
	return cs.store.Append(ctx, key, value)
}

// Delete removes key; a missing key is not an error.
func (cs *ChordStorage) Delete(ctx context.Context, key hash.ID) error {
	return cs.store.Delete(ctx, key)
}

// Range iterates every entry with the store lock held.
func (cs *ChordStorage) Range(ctx context.Context, fn func(key hash.ID, value []byte) bool) error {
	return cs.store.Range(ctx, fn)
}

// Entries returns a copy of every entry.
func (cs *ChordStorage) Entries(ctx context.Context) (map[hash.ID][]byte, error) {
	return cs.store.GetAll(ctx)
}

// EntriesInRange returns a copy of every entry whose key lies on the arc
// described by hash.InRange(key, lo, loIncl, hi, hiIncl).
func (cs *ChordStorage) EntriesInRange(ctx context.Context, lo hash.ID, loIncl bool, hi hash.ID, hiIncl bool) (map[hash.ID][]byte, error) {
	result := make(map[hash.ID][]byte)
	err := cs.store.Range(ctx, func(key hash.ID, value []byte) bool {
		if hash.InRange(key, lo, loIncl, hi, hiIncl) {
			result[key] = value
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CollectGarbage drops entries whose value is empty.
func (cs *ChordStorage) CollectGarbage() int {
	return cs.store.CollectEmpty()
}

// Len returns the number of stored entries.
func (cs *ChordStorage) Len() int {
	return cs.store.Len()
}

// GetStats returns the underlying store counters.
func (cs *ChordStorage) GetStats() pkg.Stats {
	return cs.store.GetStats()
}

// Clear removes all entries.
func (cs *ChordStorage) Clear() error {
	return cs.store.Clear()
}

// Close closes the underlying store.
func (cs *ChordStorage) Close() error {
	return cs.store.Close()
}

type snapshotEntry struct {
	Key   []byte `msgpack:"k"`
	Value []byte `msgpack:"v"`
}

type snapshot struct {
	Version int             `msgpack:"version"`
	NodeID  []byte          `msgpack:"node_id"`
	TakenAt time.Time       `msgpack:"taken_at"`
	Entries []snapshotEntry `msgpack:"entries"`
}

// SaveSnapshot writes every entry to path. The file is replaced atomically.
func (cs *ChordStorage) SaveSnapshot(ctx context.Context, path string, nodeID hash.ID) (int, error) {
	snap := snapshot{
		Version: snapshotVersion,
		NodeID:  nodeID[:],
		TakenAt: time.Now().UTC(),
	}
	err := cs.store.Range(ctx, func(key hash.ID, value []byte) bool {
		snap.Entries = append(snap.Entries, snapshotEntry{Key: key[:], Value: value})
		return true
	})
	if err != nil {
		return 0, err
	}

	data, err := msgpack.Marshal(&snap)
	if err != nil {
		return 0, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return 0, fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("failed to install snapshot: %w", err)
	}
	return len(snap.Entries), nil
}

// LoadSnapshot merges the entries stored at path into the store. A missing
// file loads nothing and is not an error.
func (cs *ChordStorage) LoadSnapshot(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("failed to decode snapshot %s: %w", path, err)
	}
	if snap.Version != snapshotVersion {
		return 0, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	items := make(map[hash.ID][]byte, len(snap.Entries))
	for _, e := range snap.Entries {
		if len(e.Key) != hash.Size {
			return 0, fmt.Errorf("snapshot entry has %d byte key", len(e.Key))
		}
		var key hash.ID
		copy(key[:], e.Key)
		items[key] = e.Value
	}

	if err := cs.store.SetMultiple(ctx, items); err != nil {
		return 0, err
	}
	return len(items), nil
}
