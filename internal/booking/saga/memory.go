package saga

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	version   int64
	data      []byte
	expiresAt time.Time
}

// MemoryStore keeps snapshots in process memory. Expired records are
// evicted lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore. A nil now uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		records: make(map[string]memoryEntry),
		now:     now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.liveLocked(id); ok {
		return ErrAlreadyExists
	}
	m.records[id] = memoryEntry{
		version:   1,
		data:      copyBytes(data),
		expiresAt: m.expiry(ttl),
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.liveLocked(id)
	if !ok {
		return Record{}, ErrNotFound
	}
	return Record{ID: id, Version: entry.version, Data: copyBytes(entry.data)}, nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, data []byte, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.liveLocked(id)
	if !ok {
		return 0, ErrNotFound
	}
	if entry.version != expectedVersion {
		return 0, ErrVersionConflict
	}
	next := entry.version + 1
	m.records[id] = memoryEntry{
		version:   next,
		data:      copyBytes(data),
		expiresAt: m.expiry(ttl),
	}
	return next, nil
}

// Len reports the number of live records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id := range m.records {
		if _, ok := m.liveLocked(id); ok {
			n++
		}
	}
	return n
}

// Unfinished returns ids of live records that carry an expiry, sorted.
func (m *MemoryStore) Unfinished(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.records {
		if entry, ok := m.liveLocked(id); ok && !entry.expiresAt.IsZero() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) liveLocked(id string) (memoryEntry, bool) {
	entry, ok := m.records[id]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		delete(m.records, id)
		return memoryEntry{}, false
	}
	return entry, true
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
