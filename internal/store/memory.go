package store

import (
	"context"
	"sync"
	"time"

	"gitpilot/internal/task"
)

// MemoryDedup is an insertion-ordered map with a max size. On overflow the
// oldest half of the entries is evicted.
type MemoryDedup struct {
	mu      sync.Mutex
	max     int
	order   []string
	entries map[string]time.Time // key -> expiry
}

// NewMemoryDedup creates a dedup store bounded to maxEntries keys.
func NewMemoryDedup(maxEntries int) *MemoryDedup {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &MemoryDedup{
		max:     maxEntries,
		entries: make(map[string]time.Time),
	}
}

func (d *MemoryDedup) IsSeen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	expiry, ok := d.entries[key]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(d.entries, key)
		return false, nil
	}
	return true, nil
}

func (d *MemoryDedup) MarkSeen(_ context.Context, key string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.entries[key]; !exists {
		d.order = append(d.order, key)
	}
	d.entries[key] = time.Now().Add(ttl)

	if len(d.entries) > d.max {
		d.evictOldestHalf()
	}
	return nil
}

func (d *MemoryDedup) evictOldestHalf() {
	cut := len(d.order) / 2
	for _, key := range d.order[:cut] {
		delete(d.entries, key)
	}
	d.order = append([]string(nil), d.order[cut:]...)
}

// Len reports the current number of live entries.
func (d *MemoryDedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// MemoryLocker keys semaphores by string. TTLs are not enforced: within a
// single process a crashed holder means a crashed process, so leases cannot
// be orphaned.
type MemoryLocker struct {
	mu    sync.Mutex
	max   int
	locks map[string]*lockEntry
}

// lockEntry pairs a semaphore with the count of goroutines referencing it
// (waiters plus the holder). Eviction must never drop an entry someone is
// still acquiring through, or two callers would end up holding fresh
// semaphores for the same key.
type lockEntry struct {
	sem  chan struct{}
	refs int
}

// NewMemoryLocker creates an in-process locker. Entries with no holder and
// no waiters are evicted once the table grows past maxEntries.
func NewMemoryLocker(maxEntries int) *MemoryLocker {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &MemoryLocker{
		max:   maxEntries,
		locks: make(map[string]*lockEntry),
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, _ time.Duration) (Lock, error) {
	entry := l.retain(key)
	select {
	case entry.sem <- struct{}{}:
		return &memoryLock{locker: l, entry: entry}, nil
	case <-ctx.Done():
		l.unref(entry)
		return nil, ctx.Err()
	}
}

// retain returns the entry for key with its reference count bumped. The
// reference pins the entry against eviction until unref.
func (l *MemoryLocker) retain(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.locks[key]; ok {
		entry.refs++
		return entry
	}
	if len(l.locks) >= l.max {
		for k, entry := range l.locks {
			if entry.refs == 0 {
				delete(l.locks, k)
			}
		}
	}
	entry := &lockEntry{sem: make(chan struct{}, 1), refs: 1}
	l.locks[key] = entry
	return entry
}

func (l *MemoryLocker) unref(entry *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
}

type memoryLock struct {
	locker   *MemoryLocker
	entry    *lockEntry
	released sync.Once
}

func (m *memoryLock) Release(_ context.Context) error {
	m.released.Do(func() {
		<-m.entry.sem
		m.locker.unref(m.entry)
	})
	return nil
}

// MemoryResultStore holds task results with a TTL. It exists for tests and
// in-process executor runs; isolated workers need the Redis backend.
type MemoryResultStore struct {
	mu      sync.Mutex
	entries map[string]memoryResult
}

type memoryResult struct {
	data   []byte
	expiry time.Time
}

func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{entries: make(map[string]memoryResult)}
}

func (s *MemoryResultStore) GetResult(_ context.Context, taskID string) (*task.Result, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[taskID]
	if !ok || time.Now().After(entry.expiry) {
		delete(s.entries, taskID)
		return nil, false, nil
	}
	res, err := task.DecodeResult(entry.data)
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

func (s *MemoryResultStore) PutResult(_ context.Context, taskID string, res *task.Result, ttl time.Duration) error {
	data, err := res.Encode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[taskID] = memoryResult{data: data, expiry: time.Now().Add(ttl)}
	return nil
}
