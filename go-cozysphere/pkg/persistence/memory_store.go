// pkg/persistence/memory_store.go
package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aleka07/cozysphere/go-cozysphere/pkg/model"
)

// --- Ensure MemoryStore implements ReadingStore ---
var _ ReadingStore = (*MemoryStore)(nil)

// MemoryStore keeps readings in process memory. Nothing survives a restart,
// so it is meant for tests and local development.
type MemoryStore struct {
	clock *Clock

	mu  sync.Mutex // Serializes seq and timestamp assignment
	seq uint64
	idx readingIndex
}

// NewMemoryStore creates an empty in-memory store. A nil clock uses wall time.
func NewMemoryStore(clock *Clock) *MemoryStore {
	if clock == nil {
		clock = NewClock(nil, 0)
	}
	return &MemoryStore{clock: clock}
}

// Append stores the reading in memory.
func (s *MemoryStore) Append(ctx context.Context, payload map[string]any) (*model.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("append reading", err)
	}
	payload = stripReserved(payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	r := &model.Reading{ID: uuid.NewString(), Timestamp: s.clock.Next(), Payload: payload}
	s.idx.insert(s.seq, r)
	return r.Clone(), nil
}

// Latest returns up to n readings, newest first.
func (s *MemoryStore) Latest(ctx context.Context, n int) ([]*model.Reading, error) {
	return s.idx.latest(normalizeLimit(n)), nil
}

// Query returns readings in [start, end].
func (s *MemoryStore) Query(ctx context.Context, start, end time.Time) ([]*model.Reading, error) {
	return s.idx.between(start, end), nil
}

// Len reports the number of stored readings.
func (s *MemoryStore) Len() int {
	return s.idx.len()
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}

// readingIndex holds readings ordered by insertion sequence. Sequence order
// and timestamp order agree because both are assigned under the same lock.
type readingIndex struct {
	mu      sync.RWMutex
	entries []indexEntry
}

type indexEntry struct {
	seq uint64
	r   *model.Reading
}

func (x *readingIndex) insert(seq uint64, r *model.Reading) {
	x.mu.Lock()
	defer x.mu.Unlock()
	// Appends almost always land at the end; the search handles the rest.
	i := sort.Search(len(x.entries), func(i int) bool { return x.entries[i].seq > seq })
	x.entries = append(x.entries, indexEntry{})
	copy(x.entries[i+1:], x.entries[i:])
	x.entries[i] = indexEntry{seq: seq, r: r}
}

func (x *readingIndex) latest(n int) []*model.Reading {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]*model.Reading, 0, min(n, len(x.entries)))
	for i := len(x.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, x.entries[i].r.Clone())
	}
	return out
}

func (x *readingIndex) between(start, end time.Time) []*model.Reading {
	x.mu.RLock()
	defer x.mu.RUnlock()
	i := sort.Search(len(x.entries), func(i int) bool { return !x.entries[i].r.Timestamp.Before(start) })
	out := []*model.Reading{}
	for ; i < len(x.entries); i++ {
		r := x.entries[i].r
		if r.Timestamp.After(end) {
			break
		}
		out = append(out, r.Clone())
	}
	return out
}

func (x *readingIndex) len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}
