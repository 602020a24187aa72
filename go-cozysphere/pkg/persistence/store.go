// pkg/persistence/store.go
package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/aleka07/cozysphere/go-cozysphere/pkg/model"
)

// ReadingStore is the append-only event store for sensor readings.
type ReadingStore interface {
	// Append assigns a timestamp and ID, persists the reading and returns it.
	// The payload map is owned by the store after the call.
	// Failures are reported as model.ErrStorage.
	Append(ctx context.Context, payload map[string]any) (*model.Reading, error)

	// Latest returns up to n readings, newest first. Ties on timestamp are
	// broken by insertion order. An empty store yields an empty slice.
	Latest(ctx context.Context, n int) ([]*model.Reading, error)

	// Query returns every reading with start <= timestamp <= end, in no
	// particular order.
	Query(ctx context.Context, start, end time.Time) ([]*model.Reading, error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close()
}

// Clock hands out reading timestamps. Successive calls never go backwards,
// even if the wall clock does, so assignment order and timestamp order agree.
type Clock struct {
	mu        sync.Mutex
	now       func() time.Time
	precision time.Duration
	last      time.Time
}

// NewClock returns a clock over now (time.Now when nil), truncating to
// precision so the value survives a round trip through the backend.
func NewClock(now func() time.Time, precision time.Duration) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now, precision: precision}
}

// Next returns the next timestamp in UTC.
func (c *Clock) Next() time.Time {
	t := c.now().UTC()
	if c.precision > 0 {
		t = t.Truncate(c.precision)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}

// Observe raises the clock's floor, used when a backend replays history.
func (c *Clock) Observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.last) {
		c.last = t
	}
}

// stripReserved drops keys the server owns so a device cannot spoof them.
func stripReserved(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	delete(payload, model.FieldID)
	delete(payload, model.FieldTimestamp)
	delete(payload, "_id")
	return payload
}

func normalizeLimit(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
