// pkg/persistence/journal_store.go
package persistence

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aleka07/cozysphere/go-cozysphere/pkg/logging"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/model"
)

// --- Ensure JournalStore implements ReadingStore ---
var _ ReadingStore = (*JournalStore)(nil)

// journalRecord is one line of the journal file.
type journalRecord struct {
	Seq       uint64          `json:"seq"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// journalFile is the subset of *os.File the journal uses.
type journalFile interface {
	io.ReadWriteSeeker
	Sync() error
	Truncate(size int64) error
	Close() error
}

// JournalStore serves reads from memory and persists every append to a
// JSON-lines file that is fsynced before Append returns. The file is
// replayed on open.
type JournalStore struct {
	clock *Clock
	log   *slog.Logger

	mu     sync.Mutex // Guards seq, timestamp assignment and file writes
	seq    uint64
	file   journalFile
	size   int64 // Length of the journal's committed prefix
	failed error // Set when a torn write could not be rolled back

	idx readingIndex
}

// OpenJournalStore opens (or creates) the journal at path and loads it.
func OpenJournalStore(path string, clock *Clock) (*JournalStore, error) {
	if clock == nil {
		clock = NewClock(nil, 0)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storageErr("create journal dir", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, storageErr("open journal", err)
	}

	s := &JournalStore{clock: clock, log: logging.Component("journal"), file: f}
	if err := s.replay(); err != nil {
		f.Close()
		return nil, err
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, storageErr("seek journal", err)
	}
	s.size = size
	s.log.Info("journal loaded", "path", path, "readings", s.idx.len())
	return s, nil
}

// replay rebuilds the in-memory index. A torn final line, left by a crash
// mid-write, is cut off; corruption anywhere else is an error.
func (s *JournalStore) replay() error {
	r := bufio.NewReaderSize(s.file, 64*1024)
	var offset int64
	line := 0
	for {
		raw, err := r.ReadBytes('\n')
		if len(raw) > 0 {
			line++
			complete := raw[len(raw)-1] == '\n'
			rec, decErr := decodeJournalLine(raw)
			if decErr != nil || !complete {
				if errors.Is(err, io.EOF) {
					s.log.Warn("truncating torn journal tail", "line", line, "offset", offset)
					if tErr := s.file.Truncate(offset); tErr != nil {
						return storageErr("truncate journal", tErr)
					}
					return nil
				}
				return storageErr(fmt.Sprintf("journal line %d", line), decErr)
			}
			s.idx.insert(rec.Seq, rec.reading)
			s.clock.Observe(rec.reading.Timestamp)
			if rec.Seq > s.seq {
				s.seq = rec.Seq
			}
			offset += int64(len(raw))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return storageErr("read journal", err)
		}
	}
}

type decodedRecord struct {
	Seq     uint64
	reading *model.Reading
}

func decodeJournalLine(raw []byte) (*decodedRecord, error) {
	var rec journalRecord
	if err := json.Unmarshal(bytes.TrimSpace(raw), &rec); err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(rec.Payload))
	dec.UseNumber()
	payload := map[string]any{}
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	model.NormalizeNumbers(payload)
	return &decodedRecord{
		Seq:     rec.Seq,
		reading: &model.Reading{ID: rec.ID, Timestamp: rec.Timestamp.UTC(), Payload: payload},
	}, nil
}

// Append writes the reading to the journal and syncs it to disk.
func (s *JournalStore) Append(ctx context.Context, payload map[string]any) (*model.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("append reading", err)
	}
	payload = stripReserved(payload)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, storageErr("encode payload", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil, storageErr("append reading", os.ErrClosed)
	}
	if s.failed != nil {
		return nil, storageErr("append reading", s.failed)
	}

	rec := journalRecord{Seq: s.seq + 1, ID: uuid.NewString(), Timestamp: s.clock.Next(), Payload: body}
	line, err := json.Marshal(rec)
	if err != nil {
		return nil, storageErr("encode journal record", err)
	}
	line = append(line, '\n')
	if _, err := s.file.Write(line); err != nil {
		return nil, s.rollback("write journal", err)
	}
	if err := s.file.Sync(); err != nil {
		return nil, s.rollback("sync journal", err)
	}
	s.seq = rec.Seq
	s.size += int64(len(line))

	r := &model.Reading{ID: rec.ID, Timestamp: rec.Timestamp, Payload: payload}
	s.idx.insert(rec.Seq, r)
	return r.Clone(), nil
}

// rollback cuts the file back to its committed prefix after a failed write
// so a partial or unsynced line never precedes later records. If that fails
// the store refuses further appends. Callers hold s.mu.
func (s *JournalStore) rollback(op string, cause error) error {
	err := s.file.Truncate(s.size)
	if err == nil {
		_, err = s.file.Seek(s.size, io.SeekStart)
	}
	if err != nil {
		s.failed = fmt.Errorf("journal rollback to offset %d: %w", s.size, err)
		s.log.Error("journal rollback failed, refusing further appends", "op", op, "cause", cause, "error", err)
	} else {
		s.log.Warn("journal write failed, rolled back", "op", op, "offset", s.size, "error", cause)
	}
	return storageErr(op, cause)
}

// Latest returns up to n readings, newest first.
func (s *JournalStore) Latest(ctx context.Context, n int) ([]*model.Reading, error) {
	return s.idx.latest(normalizeLimit(n)), nil
}

// Query returns readings in [start, end].
func (s *JournalStore) Query(ctx context.Context, start, end time.Time) ([]*model.Reading, error) {
	return s.idx.between(start, end), nil
}

// Ping reports whether the journal file is open and writable.
func (s *JournalStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return storageErr("ping journal", os.ErrClosed)
	}
	if s.failed != nil {
		return storageErr("ping journal", s.failed)
	}
	return nil
}

// Close closes the journal file.
func (s *JournalStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}
	if err := s.file.Close(); err != nil {
		s.log.Error("closing journal failed", "error", err)
	}
	s.file = nil
}
