// Package state persists per-destination sync progress: stream cursors,
// adaptive batch sizes and the roster fingerprints used to detect changed
// rows. Each destination owns one JSON document, so two destinations never
// contend for the same file.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/guild-bridge/internal/member"
	"github.com/dgnsrekt/guild-bridge/internal/snapshot"
)

// Store is the exclusive owner of one destination's Document. All mutations
// go through it and are written to disk before they become visible.
type Store struct {
	mu          sync.Mutex
	path        string
	destination string
	doc         *Document
	lock        *fileLock
	now         func() time.Time
	logger      *zap.Logger
}

// Path returns the document path for destination inside dir.
func Path(dir, destination string) string {
	return filepath.Join(dir, destination+".state.json")
}

// Open locks and loads the document for destination. A missing document
// yields empty state. A document that does not decode or validate is moved
// aside and also yields empty state; in that case the returned store is
// usable and the error is a *CorruptError the caller must report. Any other
// read failure leaves the document in place and returns no store.
func Open(dir, destination string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	lock, err := acquireLock(filepath.Join(dir, destination+".lock"))
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:        Path(dir, destination),
		destination: destination,
		lock:        lock,
		now:         time.Now,
		logger:      logger.With(zap.String("destination", destination)),
	}

	doc, loadErr := s.load()
	if doc == nil {
		_ = lock.release()
		return nil, loadErr
	}
	s.doc = doc
	return s, loadErr
}

// Close releases the process lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock.release()
}

// Destination returns the destination this store belongs to.
func (s *Store) Destination() string {
	return s.destination
}

func (s *Store) load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Info("no state document, starting fresh", zap.String("path", s.path))
			return newDocument(s.destination), nil
		}
		return nil, fmt.Errorf("reading state document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return newDocument(s.destination), s.corrupt(err)
	}
	if err := doc.check(s.destination); err != nil {
		return newDocument(s.destination), s.corrupt(err)
	}
	if doc.Streams == nil {
		doc.Streams = make(map[snapshot.Stream]*StreamState)
	}
	if doc.Roster == nil {
		doc.Roster = make(map[member.Key]uint64)
	}

	s.logger.Info("state document loaded",
		zap.String("path", s.path),
		zap.Int("streams", len(doc.Streams)),
		zap.Int("roster_fingerprints", len(doc.Roster)),
	)
	return &doc, nil
}

// corrupt moves the bad document aside so it can be inspected, and builds the
// error returned from Open.
func (s *Store) corrupt(cause error) error {
	cerr := &CorruptError{Path: s.path, Err: cause}
	moved := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().Unix())
	if err := os.Rename(s.path, moved); err == nil {
		cerr.MovedTo = moved
	}
	s.logger.Error("state document unusable, falling back to empty state; all items will be resent",
		zap.String("path", s.path),
		zap.String("moved_to", cerr.MovedTo),
		zap.Error(cause),
	)
	return cerr
}

func (d *Document) check(destination string) error {
	if d.Version < 1 || d.Version > DocumentVersion {
		return fmt.Errorf("unsupported version %d", d.Version)
	}
	if d.Destination != destination {
		return fmt.Errorf("document belongs to %q, not %q", d.Destination, destination)
	}
	for stream, st := range d.Streams {
		if _, err := snapshot.ParseStream(string(stream)); err != nil {
			return err
		}
		if st != nil && (st.Cursor < 0 || st.BatchSize < 0) {
			return fmt.Errorf("stream %s: negative cursor or batch size", stream)
		}
	}
	return nil
}

// Document returns a deep copy of the current document.
func (s *Store) Document() *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.clone()
}

// Stream returns a copy of the state of one stream.
func (s *Store) Stream(stream snapshot.Stream) StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.doc.Streams[stream]; ok && st != nil {
		return *st.clone()
	}
	return StreamState{}
}

// Cursor returns the last confirmed seq of stream.
func (s *Store) Cursor(stream snapshot.Stream) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.doc.Streams[stream]; ok && st != nil {
		return st.Cursor
	}
	return 0
}

// Fingerprint returns the last confirmed roster fingerprint for key.
func (s *Store) Fingerprint(key member.Key) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.doc.Roster[key]
	return fp, ok
}

// Confirm records an accepted batch. The cursor never moves backwards.
func (s *Store) Confirm(stream snapshot.Stream, c Confirmation) error {
	return s.mutate(func(d *Document) {
		st := d.stream(stream)
		if c.LastSeq > st.Cursor {
			st.Cursor = c.LastSeq
		}
		st.BatchSize = c.BatchSize
		st.ConsecutiveAccepted = c.ConsecutiveAccepted
		if st.Rejection != nil && c.LastSeq >= st.Rejection.LastSeq {
			st.Rejection = nil
		}
		for k, fp := range c.Fingerprints {
			d.Roster[k] = fp
		}
	})
}

// SetBatchSize persists a batch size change that is not tied to a
// confirmation, such as a shrink after a size rejection.
func (s *Store) SetBatchSize(stream snapshot.Stream, size, consecutive int) error {
	return s.mutate(func(d *Document) {
		st := d.stream(stream)
		st.BatchSize = size
		st.ConsecutiveAccepted = consecutive
	})
}

// Skip moves the cursor past a single undeliverable item and records it. For
// roster items the fingerprint is stored so the row stops being pending until
// it changes again.
func (s *Store) Skip(stream snapshot.Stream, item SkippedItem, fingerprint *uint64) error {
	if item.At.IsZero() {
		item.At = s.now()
	}
	return s.mutate(func(d *Document) {
		st := d.stream(stream)
		if item.Seq > st.Cursor {
			st.Cursor = item.Seq
		}
		st.Skipped = append(st.Skipped, item)
		if len(st.Skipped) > maxSkipped {
			st.Skipped = st.Skipped[len(st.Skipped)-maxSkipped:]
		}
		if st.Rejection != nil && item.Seq >= st.Rejection.LastSeq {
			st.Rejection = nil
		}
		if fingerprint != nil {
			d.Roster[item.Member] = *fingerprint
		}
	})
}

// RecordRejection counts a permanent rejection of [first, last]. A rejection
// starting at the same seq as the tracked one increments the count; any other
// range starts a new count. It returns the resulting count.
func (s *Store) RecordRejection(stream snapshot.Stream, first, last int64, reason string) (int, error) {
	var count int
	err := s.mutate(func(d *Document) {
		st := d.stream(stream)
		if st.Rejection != nil && st.Rejection.FirstSeq == first {
			st.Rejection.Count++
			if last > st.Rejection.LastSeq {
				st.Rejection.LastSeq = last
			}
		} else {
			st.Rejection = &Rejection{FirstSeq: first, LastSeq: last, Count: 1}
		}
		st.Rejection.Reason = reason
		st.Rejection.LastAt = s.now()
		st.ConsecutiveAccepted = 0
		count = st.Rejection.Count
	})
	return count, err
}

// SetSession records the id of the pass currently writing to the destination.
func (s *Store) SetSession(id string) error {
	return s.mutate(func(d *Document) {
		d.LastSessionID = id
	})
}

// ResetRoster forgets every roster fingerprint so the next pass resends the
// full roster.
func (s *Store) ResetRoster() error {
	return s.mutate(func(d *Document) {
		d.Roster = make(map[member.Key]uint64)
	})
}

// ResetStream discards all state of one stream. This is the only way a cursor
// moves backwards and is meant for operators.
func (s *Store) ResetStream(stream snapshot.Stream) error {
	return s.mutate(func(d *Document) {
		delete(d.Streams, stream)
		if stream == snapshot.StreamRoster {
			d.Roster = make(map[member.Key]uint64)
		}
	})
}

// mutate applies fn to a copy of the document and swaps it in only after the
// copy was written to disk.
func (s *Store) mutate(fn func(*Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.clone()
	fn(next)
	next.UpdatedAt = s.now().UTC()

	if err := s.write(next); err != nil {
		return err
	}
	s.doc = next
	return nil
}

// write replaces the document atomically: temp file, fsync, rename.
func (s *Store) write(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming state file: %w", err)
	}
	return nil
}
