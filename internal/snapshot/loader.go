package snapshot

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Load reads and validates a snapshot file. Files ending in .zst are
// zstd-compressed JSON.
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	return Decode(r)
}

// Decode parses and validates a snapshot from r.
func Decode(r io.Reader) (*Snapshot, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("validating snapshot: %w", err)
	}
	return &snap, nil
}

// Source tracks a snapshot file and reports whether it changed since the
// last successful read.
type Source struct {
	path    string
	modTime time.Time
	size    int64
}

// NewSource creates a Source for path.
func NewSource(path string) *Source {
	return &Source{path: path}
}

// Path returns the watched file path.
func (s *Source) Path() string {
	return s.path
}

// Changed reports whether the file's mtime or size differ from the last read.
// A missing file is not an error; it simply has not changed.
func (s *Source) Changed() (bool, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat snapshot: %w", err)
	}
	return !info.ModTime().Equal(s.modTime) || info.Size() != s.size, nil
}

// Read loads the snapshot and remembers its mtime so later Changed calls
// compare against it.
func (s *Source) Read() (*Snapshot, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("stat snapshot: %w", err)
	}
	snap, err := Load(s.path)
	if err != nil {
		return nil, err
	}
	s.modTime = info.ModTime()
	s.size = info.Size()
	return snap, nil
}
