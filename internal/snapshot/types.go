// Package snapshot defines the parsed capture of guild data that the sync
// engine consumes, and the file source that produces it.
package snapshot

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Stream is one logical category of rows with its own cursor.
type Stream string

const (
	StreamRoster   Stream = "roster"
	StreamChat     Stream = "chat"
	StreamActivity Stream = "activity"
	StreamScores   Stream = "scores"
)

// AllStreams lists the streams in the order a pass processes them.
var AllStreams = []Stream{StreamRoster, StreamChat, StreamActivity, StreamScores}

var ErrUnknownStream = errors.New("unknown stream")

// ParseStream validates a stream name.
func ParseStream(name string) (Stream, error) {
	s := Stream(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range AllStreams {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStream, name)
}

// AppendOnly reports whether the stream is an append log. The roster is a
// replace-in-place table instead.
func (s Stream) AppendOnly() bool {
	return s != StreamRoster
}

func (s Stream) String() string {
	return string(s)
}

// Row is one record of a stream. Seq is assigned by the upstream parser and
// increases within a stream; for scores it is the capture timestamp.
type Row struct {
	Seq    int64          `json:"seq"`
	Member string         `json:"member"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Snapshot is a full capture of all streams. It is never mutated after load.
type Snapshot struct {
	GeneratedAt time.Time `json:"generated_at"`
	Roster      []Row     `json:"roster"`
	Chat        []Row     `json:"chat"`
	Activity    []Row     `json:"activity"`
	Scores      []Row     `json:"scores"`
}

// Rows returns the rows of one stream.
func (s *Snapshot) Rows(stream Stream) []Row {
	if s == nil {
		return nil
	}
	switch stream {
	case StreamRoster:
		return s.Roster
	case StreamChat:
		return s.Chat
	case StreamActivity:
		return s.Activity
	case StreamScores:
		return s.Scores
	}
	return nil
}

// Len returns the total row count across streams.
func (s *Snapshot) Len() int {
	n := 0
	for _, stream := range AllStreams {
		n += len(s.Rows(stream))
	}
	return n
}

// Validate checks that append streams have strictly increasing sequence ids
// and that every row has a member.
func (s *Snapshot) Validate() error {
	for _, stream := range AllStreams {
		var prev int64
		for i, row := range s.Rows(stream) {
			if strings.TrimSpace(row.Member) == "" {
				return fmt.Errorf("%s row %d (seq %d): missing member", stream, i, row.Seq)
			}
			if stream.AppendOnly() && i > 0 && row.Seq <= prev {
				return fmt.Errorf("%s row %d: seq %d not greater than previous %d", stream, i, row.Seq, prev)
			}
			prev = row.Seq
		}
	}
	return nil
}
