package state

import (
	"time"

	"github.com/dgnsrekt/guild-bridge/internal/member"
	"github.com/dgnsrekt/guild-bridge/internal/snapshot"
)

// DocumentVersion is the on-disk format version written by this package.
const DocumentVersion = 1

// maxSkipped bounds the skipped-item history kept per stream.
const maxSkipped = 100

// Document is the persisted sync state of a single destination.
type Document struct {
	Version       int                              `json:"version"`
	Destination   string                           `json:"destination"`
	UpdatedAt     time.Time                        `json:"updated_at"`
	LastSessionID string                           `json:"last_session_id,omitempty"`
	Streams       map[snapshot.Stream]*StreamState `json:"streams"`
	Roster        map[member.Key]uint64            `json:"roster_fingerprints,omitempty"`
}

// StreamState holds the cursor and batching state of one stream.
type StreamState struct {
	Cursor              int64         `json:"last_confirmed_seq"`
	BatchSize           int           `json:"current_batch_size,omitempty"`
	ConsecutiveAccepted int           `json:"consecutive_accepted,omitempty"`
	Rejection           *Rejection    `json:"rejection,omitempty"`
	Skipped             []SkippedItem `json:"skipped,omitempty"`
}

// Rejection tracks a batch range the destination permanently refused.
type Rejection struct {
	FirstSeq int64     `json:"first_seq"`
	LastSeq  int64     `json:"last_seq"`
	Count    int       `json:"count"`
	Reason   string    `json:"reason,omitempty"`
	LastAt   time.Time `json:"last_at"`
}

// SkippedItem records an item the cursor moved past without delivery.
type SkippedItem struct {
	Seq         int64      `json:"seq"`
	Member      member.Key `json:"member"`
	Reason      string     `json:"reason"`
	Quarantined bool       `json:"quarantined,omitempty"`
	At          time.Time  `json:"at"`
}

// Confirmation describes an accepted batch.
type Confirmation struct {
	LastSeq             int64
	BatchSize           int
	ConsecutiveAccepted int
	Fingerprints        map[member.Key]uint64
}

func newDocument(destination string) *Document {
	return &Document{
		Version:     DocumentVersion,
		Destination: destination,
		Streams:     make(map[snapshot.Stream]*StreamState),
		Roster:      make(map[member.Key]uint64),
	}
}

func (d *Document) stream(s snapshot.Stream) *StreamState {
	st, ok := d.Streams[s]
	if !ok || st == nil {
		st = &StreamState{}
		d.Streams[s] = st
	}
	return st
}

func (st *StreamState) clone() *StreamState {
	c := *st
	if st.Rejection != nil {
		r := *st.Rejection
		c.Rejection = &r
	}
	c.Skipped = append([]SkippedItem(nil), st.Skipped...)
	return &c
}

func (d *Document) clone() *Document {
	c := *d
	c.Streams = make(map[snapshot.Stream]*StreamState, len(d.Streams))
	for k, v := range d.Streams {
		if v != nil {
			c.Streams[k] = v.clone()
		}
	}
	c.Roster = make(map[member.Key]uint64, len(d.Roster))
	for k, v := range d.Roster {
		c.Roster[k] = v
	}
	return &c
}
