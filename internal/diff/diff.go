// Package diff computes which snapshot rows a destination has not yet
// confirmed.
package diff

import (
	"fmt"
	"sort"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/dgnsrekt/guild-bridge/internal/member"
	"github.com/dgnsrekt/guild-bridge/internal/snapshot"
)

// View is the part of a destination's persisted state the differ reads.
type View interface {
	Cursor(stream snapshot.Stream) int64
	Fingerprint(key member.Key) (uint64, bool)
}

// Item is a row that still has to be delivered.
type Item struct {
	snapshot.Row
	Key         member.Key
	Fingerprint uint64
}

// Differ normalizes member names before comparing rows.
type Differ struct {
	normalizer *member.Normalizer
}

// New creates a Differ.
func New(normalizer *member.Normalizer) *Differ {
	return &Differ{normalizer: normalizer}
}

// Pending returns the items of stream not yet confirmed according to view,
// ordered ascending by seq (ties by key). For append streams that is every
// row after the cursor. For the roster it is every member whose row differs
// from the last confirmed one.
func (d *Differ) Pending(snap *snapshot.Snapshot, stream snapshot.Stream, view View) ([]Item, error) {
	rows := snap.Rows(stream)
	if !stream.AppendOnly() {
		return d.pendingRoster(rows, view)
	}

	cursor := view.Cursor(stream)
	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		if row.Seq <= cursor {
			continue
		}
		items = append(items, Item{Row: row, Key: d.normalizer.Normalize(row.Member)})
	}
	sortItems(items)
	return items, nil
}

// All returns pending items for each of the given streams.
func (d *Differ) All(snap *snapshot.Snapshot, streams []snapshot.Stream, view View) (map[snapshot.Stream][]Item, error) {
	out := make(map[snapshot.Stream][]Item, len(streams))
	for _, stream := range streams {
		items, err := d.Pending(snap, stream, view)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", stream, err)
		}
		out[stream] = items
	}
	return out, nil
}

func (d *Differ) pendingRoster(rows []snapshot.Row, view View) ([]Item, error) {
	merged := make(map[member.Key]snapshot.Row, len(rows))
	for _, row := range rows {
		key := d.normalizer.Normalize(row.Member)
		if prev, ok := merged[key]; ok {
			row = mergeRows(prev, row)
		}
		merged[key] = row
	}

	items := make([]Item, 0, len(merged))
	for key, row := range merged {
		fp, err := Fingerprint(key, row.Fields)
		if err != nil {
			return nil, fmt.Errorf("fingerprinting %s: %w", key, err)
		}
		if last, ok := view.Fingerprint(key); ok && last == fp {
			continue
		}
		items = append(items, Item{Row: row, Key: key, Fingerprint: fp})
	}
	sortItems(items)
	return items, nil
}

// mergeRows combines two rows of the same member. The row with the higher
// seq wins; fields it lacks are taken from the other.
func mergeRows(a, b snapshot.Row) snapshot.Row {
	winner, other := a, b
	if b.Seq > a.Seq || (b.Seq == a.Seq && len(b.Fields) > len(a.Fields)) {
		winner, other = b, a
	}
	fields := make(map[string]any, len(winner.Fields)+len(other.Fields))
	for k, v := range other.Fields {
		fields[k] = v
	}
	for k, v := range winner.Fields {
		fields[k] = v
	}
	winner.Fields = fields
	return winner
}

// Fingerprint hashes a roster row. The raw member spelling is excluded so
// that "Thrall" and "Thrall-Orgrimmar" hash the same.
func Fingerprint(key member.Key, fields map[string]any) (uint64, error) {
	return hashstructure.Hash(struct {
		Key    string
		Fields map[string]any
	}{Key: string(key), Fields: fields}, hashstructure.FormatV2, nil)
}

func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Seq != items[j].Seq {
			return items[i].Seq < items[j].Seq
		}
		return items[i].Key < items[j].Key
	})
}

// LastSeq returns the highest seq in items, or 0 when empty.
func LastSeq(items []Item) int64 {
	var last int64
	for _, it := range items {
		if it.Seq > last {
			last = it.Seq
		}
	}
	return last
}
