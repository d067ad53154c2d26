package sync

import (
	"fmt"
	"time"

	"github.com/dgnsrekt/guild-bridge/internal/snapshot"
	"github.com/dgnsrekt/guild-bridge/internal/state"
)

// Result is how a stream pass ended.
type Result string

const (
	ResultComplete  Result = "complete"
	ResultExhausted Result = "retries_exhausted"
	ResultRejected  Result = "rejected"
	ResultCancelled Result = "cancelled"
	ResultFailed    Result = "failed"
)

// StreamReport summarizes one stream of one destination.
type StreamReport struct {
	Stream    snapshot.Stream     `json:"stream"`
	Result    Result              `json:"result"`
	Pending   int                 `json:"pending"`
	Sent      int                 `json:"sent"`
	Batches   int                 `json:"batches"`
	Cursor    int64               `json:"cursor"`
	BatchSize int                 `json:"batch_size"`
	Skipped   []state.SkippedItem `json:"skipped,omitempty"`
	Auth      bool                `json:"auth_failure,omitempty"`
	Err       error               `json:"-"`
	Error     string              `json:"error,omitempty"`
}

// DestinationReport summarizes one destination of a pass.
type DestinationReport struct {
	Destination string         `json:"destination"`
	Streams     []StreamReport `json:"streams"`
	Duration    time.Duration  `json:"duration"`
	Err         error          `json:"-"`
	Error       string         `json:"error,omitempty"`
}

// PassReport is the result of one synchronization pass.
type PassReport struct {
	SessionID    string              `json:"session_id"`
	Started      time.Time           `json:"started"`
	Finished     time.Time           `json:"finished"`
	Destinations []DestinationReport `json:"destinations"`
}

// Sent returns the number of items accepted across destinations.
func (r *PassReport) Sent() int {
	n := 0
	for _, d := range r.Destinations {
		for _, s := range d.Streams {
			n += s.Sent
		}
	}
	return n
}

// Skipped returns every item skipped during the pass.
func (r *PassReport) Skipped() int {
	n := 0
	for _, d := range r.Destinations {
		for _, s := range d.Streams {
			n += len(s.Skipped)
		}
	}
	return n
}

// Failed reports whether any destination or stream ended with an error.
func (r *PassReport) Failed() bool {
	return len(r.Problems()) > 0
}

// Problems lists human readable failures, one per destination or stream.
func (r *PassReport) Problems() []string {
	var out []string
	for _, d := range r.Destinations {
		if d.Err != nil {
			out = append(out, fmt.Sprintf("%s: %v", d.Destination, d.Err))
		}
		for _, s := range d.Streams {
			if s.Err != nil && s.Result != ResultCancelled {
				out = append(out, fmt.Sprintf("%s/%s: %v", d.Destination, s.Stream, s.Err))
			}
			for _, sk := range s.Skipped {
				out = append(out, fmt.Sprintf("%s/%s: skipped seq %d (%s): %s", d.Destination, s.Stream, sk.Seq, sk.Member, sk.Reason))
			}
		}
	}
	return out
}

// NeedsRetry reports whether a stream stopped short for a reason another
// pass over the same snapshot can clear. Credential rejections are left to
// the operator.
func (r *PassReport) NeedsRetry() bool {
	for _, d := range r.Destinations {
		if d.Err != nil {
			return true
		}
		for _, s := range d.Streams {
			switch s.Result {
			case ResultExhausted, ResultFailed:
				return true
			case ResultRejected:
				if !s.Auth {
					return true
				}
			}
		}
	}
	return false
}

// RetryAt returns when the next pass should run even if the snapshot is
// unchanged, or the zero time when no retry is needed.
func (r *PassReport) RetryAt(floor time.Duration) time.Time {
	if !r.NeedsRetry() {
		return time.Time{}
	}
	return r.Finished.Add(floor)
}

func (s *StreamReport) fail(result Result, err error) {
	s.Result = result
	s.Err = err
	if err != nil {
		s.Error = err.Error()
	}
}
