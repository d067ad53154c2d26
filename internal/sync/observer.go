package sync

import (
	"time"

	"github.com/dgnsrekt/guild-bridge/internal/destination"
	"github.com/dgnsrekt/guild-bridge/internal/snapshot"
)

// Event is emitted at every phase transition that involves the destination.
type Event struct {
	Time         time.Time       `json:"time"`
	SessionID    string          `json:"session_id"`
	Destination  string          `json:"destination"`
	Stream       snapshot.Stream `json:"stream"`
	Phase        Phase           `json:"phase"`
	Outcome      string          `json:"outcome,omitempty"`
	Status       int             `json:"status,omitempty"`
	FirstSeq     int64           `json:"first_seq,omitempty"`
	LastSeq      int64           `json:"last_seq,omitempty"`
	Items        int             `json:"items,omitempty"`
	BatchSize    int             `json:"batch_size,omitempty"`
	Attempt      int             `json:"attempt,omitempty"`
	Delay        time.Duration   `json:"delay,omitempty"`
	Latency      time.Duration   `json:"latency,omitempty"`
	PayloadBytes int             `json:"payload_bytes,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Observer receives orchestrator events. Implementations must not block.
type Observer interface {
	OnEvent(Event)
	OnPass(*PassReport)
}

type noopObserver struct{}

func (noopObserver) OnEvent(Event)      {}
func (noopObserver) OnPass(*PassReport) {}

func outcomeFields(e *Event, o destination.Outcome) {
	e.Outcome = o.Kind.String()
	e.Status = o.Status
	e.Latency = o.Latency
	e.PayloadBytes = o.PayloadBytes
	if o.Err != nil {
		e.Error = o.Err.Error()
	}
}
