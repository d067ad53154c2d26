// Package status exposes the health of the bridge: the outcome of the last
// uploads per destination over HTTP and a live event stream over websocket.
package status

import (
	"encoding/json"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/guild-bridge/internal/snapshot"
	"github.com/dgnsrekt/guild-bridge/internal/sync"
)

// StreamHealth is the last known state of one stream of a destination.
type StreamHealth struct {
	Phase     sync.Phase `json:"phase"`
	Cursor    int64      `json:"cursor"`
	BatchSize int        `json:"batch_size"`
	Result    string     `json:"result,omitempty"`
}

// DestinationHealth is the telemetry of one destination.
type DestinationHealth struct {
	LastUpload       time.Time                         `json:"last_upload,omitempty"`
	LastLatency      time.Duration                     `json:"last_latency"`
	LastPayloadBytes int                               `json:"last_payload_bytes"`
	LastError        string                            `json:"last_error,omitempty"`
	LastErrorAt      time.Time                         `json:"last_error_at,omitempty"`
	Streams          map[snapshot.Stream]*StreamHealth `json:"streams"`
}

// Snapshot is the document served on /status.
type Snapshot struct {
	StartedAt    time.Time                     `json:"started_at"`
	LastPass     *sync.PassReport              `json:"last_pass,omitempty"`
	Passes       int                           `json:"passes"`
	Subscribers  int                           `json:"subscribers"`
	Destinations map[string]*DestinationHealth `json:"destinations"`
}

// message is the websocket envelope.
type message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Tracker collects orchestrator events. It implements sync.Observer.
type Tracker struct {
	mu     gosync.RWMutex
	snap   Snapshot
	hub    *Hub
	logger *zap.Logger
}

// NewTracker creates a Tracker. hub may be nil when no websocket clients are
// served.
func NewTracker(hub *Hub, logger *zap.Logger) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartedAt:    time.Now().UTC(),
			Destinations: make(map[string]*DestinationHealth),
		},
		hub:    hub,
		logger: logger,
	}
}

// OnEvent records a phase transition and forwards it to websocket clients.
func (t *Tracker) OnEvent(e sync.Event) {
	t.mu.Lock()
	d := t.destination(e.Destination)
	st, ok := d.Streams[e.Stream]
	if !ok {
		st = &StreamHealth{}
		d.Streams[e.Stream] = st
	}
	st.Phase = e.Phase
	st.BatchSize = e.BatchSize

	if e.Phase == sync.PhaseSending {
		d.LastLatency = e.Latency
		d.LastPayloadBytes = e.PayloadBytes
		if e.Error != "" {
			d.LastError = e.Error
			d.LastErrorAt = e.Time
		}
	}
	if e.Phase == sync.PhaseAdvancingCursor {
		d.LastUpload = e.Time
		st.Cursor = e.LastSeq
	}
	t.mu.Unlock()

	t.publish("event", e)
}

// OnPass records the report of a finished pass.
func (t *Tracker) OnPass(r *sync.PassReport) {
	t.mu.Lock()
	t.snap.LastPass = r
	t.snap.Passes++
	for _, dr := range r.Destinations {
		d := t.destination(dr.Destination)
		if dr.Err != nil {
			d.LastError = dr.Err.Error()
			d.LastErrorAt = r.Finished
		}
		for _, sr := range dr.Streams {
			st, ok := d.Streams[sr.Stream]
			if !ok {
				st = &StreamHealth{}
				d.Streams[sr.Stream] = st
			}
			st.Phase = sync.PhaseIdle
			st.Cursor = sr.Cursor
			st.BatchSize = sr.BatchSize
			st.Result = string(sr.Result)
		}
	}
	t.mu.Unlock()

	t.publish("pass", r)
}

// Snapshot returns the current status as JSON.
func (t *Tracker) Snapshot() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := t.snap
	if t.hub != nil {
		snap.Subscribers = t.hub.ClientCount()
	}
	data, err := json.Marshal(message{Type: "status", Data: snap})
	if err != nil {
		t.logger.Warn("encoding status", zap.Error(err))
		return []byte(`{"type":"status"}`)
	}
	return data
}

// Healthy reports whether the last pass finished without problems.
func (t *Tracker) Healthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap.LastPass == nil || !t.snap.LastPass.Failed()
}

func (t *Tracker) destination(name string) *DestinationHealth {
	d, ok := t.snap.Destinations[name]
	if !ok {
		d = &DestinationHealth{Streams: make(map[snapshot.Stream]*StreamHealth)}
		t.snap.Destinations[name] = d
	}
	return d
}

func (t *Tracker) publish(kind string, data any) {
	if t.hub == nil {
		return
	}
	payload, err := json.Marshal(message{Type: kind, Data: data})
	if err != nil {
		t.logger.Warn("encoding status event", zap.Error(err))
		return
	}
	t.hub.Broadcast(payload)
}
