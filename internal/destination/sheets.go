package destination

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/guild-bridge/internal/snapshot"
)

// Error codes a spreadsheet web app may return inside a 200 response.
const (
	sheetsCodeTooLarge = "payload_too_large"
	sheetsCodeBusy     = "busy"
)

// SheetsOptions configures the spreadsheet adapter.
type SheetsOptions struct {
	URL             string
	Token           string
	SheetNames      map[snapshot.Stream]string
	Timeout         time.Duration
	RatePerSecond   float64
	MaxPayloadBytes int
}

// Sheets writes batches to a spreadsheet through its web-app endpoint. The
// roster is upserted by member key; the log streams are appended.
type Sheets struct {
	opts   SheetsOptions
	poster *poster
	logger *zap.Logger
}

type sheetsPayload struct {
	Mode      string     `json:"mode"`
	Sheet     string     `json:"sheet"`
	KeyColumn string     `json:"key_column,omitempty"`
	SessionID string     `json:"session_id"`
	Rows      []wireItem `json:"rows"`
}

type sheetsReply struct {
	OK    *bool  `json:"ok"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewSheets creates the spreadsheet adapter.
func NewSheets(opts SheetsOptions, logger *zap.Logger) *Sheets {
	logger = logger.With(zap.String("destination", "sheets"))
	return &Sheets{
		opts:   opts,
		poster: newPoster(opts.Timeout, opts.RatePerSecond, opts.MaxPayloadBytes, logger),
		logger: logger,
	}
}

func (s *Sheets) Name() string {
	return "sheets"
}

// SheetName returns the sheet a stream is written to.
func (s *Sheets) SheetName(stream snapshot.Stream) string {
	if name, ok := s.opts.SheetNames[stream]; ok && name != "" {
		return name
	}
	return stream.String()
}

func (s *Sheets) Send(ctx context.Context, b Batch) Outcome {
	payload := sheetsPayload{
		Mode:      "append",
		Sheet:     s.SheetName(b.Stream),
		SessionID: b.SessionID,
		Rows:      toWire(b.Items),
	}
	if !b.Stream.AppendOnly() {
		payload.Mode = "upsert"
		payload.KeyColumn = "member_key"
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Outcome{Kind: Permanent, Err: fmt.Errorf("%w: encoding batch: %v", ErrPermanentReject, err)}
	}

	o, body := s.poster.post(ctx, request{
		url:     s.opts.URL,
		body:    raw,
		rawSize: len(raw),
		headers: map[string]string{"Authorization": "Bearer " + s.opts.Token},
	})
	if o.Kind != Accepted {
		return o
	}
	return s.inspect(o, body)
}

// inspect looks inside a 2xx reply: web apps report script errors with a 200
// status and {"ok": false}.
func (s *Sheets) inspect(o Outcome, body []byte) Outcome {
	var reply sheetsReply
	if len(body) == 0 || json.Unmarshal(body, &reply) != nil || reply.OK == nil || *reply.OK {
		return o
	}

	msg := reply.Error
	if msg == "" {
		msg = "unspecified error"
	}
	code := reply.Code
	if code == "" {
		code = reply.Error
	}

	switch code {
	case sheetsCodeTooLarge:
		o.Kind = TooLarge
		o.Err = fmt.Errorf("%w: %s", ErrSizeRejected, msg)
	case sheetsCodeBusy:
		o.Kind = Transient
		o.Err = fmt.Errorf("%w: %s", ErrTransient, msg)
	default:
		o.Kind = Permanent
		o.Err = fmt.Errorf("%w: %s", ErrPermanentReject, msg)
	}
	s.logger.Warn("spreadsheet reported an error", zap.String("error", msg), zap.Stringer("outcome", o.Kind))
	return o
}
