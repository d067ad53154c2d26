package destination

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// WebAPIOptions configures the web API adapter.
type WebAPIOptions struct {
	URL             string
	APIKey          string
	UploaderVersion string
	Timeout         time.Duration
	RatePerSecond   float64
	Compress        bool
	MaxPayloadBytes int
}

// WebAPI posts batches as JSON to the guild website.
type WebAPI struct {
	opts   WebAPIOptions
	poster *poster
	logger *zap.Logger
}

type webAPIPayload struct {
	UploaderVersion string     `json:"uploader_version"`
	SessionID       string     `json:"session_id"`
	Stream          string     `json:"stream"`
	ChunkIndex      int        `json:"chunk_index"`
	Items           []wireItem `json:"items"`
}

// NewWebAPI creates the web API adapter.
func NewWebAPI(opts WebAPIOptions, logger *zap.Logger) *WebAPI {
	logger = logger.With(zap.String("destination", "webapi"))
	return &WebAPI{
		opts:   opts,
		poster: newPoster(opts.Timeout, opts.RatePerSecond, opts.MaxPayloadBytes, logger),
		logger: logger,
	}
}

func (w *WebAPI) Name() string {
	return "webapi"
}

// Send posts one batch. A 2xx reply is accepted regardless of its body.
func (w *WebAPI) Send(ctx context.Context, b Batch) Outcome {
	raw, err := json.Marshal(webAPIPayload{
		UploaderVersion: w.opts.UploaderVersion,
		SessionID:       b.SessionID,
		Stream:          b.Stream.String(),
		ChunkIndex:      b.ChunkIndex,
		Items:           toWire(b.Items),
	})
	if err != nil {
		return Outcome{Kind: Permanent, Err: fmt.Errorf("%w: encoding batch: %v", ErrPermanentReject, err)}
	}

	req := request{
		url:     w.opts.URL,
		body:    raw,
		rawSize: len(raw),
		headers: map[string]string{"X-API-Key": w.opts.APIKey},
	}
	if w.opts.Compress {
		compressed, err := gzipBytes(raw)
		if err != nil {
			return Outcome{Kind: Permanent, Err: fmt.Errorf("%w: compressing batch: %v", ErrPermanentReject, err)}
		}
		req.body = compressed
		req.headers["Content-Encoding"] = "gzip"
	}

	o, _ := w.poster.post(ctx, req)
	return o
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
