// Package destination delivers batches to remote sinks and reports a
// classified Outcome for each send. Adapters hold no sync state.
package destination

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/guild-bridge/internal/diff"
	"github.com/dgnsrekt/guild-bridge/internal/snapshot"
)

// maxDetail bounds how much of an error response body ends up in messages.
const maxDetail = 200

// Batch is one unit of delivery.
type Batch struct {
	Stream     snapshot.Stream
	Items      []diff.Item
	SessionID  string
	ChunkIndex int
}

// Adapter sends batches to one destination.
type Adapter interface {
	Name() string
	Send(ctx context.Context, b Batch) Outcome
}

// wireItem is the JSON form of an item shared by both adapters.
type wireItem struct {
	Seq       int64          `json:"seq"`
	Member    string         `json:"member"`
	MemberKey string         `json:"member_key"`
	Fields    map[string]any `json:"fields,omitempty"`
}

func toWire(items []diff.Item) []wireItem {
	out := make([]wireItem, len(items))
	for i, it := range items {
		out[i] = wireItem{Seq: it.Seq, Member: it.Member, MemberKey: it.Key.String(), Fields: it.Fields}
	}
	return out
}

// poster is the HTTP plumbing shared by the adapters: a rate limiter, a
// bounded client and a client-side payload limit.
type poster struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	maxPayload int
	logger     *zap.Logger
}

func newPoster(timeout time.Duration, ratePerSec float64, maxPayload int, logger *zap.Logger) *poster {
	transport := &http.Transport{
		MaxIdleConns:    10,
		MaxConnsPerHost: 4,
		IdleConnTimeout: 90 * time.Second,
	}

	limit := rate.Inf
	burst := 1
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
		burst = max(1, int(ratePerSec*2))
	}

	return &poster{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		limiter:    rate.NewLimiter(limit, burst),
		maxPayload: maxPayload,
		logger:     logger,
	}
}

// request describes one POST. rawSize is the uncompressed payload size that
// the payload limit applies to.
type request struct {
	url     string
	body    []byte
	rawSize int
	headers map[string]string
}

// post sends one request and returns the classified outcome together with
// the response body of a 2xx reply.
func (p *poster) post(ctx context.Context, r request) (Outcome, []byte) {
	if p.maxPayload > 0 && r.rawSize > p.maxPayload {
		return Outcome{
			Kind:         TooLarge,
			Err:          fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrSizeRejected, r.rawSize, p.maxPayload),
			PayloadBytes: r.rawSize,
		}, nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return Classify(0, fmt.Errorf("rate limiter: %w", err), ""), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(r.body))
	if err != nil {
		return Outcome{Kind: Permanent, Err: fmt.Errorf("%w: creating request: %v", ErrPermanentReject, err)}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		o := Classify(0, err, "")
		o.Latency = time.Since(start)
		o.PayloadBytes = r.rawSize
		return o, nil
	}

	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	var o Outcome
	if readErr != nil {
		o = Classify(0, fmt.Errorf("reading response: %w", readErr), "")
	} else {
		o = Classify(resp.StatusCode, nil, detail(body))
	}
	o.Latency = time.Since(start)
	o.PayloadBytes = r.rawSize

	p.logger.Debug("batch posted",
		zap.String("url", r.url),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", r.rawSize),
		zap.Duration("latency", o.Latency),
		zap.Stringer("outcome", o.Kind),
	)
	if o.Auth() {
		p.logger.Error("destination refused credentials", zap.String("url", r.url), zap.Int("status", resp.StatusCode))
	}
	return o, body
}

func detail(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxDetail {
		s = s[:maxDetail] + "..."
	}
	return s
}
