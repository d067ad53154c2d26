// Package sync drives incremental delivery of snapshot rows to destinations.
// Each (destination, stream) pair runs an explicit phase loop that reads
// pending items, sends them in adaptive batches and advances the persisted
// cursor only after the destination accepted a batch.
package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/guild-bridge/internal/batch"
	"github.com/dgnsrekt/guild-bridge/internal/destination"
	"github.com/dgnsrekt/guild-bridge/internal/diff"
	"github.com/dgnsrekt/guild-bridge/internal/member"
	"github.com/dgnsrekt/guild-bridge/internal/snapshot"
	"github.com/dgnsrekt/guild-bridge/internal/state"
)

// Store is the persisted state a pass reads and commits to.
type Store interface {
	diff.View
	Stream(stream snapshot.Stream) state.StreamState
	Confirm(stream snapshot.Stream, c state.Confirmation) error
	SetBatchSize(stream snapshot.Stream, size, consecutive int) error
	Skip(stream snapshot.Stream, item state.SkippedItem, fingerprint *uint64) error
	RecordRejection(stream snapshot.Stream, first, last int64, reason string) (int, error)
	SetSession(id string) error
	ResetRoster() error
}

// Target pairs a destination with its own state and the streams it takes.
type Target struct {
	Adapter destination.Adapter
	Store   Store
	Streams []snapshot.Stream
}

// Options configures the orchestrator.
type Options struct {
	Batch           batch.Policy
	StreamTargets   map[snapshot.Stream]int
	Retry           Retry
	QuarantineAfter int
}

// Validate checks the options.
func (o Options) Validate() error {
	if err := o.Batch.Validate(); err != nil {
		return err
	}
	if err := o.Retry.Validate(); err != nil {
		return err
	}
	if o.QuarantineAfter < 0 {
		return fmt.Errorf("quarantine_after must not be negative, got %d", o.QuarantineAfter)
	}
	return nil
}

// Orchestrator runs synchronization passes.
type Orchestrator struct {
	differ    *diff.Differ
	opts      Options
	observer  Observer
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	sessionID func(time.Time) string
	logger    *zap.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithObserver sets the event observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

// New creates an Orchestrator.
func New(differ *diff.Differ, opts Options, logger *zap.Logger, options ...Option) (*Orchestrator, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync options: %w", err)
	}
	o := &Orchestrator{
		differ:    differ,
		opts:      opts,
		observer:  noopObserver{},
		sleep:     sleepContext,
		now:       time.Now,
		sessionID: NewSessionID,
		logger:    logger,
	}
	for _, opt := range options {
		opt(o)
	}
	return o, nil
}

// NewSessionID returns an id of the form YYYYMMDDHHMMSS-<6 hex>.
func NewSessionID(t time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return t.UTC().Format("20060102150405") + "-" + suffix
}

// PassOptions tweaks a single pass.
type PassOptions struct {
	FullRoster bool
}

// Pass synchronizes snap to every target. Targets run concurrently and never
// affect each other; a failure is reported, never returned.
func (o *Orchestrator) Pass(ctx context.Context, snap *snapshot.Snapshot, targets []Target, po PassOptions) *PassReport {
	started := o.now()
	report := &PassReport{
		SessionID:    o.sessionID(started),
		Started:      started,
		Destinations: make([]DestinationReport, len(targets)),
	}

	o.logger.Info("sync pass starting",
		zap.String("session_id", report.SessionID),
		zap.Int("destinations", len(targets)),
		zap.Int("rows", snap.Len()),
		zap.Bool("full_roster", po.FullRoster),
	)

	var g errgroup.Group
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			report.Destinations[i] = o.syncDestination(ctx, snap, t, report.SessionID, po)
			return nil
		})
	}
	_ = g.Wait()

	report.Finished = o.now()
	o.logger.Info("sync pass finished",
		zap.String("session_id", report.SessionID),
		zap.Int("sent", report.Sent()),
		zap.Int("skipped", report.Skipped()),
		zap.Bool("failed", report.Failed()),
		zap.Duration("duration", report.Finished.Sub(report.Started)),
	)
	o.observer.OnPass(report)
	return report
}

// Preview returns the number of pending items per destination and stream
// without sending anything.
func (o *Orchestrator) Preview(snap *snapshot.Snapshot, targets []Target) (map[string]map[snapshot.Stream]int, error) {
	out := make(map[string]map[snapshot.Stream]int, len(targets))
	for _, t := range targets {
		all, err := o.differ.All(snap, t.Streams, t.Store)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.Adapter.Name(), err)
		}
		counts := make(map[snapshot.Stream]int, len(all))
		for stream, items := range all {
			counts[stream] = len(items)
		}
		out[t.Adapter.Name()] = counts
	}
	return out, nil
}

func (o *Orchestrator) syncDestination(ctx context.Context, snap *snapshot.Snapshot, t Target, sessionID string, po PassOptions) DestinationReport {
	start := o.now()
	name := t.Adapter.Name()
	rep := DestinationReport{Destination: name}
	logger := o.logger.With(zap.String("destination", name), zap.String("session_id", sessionID))

	if err := t.Store.SetSession(sessionID); err != nil {
		rep.Err = fmt.Errorf("recording session: %w", err)
		rep.Error = rep.Err.Error()
		logger.Error("cannot persist state, skipping destination", zap.Error(err))
		return rep
	}
	if po.FullRoster {
		if err := t.Store.ResetRoster(); err != nil {
			rep.Err = fmt.Errorf("resetting roster: %w", err)
			rep.Error = rep.Err.Error()
			return rep
		}
		logger.Info("full roster resend requested")
	}

	for _, stream := range t.Streams {
		if ctx.Err() != nil {
			rep.Streams = append(rep.Streams, StreamReport{Stream: stream, Result: ResultCancelled})
			continue
		}
		run := &streamRun{
			o:         o,
			target:    t,
			stream:    stream,
			snap:      snap,
			sessionID: sessionID,
			policy:    o.opts.Batch.WithTarget(o.opts.StreamTargets[stream]),
			logger:    logger.With(zap.Stringer("stream", stream)),
		}
		rep.Streams = append(rep.Streams, run.execute(ctx))
	}

	rep.Duration = o.now().Sub(start)
	return rep
}

// streamRun is the state of one (destination, stream) phase loop.
type streamRun struct {
	o         *Orchestrator
	target    Target
	stream    snapshot.Stream
	snap      *snapshot.Snapshot
	sessionID string
	policy    batch.Policy
	logger    *zap.Logger

	report      StreamReport
	size        int
	consecutive int
	chunk       int
	current     []diff.Item
	attempt     int
	isolating   bool
	last        destination.Outcome
}

func (r *streamRun) execute(ctx context.Context) StreamReport {
	st := r.target.Store.Stream(r.stream)
	r.size = r.policy.Clamp(st.BatchSize)
	r.consecutive = st.ConsecutiveAccepted
	r.report = StreamReport{Stream: r.stream, Result: ResultComplete}

	phase := PhaseFetchingPending
	for phase != PhaseDone {
		phase = r.step(ctx, phase)
	}

	r.report.Cursor = r.target.Store.Cursor(r.stream)
	r.report.BatchSize = r.size
	return r.report
}

func (r *streamRun) step(ctx context.Context, phase Phase) Phase {
	switch phase {
	case PhaseFetchingPending:
		return r.fetch(ctx)
	case PhaseSending:
		return r.send(ctx)
	case PhaseAdvancingCursor:
		return r.advance()
	case PhaseShrinking:
		return r.shrink()
	case PhaseBackingOff:
		return r.backoff(ctx)
	case PhaseSkippingItem:
		return r.skip()
	}
	return PhaseDone
}

func (r *streamRun) fetch(ctx context.Context) Phase {
	// Cancellation is only honoured between batches.
	if err := ctx.Err(); err != nil {
		r.report.fail(ResultCancelled, err)
		return PhaseDone
	}

	pending, err := r.o.differ.Pending(r.snap, r.stream, r.target.Store)
	if err != nil {
		r.report.fail(ResultFailed, fmt.Errorf("computing pending items: %w", err))
		r.logger.Error("cannot compute pending items", zap.Error(err))
		return PhaseDone
	}
	if r.report.Batches == 0 && len(r.report.Skipped) == 0 {
		r.report.Pending = len(pending)
	}
	if len(pending) == 0 {
		return PhaseDone
	}

	r.isolating = r.shouldIsolate(pending[0])
	size := r.size
	if r.isolating {
		size = 1
	}
	r.current, _ = batch.Next(pending, size)
	r.attempt = 0
	return PhaseSending
}

// shouldIsolate reports whether the next item lies in a range the
// destination has rejected often enough to be sent one item at a time.
func (r *streamRun) shouldIsolate(next diff.Item) bool {
	if r.o.opts.QuarantineAfter <= 0 {
		return false
	}
	rej := r.target.Store.Stream(r.stream).Rejection
	return rej != nil && rej.Count >= r.o.opts.QuarantineAfter && next.Seq <= rej.LastSeq
}

func (r *streamRun) send(ctx context.Context) Phase {
	r.attempt++
	b := destination.Batch{
		Stream:     r.stream,
		Items:      r.current,
		SessionID:  r.sessionID,
		ChunkIndex: r.chunk,
	}
	// A send in flight always completes; the adapter's own timeout bounds it.
	out := r.target.Adapter.Send(context.WithoutCancel(ctx), b)
	r.last = out
	r.emit(PhaseSending, func(e *Event) { outcomeFields(e, out) })

	switch out.Kind {
	case destination.Accepted:
		return PhaseAdvancingCursor
	case destination.TooLarge:
		return PhaseShrinking
	case destination.Transient:
		return PhaseBackingOff
	}
	return r.permanent(out)
}

func (r *streamRun) advance() Phase {
	r.consecutive++
	r.chunk++
	if next, grew := r.policy.Grow(r.size, r.consecutive); grew {
		r.logger.Debug("batch size grown", zap.Int("from", r.size), zap.Int("to", next))
		r.size = next
		r.consecutive = 0
	}

	c := state.Confirmation{
		LastSeq:             diff.LastSeq(r.current),
		BatchSize:           r.size,
		ConsecutiveAccepted: r.consecutive,
	}
	if !r.stream.AppendOnly() {
		c.Fingerprints = make(map[member.Key]uint64, len(r.current))
		for _, it := range r.current {
			c.Fingerprints[it.Key] = it.Fingerprint
		}
	}
	if err := r.target.Store.Confirm(r.stream, c); err != nil {
		r.report.fail(ResultFailed, fmt.Errorf("persisting cursor: %w", err))
		r.logger.Error("accepted batch could not be persisted; it will be resent", zap.Error(err))
		return PhaseDone
	}

	r.report.Sent += len(r.current)
	r.report.Batches++
	r.emit(PhaseAdvancingCursor, nil)
	r.logger.Debug("batch accepted",
		zap.Int64("cursor", c.LastSeq),
		zap.Int("items", len(r.current)),
		zap.Int("batch_size", r.size),
		zap.Int("attempt", r.attempt),
	)
	return PhaseFetchingPending
}

func (r *streamRun) shrink() Phase {
	r.consecutive = 0
	if len(r.current) == 1 {
		return PhaseSkippingItem
	}

	from := r.size
	r.size = r.policy.Shrink(r.size)
	next := min(r.size, len(r.current))
	if next == len(r.current) {
		// The shrunk size still covers the rejected remainder: probe one item.
		next = 1
	}
	if err := r.target.Store.SetBatchSize(r.stream, r.size, 0); err != nil {
		r.logger.Warn("failed to persist batch size", zap.Error(err))
	}

	r.logger.Info("batch too large, shrinking",
		zap.Int("from", from),
		zap.Int("to", r.size),
		zap.Int("items", next),
	)
	r.current = r.current[:next]
	r.attempt = 0
	r.emit(PhaseShrinking, nil)
	return PhaseSending
}

func (r *streamRun) backoff(ctx context.Context) Phase {
	r.consecutive = 0
	if r.attempt >= r.o.opts.Retry.MaxAttempts {
		r.report.fail(ResultExhausted, fmt.Errorf("giving up after %d attempts: %w", r.attempt, r.last.Err))
		r.logger.Warn("retries exhausted, stream stays at its cursor",
			zap.Int("attempts", r.attempt),
			zap.Error(r.last.Err),
		)
		return PhaseDone
	}

	delay := r.o.opts.Retry.Delay(r.attempt)
	r.emit(PhaseBackingOff, func(e *Event) { e.Delay = delay })
	r.logger.Info("transient failure, backing off",
		zap.Int("attempt", r.attempt),
		zap.Duration("delay", delay),
		zap.Error(r.last.Err),
	)
	if err := r.o.sleep(ctx, delay); err != nil {
		r.report.fail(ResultCancelled, err)
		return PhaseDone
	}
	return PhaseSending
}

// permanent handles a refused batch. Inside an isolated range a single
// refused item is quarantined; otherwise the stream stops and the rejection
// is counted.
func (r *streamRun) permanent(out destination.Outcome) Phase {
	if out.Auth() {
		r.report.Auth = true
		r.report.fail(ResultRejected, out.Err)
		r.logger.Error("destination rejected credentials", zap.Int("status", out.Status), zap.Error(out.Err))
		return PhaseDone
	}
	if r.isolating && len(r.current) == 1 {
		return PhaseSkippingItem
	}

	first, last := r.current[0].Seq, diff.LastSeq(r.current)
	count, err := r.target.Store.RecordRejection(r.stream, first, last, out.Reason())
	if err != nil {
		r.logger.Warn("failed to record rejection", zap.Error(err))
	}
	r.report.fail(ResultRejected, out.Err)
	r.logger.Error("batch permanently rejected",
		zap.Int64("first_seq", first),
		zap.Int64("last_seq", last),
		zap.Int("status", out.Status),
		zap.Int("rejections", count),
		zap.Error(out.Err),
	)
	if q := r.o.opts.QuarantineAfter; q > 0 && count >= q {
		r.logger.Warn("range will be isolated on the next pass", zap.Int("rejections", count))
	}
	return PhaseDone
}

func (r *streamRun) skip() Phase {
	it := r.current[0]
	item := state.SkippedItem{
		Seq:         it.Seq,
		Member:      it.Key,
		Reason:      r.last.Reason(),
		Quarantined: r.last.Kind == destination.Permanent,
	}
	var fp *uint64
	if !r.stream.AppendOnly() {
		fp = &it.Fingerprint
	}

	if err := r.target.Store.Skip(r.stream, item, fp); err != nil {
		r.report.fail(ResultFailed, fmt.Errorf("persisting skip: %w", err))
		r.logger.Error("failed to persist skipped item", zap.Error(err))
		return PhaseDone
	}

	r.report.Skipped = append(r.report.Skipped, item)
	r.emit(PhaseSkippingItem, func(e *Event) { outcomeFields(e, r.last) })
	r.logger.Error("item skipped",
		zap.Int64("seq", it.Seq),
		zap.String("member", it.Key.String()),
		zap.Bool("quarantined", item.Quarantined),
		zap.String("reason", item.Reason),
	)
	return PhaseFetchingPending
}

func (r *streamRun) emit(phase Phase, fill func(*Event)) {
	e := Event{
		Time:        r.o.now(),
		SessionID:   r.sessionID,
		Destination: r.target.Adapter.Name(),
		Stream:      r.stream,
		Phase:       phase,
		Items:       len(r.current),
		BatchSize:   r.size,
		Attempt:     r.attempt,
	}
	if len(r.current) > 0 {
		e.FirstSeq = r.current[0].Seq
		e.LastSeq = diff.LastSeq(r.current)
	}
	if fill != nil {
		fill(&e)
	}
	r.o.observer.OnEvent(e)
}
