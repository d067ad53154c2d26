package sync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/guild-bridge/internal/batch"
	"github.com/dgnsrekt/guild-bridge/internal/destination"
	"github.com/dgnsrekt/guild-bridge/internal/diff"
	"github.com/dgnsrekt/guild-bridge/internal/member"
	"github.com/dgnsrekt/guild-bridge/internal/snapshot"
	"github.com/dgnsrekt/guild-bridge/internal/state"
)

// fakeAdapter decides each outcome with a function and records every batch.
type fakeAdapter struct {
	name   string
	decide func(call int, b destination.Batch) destination.Kind

	mu      gosync.Mutex
	batches []destination.Batch
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Send(_ context.Context, b destination.Batch) destination.Outcome {
	f.mu.Lock()
	f.batches = append(f.batches, b)
	call := len(f.batches)
	f.mu.Unlock()

	kind := destination.Accepted
	if f.decide != nil {
		kind = f.decide(call, b)
	}
	switch kind {
	case destination.TooLarge:
		return destination.Outcome{Kind: kind, Status: 413, Err: fmt.Errorf("%w: status 413", destination.ErrSizeRejected)}
	case destination.Transient:
		return destination.Outcome{Kind: kind, Status: 503, Err: fmt.Errorf("%w: status 503", destination.ErrTransient)}
	case destination.Permanent:
		return destination.Outcome{Kind: kind, Status: 422, Err: fmt.Errorf("%w: status 422", destination.ErrPermanentReject)}
	}
	return destination.Outcome{Kind: destination.Accepted, Status: 200}
}

func (f *fakeAdapter) sizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.batches))
	for i, b := range f.batches {
		out[i] = len(b.Items)
	}
	return out
}

func (f *fakeAdapter) delivered() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for _, b := range f.batches {
		for _, it := range b.Items {
			out = append(out, it.Seq)
		}
	}
	return out
}

func contains(b destination.Batch, seq int64) bool {
	for _, it := range b.Items {
		if it.Seq == seq {
			return true
		}
	}
	return false
}

type recordedSleeps struct {
	mu     gosync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newOrchestrator(t *testing.T, sleeps *recordedSleeps) *Orchestrator {
	t.Helper()
	opts := Options{
		Batch:           batch.DefaultPolicy(),
		Retry:           DefaultRetry(),
		QuarantineAfter: 3,
	}
	o, err := New(diff.New(member.NewNormalizer("Orgrimmar")), opts, zap.NewNop(), WithSleep(sleeps.sleep))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return o
}

func openStore(t *testing.T, name string) *state.Store {
	t.Helper()
	s, err := state.Open(t.TempDir(), name, zap.NewNop())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func chat(from, to int64) *snapshot.Snapshot {
	snap := &snapshot.Snapshot{}
	for seq := from; seq <= to; seq++ {
		snap.Chat = append(snap.Chat, snapshot.Row{Seq: seq, Member: "Thrall", Fields: map[string]any{"n": seq}})
	}
	return snap
}

func chatTarget(a destination.Adapter, s Store) []Target {
	return []Target{{Adapter: a, Store: s, Streams: []snapshot.Stream{snapshot.StreamChat}}}
}

func TestChatTransientThenAccepted(t *testing.T) {
	sleeps := &recordedSleeps{}
	o := newOrchestrator(t, sleeps)
	store := openStore(t, "webapi")
	if err := store.Confirm(snapshot.StreamChat, state.Confirmation{LastSeq: 9, BatchSize: 10}); err != nil {
		t.Fatal(err)
	}

	adapter := &fakeAdapter{name: "webapi", decide: func(call int, _ destination.Batch) destination.Kind {
		if call <= 3 {
			return destination.Transient
		}
		return destination.Accepted
	}}

	report := o.Pass(context.Background(), chat(10, 25), chatTarget(adapter, store), PassOptions{})

	if c := store.Cursor(snapshot.StreamChat); c != 25 {
		t.Errorf("expected cursor 25, got %d", c)
	}
	if size := store.Stream(snapshot.StreamChat).BatchSize; size != 10 {
		t.Errorf("expected batch size 10, got %d", size)
	}
	want := []int{10, 10, 10, 10, 6}
	if got := adapter.sizes(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected sends %v, got %v", want, got)
	}
	wantDelays := []time.Duration{time.Second, 1600 * time.Millisecond, 2560 * time.Millisecond}
	if fmt.Sprint(sleeps.delays) != fmt.Sprint(wantDelays) {
		t.Errorf("expected delays %v, got %v", wantDelays, sleeps.delays)
	}
	if report.Failed() {
		t.Errorf("unexpected problems: %v", report.Problems())
	}
	if got := report.Destinations[0].Streams[0]; got.Result != ResultComplete || got.Sent != 16 || got.Pending != 16 {
		t.Errorf("unexpected stream report: %+v", got)
	}
}

func TestShrinkThenRecover(t *testing.T) {
	o := newOrchestrator(t, &recordedSleeps{})
	store := openStore(t, "webapi")

	adapter := &fakeAdapter{name: "webapi", decide: func(call int, _ destination.Batch) destination.Kind {
		if call == 1 {
			return destination.TooLarge
		}
		return destination.Accepted
	}}

	o.Pass(context.Background(), chat(1, 200), chatTarget(adapter, store), PassOptions{})

	want := []int{80, 40, 40, 40, 80}
	if got := adapter.sizes(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected sends %v, got %v", want, got)
	}
	if c := store.Cursor(snapshot.StreamChat); c != 200 {
		t.Errorf("expected cursor 200, got %d", c)
	}
	if size := store.Stream(snapshot.StreamChat).BatchSize; size != 80 {
		t.Errorf("expected size to recover to 80, got %d", size)
	}
}

func TestSizeRejectionPersistsShrunkSize(t *testing.T) {
	o := newOrchestrator(t, &recordedSleeps{})
	store := openStore(t, "webapi")

	adapter := &fakeAdapter{name: "webapi", decide: func(_ int, b destination.Batch) destination.Kind {
		if len(b.Items) > 40 {
			return destination.TooLarge
		}
		return destination.Transient
	}}

	o.Pass(context.Background(), chat(1, 100), chatTarget(adapter, store), PassOptions{})

	if size := store.Stream(snapshot.StreamChat).BatchSize; size != 40 {
		t.Errorf("expected persisted size 40, got %d", size)
	}
	if c := store.Cursor(snapshot.StreamChat); c != 0 {
		t.Errorf("cursor must not move without acceptance, got %d", c)
	}
}

func TestSkipAtFloor(t *testing.T) {
	o := newOrchestrator(t, &recordedSleeps{})
	store := openStore(t, "webapi")
	if err := store.SetBatchSize(snapshot.StreamChat, 4, 0); err != nil {
		t.Fatal(err)
	}

	adapter := &fakeAdapter{name: "webapi", decide: func(_ int, b destination.Batch) destination.Kind {
		if contains(b, 5) {
			return destination.TooLarge
		}
		return destination.Accepted
	}}

	report := o.Pass(context.Background(), chat(1, 10), chatTarget(adapter, store), PassOptions{})

	if c := store.Cursor(snapshot.StreamChat); c != 10 {
		t.Errorf("expected cursor 10, got %d", c)
	}
	st := store.Stream(snapshot.StreamChat)
	if len(st.Skipped) != 1 || st.Skipped[0].Seq != 5 || st.Skipped[0].Quarantined {
		t.Fatalf("expected seq 5 skipped as too large, got %+v", st.Skipped)
	}
	if !report.Failed() {
		t.Error("a skipped item must be reported")
	}
	if n := report.Skipped(); n != 1 {
		t.Errorf("expected 1 skipped item in report, got %d", n)
	}
}

func TestRetriesExhaustedLeaveCursor(t *testing.T) {
	sleeps := &recordedSleeps{}
	o := newOrchestrator(t, sleeps)
	store := openStore(t, "webapi")

	adapter := &fakeAdapter{name: "webapi", decide: func(int, destination.Batch) destination.Kind {
		return destination.Transient
	}}

	report := o.Pass(context.Background(), chat(1, 5), chatTarget(adapter, store), PassOptions{})

	if n := len(adapter.sizes()); n != 5 {
		t.Errorf("expected 5 attempts, got %d", n)
	}
	if len(sleeps.delays) != 4 {
		t.Errorf("expected 4 backoffs, got %d", len(sleeps.delays))
	}
	if c := store.Cursor(snapshot.StreamChat); c != 0 {
		t.Errorf("expected cursor 0, got %d", c)
	}
	if r := report.Destinations[0].Streams[0].Result; r != ResultExhausted {
		t.Errorf("expected %s, got %s", ResultExhausted, r)
	}
}

func TestPermanentRejectionIsQuarantinedAfterRepeats(t *testing.T) {
	o := newOrchestrator(t, &recordedSleeps{})
	store := openStore(t, "webapi")
	adapter := &fakeAdapter{name: "webapi", decide: func(_ int, b destination.Batch) destination.Kind {
		if contains(b, 3) {
			return destination.Permanent
		}
		return destination.Accepted
	}}
	snap := chat(1, 5)

	for pass := 1; pass <= 3; pass++ {
		report := o.Pass(context.Background(), snap, chatTarget(adapter, store), PassOptions{})
		if r := report.Destinations[0].Streams[0].Result; r != ResultRejected {
			t.Fatalf("pass %d: expected rejected, got %s", pass, r)
		}
		if c := store.Cursor(snapshot.StreamChat); c != 0 {
			t.Fatalf("pass %d: cursor moved to %d", pass, c)
		}
	}
	if rej := store.Stream(snapshot.StreamChat).Rejection; rej == nil || rej.Count != 3 {
		t.Fatalf("expected rejection count 3, got %+v", rej)
	}

	report := o.Pass(context.Background(), snap, chatTarget(adapter, store), PassOptions{})

	if c := store.Cursor(snapshot.StreamChat); c != 5 {
		t.Errorf("expected cursor 5 after isolation, got %d", c)
	}
	st := store.Stream(snapshot.StreamChat)
	if len(st.Skipped) != 1 || st.Skipped[0].Seq != 3 || !st.Skipped[0].Quarantined {
		t.Errorf("expected seq 3 quarantined, got %+v", st.Skipped)
	}
	if st.Rejection != nil {
		t.Errorf("expected rejection cleared, got %+v", st.Rejection)
	}
	if got := report.Destinations[0].Streams[0].Sent; got != 4 {
		t.Errorf("expected 4 items sent during isolation, got %d", got)
	}
}

func TestAuthFailureIsNeverQuarantined(t *testing.T) {
	o := newOrchestrator(t, &recordedSleeps{})
	store := openStore(t, "webapi")
	adapter := destination.Adapter(authFailAdapter{})

	for pass := 0; pass < 5; pass++ {
		report := o.Pass(context.Background(), chat(1, 3), chatTarget(adapter, store), PassOptions{})
		if !report.Destinations[0].Streams[0].Auth {
			t.Fatal("expected auth failure to be flagged")
		}
	}
	if st := store.Stream(snapshot.StreamChat); st.Cursor != 0 || len(st.Skipped) != 0 {
		t.Errorf("auth failures must not move the cursor, got %+v", st)
	}
}

type authFailAdapter struct{}

func (authFailAdapter) Name() string { return "webapi" }

func (authFailAdapter) Send(context.Context, destination.Batch) destination.Outcome {
	return destination.Classify(401, nil, "")
}

func TestIdempotentOnUnchangedSnapshot(t *testing.T) {
	o := newOrchestrator(t, &recordedSleeps{})
	store := openStore(t, "webapi")
	adapter := &fakeAdapter{name: "webapi"}
	snap := chat(1, 30)
	snap.Roster = []snapshot.Row{{Seq: 1, Member: "Thrall", Fields: map[string]any{"rank": "Warchief"}}}
	targets := []Target{{Adapter: adapter, Store: store, Streams: snapshot.AllStreams}}

	o.Pass(context.Background(), snap, targets, PassOptions{})
	first := len(adapter.sizes())

	report := o.Pass(context.Background(), snap, targets, PassOptions{})
	if n := len(adapter.sizes()); n != first {
		t.Errorf("second pass sent %d batches, expected none", n-first)
	}
	if report.Sent() != 0 {
		t.Errorf("expected nothing sent, got %d", report.Sent())
	}
}

func TestCompletenessAcrossGrowingSnapshots(t *testing.T) {
	o := newOrchestrator(t, &recordedSleeps{})
	store := openStore(t, "webapi")
	adapter := &fakeAdapter{name: "webapi"}

	o.Pass(context.Background(), chat(1, 10), chatTarget(adapter, store), PassOptions{})
	o.Pass(context.Background(), chat(1, 18), chatTarget(adapter, store), PassOptions{})

	seen := make(map[int64]int)
	for _, seq := range adapter.delivered() {
		seen[seq]++
	}
	for seq := int64(1); seq <= 18; seq++ {
		if seen[seq] != 1 {
			t.Errorf("seq %d delivered %d times", seq, seen[seq])
		}
	}
}

func TestRosterNormalizationAndFullResend(t *testing.T) {
	o := newOrchestrator(t, &recordedSleeps{})
	store := openStore(t, "sheets")
	adapter := &fakeAdapter{name: "sheets"}
	snap := &snapshot.Snapshot{Roster: []snapshot.Row{
		{Seq: 1, Member: "Thrall", Fields: map[string]any{"rank": "Warchief"}},
		{Seq: 2, Member: "Thrall-Orgrimmar", Fields: map[string]any{"rank": "Warchief"}},
	}}
	targets := []Target{{Adapter: adapter, Store: store, Streams: []snapshot.Stream{snapshot.StreamRoster}}}

	o.Pass(context.Background(), snap, targets, PassOptions{})
	if got := adapter.delivered(); len(got) != 1 {
		t.Fatalf("expected one roster row, got %v", got)
	}

	o.Pass(context.Background(), snap, targets, PassOptions{})
	if got := adapter.delivered(); len(got) != 1 {
		t.Fatalf("unchanged roster must not be resent, got %v", got)
	}

	o.Pass(context.Background(), snap, targets, PassOptions{FullRoster: true})
	if got := adapter.delivered(); len(got) != 2 {
		t.Errorf("full roster request must resend, got %v", got)
	}
}

func TestDestinationsAreIndependent(t *testing.T) {
	o := newOrchestrator(t, &recordedSleeps{})
	good := &fakeAdapter{name: "webapi"}
	bad := &fakeAdapter{name: "sheets", decide: func(int, destination.Batch) destination.Kind {
		return destination.Permanent
	}}
	goodStore, badStore := openStore(t, "webapi"), openStore(t, "sheets")
	targets := []Target{
		{Adapter: bad, Store: badStore, Streams: []snapshot.Stream{snapshot.StreamChat}},
		{Adapter: good, Store: goodStore, Streams: []snapshot.Stream{snapshot.StreamChat}},
	}

	report := o.Pass(context.Background(), chat(1, 20), targets, PassOptions{})

	if c := goodStore.Cursor(snapshot.StreamChat); c != 20 {
		t.Errorf("healthy destination should reach 20, got %d", c)
	}
	if c := badStore.Cursor(snapshot.StreamChat); c != 0 {
		t.Errorf("failing destination should stay at 0, got %d", c)
	}
	if !report.Failed() || len(report.Problems()) != 1 {
		t.Errorf("expected exactly one problem, got %v", report.Problems())
	}
}

func TestCancelledPassSendsNothing(t *testing.T) {
	o := newOrchestrator(t, &recordedSleeps{})
	store := openStore(t, "webapi")
	adapter := &fakeAdapter{name: "webapi"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := o.Pass(ctx, chat(1, 10), chatTarget(adapter, store), PassOptions{})

	if n := len(adapter.sizes()); n != 0 {
		t.Errorf("expected no sends, got %d", n)
	}
	if r := report.Destinations[0].Streams[0].Result; r != ResultCancelled {
		t.Errorf("expected cancelled, got %s", r)
	}
}

func TestCancelDuringSendKeepsAcceptedBatch(t *testing.T) {
	o := newOrchestrator(t, &recordedSleeps{})
	store := openStore(t, "webapi")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) == 1 {
			cancel()
			time.Sleep(200 * time.Millisecond)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	adapter := destination.NewWebAPI(destination.WebAPIOptions{
		URL:     server.URL,
		APIKey:  "secret",
		Timeout: 5 * time.Second,
	}, zap.NewNop())

	report := o.Pass(ctx, chat(1, 100), chatTarget(adapter, store), PassOptions{})

	if n := requests.Load(); n != 1 {
		t.Errorf("expected exactly one request, got %d", n)
	}
	if c := store.Cursor(snapshot.StreamChat); c != 80 {
		t.Errorf("expected cursor 80 after the in-flight batch completed, got %d", c)
	}
	got := report.Destinations[0].Streams[0]
	if got.Result != ResultCancelled {
		t.Errorf("expected cancelled before the next batch, got %s", got.Result)
	}
	if got.Sent != 80 {
		t.Errorf("expected 80 items sent, got %d", got.Sent)
	}
}

func TestShrinkHalvesBatchSizeNotRemainder(t *testing.T) {
	o := newOrchestrator(t, &recordedSleeps{})
	store := openStore(t, "webapi")
	if err := store.SetBatchSize(snapshot.StreamChat, 10, 0); err != nil {
		t.Fatal(err)
	}

	adapter := &fakeAdapter{name: "webapi", decide: func(call int, _ destination.Batch) destination.Kind {
		if call == 2 {
			return destination.TooLarge
		}
		return destination.Accepted
	}}

	o.Pass(context.Background(), chat(1, 16), chatTarget(adapter, store), PassOptions{})

	want := []int{10, 6, 5, 1}
	if got := adapter.sizes(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected sends %v, got %v", want, got)
	}
	if size := store.Stream(snapshot.StreamChat).BatchSize; size != 5 {
		t.Errorf("expected persisted size 5, got %d", size)
	}
	if c := store.Cursor(snapshot.StreamChat); c != 16 {
		t.Errorf("expected cursor 16, got %d", c)
	}
}

func TestShrinkProbesSingleItemWhenRemainderIsShort(t *testing.T) {
	o := newOrchestrator(t, &recordedSleeps{})
	store := openStore(t, "webapi")
	if err := store.SetBatchSize(snapshot.StreamChat, 10, 0); err != nil {
		t.Fatal(err)
	}

	adapter := &fakeAdapter{name: "webapi", decide: func(call int, _ destination.Batch) destination.Kind {
		if call == 1 {
			return destination.TooLarge
		}
		return destination.Accepted
	}}

	o.Pass(context.Background(), chat(1, 3), chatTarget(adapter, store), PassOptions{})

	want := []int{3, 1, 2}
	if got := adapter.sizes(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected sends %v, got %v", want, got)
	}
	if size := store.Stream(snapshot.StreamChat).BatchSize; size != 5 {
		t.Errorf("expected persisted size 5, got %d", size)
	}
}

func TestPreview(t *testing.T) {
	o := newOrchestrator(t, &recordedSleeps{})
	store := openStore(t, "webapi")
	if err := store.Confirm(snapshot.StreamChat, state.Confirmation{LastSeq: 4, BatchSize: 10}); err != nil {
		t.Fatal(err)
	}
	adapter := &fakeAdapter{name: "webapi"}

	counts, err := o.Preview(chat(1, 10), chatTarget(adapter, store))
	if err != nil {
		t.Fatal(err)
	}
	if got := counts["webapi"][snapshot.StreamChat]; got != 6 {
		t.Errorf("expected 6 pending, got %d", got)
	}
	if len(adapter.sizes()) != 0 {
		t.Error("preview must not send")
	}
}

func TestRetryDelay(t *testing.T) {
	r := DefaultRetry()
	tests := map[int]time.Duration{
		1: time.Second,
		2: 1600 * time.Millisecond,
		3: 2560 * time.Millisecond,
		9: 20 * time.Second,
	}
	for attempt, want := range tests {
		if got := r.Delay(attempt); got != want {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestSessionIDFormat(t *testing.T) {
	id := NewSessionID(time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC))
	if !regexp.MustCompile(`^20250304050607-[0-9a-f]{6}$`).MatchString(id) {
		t.Errorf("unexpected session id %q", id)
	}
}

func TestEveryBatchCarriesSessionID(t *testing.T) {
	o := newOrchestrator(t, &recordedSleeps{})
	store := openStore(t, "webapi")
	adapter := &fakeAdapter{name: "webapi"}

	report := o.Pass(context.Background(), chat(1, 200), chatTarget(adapter, store), PassOptions{})

	for i, b := range adapter.batches {
		if b.SessionID != report.SessionID {
			t.Errorf("batch %d has session %q, want %q", i, b.SessionID, report.SessionID)
		}
		if b.ChunkIndex != i {
			t.Errorf("batch %d has chunk index %d", i, b.ChunkIndex)
		}
	}
	if store.Document().LastSessionID != report.SessionID {
		t.Error("session id should be persisted")
	}
}
