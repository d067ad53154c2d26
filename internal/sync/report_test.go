package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgnsrekt/guild-bridge/internal/destination"
)

func TestNeedsRetry(t *testing.T) {
	tests := []struct {
		name   string
		stream StreamReport
		want   bool
	}{
		{"complete", StreamReport{Result: ResultComplete}, false},
		{"cancelled", StreamReport{Result: ResultCancelled}, false},
		{"exhausted", StreamReport{Result: ResultExhausted}, true},
		{"rejected", StreamReport{Result: ResultRejected}, true},
		{"auth rejected", StreamReport{Result: ResultRejected, Auth: true}, false},
		{"store failure", StreamReport{Result: ResultFailed}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &PassReport{Destinations: []DestinationReport{{Destination: "webapi", Streams: []StreamReport{tt.stream}}}}
			if got := r.NeedsRetry(); got != tt.want {
				t.Errorf("NeedsRetry() = %v, want %v", got, tt.want)
			}
		})
	}

	r := &PassReport{Destinations: []DestinationReport{{Destination: "sheets", Err: errors.New("store write failed")}}}
	if !r.NeedsRetry() {
		t.Error("a destination level error should be retried")
	}
}

func TestRetryAt(t *testing.T) {
	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ok := &PassReport{Finished: finished, Destinations: []DestinationReport{{Streams: []StreamReport{{Result: ResultComplete}}}}}
	if at := ok.RetryAt(20 * time.Second); !at.IsZero() {
		t.Errorf("expected no retry, got %v", at)
	}

	failed := &PassReport{Finished: finished, Destinations: []DestinationReport{{Streams: []StreamReport{{Result: ResultExhausted}}}}}
	if at := failed.RetryAt(20 * time.Second); !at.Equal(finished.Add(20 * time.Second)) {
		t.Errorf("expected retry at %v, got %v", finished.Add(20*time.Second), at)
	}
}

func TestExhaustedPassAsksForRetry(t *testing.T) {
	o := newOrchestrator(t, &recordedSleeps{})
	store := openStore(t, "webapi")
	adapter := &fakeAdapter{name: "webapi", decide: func(int, destination.Batch) destination.Kind {
		return destination.Transient
	}}

	report := o.Pass(context.Background(), chat(1, 5), chatTarget(adapter, store), PassOptions{})
	if !report.NeedsRetry() {
		t.Fatal("exhausted retries should ask for another pass")
	}

	authReport := o.Pass(context.Background(), chat(1, 5), chatTarget(authFailAdapter{}, openStore(t, "webapi")), PassOptions{})
	if authReport.NeedsRetry() {
		t.Error("a credential rejection should not be retried automatically")
	}
}
