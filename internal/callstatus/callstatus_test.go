package callstatus

import (
	"testing"
	"time"
)

func TestDefaultIsComplete(t *testing.T) {
	d := Default()
	if d.Kind != Complete {
		t.Fatalf("expected default kind %q, got %q", Complete, d.Kind)
	}
	if d.RetryCount != 0 || d.NextWaitSeconds != 0 {
		t.Fatalf("expected zeroed retry state, got %+v", d)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if got := store.Get("unknown"); got.Kind != Complete {
		t.Fatalf("expected Default() for unknown peer, got %+v", got)
	}

	want := CallStatus{
		Kind:            Failed,
		LastAttemptTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		RetryCount:      1,
		NextWaitSeconds: 600,
	}
	if err := store.Set("bravo", want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got := store.Get("bravo")
	if got.Kind != want.Kind || got.RetryCount != want.RetryCount || got.NextWaitSeconds != want.NextWaitSeconds {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestReadyAtRetryGate(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cs := CallStatus{Kind: Failed, LastAttemptTime: t0, RetryCount: 1, NextWaitSeconds: 600}

	ready := cs.ReadyAt()
	if !ready.Equal(t0.Add(600 * time.Second)) {
		t.Fatalf("ReadyAt = %v, want %v", ready, t0.Add(600*time.Second))
	}

	complete := CallStatus{Kind: Complete, LastAttemptTime: t0, NextWaitSeconds: 600}
	if !complete.ReadyAt().IsZero() {
		t.Fatalf("expected Complete status to ignore back-off, got %v", complete.ReadyAt())
	}
}
