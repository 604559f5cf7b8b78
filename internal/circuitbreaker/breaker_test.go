package circuitbreaker

import (
	"testing"
	"time"
)

func TestAllow_NewKeyIsClosed(t *testing.T) {
	b := New(3, time.Second)
	if !b.Allow("deposits") {
		t.Fatal("unknown key should be allowed")
	}
	if b.State("deposits") != StateClosed {
		t.Fatalf("expected closed, got %v", b.State("deposits"))
	}
}

func TestTripsAtThreshold(t *testing.T) {
	b := New(3, time.Second)

	b.RecordFailure("deposits")
	b.RecordFailure("deposits")
	if !b.Allow("deposits") {
		t.Fatal("below threshold should still allow")
	}

	b.RecordFailure("deposits")
	if b.Allow("deposits") {
		t.Fatal("at threshold the circuit should be open")
	}
}

func TestHalfOpenProbeAfterOpenWindow(t *testing.T) {
	b := New(2, 40*time.Millisecond)

	b.RecordFailure("deposits")
	b.RecordFailure("deposits")
	if b.Allow("deposits") {
		t.Fatal("circuit should be open")
	}

	time.Sleep(50 * time.Millisecond)

	if !b.Allow("deposits") {
		t.Fatal("expired open circuit should admit one probe")
	}
	if b.State("deposits") != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State("deposits"))
	}
	if b.Allow("deposits") {
		t.Fatal("only one probe may be in flight")
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	b := New(2, 40*time.Millisecond)

	b.RecordFailure("deposits")
	b.RecordFailure("deposits")
	time.Sleep(50 * time.Millisecond)
	b.Allow("deposits")

	b.RecordSuccess("deposits")
	if b.State("deposits") != StateClosed {
		t.Fatalf("expected closed after probe success, got %v", b.State("deposits"))
	}
	if !b.Allow("deposits") {
		t.Fatal("recovered circuit should allow traffic")
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b := New(2, 40*time.Millisecond)

	b.RecordFailure("deposits")
	b.RecordFailure("deposits")
	time.Sleep(50 * time.Millisecond)
	b.Allow("deposits")

	b.RecordFailure("deposits")
	if b.State("deposits") != StateOpen {
		t.Fatalf("expected reopened circuit, got %v", b.State("deposits"))
	}
}

func TestSuccessResetsStreak(t *testing.T) {
	b := New(3, time.Second)

	b.RecordFailure("deposits")
	b.RecordFailure("deposits")
	b.RecordSuccess("deposits")
	b.RecordFailure("deposits")

	if !b.Allow("deposits") {
		t.Fatal("streak was reset, circuit should stay closed")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	b := New(2, time.Second)

	b.RecordFailure("deposits")
	b.RecordFailure("deposits")

	if b.Allow("deposits") {
		t.Fatal("deposits circuit should be open")
	}
	if !b.Allow("refunds") {
		t.Fatal("refunds circuit should be unaffected")
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(42):     "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
