package circuitbreaker

import (
	"testing"
	"time"
)

func TestOpensAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !b.Allow("feed") {
			t.Fatalf("rejected while closed at failure %d", i)
		}
		b.RecordFailure("feed")
	}

	if b.State("feed") != StateOpen {
		t.Fatalf("state = %s, want open", b.State("feed"))
	}
	if b.Allow("feed") {
		t.Error("open circuit allowed a request")
	}
}

func TestHalfOpenProbeAndRecovery(t *testing.T) {
	b := New(2, 20*time.Millisecond)

	b.RecordFailure("feed")
	b.RecordFailure("feed")
	if b.State("feed") != StateOpen {
		t.Fatal("circuit did not open")
	}

	time.Sleep(30 * time.Millisecond)
	if !b.Allow("feed") {
		t.Fatal("probe not allowed after open duration")
	}
	if b.State("feed") != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State("feed"))
	}
	if b.Allow("feed") {
		t.Error("second probe allowed while first in flight")
	}

	b.RecordSuccess("feed")
	if b.State("feed") != StateClosed {
		t.Errorf("state after successful probe = %s, want closed", b.State("feed"))
	}
	if !b.Allow("feed") {
		t.Error("closed circuit rejected a request")
	}
}

func TestFailedProbeReopens(t *testing.T) {
	b := New(1, 20*time.Millisecond)

	b.RecordFailure("feed")
	time.Sleep(30 * time.Millisecond)
	b.Allow("feed") // transition to half-open
	b.RecordFailure("feed")

	if b.State("feed") != StateOpen {
		t.Errorf("state after failed probe = %s, want open", b.State("feed"))
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure("feed")
	b.RecordFailure("feed")
	b.RecordSuccess("feed")
	b.RecordFailure("feed")
	b.RecordFailure("feed")

	if b.State("feed") != StateClosed {
		t.Error("non-consecutive failures tripped the circuit")
	}
}

func TestKeysIsolated(t *testing.T) {
	b := New(1, time.Minute)

	b.RecordFailure("feed-a")
	if b.State("feed-a") != StateOpen {
		t.Fatal("feed-a did not open")
	}
	if !b.Allow("feed-b") {
		t.Error("feed-b throttled by feed-a's failures")
	}
}
