package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinBurst(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("client") {
			t.Fatalf("request %d rejected within burst", i)
		}
	}
	if l.Allow("client") {
		t.Error("request allowed past burst with no refill time")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	if !l.Allow("a") {
		t.Fatal("first request for a rejected")
	}
	if !l.Allow("b") {
		t.Error("b throttled by a's usage")
	}
}

func TestTokensRefill(t *testing.T) {
	l := New(Config{RequestsPerMinute: 6000, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	if !l.Allow("client") {
		t.Fatal("first request rejected")
	}
	if l.Allow("client") {
		t.Fatal("burst of 1 allowed two immediate requests")
	}

	// 100 tokens/sec refill rate: 50ms is plenty for one token.
	time.Sleep(50 * time.Millisecond)
	if !l.Allow("client") {
		t.Error("token did not refill")
	}
}
