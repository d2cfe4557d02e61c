package threatintel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ecomsec/sentinel/internal/signalcache"
)

func newTestCache(t *testing.T) *signalcache.Cache {
	t.Helper()
	c := signalcache.NewCache(1000, 0)
	t.Cleanup(c.Stop)
	return c
}

func feedServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		switch r.URL.Path {
		case "/v1/ip/203.0.113.7":
			_ = json.NewEncoder(w).Encode(IPReputation{Score: 0.8, IsProxy: true, Country: "RO"})
		case "/v1/device/fp-bad":
			_ = json.NewEncoder(w).Encode(DeviceReputation{Score: 0.4, SeenFraud: true})
		case "/v1/bin/599999":
			_ = json.NewEncoder(w).Encode(BINReputation{Score: 0.3, Prepaid: true, IssuerCountry: "NG"})
		case "/v1/email/buyer@tempmail.example":
			_ = json.NewEncoder(w).Encode(EmailReputation{Score: 0.2, Disposable: true, DomainAgeDays: 3})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLookupFetchesAndCaches(t *testing.T) {
	var hits atomic.Int64
	srv := feedServer(t, &hits)
	client := New(Config{BaseURL: srv.URL, Timeout: time.Second}, newTestCache(t))

	keys := Keys{IP: "203.0.113.7", DeviceFingerprint: "fp-bad"}

	report := client.Lookup(context.Background(), keys)
	if report.Degraded {
		t.Fatal("lookup degraded with healthy feed")
	}
	if report.IP == nil || !report.IP.IsProxy {
		t.Fatalf("IP reputation not populated: %+v", report.IP)
	}
	if report.Device == nil || !report.Device.SeenFraud {
		t.Fatalf("device reputation not populated: %+v", report.Device)
	}
	if report.Score < 0.9 {
		t.Errorf("combined score %.2f too low for fraud-seen device", report.Score)
	}
	if report.Cached {
		t.Error("first lookup reported as cached")
	}

	first := hits.Load()
	report = client.Lookup(context.Background(), keys)
	if hits.Load() != first {
		t.Error("second lookup hit the feed instead of cache")
	}
	if !report.Cached {
		t.Error("second lookup not marked cached")
	}
}

func TestLookupCoversBINAndEmail(t *testing.T) {
	var hits atomic.Int64
	srv := feedServer(t, &hits)
	client := New(Config{BaseURL: srv.URL, Timeout: time.Second}, newTestCache(t))

	keys := Keys{CardBIN: "599999", Email: "buyer@tempmail.example"}

	report := client.Lookup(context.Background(), keys)
	if report.Degraded {
		t.Fatal("lookup degraded with healthy feed")
	}
	if report.BIN == nil || !report.BIN.Prepaid || report.BIN.IssuerCountry != "NG" {
		t.Fatalf("BIN reputation not populated: %+v", report.BIN)
	}
	if report.Email == nil || !report.Email.Disposable {
		t.Fatalf("email reputation not populated: %+v", report.Email)
	}
	// Disposable email floors its component at 0.5.
	if report.Score < 0.5 {
		t.Errorf("combined score %.2f too low for disposable email", report.Score)
	}

	first := hits.Load()
	if first != 2 {
		t.Fatalf("first lookup made %d feed calls, want 2", first)
	}
	report = client.Lookup(context.Background(), keys)
	if hits.Load() != first {
		t.Error("second lookup hit the feed instead of cache")
	}
	if !report.Cached {
		t.Error("second lookup not marked cached")
	}
}

func TestCombineWorstComponentDominates(t *testing.T) {
	all := combine(
		&IPReputation{Score: 0.8},
		&DeviceReputation{Score: 0.4},
		&BINReputation{Score: 0.3},
		&EmailReputation{Score: 0.2},
	)
	ipOnly := combine(&IPReputation{Score: 0.8}, nil, nil, nil)
	if all <= ipOnly {
		t.Errorf("extra signals did not raise the score: all=%.3f ip=%.3f", all, ipOnly)
	}
	if all > 1 {
		t.Errorf("combined score %.3f above 1", all)
	}

	binOnly := combine(nil, nil, &BINReputation{Score: 0.3}, nil)
	if binOnly != 0.3 {
		t.Errorf("single BIN component = %.3f, want 0.3", binOnly)
	}
}

func TestUnknownKeyIsNeutralNotDegraded(t *testing.T) {
	srv := feedServer(t, nil)
	client := New(Config{BaseURL: srv.URL, Timeout: time.Second}, newTestCache(t))

	report := client.Lookup(context.Background(), Keys{IP: "198.51.100.1"})
	if report.Degraded {
		t.Error("unknown IP treated as feed failure")
	}
	if report.Score != 0 {
		t.Errorf("unknown IP scored %.2f, want 0", report.Score)
	}
}

func TestFeedDownDegradesToNeutral(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	client := New(Config{BaseURL: srv.URL, Timeout: time.Second}, newTestCache(t))

	report := client.Lookup(context.Background(), Keys{IP: "203.0.113.7"})
	if !report.Degraded {
		t.Error("feed failure not marked degraded")
	}
	if report.Score != 0 {
		t.Errorf("degraded lookup scored %.2f, want neutral 0", report.Score)
	}
}

func TestCircuitBreakerStopsHammeringDeadFeed(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	client := New(Config{BaseURL: srv.URL, Timeout: time.Second}, newTestCache(t))

	for i := 0; i < 20; i++ {
		client.Lookup(context.Background(), Keys{IP: "203.0.113.7"})
	}
	if hits.Load() >= 20 {
		t.Errorf("breaker never opened: %d feed hits for 20 lookups", hits.Load())
	}
}

func TestCachedDataServedWhileFeedDown(t *testing.T) {
	cache := newTestCache(t)
	var healthy atomic.Bool
	healthy.Store(true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(IPReputation{Score: 0.7, Country: "BR"})
	}))
	t.Cleanup(srv.Close)
	client := New(Config{BaseURL: srv.URL, Timeout: time.Second}, cache)

	// Warm the cache, then kill the feed.
	client.Lookup(context.Background(), Keys{IP: "203.0.113.9"})
	healthy.Store(false)

	report := client.Lookup(context.Background(), Keys{IP: "203.0.113.9"})
	if report.Degraded {
		t.Error("cached entry not served while feed down")
	}
	if report.IP == nil || report.IP.Country != "BR" {
		t.Errorf("cached reputation lost: %+v", report.IP)
	}
}

func TestNoBaseURLIsCacheOnly(t *testing.T) {
	client := New(Config{}, newTestCache(t))

	report := client.Lookup(context.Background(), Keys{IP: "203.0.113.7", DeviceFingerprint: "fp"})
	if !report.Degraded {
		t.Error("upstream-less lookup with cold cache should be degraded")
	}
	if report.Score != 0 {
		t.Errorf("score = %.2f, want 0", report.Score)
	}
}
