package threatintel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/ecomsec/sentinel/internal/circuitbreaker"
	"github.com/ecomsec/sentinel/internal/logging"
	"github.com/ecomsec/sentinel/internal/metrics"
	"github.com/ecomsec/sentinel/internal/signalcache"
)

const (
	cacheKindIP     = "ip"
	cacheKindDevice = "device"
	cacheKindBIN    = "bin"
	cacheKindEmail  = "email"

	breakerKey = "threatintel-feed"
)

// Config configures the reputation client.
type Config struct {
	// BaseURL of the reputation feed. Empty disables upstream lookups;
	// the engine then serves cache contents and neutral defaults only.
	BaseURL string
	// Timeout bounds each upstream lookup. This must fit inside the
	// engine's share of the evaluation deadline.
	Timeout time.Duration
	// Per-kind cache retention. BIN ranges change rarely and get the
	// longest TTL; email reputation goes stale fastest.
	IPTTL     time.Duration
	DeviceTTL time.Duration
	BINTTL    time.Duration
	EmailTTL  time.Duration
}

// Client looks up IP, device, card BIN, and email reputation, cache
// first. Upstream calls ride a circuit breaker so a dead feed costs one
// map lookup instead of a timed-out HTTP request per evaluation.
type Client struct {
	cfg     Config
	http    *http.Client
	cache   *signalcache.Cache
	breaker *circuitbreaker.Breaker
}

// New creates a reputation client using the shared signal cache.
func New(cfg Config, cache *signalcache.Cache) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 50 * time.Millisecond
	}
	if cfg.IPTTL <= 0 {
		cfg.IPTTL = time.Hour
	}
	if cfg.DeviceTTL <= 0 {
		cfg.DeviceTTL = 24 * time.Hour
	}
	if cfg.BINTTL <= 0 {
		cfg.BINTTL = 7 * 24 * time.Hour
	}
	if cfg.EmailTTL <= 0 {
		cfg.EmailTTL = 6 * time.Hour
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		cache:   cache,
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// Lookup resolves reputation for keys. It never returns an error: any
// failure degrades to whatever is cached plus neutral defaults, and the
// Report says so. Bounded by both ctx and the configured timeout.
func (c *Client) Lookup(ctx context.Context, keys Keys) *Report {
	report := &Report{Cached: true}

	if keys.IP != "" {
		ip, cached, ok := c.lookupIP(ctx, keys.IP)
		if ok {
			report.IP = ip
			report.Cached = report.Cached && cached
		} else {
			report.Degraded = true
		}
	}
	if keys.DeviceFingerprint != "" {
		dev, cached, ok := c.lookupDevice(ctx, keys.DeviceFingerprint)
		if ok {
			report.Device = dev
			report.Cached = report.Cached && cached
		} else {
			report.Degraded = true
		}
	}
	if keys.CardBIN != "" {
		bin, cached, ok := c.lookupBIN(ctx, keys.CardBIN)
		if ok {
			report.BIN = bin
			report.Cached = report.Cached && cached
		} else {
			report.Degraded = true
		}
	}
	if keys.Email != "" {
		email, cached, ok := c.lookupEmail(ctx, keys.Email)
		if ok {
			report.Email = email
			report.Cached = report.Cached && cached
		} else {
			report.Degraded = true
		}
	}

	if report.IP == nil && report.Device == nil && report.BIN == nil && report.Email == nil {
		n := neutralReport()
		n.Degraded = report.Degraded
		return n
	}

	report.Score = combine(report.IP, report.Device, report.BIN, report.Email)
	return report
}

// combine folds the component reputations into one score. The worst
// component dominates; each weaker one contributes half of the remaining
// headroom, so several mediocre signals still outrank a single one.
func combine(ip *IPReputation, dev *DeviceReputation, bin *BINReputation, email *EmailReputation) float64 {
	var scores []float64
	if ip != nil {
		s := ip.Score
		if ip.IsTor {
			s = max64(s, 0.9)
		} else if ip.IsProxy {
			s = max64(s, 0.6)
		}
		scores = append(scores, s)
	}
	if dev != nil {
		s := dev.Score
		if dev.SeenFraud {
			s = max64(s, 0.95)
		}
		scores = append(scores, s)
	}
	if bin != nil {
		scores = append(scores, bin.Score)
	}
	if email != nil {
		s := email.Score
		if email.Disposable {
			s = max64(s, 0.5)
		}
		scores = append(scores, s)
	}
	if len(scores) == 0 {
		return 0
	}

	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
	combined := scores[0]
	for _, s := range scores[1:] {
		combined += s / 2 * (1 - combined)
	}
	return clamp01(combined)
}

func (c *Client) lookupIP(ctx context.Context, ip string) (*IPReputation, bool, bool) {
	if v, ok := c.cache.Get(cacheKindIP, "ti:ip:"+ip); ok {
		return v.(*IPReputation), true, true
	}

	var rep IPReputation
	switch c.fetch(ctx, "/v1/ip/"+url.PathEscape(ip), &rep) {
	case fetchOK, fetchUnknown:
		// Unknown keys cache as zero-score so repeat lookups stay local.
		c.cache.Set(cacheKindIP, "ti:ip:"+ip, &rep, c.cfg.IPTTL)
		return &rep, false, true
	default:
		return nil, false, false
	}
}

func (c *Client) lookupDevice(ctx context.Context, fp string) (*DeviceReputation, bool, bool) {
	if v, ok := c.cache.Get(cacheKindDevice, "ti:dev:"+fp); ok {
		return v.(*DeviceReputation), true, true
	}

	var rep DeviceReputation
	switch c.fetch(ctx, "/v1/device/"+url.PathEscape(fp), &rep) {
	case fetchOK, fetchUnknown:
		c.cache.Set(cacheKindDevice, "ti:dev:"+fp, &rep, c.cfg.DeviceTTL)
		return &rep, false, true
	default:
		return nil, false, false
	}
}

func (c *Client) lookupBIN(ctx context.Context, bin string) (*BINReputation, bool, bool) {
	if v, ok := c.cache.Get(cacheKindBIN, "ti:bin:"+bin); ok {
		return v.(*BINReputation), true, true
	}

	var rep BINReputation
	switch c.fetch(ctx, "/v1/bin/"+url.PathEscape(bin), &rep) {
	case fetchOK, fetchUnknown:
		c.cache.Set(cacheKindBIN, "ti:bin:"+bin, &rep, c.cfg.BINTTL)
		return &rep, false, true
	default:
		return nil, false, false
	}
}

func (c *Client) lookupEmail(ctx context.Context, email string) (*EmailReputation, bool, bool) {
	if v, ok := c.cache.Get(cacheKindEmail, "ti:email:"+email); ok {
		return v.(*EmailReputation), true, true
	}

	var rep EmailReputation
	switch c.fetch(ctx, "/v1/email/"+url.PathEscape(email), &rep) {
	case fetchOK, fetchUnknown:
		c.cache.Set(cacheKindEmail, "ti:email:"+email, &rep, c.cfg.EmailTTL)
		return &rep, false, true
	default:
		return nil, false, false
	}
}

type fetchResult int

const (
	fetchOK      fetchResult = iota // decoded a reputation record
	fetchUnknown                    // feed has no record for the key
	fetchFailed                     // feed unreachable, slow, or malformed
)

// fetch performs one upstream GET through the circuit breaker.
func (c *Client) fetch(ctx context.Context, path string, out any) fetchResult {
	if c.cfg.BaseURL == "" {
		return fetchFailed
	}
	if !c.breaker.Allow(breakerKey) {
		return fetchFailed
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return fetchFailed
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		metrics.EngineDegradedTotal.WithLabelValues("threatintel").Inc()
		logging.Engine(ctx, "threatintel").Warn("feed lookup failed", "path", path, "error", err)
		return fetchFailed
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		// Unknown key is a valid answer, not a feed failure.
		c.breaker.RecordSuccess(breakerKey)
		return fetchUnknown
	}
	if resp.StatusCode != http.StatusOK {
		c.breaker.RecordFailure(breakerKey)
		logging.Engine(ctx, "threatintel").Warn("feed returned error",
			"path", path, "status", resp.StatusCode)
		return fetchFailed
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.breaker.RecordFailure(breakerKey)
		logging.Engine(ctx, "threatintel").Warn("feed response malformed",
			"path", path, "error", fmt.Errorf("decoding body: %w", err))
		return fetchFailed
	}

	c.breaker.RecordSuccess(breakerKey)
	return fetchOK
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func max64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
