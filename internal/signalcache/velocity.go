package signalcache

import (
	"sync"
	"time"
)

// VelocityTracker counts events per key over sliding time windows. Counts
// are bucketed per second and summed on read, so a "transactions in the
// last 5 minutes" query reflects events from exactly the last 300 seconds
// rather than a coarse fixed window.
type VelocityTracker struct {
	mu        sync.RWMutex
	keys      map[string]*buckets
	maxWindow time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
}

// buckets holds per-second counts for one key.
type buckets struct {
	counts map[int64]int // unix second -> count
	last   time.Time
}

// NewVelocityTracker creates a tracker that retains per-second counts for
// up to maxWindow. Stale keys are pruned every sweepInterval.
func NewVelocityTracker(maxWindow, sweepInterval time.Duration) *VelocityTracker {
	if maxWindow <= 0 {
		maxWindow = time.Hour
	}
	t := &VelocityTracker{
		keys:      make(map[string]*buckets),
		maxWindow: maxWindow,
		stop:      make(chan struct{}),
	}
	if sweepInterval > 0 {
		go t.sweep(sweepInterval)
	}
	return t
}

// Incr records one event for key at the current time.
func (t *VelocityTracker) Incr(key string) {
	now := time.Now()
	sec := now.Unix()

	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.keys[key]
	if !ok {
		b = &buckets{counts: make(map[int64]int)}
		t.keys[key] = b
	}
	b.counts[sec]++
	b.last = now
}

// Count returns the number of events for key within the trailing window.
// Windows larger than the tracker's maxWindow are truncated to it.
func (t *VelocityTracker) Count(key string, window time.Duration) int {
	if window > t.maxWindow {
		window = t.maxWindow
	}
	cutoff := time.Now().Add(-window).Unix()

	t.mu.RLock()
	defer t.mu.RUnlock()

	b, ok := t.keys[key]
	if !ok {
		return 0
	}
	total := 0
	for sec, n := range b.counts {
		if sec >= cutoff {
			total += n
		}
	}
	return total
}

// Stop terminates the sweep goroutine.
func (t *VelocityTracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *VelocityTracker) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-t.maxWindow)
			cutoffSec := cutoff.Unix()
			t.mu.Lock()
			for key, b := range t.keys {
				if b.last.Before(cutoff) {
					delete(t.keys, key)
					continue
				}
				for sec := range b.counts {
					if sec < cutoffSec {
						delete(b.counts, sec)
					}
				}
			}
			t.mu.Unlock()
		}
	}
}
