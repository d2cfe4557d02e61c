package rules

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ecomsec/sentinel/internal/idgen"
	"github.com/ecomsec/sentinel/internal/logging"
	"github.com/ecomsec/sentinel/internal/metrics"
	"github.com/ecomsec/sentinel/internal/retry"
)

// Loader owns the current rule snapshot and refreshes it in the background.
// Evaluation reads go through an atomic pointer, so a reload never blocks
// the hot path and a failed reload leaves the previous snapshot serving.
type Loader struct {
	store    Store
	interval time.Duration
	current  atomic.Pointer[Snapshot]
	stop     chan struct{}
	stopped  atomic.Bool
}

// NewLoader creates a loader backed by store. Call Start to perform the
// initial load and begin background refresh.
func NewLoader(store Store, interval time.Duration) *Loader {
	return &Loader{
		store:    store,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start performs the initial synchronous load and launches the refresh
// loop. The initial load is fatal on failure: starting with no rules would
// silently approve everything.
func (l *Loader) Start(ctx context.Context) error {
	if err := l.reload(ctx); err != nil {
		return fmt.Errorf("initial rule load: %w", err)
	}
	go l.loop(ctx)
	return nil
}

// Snapshot returns the current compiled snapshot. Never nil after a
// successful Start.
func (l *Loader) Snapshot() *Snapshot {
	return l.current.Load()
}

// Reload forces an immediate refresh, used by the admin reload endpoint.
func (l *Loader) Reload(ctx context.Context) error {
	return l.reload(ctx)
}

// Stop terminates the refresh loop.
func (l *Loader) Stop() {
	if l.stopped.CompareAndSwap(false, true) {
		close(l.stop)
	}
}

func (l *Loader) loop(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.reload(ctx); err != nil {
				// Keep serving the previous snapshot.
				logging.L(ctx).Error("rule snapshot reload failed", "error", err)
			}
		}
	}
}

func (l *Loader) reload(ctx context.Context) error {
	var ruleList []DetectionRule

	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		var err error
		ruleList, err = l.store.ListActive(ctx)
		return err
	})
	if err != nil {
		metrics.SnapshotReloadsTotal.WithLabelValues("rules", "error").Inc()
		return fmt.Errorf("listing active rules: %w", err)
	}

	snap, err := Compile(ctx, idgen.WithPrefix("snap_"), ruleList)
	if err != nil {
		metrics.SnapshotReloadsTotal.WithLabelValues("rules", "error").Inc()
		return fmt.Errorf("compiling snapshot: %w", err)
	}

	prev := l.current.Swap(snap)
	metrics.SnapshotReloadsTotal.WithLabelValues("rules", "success").Inc()

	log := logging.L(ctx)
	if prev == nil || prev.Len() != snap.Len() || len(snap.Skipped()) > 0 {
		log.Info("rule snapshot loaded",
			"version", snap.Version,
			"rules", snap.Len(),
			"skipped", len(snap.Skipped()))
	} else {
		log.Debug("rule snapshot refreshed", "version", snap.Version, "rules", snap.Len())
	}
	return nil
}
