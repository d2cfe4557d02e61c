package ml

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ecomsec/sentinel/internal/logging"
	"github.com/ecomsec/sentinel/internal/metrics"
	"github.com/ecomsec/sentinel/internal/retry"
)

// Registry holds the active model version behind an atomic pointer and
// refreshes it from the store in the background. A failed refresh keeps
// the previous version serving, mirroring the rule snapshot loader.
type Registry struct {
	store    Store
	interval time.Duration
	active   atomic.Pointer[ModelVersion]
	versions atomic.Pointer[map[string]*ModelVersion]
	stop     chan struct{}
	stopped  atomic.Bool
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store Store, interval time.Duration) *Registry {
	return &Registry{
		store:    store,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start performs the initial synchronous load and launches the refresh
// loop. Fails if no active model version exists.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.reload(ctx); err != nil {
		return fmt.Errorf("initial model load: %w", err)
	}
	go r.loop(ctx)
	return nil
}

// Active returns the currently active model version. Never nil after a
// successful Start.
func (r *Registry) Active() *ModelVersion {
	return r.active.Load()
}

// Get returns a loaded model version by ID. Experiment variants are
// resolved through this so a variant can be any loaded version, not just
// the active one.
func (r *Registry) Get(id string) (*ModelVersion, bool) {
	m := r.versions.Load()
	if m == nil {
		return nil, false
	}
	mv, ok := (*m)[id]
	return mv, ok
}

// Reload forces an immediate refresh, used by the admin reload endpoint.
func (r *Registry) Reload(ctx context.Context) error {
	return r.reload(ctx)
}

// Stop terminates the refresh loop.
func (r *Registry) Stop() {
	if r.stopped.CompareAndSwap(false, true) {
		close(r.stop)
	}
}

func (r *Registry) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.reload(ctx); err != nil {
				logging.L(ctx).Error("model registry reload failed", "error", err)
			}
		}
	}
}

func (r *Registry) reload(ctx context.Context) error {
	var list []*ModelVersion

	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		var err error
		list, err = r.store.List(ctx)
		return err
	})
	if err != nil {
		metrics.SnapshotReloadsTotal.WithLabelValues("models", "error").Inc()
		return fmt.Errorf("listing model versions: %w", err)
	}

	versions := make(map[string]*ModelVersion, len(list))
	var active *ModelVersion
	for _, mv := range list {
		if err := mv.Validate(); err != nil {
			logging.L(ctx).Warn("skipping invalid model version", "model_version", mv.ID, "error", err)
			continue
		}
		versions[mv.ID] = mv
		if mv.Active {
			active = mv
		}
	}
	if active == nil {
		metrics.SnapshotReloadsTotal.WithLabelValues("models", "error").Inc()
		return fmt.Errorf("no active model version in store")
	}

	prev := r.active.Swap(active)
	r.versions.Store(&versions)
	metrics.SnapshotReloadsTotal.WithLabelValues("models", "success").Inc()

	if prev == nil || prev.ID != active.ID {
		logging.L(ctx).Info("active model version changed",
			"model_version", active.ID,
			"loaded_versions", len(versions))
	}
	return nil
}
