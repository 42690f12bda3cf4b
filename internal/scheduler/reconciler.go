package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"camfleet/fleet-core/internal/metrics"
	"camfleet/fleet-core/internal/pathregistry"
	"camfleet/fleet-core/internal/recordstore"
)

// ReconcilerStore is the record-store surface the reconciler needs.
type ReconcilerStore interface {
	ListDevices(ctx context.Context, filter string) ([]recordstore.Device, error)
	UpdateDevice(ctx context.Context, id string, patch map[string]any) (*recordstore.Device, error)
}

// PathLister fetches the full path-registry snapshot.
type PathLister interface {
	List(ctx context.Context) ([]pathregistry.Path, error)
}

// Reconciler cross-references every device's stream path against the path
// registry and keeps the stored connectivity status current. It runs whether
// or not any automation exists.
type Reconciler struct {
	log      zerolog.Logger
	store    ReconcilerStore
	paths    PathLister
	interval time.Duration
	metrics  *metrics.Metrics
}

func NewReconciler(log zerolog.Logger, store ReconcilerStore, paths PathLister, interval time.Duration, m *metrics.Metrics) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reconciler{log: log, store: store, paths: paths, interval: interval, metrics: m}
}

// Run loops until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single reconciliation pass. The registry snapshot is
// fetched once per pass, not per device. Errors never escape: a failed fetch
// skips the pass, a failed per-device update skips that device only.
func (r *Reconciler) RunOnce(ctx context.Context) {
	r.metrics.IncReconcileTick()

	devices, err := r.store.ListDevices(ctx, "")
	if err != nil {
		r.log.Error().Err(err).Msg("reconcile: list devices failed")
		return
	}

	snapshot, err := r.paths.List(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("reconcile: path registry fetch failed")
		return
	}
	byName := make(map[string]pathregistry.Path, len(snapshot))
	for _, p := range snapshot {
		byName[p.Name] = p
	}

	writes := 0
	for i := range devices {
		d := &devices[i]

		status := recordstore.StatusOff
		if p, ok := byName[d.StreamName()]; ok && d.StreamName() != "" {
			if p.Ready {
				status = recordstore.StatusOn
			} else {
				status = recordstore.StatusWaiting
			}
		}

		if status == d.Status {
			continue
		}

		if _, err := r.store.UpdateDevice(ctx, d.ID, map[string]any{"status": status}); err != nil {
			r.log.Error().Err(err).Str("device", d.ID).Msg("reconcile: status update failed")
			continue
		}
		writes++
		r.log.Debug().
			Str("device", d.ID).
			Str("from", d.Status).
			Str("to", status).
			Msg("device status reconciled")
	}
	r.metrics.AddReconcileWrites(writes)
}
