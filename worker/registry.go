package worker

import (
	"context"
	"net/http"
	"sync"

	"github.com/jshufro/offline-cache-proxy/metrics"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Registry is the host side of the worker lifecycle. It installs workers,
// activates them (immediately, or once no fetch is in flight), and routes
// fetch events to the worker that claimed it.
type Registry struct {
	logger *zap.Logger

	// mu serializes lifecycle transitions. Fetch dispatch never takes it.
	mu         sync.Mutex
	active     atomic.Pointer[Worker]
	waiting    atomic.Pointer[Worker]
	controller atomic.Pointer[Worker]
	inflight   atomic.Int64
}

var _ Clients = (*Registry)(nil)

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger}
}

// Active returns the active worker, or nil.
func (r *Registry) Active() *Worker {
	return r.active.Load()
}

// Waiting returns the installed worker waiting to activate, or nil.
func (r *Registry) Waiting() *Worker {
	return r.waiting.Load()
}

// Controller returns the worker serving fetch events, or nil.
func (r *Registry) Controller() *Worker {
	return r.controller.Load()
}

// Register installs w. On success w either activates right away or waits
// for Promote. On failure the current worker keeps serving.
func (r *Registry) Register(ctx context.Context, w *Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := w.Install(ctx); err != nil {
		return err
	}
	return r.installedLocked(ctx, w)
}

// Restore activates w from a bucket left by a previous process, without
// fetching anything. See Worker.Restore.
func (r *Registry) Restore(ctx context.Context, w *Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := w.Restore(ctx); err != nil {
		return err
	}
	return r.installedLocked(ctx, w)
}

func (r *Registry) installedLocked(ctx context.Context, w *Worker) error {
	if prev := r.waiting.Swap(w); prev != nil && prev != w {
		r.logger.Debug("Replacing waiting worker", zap.String("version", prev.Version()))
		prev.setState(Redundant)
	}

	if w.SkippedWaiting() || r.active.Load() == nil || r.inflight.Load() == 0 {
		return r.activateLocked(ctx, w)
	}

	r.logger.Info("Worker installed, waiting for fetches to drain", zap.String("version", w.Version()))
	return nil
}

// Promote activates the waiting worker if no fetch is in flight.
// It reports whether a worker was activated.
func (r *Registry) Promote(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.waiting.Load()
	if w == nil || r.inflight.Load() > 0 {
		return false, nil
	}
	return true, r.activateLocked(ctx, w)
}

func (r *Registry) activateLocked(ctx context.Context, w *Worker) error {
	r.waiting.CompareAndSwap(w, nil)
	old := r.active.Swap(w)

	// The old controller keeps answering from its bucket until w has claimed
	if err := w.Activate(ctx); err != nil {
		r.active.CompareAndSwap(w, old)
		return err
	}
	if old != nil && old != w {
		old.setState(Redundant)
		metrics.ActiveVersion.DeleteLabelValues(old.Version())
	}
	metrics.ActiveVersion.WithLabelValues(w.Version()).Set(1)
	r.logger.Info("Worker activated", zap.String("version", w.Version()))
	return nil
}

// SkipWaiting promotes w if it is already waiting. During install the
// flag alone is enough, Register checks it afterwards.
func (r *Registry) SkipWaiting(w *Worker) {
	if r.waiting.Load() != w {
		return
	}
	go func() {
		if _, err := r.Promote(context.Background()); err != nil {
			r.logger.Warn("Error promoting waiting worker", zap.Error(err))
		}
	}()
}

// Claim makes w the controller of all subsequent fetch events.
func (r *Registry) Claim(_ context.Context, w *Worker) error {
	if r.active.Load() != w {
		return ErrNotActive
	}
	r.controller.Store(w)
	r.logger.Debug("Clients claimed", zap.String("version", w.Version()))
	return nil
}

// Dispatch hands a fetch event to the controlling worker. ErrNotHandled
// means the host should send the request to the network itself.
func (r *Registry) Dispatch(ctx context.Context, req *http.Request) (*http.Response, error) {
	w := r.controller.Load()
	if w == nil {
		metrics.FetchTotal.WithLabelValues(metrics.FetchDeclined).Inc()
		return nil, ErrNotHandled
	}

	r.inflight.Inc()
	defer func() {
		if r.inflight.Dec() == 0 && r.waiting.Load() != nil {
			go func() {
				if _, err := r.Promote(context.Background()); err != nil {
					r.logger.Warn("Error promoting waiting worker", zap.Error(err))
				}
			}()
		}
	}()

	return w.Fetch(ctx, req)
}
