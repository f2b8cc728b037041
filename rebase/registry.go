package rebase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"rebaser/store"
)

// processFunc handles the oldest queued request of key. It reports whether
// a request was handled; an error makes the worker exit and leaves the
// request queued.
type processFunc func(ctx context.Context, key store.Key) (bool, error)

// worker drains the queue of one change set.
type worker struct {
	key  store.Key
	wake chan struct{}
}

// RegistryConfig configures the worker registry.
type RegistryConfig struct {
	// QuiescentPeriod is how long a worker waits for new requests before
	// exiting.
	QuiescentPeriod time.Duration
}

// Registry runs at most one worker per change set. Workers are started on
// demand and exit after a quiescent period; a later Wake starts a fresh one.
type Registry struct {
	cfg     RegistryConfig
	process processFunc
	log     *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	closed  bool
	workers map[store.Key]*worker
	wg      sync.WaitGroup
}

// NewRegistry creates a registry that handles requests with process.
func NewRegistry(cfg RegistryConfig, process processFunc, log *zap.Logger) *Registry {
	if cfg.QuiescentPeriod <= 0 {
		cfg.QuiescentPeriod = 60 * time.Second
	}
	return &Registry{
		cfg:     cfg,
		process: process,
		log:     log,
		workers: make(map[store.Key]*worker),
	}
}

// Start binds the registry to the service lifetime. Workers stop taking
// new requests once ctx is done.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
}

// Wake makes sure a worker is draining key, starting one if needed. It is
// a no-op before Start and after Close.
func (r *Registry) Wake(key store.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx == nil || r.closed || r.ctx.Err() != nil {
		return
	}
	if w, ok := r.workers[key]; ok {
		select {
		case w.wake <- struct{}{}:
		default:
			// A wake is already pending.
		}
		return
	}

	w := &worker{key: key, wake: make(chan struct{}, 1)}
	r.workers[key] = w
	r.wg.Add(1)
	activeWorkers.Inc()
	go r.run(r.ctx, w)
}

// Active reports whether key has a running worker.
func (r *Registry) Active(key store.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.workers[key]
	return ok
}

// Len returns the number of running workers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Close stops starting workers and waits for running ones to finish their
// in-flight request.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Registry) run(ctx context.Context, w *worker) {
	defer r.wg.Done()
	defer activeWorkers.Dec()

	log := r.log.With(
		zap.String("workspace_id", w.key.WorkspaceID.String()),
		zap.String("change_set_id", w.key.ChangeSetID.String()),
	)
	log.Debug("worker started")

	idle := time.NewTimer(r.cfg.QuiescentPeriod)
	defer idle.Stop()

	for {
		for {
			if ctx.Err() != nil {
				r.remove(w)
				log.Debug("worker stopped")
				return
			}
			handled, err := r.process(ctx, w.key)
			if err != nil {
				r.remove(w)
				log.Warn("worker exiting; request left queued for redelivery", zap.Error(err))
				return
			}
			if !handled {
				break
			}
		}

		idle.Reset(r.cfg.QuiescentPeriod)
		select {
		case <-ctx.Done():
			r.remove(w)
			log.Debug("worker stopped")
			return
		case <-w.wake:
			idle.Stop()
		case <-idle.C:
			if r.tryRemove(w) {
				log.Debug("worker quiesced")
				return
			}
		}
	}
}

// tryRemove unregisters w unless a wake arrived while it was going idle.
// Wake sends under the same lock, so no request is left without a worker.
func (r *Registry) tryRemove(w *worker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-w.wake:
		return false
	default:
	}
	if r.workers[w.key] == w {
		delete(r.workers, w.key)
	}
	return true
}

func (r *Registry) remove(w *worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.workers[w.key] == w {
		delete(r.workers, w.key)
	}
}
