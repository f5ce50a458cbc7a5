package sw

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/churchfleet/fleetcache/pkg/cachestorage"
)

var errNoWorker = errors.New("no active worker")

// Registration holds the worker that controls fetches and, if skip waiting
// is disabled, a newer installed worker waiting to take over.
type Registration struct {
	logger *zap.Logger

	updateMu sync.Mutex // serializes Update and SkipWaiting

	mu      sync.RWMutex
	active  *Worker
	waiting *Worker
}

// NewRegistration returns an empty Registration. A nil logger disables
// logging.
func NewRegistration(logger *zap.Logger) *Registration {
	if logger == nil {
		logger = nopLogger
	}
	return &Registration{logger: logger}
}

// Update installs w. Unless w's config disables skip waiting, or there is
// no active worker yet, w is activated right away and the previous worker
// becomes redundant. Otherwise w waits for SkipWaiting.
func (r *Registration) Update(ctx context.Context, w *Worker) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	w.onSkipWaiting = r.SkipWaiting
	if err := w.Dispatch(ctx, &Event{Type: EventInstall}); err != nil {
		w.Retire()
		return fmt.Errorf("failed to install worker %s: %w", w.cfg.Version, err)
	}

	r.mu.Lock()
	hasActive := r.active != nil
	var oldWaiting *Worker
	if hasActive && w.cfg.DisableSkipWaiting {
		oldWaiting, r.waiting = r.waiting, w
	}
	r.mu.Unlock()
	if hasActive && w.cfg.DisableSkipWaiting {
		if oldWaiting != nil {
			oldWaiting.Retire()
		}
		r.logger.Info("worker installed and waiting", zap.String("version", w.cfg.Version))
		return nil
	}
	return r.activate(ctx, w)
}

// SkipWaiting activates the waiting worker, if any.
func (r *Registration) SkipWaiting(ctx context.Context) error {
	// Called from a message handler of the waiting worker, which never
	// runs under updateMu.
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.Lock()
	w := r.waiting
	r.waiting = nil
	r.mu.Unlock()
	if w == nil {
		return nil
	}
	return r.activate(ctx, w)
}

func (r *Registration) activate(ctx context.Context, w *Worker) error {
	if err := w.Dispatch(ctx, &Event{Type: EventActivate}); err != nil {
		w.Retire()
		return fmt.Errorf("failed to activate worker %s: %w", w.cfg.Version, err)
	}

	// Claim: from now on every fetch goes to w.
	r.mu.Lock()
	old := r.active
	r.active = w
	r.mu.Unlock()

	if old != nil {
		old.Retire()
		r.logger.Info(
			"worker replaced",
			zap.String("old_version", old.cfg.Version),
			zap.String("version", w.cfg.Version),
		)
	}
	return nil
}

// Controller returns the active worker or nil.
func (r *Registration) Controller() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting returns the waiting worker or nil.
func (r *Registration) Waiting() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// HandleFetch dispatches req to the controller. ok is false if there is no
// controller or it did not intercept req.
func (r *Registration) HandleFetch(ctx context.Context, req *Request) (*cachestorage.Response, bool) {
	w := r.Controller()
	if w == nil {
		return nil, false
	}
	return w.HandleFetch(ctx, req)
}

// PostMessage implements MessageTarget. SKIP_WAITING goes to the waiting
// worker, everything else to the controller.
func (r *Registration) PostMessage(ctx context.Context, m Message, port Port) {
	r.mu.RLock()
	w := r.active
	if m.Type == MessageSkipWaiting && r.waiting != nil {
		w = r.waiting
	}
	r.mu.RUnlock()

	if w == nil {
		if port != nil {
			port.PostMessage(errorMessage(errNoWorker))
		}
		return
	}
	w.PostMessage(ctx, m, port)
}

// Close retires all workers.
func (r *Registration) Close() {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.Lock()
	active, waiting := r.active, r.waiting
	r.active, r.waiting = nil, nil
	r.mu.Unlock()
	for _, w := range []*Worker{waiting, active} {
		if w != nil {
			w.Retire()
		}
	}
}
