// Package sw is an HTTP response cache engine with the life cycle and the
// caching strategies of the vehicle admin app's service worker. It keeps
// responses in a cachestorage.Storage and enforces TTL and size budgets
// by itself.
package sw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/churchfleet/fleetcache/pkg/cachestorage"
)

type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type EventType string

const (
	EventInstall  EventType = "install"
	EventActivate EventType = "activate"
	EventFetch    EventType = "fetch"
	EventMessage  EventType = "message"
)

var (
	ErrInvalidState = errors.New("invalid worker state")
	ErrUnknownEvent = errors.New("unknown event type")
	errMissingFetch = errors.New("fetch event without request")
	errNilStorage   = errors.New("nil storage")
	errNilFetcher   = errors.New("nil fetcher")
)

// Event is delivered to a worker by Dispatch.
type Event struct {
	Type EventType

	// Request of a fetch event.
	Request *Request

	// Message and its optional reply Port of a message event.
	Message Message
	Port    Port

	response *cachestorage.Response
}

func NewFetchEvent(req *Request) *Event {
	return &Event{Type: EventFetch, Request: req}
}

func NewMessageEvent(m Message, port Port) *Event {
	return &Event{Type: EventMessage, Message: m, Port: port}
}

// RespondWith sets the response of a fetch event.
func (e *Event) RespondWith(r *cachestorage.Response) {
	e.response = r
}

// Response returns the response of a fetch event. ok is false if the
// worker did not intercept the request, the caller should go to the
// network itself.
func (e *Event) Response() (r *cachestorage.Response, ok bool) {
	return e.response, e.response != nil
}

type WorkerOpts struct {
	Config Config

	// Storage cannot be nil.
	Storage cachestorage.Storage

	// Fetcher cannot be nil.
	Fetcher Fetcher

	// Logger is the *zap.Logger for this Worker.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// Metrics is optional.
	Metrics *Metrics

	// Now is the clock. Default is time.Now.
	Now func() time.Time
}

func (opts *WorkerOpts) Init() error {
	if opts.Storage == nil {
		return errNilStorage
	}
	if opts.Fetcher == nil {
		return errNilFetcher
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return opts.Config.Init()
}

var nopLogger = zap.NewNop()

type handlerFunc func(ctx context.Context, ev *Event) error

// Worker is one version of the response cache. Workers are driven through
// Dispatch, usually by a Registration.
type Worker struct {
	opts   WorkerOpts
	cfg    *Config
	logger *zap.Logger
	router *Router

	state    atomic.Int32
	handlers map[EventType]handlerFunc

	// onSkipWaiting is set by the Registration that installed the worker.
	onSkipWaiting func(ctx context.Context) error

	sf      singleflight.Group
	bgMu    sync.Mutex // orders bg.Add against Retire
	bg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	maintWg sync.WaitGroup
}

func NewWorker(opts WorkerOpts) (*Worker, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		opts:   opts,
		cfg:    &opts.Config,
		logger: opts.Logger.With(zap.String("version", opts.Config.Version)),
		router: NewRouter(opts.Config.Rules),
		ctx:    ctx,
		cancel: cancel,
	}
	w.handlers = map[EventType]handlerFunc{
		EventInstall:  w.handleInstall,
		EventActivate: w.handleActivate,
		EventFetch:    w.handleFetch,
		EventMessage:  w.handleMessage,
	}
	return w, nil
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) Config() *Config {
	return w.cfg
}

func (w *Worker) transition(from, to State) error {
	if !w.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: want %s, got %s", ErrInvalidState, from, w.State())
	}
	w.logger.Debug("worker state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	return nil
}

// Dispatch delivers ev to its handler.
func (w *Worker) Dispatch(ctx context.Context, ev *Event) error {
	h, ok := w.handlers[ev.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
	return h(ctx, ev)
}

// HandleFetch dispatches a fetch event for req. ok is false if the worker
// did not intercept it.
func (w *Worker) HandleFetch(ctx context.Context, req *Request) (*cachestorage.Response, bool) {
	ev := NewFetchEvent(req)
	if err := w.Dispatch(ctx, ev); err != nil {
		w.logger.Warn("fetch event failed", zap.String("url", req.Key()), zap.Error(err))
		return nil, false
	}
	return ev.Response()
}

// PostMessage implements MessageTarget.
func (w *Worker) PostMessage(ctx context.Context, m Message, port Port) {
	if err := w.Dispatch(ctx, NewMessageEvent(m, port)); err != nil {
		w.logger.Warn("message event failed", zap.String("type", m.Type), zap.Error(err))
		if port != nil {
			port.PostMessage(errorMessage(err))
		}
	}
}

func (w *Worker) handleInstall(ctx context.Context, _ *Event) error {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return err
	}
	w.precache(ctx)
	if _, err := w.CleanupOldCaches(ctx); err != nil {
		w.logger.Warn("old cache cleanup failed", zap.Error(err))
	}
	return w.transition(StateInstalling, StateInstalled)
}

func (w *Worker) handleActivate(ctx context.Context, _ *Event) error {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return err
	}
	if _, err := w.CleanupOldCaches(ctx); err != nil {
		w.logger.Warn("old cache cleanup failed", zap.Error(err))
	}
	if err := w.LimitCacheSize(ctx); err != nil {
		w.logger.Warn("cache size enforcement failed", zap.Error(err))
	}
	if err := w.transition(StateActivating, StateActivated); err != nil {
		return err
	}
	w.startMaintenance()
	w.logger.Info("worker activated", zap.Strings("caches", w.cfg.CacheNames()))
	return nil
}

func (w *Worker) handleFetch(ctx context.Context, ev *Event) error {
	req := ev.Request
	if req == nil || req.URL == nil {
		return errMissingFetch
	}
	// Only an activated worker controls clients, and mutating requests
	// are never intercepted.
	if w.State() != StateActivated || req.Method != "GET" {
		return nil
	}
	ev.RespondWith(w.respond(ctx, req))
	return nil
}

// precache stores the shell URLs into the static store. Failures are
// logged, a missing shell entry is fetched again on first use.
func (w *Worker) precache(ctx context.Context) {
	if len(w.cfg.ShellURLs) == 0 {
		return
	}
	c, err := w.opts.Storage.Open(ctx, w.cfg.CacheName(KindStatic))
	if err != nil {
		w.logger.Warn("failed to open static cache", zap.Error(err))
		return
	}
	for _, ref := range w.cfg.ShellURLs {
		u, err := w.cfg.Resolve(ref)
		if err != nil {
			w.logger.Warn("invalid shell url", zap.String("url", ref), zap.Error(err))
			continue
		}
		req := &Request{Method: "GET", URL: u}
		resp, err := w.opts.Fetcher.Fetch(ctx, req)
		if err != nil || !resp.OK() {
			w.logger.Warn("failed to precache", zap.String("url", req.Key()), zap.Error(err))
			continue
		}
		w.putInto(ctx, c, req, resp)
	}
}

// Retire stops the maintenance loop and marks the worker redundant.
// Background refreshes are canceled and waited for.
func (w *Worker) Retire() {
	w.state.Store(int32(StateRedundant))
	w.bgMu.Lock()
	w.cancel()
	w.bgMu.Unlock()
	w.maintWg.Wait()
	w.bg.Wait()
}

// Wait blocks until all background refreshes started so far are finished.
func (w *Worker) Wait() {
	w.bg.Wait()
}
