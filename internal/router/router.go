// Package router implements the event router and folds in the
// shutdown coordinator: the two share the shutting-down flag and the
// coordinator drives its broadcast through the router's own handler
// registry, so keeping them in one package avoids a
// router<->coordinator import cycle.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/durapensa/ksid/internal/bridge"
	"github.com/durapensa/ksid/internal/cache"
	"github.com/durapensa/ksid/internal/contract"
	"github.com/durapensa/ksid/internal/pattern"
	"github.com/durapensa/ksid/internal/problem"
	"github.com/durapensa/ksid/internal/registry"
	"github.com/durapensa/ksid/internal/supervisor"
	"github.com/durapensa/ksid/internal/transform"
	"github.com/durapensa/ksid/internal/workerpool"
)

// Router resolves, dispatches, and aggregates event emissions. One
// instance exists per process, passed around explicitly rather than
// hidden behind a package-level global.
type Router struct {
	registry   *registry.Registry
	engine     *transform.Engine
	supervisor *supervisor.Supervisor
	matcher    *pattern.Matcher
	logger     *slog.Logger
	opts       Options

	mwMu        sync.Mutex
	middlewares []Middleware
	chainFn     atomic.Pointer[NextFunc]

	startedAt time.Time

	shuttingDown atomic.Bool
	done         chan struct{}

	critMu    sync.Mutex
	criticals map[string]struct{}
	acked     map[string]struct{}
	summary   *ShutdownSummary

	connCounter atomic.Pointer[func() int]

	bridges atomic.Pointer[bridge.Manager]
	blocking *workerpool.Pool

	metricsMu sync.Mutex
	counts    map[string]int64
	lastSeen  map[string]time.Time
}

// New creates a Router and registers its built-in system handlers.
func New(opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = DefaultOptions.Logger
	}

	if opts.ErrorMode == "" {
		opts.ErrorMode = DefaultOptions.ErrorMode
	}

	if opts.ShutdownDeadline <= 0 {
		opts.ShutdownDeadline = DefaultOptions.ShutdownDeadline
	}

	if opts.TaskCancelGrace <= 0 {
		opts.TaskCancelGrace = DefaultOptions.TaskCancelGrace
	}

	if opts.BlockingPoolSize <= 0 {
		opts.BlockingPoolSize = DefaultOptions.BlockingPoolSize
	}

	correlationCache := opts.Cache

	if correlationCache == nil {
		correlationCache = cache.NewMemory(time.Minute)
	}

	matcher := pattern.New()

	rt := &Router{
		registry:   registry.New(matcher),
		engine:     transform.New(matcher, correlationCache, opts.EmitDepthMax, opts.CorrelationTTL),
		supervisor: supervisor.New(opts.Logger),
		matcher:    matcher,
		logger:     opts.Logger,
		opts:       opts,
		startedAt:  time.Now(),
		done:       make(chan struct{}),
		criticals:  make(map[string]struct{}),
		acked:      make(map[string]struct{}),
		blocking:   workerpool.New(opts.BlockingPoolSize),
		counts:     make(map[string]int64),
		lastSeen:   make(map[string]time.Time),
	}

	rt.rebuildChain()
	rt.registerBuiltins()

	return rt
}

// Use appends a middleware to the chain. Middlewares run in the order
// they were registered.
func (rt *Router) Use(mw Middleware) {
	rt.mwMu.Lock()
	rt.middlewares = append(rt.middlewares, mw)
	rt.mwMu.Unlock()

	rt.rebuildChain()
}

func (rt *Router) rebuildChain() {
	rt.mwMu.Lock()
	mws := append([]Middleware{}, rt.middlewares...)
	rt.mwMu.Unlock()

	built := chain(rt.dispatch, mws)
	rt.chainFn.Store(&built)
}

// SetConnectionCounter wires a callback the shutdown coordinator calls
// to report pending connections in its termination summary. The
// transport layer provides this at construction.
func (rt *Router) SetConnectionCounter(fn func() int) {
	rt.connCounter.Store(&fn)
}

// normalize is the envelope bookkeeping shared between the
// special-cased "system:shutdown" trigger and normal dispatch.
func normalize(env *contract.Envelope) {
	if env.Data == nil {
		env.Data = contract.Data{}
	}

	if env.Meta.EventName == "" {
		env.Meta.EventName = env.Event
	}
}

// Emit resolves handlers and transformers for env.Event, dispatches to
// them in priority order, and aggregates every result. A
// single-handler, single-result emission is never unwrapped: callers
// always receive a list.
func (rt *Router) Emit(ctx context.Context, env *contract.Envelope) ([]contract.Result, error) {
	normalize(env)

	if env.Event == "system:shutdown" {
		if rt.shuttingDown.Load() {
			return []contract.Result{problem.New(problem.CodeShuttingDown, "shutdown already in progress").Result()}, nil
		}

		summary := rt.Shutdown(ctx, rt.opts.ShutdownDeadline)

		return []contract.Result{summary.Result()}, nil
	}

	if rt.shuttingDown.Load() && env.Event != "shutdown:ack" {
		return []contract.Result{problem.New(problem.CodeShuttingDown, fmt.Sprintf("router refusing %q: shutting down", env.Event)).Result()}, nil
	}

	next := *rt.chainFn.Load()

	return next(ctx, env)
}

// EmitFirst returns only the first result of Emit, or a not_found
// result if nothing matched. not_found is reserved for EmitFirst;
// plain Emit returns an empty list instead.
func (rt *Router) EmitFirst(ctx context.Context, env *contract.Envelope) (contract.Result, error) {
	results, err := rt.Emit(ctx, env)

	if err != nil {
		return nil, err
	}

	if len(results) == 0 {
		return problem.New(problem.CodeNotFound, fmt.Sprintf("no handler matched %q", env.Event)).Result(), nil
	}

	return results[0], nil
}

// dispatch is the core resolve-filter-invoke-aggregate loop, run
// after shutdown/normalization checks and wrapped by the middleware
// chain.
func (rt *Router) dispatch(ctx context.Context, env *contract.Envelope) ([]contract.Result, error) {
	rt.recordEvent(env.Event)

	handlers := rt.registry.Resolve(env.Event)
	results := make([]contract.Result, 0, len(handlers))

	for i, h := range handlers {
		if ctx.Err() != nil {
			// The emit deadline elapsed: abandon the remaining handler
			// list, one timeout entry per unfinished handler, rather
			// than invoking into an already-expired context.
			for range handlers[i:] {
				results = append(results, problem.New(problem.CodeTimeout, fmt.Sprintf("deadline exceeded before %q handler ran", env.Event)).Result())
			}

			return results, nil
		}

		if h.Filter != nil && !h.Filter(env.Data) {
			// filter_rejected is informational, not a failure: the
			// handler is skipped but its rejection is still visible in
			// the aggregated result list rather than silently dropped.
			results = append(results, problem.New(problem.CodeFilterRejected, fmt.Sprintf("%s/%s filtered out", h.Module, h.Name)).Result())

			continue
		}

		result, abort := rt.invoke(ctx, h, env)

		if abort != nil {
			return nil, abort
		}

		results = append(results, result)
	}

	results = append(results, rt.engine.Apply(ctx, rt.Emit, env)...)

	if remapped, ok := rt.engine.CheckResponseRoute(ctx, env); ok {
		remappedResults, err := rt.Emit(ctx, remapped)

		if err != nil {
			return nil, err
		}

		results = append(results, remappedResults...)
	}

	if m := rt.bridges.Load(); m != nil {
		m.Mirror(ctx, env.Event, env.Data)
	}

	return results, nil
}

// invoke runs a single handler, converting panics and returned errors
// into a captured Result in catch mode (the default) or aborting the
// emission in propagate mode.
func (rt *Router) invoke(ctx context.Context, h *contract.HandlerRecord, env *contract.Envelope) (contract.Result, error) {
	var (
		result contract.Result
		caught *problem.Problem
	)

	func() {
		defer func() {
			if r := recover(); r != nil {
				caught = problem.FromRecover(r)
			}
		}()

		out, err := h.Fn(ctx, env)

		if err != nil {
			caught = problem.New(problem.CodeHandlerError, err.Error())

			return
		}

		if out == nil {
			out = contract.Result{}
		}

		result = out
	}()

	if caught != nil {
		if rt.opts.ErrorMode == ErrorModePropagate {
			return nil, caught
		}

		return caught.Result(), nil
	}

	return result, nil
}

// RegisterHandler registers fn for pattern under (module, name), per
// internal/registry.Registry.Register.
func (rt *Router) RegisterHandler(pat, module, name string, fn contract.HandlerFunc, opts ...registry.Option) contract.HandlerId {
	return rt.registry.Register(pat, module, name, fn, opts...)
}

// UnregisterHandler removes a single handler registration.
func (rt *Router) UnregisterHandler(id contract.HandlerId) {
	rt.registry.Unregister(id)
}

// UnregisterModule removes every handler owned by module, backing the
// router:unregister_module operation.
func (rt *Router) UnregisterModule(module string) int {
	return rt.registry.UnregisterModule(module)
}

// RegisterTransformer registers a transformer rule, forwarding to the
// transform engine.
func (rt *Router) RegisterTransformer(owner string, cfg contract.TransformerConfig) (string, error) {
	return rt.engine.RegisterTransformer(owner, cfg)
}

// UnregisterTransformer removes a transformer registration (or
// decrements its shared reference count).
func (rt *Router) UnregisterTransformer(id string) bool {
	return rt.engine.UnregisterTransformer(id)
}

// ListTransformers returns every registered transformer's
// configuration.
func (rt *Router) ListTransformers() []contract.TransformerConfig {
	return rt.engine.ListTransformers()
}

// StartTask launches a supervised background task.
func (rt *Router) StartTask(ctx context.Context, name, owner string, replace bool, fn supervisor.TaskFunc) error {
	return rt.supervisor.Start(ctx, name, owner, replace, fn)
}

// CancelTask requests cancellation of a named background task.
func (rt *Router) CancelTask(name string) bool {
	return rt.supervisor.Cancel(name, rt.opts.TaskCancelGrace)
}

// ListTasks returns every currently running background task.
func (rt *Router) ListTasks() []supervisor.Info {
	return rt.supervisor.List()
}

// RegisterCriticalShutdown marks name as a critical handler that must
// emit shutdown:ack before the shutdown deadline elapses.
func (rt *Router) RegisterCriticalShutdown(name string) {
	rt.critMu.Lock()
	rt.criticals[name] = struct{}{}
	rt.critMu.Unlock()
}

// IsShuttingDown reports whether shutdown has been initiated.
func (rt *Router) IsShuttingDown() bool {
	return rt.shuttingDown.Load()
}

// Done returns a channel closed once the shutdown protocol has
// completed and the termination summary is available. The daemon's
// main loop selects on it so a system:shutdown arriving over the
// socket terminates the process just like a signal does.
func (rt *Router) Done() <-chan struct{} {
	return rt.done
}

// StartedAt reports when the router was constructed, for
// system:health's uptime field.
func (rt *Router) StartedAt() time.Time {
	return rt.startedAt
}

// Close releases the router's blocking worker pool and any attached
// bridge manager. Called once, after Shutdown, during process
// teardown.
func (rt *Router) Close() error {
	rt.blocking.Close()

	if m := rt.bridges.Load(); m != nil {
		return m.Close()
	}

	return nil
}

// HandlerCount reports the number of registered handlers.
func (rt *Router) HandlerCount() int {
	return rt.registry.Count()
}

// TransformerCount reports the number of registered transformers.
func (rt *Router) TransformerCount() int {
	return rt.engine.Count()
}

// TaskCount reports the number of currently running background tasks.
func (rt *Router) TaskCount() int {
	return rt.supervisor.Count()
}

// ListHandlers returns every registered handler record, for
// router:list_handlers and system:discover.
func (rt *Router) ListHandlers() []*contract.HandlerRecord {
	return rt.registry.List()
}

// SetBridges attaches the event bridge manager. Once set, every Emit
// mirrors its event to matching bridge brokers after aggregating
// results, never blocking or affecting the returned result list.
func (rt *Router) SetBridges(m *bridge.Manager) {
	rt.bridges.Store(m)
}

// BridgeCount reports the number of active event bridge mirrors, or
// zero if no bridge manager is attached.
func (rt *Router) BridgeCount() int {
	m := rt.bridges.Load()

	if m == nil {
		return 0
	}

	return m.Count()
}

// BridgeErrors reports the cumulative count of bridge mirror failures,
// or zero if no bridge manager is attached.
func (rt *Router) BridgeErrors() int64 {
	m := rt.bridges.Load()

	if m == nil {
		return 0
	}

	return m.Errors()
}

// recordEvent updates the per-event invocation counters that
// system:metrics exposes.
func (rt *Router) recordEvent(name string) {
	rt.metricsMu.Lock()
	defer rt.metricsMu.Unlock()

	rt.counts[name]++
	rt.lastSeen[name] = time.Now()
}

// EventMetrics returns a snapshot of per-event invocation counts and
// last-invocation timestamps, for system:metrics.
func (rt *Router) EventMetrics() (counts map[string]int64, lastSeen map[string]time.Time) {
	rt.metricsMu.Lock()
	defer rt.metricsMu.Unlock()

	counts = make(map[string]int64, len(rt.counts))
	lastSeen = make(map[string]time.Time, len(rt.lastSeen))

	for k, v := range rt.counts {
		counts[k] = v
	}

	for k, v := range rt.lastSeen {
		lastSeen[k] = v
	}

	return counts, lastSeen
}

// RunBlocking offloads fn to the router's bounded worker pool, for
// CPU-bound handler work that would otherwise block the cooperative
// dispatch loop. Sized from Options.BlockingPoolSize.
func (rt *Router) RunBlocking(ctx context.Context, fn workerpool.Job) (any, error) {
	return rt.blocking.Run(ctx, fn)
}
