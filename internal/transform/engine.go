// Package transform implements the declarative transformer engine:
// YAML-configured rules that map one event into another, synchronously
// or with correlated asynchronous response routing.
package transform

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/durapensa/ksid/internal/contract"
	"github.com/durapensa/ksid/internal/pattern"
	"github.com/durapensa/ksid/internal/problem"
)

// compiled pairs a registered transformer with its parsed condition, so
// the hot path (Resolve -> Apply) never reparses a condition string per
// emission.
type compiled struct {
	record    *contract.TransformerRecord
	condition *Condition
}

// Engine holds every registered transformer and the correlation table
// that backs asynchronous response routing. Its locking follows the
// registry's approach: mutations are exclusive, resolution is
// read-locked.
type Engine struct {
	mu       sync.RWMutex
	matcher  *pattern.Matcher
	byID     map[string]*compiled
	bySrc    map[string][]*compiled // keyed by "source\x00target" for refcounted shared ownership
	order    []*compiled            // registration order, which is also sync invocation order
	cache    contract.Cache
	seq      atomic.Uint64
	depthMax int
	ttl      time.Duration
}

// New creates an Engine. cache backs the async correlation table;
// callers typically pass an internal/cache.Memory or
// internal/cache.Redis instance. depthMax and ttl of zero fall back to
// the defaults (10, 10 minutes).
func New(matcher *pattern.Matcher, cache contract.Cache, depthMax int, ttl time.Duration) *Engine {
	if depthMax <= 0 {
		depthMax = contract.DefaultEmitDepthMax
	}

	if ttl <= 0 {
		ttl = contract.DefaultCorrelationTTL
	}

	return &Engine{
		matcher:  matcher,
		byID:     make(map[string]*compiled),
		bySrc:    make(map[string][]*compiled),
		cache:    cache,
		depthMax: depthMax,
		ttl:      ttl,
	}
}

func identityKey(cfg contract.TransformerConfig) string {
	return cfg.Source + "\x00" + cfg.Target
}

// RegisterTransformer compiles and stores cfg under owner. Re-registering
// an identical (source, target) pair from a different owner increments
// a shared reference count rather than creating a duplicate rule.
func (e *Engine) RegisterTransformer(owner string, cfg contract.TransformerConfig) (string, error) {
	if cfg.Source == "" || cfg.Target == "" {
		return "", fmt.Errorf("transformer requires both source and target")
	}

	if cfg.Async && cfg.ResponseRoute == nil {
		return "", fmt.Errorf("transformer %q -> %q: async transformers require response_route", cfg.Source, cfg.Target)
	}

	var cond *Condition

	if cfg.Condition != "" {
		parsed, err := ParseCondition(cfg.Condition)

		if err != nil {
			return "", fmt.Errorf("transformer %q: invalid condition: %w", cfg.Source, err)
		}

		cond = parsed
	}

	key := identityKey(cfg)

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range e.bySrc[key] {
		c.record.RefCount++
		return c.record.ID, nil
	}

	rec := &contract.TransformerRecord{
		ID:       uuid.NewString(),
		Config:   cfg,
		Owner:    owner,
		RefCount: 1,
		Seq:      e.seq.Add(1),
	}

	c := &compiled{record: rec, condition: cond}

	e.byID[rec.ID] = c
	e.bySrc[key] = append(e.bySrc[key], c)
	e.order = append(e.order, c)

	return rec.ID, nil
}

// UnregisterTransformer decrements the reference count for id's
// (source, target) pair, removing the rule entirely once it drops to
// zero. Reports whether id was known.
func (e *Engine) UnregisterTransformer(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.byID[id]

	if !ok {
		return false
	}

	c.record.RefCount--

	if c.record.RefCount > 0 {
		return true
	}

	delete(e.byID, id)

	key := identityKey(c.record.Config)
	e.bySrc[key] = removeCompiled(e.bySrc[key], id)

	if len(e.bySrc[key]) == 0 {
		delete(e.bySrc, key)
	}

	for i, oc := range e.order {
		if oc.record.ID == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}

	return true
}

func removeCompiled(list []*compiled, id string) []*compiled {
	out := list[:0]

	for _, c := range list {
		if c.record.ID != id {
			out = append(out, c)
		}
	}

	return out
}

// ListTransformers returns every registered transformer's configuration
// in registration order, for router:list_transformers.
func (e *Engine) ListTransformers() []contract.TransformerConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]contract.TransformerConfig, len(e.order))

	for i, c := range e.order {
		out[i] = c.record.Config
	}

	return out
}

// Count reports the number of distinct registered transformers.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.order)
}

// resolve returns the transformers whose source pattern matches name,
// in registration order.
func (e *Engine) resolve(name string) []*compiled {
	e.mu.RLock()
	defer e.mu.RUnlock()

	matched := make([]*compiled, 0, 4)

	for _, c := range e.order {
		if e.matcher.Matches(c.record.Config.Source, name) {
			matched = append(matched, c)
		}
	}

	return matched
}

// Apply runs every transformer whose source matches env.Event. Sync
// transformers emit their target through emit and contribute the
// target's results to the return value; async transformers are
// launched without waiting and contribute a queued ack. A transformer
// evaluation error becomes an error Result for this event rather than
// escaping Apply, so other handlers of the same source are
// unaffected.
func (e *Engine) Apply(ctx context.Context, emit func(context.Context, *contract.Envelope) ([]contract.Result, error), env *contract.Envelope) []contract.Result {
	matched := e.resolve(env.Event)

	if len(matched) == 0 {
		return nil
	}

	results := make([]contract.Result, 0, len(matched))

	for _, c := range matched {
		result := e.applyOne(ctx, emit, env, c)

		if result != nil {
			results = append(results, result...)
		}
	}

	return results
}

func (e *Engine) applyOne(ctx context.Context, emit func(context.Context, *contract.Envelope) ([]contract.Result, error), env *contract.Envelope, c *compiled) []contract.Result {
	srcCtx := buildContext(env.Data, metaMap(env))

	if c.condition != nil {
		ok, err := c.condition.Eval(srcCtx)

		if err != nil {
			return []contract.Result{problem.New(problem.CodeTransformError, err.Error()).Result()}
		}

		if !ok {
			return nil
		}
	}

	targetData, err := e.buildTargetData(c.record.Config, srcCtx)

	if err != nil {
		return []contract.Result{problem.New(problem.CodeTransformError, err.Error()).Result()}
	}

	if env.Meta.Depth+1 > e.depthMax {
		return []contract.Result{problem.New(problem.CodeCyclicTransform, fmt.Sprintf(
			"transformer %q -> %q exceeded max depth %d", c.record.Config.Source, c.record.Config.Target, e.depthMax,
		)).Result()}
	}

	target := &contract.Envelope{
		Event:         c.record.Config.Target,
		Data:          targetData,
		CorrelationID: env.CorrelationID,
		OriginatorID:  env.OriginatorID,
		ConstructID:   env.ConstructID,
		Meta: contract.Meta{
			ClientID:    env.Meta.ClientID,
			Seq:         env.Meta.Seq,
			Depth:       env.Meta.Depth + 1,
			CancelToken: env.Meta.CancelToken,
			EventName:   c.record.Config.Target,
		},
	}

	if !c.record.Config.Async {
		res, err := emit(ctx, target)

		if err != nil {
			return []contract.Result{problem.New(problem.CodeTransformError, err.Error()).Result()}
		}

		return res
	}

	return []contract.Result{e.startAsync(ctx, emit, env, c, target)}
}

// buildTargetData evaluates a transformer's mapping against srcCtx. An
// async transformer's target data always carries _transform_id once
// startAsync assigns one; the plain mapping result is returned here and
// stamped by the caller.
func (e *Engine) buildTargetData(cfg contract.TransformerConfig, srcCtx map[string]any) (contract.Data, error) {
	if cfg.Mapping == nil {
		return contract.Data{}, nil
	}

	evaluated, err := evalMapping(map[string]any(cfg.Mapping), srcCtx)

	if err != nil {
		return nil, err
	}

	out, ok := evaluated.(map[string]any)

	if !ok {
		return nil, fmt.Errorf("transformer %q: mapping did not evaluate to an object", cfg.Source)
	}

	return contract.Data(out), nil
}

// startAsync stamps target with a fresh transform id, records a
// correlation entry for CheckResponseRoute to later find, and emits the
// target without waiting for its result.
func (e *Engine) startAsync(ctx context.Context, emit func(context.Context, *contract.Envelope) ([]contract.Result, error), original *contract.Envelope, c *compiled, target *contract.Envelope) contract.Result {
	transformID := uuid.NewString()
	target.Data["_transform_id"] = transformID

	entry := contract.CorrelationEntry{
		TransformID:   transformID,
		ResponseTo:    c.record.Config.ResponseRoute.To,
		CorrelationID: original.CorrelationID,
		OriginatorID:  original.OriginatorID,
		ConstructID:   original.ConstructID,
		CreatedAt:     time.Now(),
	}

	if e.cache != nil {
		if err := e.cache.Put(ctx, correlationKey(transformID), entry, e.ttl); err != nil {
			return problem.New(problem.CodeTransformError, fmt.Sprintf("storing correlation entry: %v", err)).Result()
		}
	}

	go func() {
		// Fire-and-forget: the async transformer's own completion is
		// observed later via CheckResponseRoute, not through this
		// call's return value.
		_, _ = emit(context.WithoutCancel(ctx), target)
	}()

	return contract.Result{
		"status":       "queued",
		"transform_id": transformID,
	}
}

// CheckResponseRoute inspects env against every registered async
// transformer's response_route.from pattern. If env carries a
// _transform_id that matches a live correlation entry routed through
// that pattern, it returns a remapped envelope (event renamed to
// response_route.to, original caller context restored) and consumes the
// entry so at most one remap occurs per transform id.
func (e *Engine) CheckResponseRoute(ctx context.Context, env *contract.Envelope) (*contract.Envelope, bool) {
	transformID, ok := env.Data["_transform_id"].(string)

	if !ok || transformID == "" || e.cache == nil {
		return nil, false
	}

	raw, err := e.cache.Get(ctx, correlationKey(transformID))

	if err != nil {
		return nil, false
	}

	entry, ok := decodeCorrelationEntry(raw)

	if !ok {
		return nil, false
	}

	if !e.matchesAnyResponseFrom(env.Event, entry) {
		return nil, false
	}

	_ = e.cache.Delete(ctx, correlationKey(transformID))

	remapped := env.Clone()
	delete(remapped.Data, "_transform_id")
	remapped.Event = entry.ResponseTo
	remapped.CorrelationID = entry.CorrelationID
	remapped.OriginatorID = entry.OriginatorID
	remapped.ConstructID = entry.ConstructID
	remapped.Meta.EventName = entry.ResponseTo

	return remapped, true
}

// matchesAnyResponseFrom reports whether name matches the
// response_route.from pattern of some registered async transformer that
// routes to entry.ResponseTo. The correlation entry alone identifies
// the target; this guards against a name collision with an unrelated
// transformer that happens to route to the same event.
func (e *Engine) matchesAnyResponseFrom(name string, entry contract.CorrelationEntry) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, c := range e.order {
		route := c.record.Config.ResponseRoute

		if route == nil || route.To != entry.ResponseTo {
			continue
		}

		if e.matcher.Matches(route.From, name) {
			return true
		}
	}

	return false
}

func correlationKey(transformID string) string {
	return "transform:" + transformID
}

// decodeCorrelationEntry accepts either a contract.CorrelationEntry
// returned as-is (the in-process Memory cache) or its JSON round-tripped
// map[string]any shape (the Redis cache, which only stores bytes), so
// CheckResponseRoute behaves the same against either backend.
func decodeCorrelationEntry(raw any) (contract.CorrelationEntry, bool) {
	if entry, ok := raw.(contract.CorrelationEntry); ok {
		return entry, true
	}

	m, ok := raw.(map[string]any)

	if !ok {
		return contract.CorrelationEntry{}, false
	}

	entry := contract.CorrelationEntry{
		TransformID:   stringField(m, "TransformID"),
		ResponseTo:    stringField(m, "ResponseTo"),
		CorrelationID: stringField(m, "CorrelationID"),
		OriginatorID:  stringField(m, "OriginatorID"),
		ConstructID:   stringField(m, "ConstructID"),
	}

	if entry.ResponseTo == "" {
		return contract.CorrelationEntry{}, false
	}

	return entry, true
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)

	return s
}

func metaMap(env *contract.Envelope) map[string]any {
	return map[string]any{
		"event_name": env.Meta.EventName,
		"depth":      env.Meta.Depth,
		"client_id":  env.Meta.ClientID,
		"seq":        env.Meta.Seq,
	}
}
