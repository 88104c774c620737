// Package registry stores event handlers indexed by exact name and by
// pattern, with priority ordering and idempotent registration keyed on
// the (module, name, pattern) identity triple.
package registry

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/durapensa/ksid/internal/contract"
	"github.com/durapensa/ksid/internal/pattern"
)

type identity struct {
	module  string
	name    string
	pattern string
}

// Registry stores handler registrations and resolves them against an
// event name on the hot path.
type Registry struct {
	mu       sync.RWMutex
	matcher  *pattern.Matcher
	byID     map[contract.HandlerId]*contract.HandlerRecord
	byIdent  map[identity]contract.HandlerId
	literal  map[string][]*contract.HandlerRecord // patterns with no glob metacharacters
	globs    []*contract.HandlerRecord
	resolved map[string][]*contract.HandlerRecord // memoized resolve() results
	seq      atomic.Uint64
}

// New creates an empty Registry.
func New(matcher *pattern.Matcher) *Registry {
	return &Registry{
		matcher:  matcher,
		byID:     make(map[contract.HandlerId]*contract.HandlerRecord),
		byIdent:  make(map[identity]contract.HandlerId),
		literal:  make(map[string][]*contract.HandlerRecord),
		resolved: make(map[string][]*contract.HandlerRecord),
	}
}

// Option configures a Register call.
type Option func(*contract.HandlerRecord)

// WithPriority sets the handler's dispatch priority (0 = highest, 100
// = lowest; default 50).
func WithPriority(priority int) Option {
	return func(r *contract.HandlerRecord) { r.Priority = priority }
}

// WithFilter attaches a predicate over the envelope's data; a handler
// whose filter returns false is skipped for that emission.
func WithFilter(filter contract.FilterFunc) Option {
	return func(r *contract.HandlerRecord) { r.Filter = filter }
}

// WithAsync marks the handler as asynchronous, for discovery and
// logging purposes; the router awaits async and sync handlers alike,
// since goroutines make the distinction a documentation concern rather
// than a scheduling one.
func WithAsync() Option {
	return func(r *contract.HandlerRecord) { r.IsAsync = true }
}

// WithParams attaches discovery metadata returned by system:discover.
func WithParams(params ...contract.ParamSpec) Option {
	return func(r *contract.HandlerRecord) { r.Params = params }
}

// Register stores a handler for pattern under the given (module, name)
// identity. Repeated registration of the same (module, name, pattern)
// triple is idempotent: it updates priority/filter/params on the
// existing record rather than creating a new one.
func (r *Registry) Register(p, module, name string, fn contract.HandlerFunc, opts ...Option) contract.HandlerId {
	r.mu.Lock()
	defer r.mu.Unlock()

	ident := identity{module: module, name: name, pattern: p}

	if id, ok := r.byIdent[ident]; ok {
		existing := r.byID[id]
		existing.Fn = fn
		existing.Priority = contract.DefaultPriority

		for _, opt := range opts {
			opt(existing)
		}

		r.invalidate()

		return id
	}

	record := &contract.HandlerRecord{
		ID:       contract.HandlerId(uuid.NewString()),
		Pattern:  p,
		Fn:       fn,
		Priority: contract.DefaultPriority,
		Module:   module,
		Name:     name,
		Seq:      r.seq.Add(1),
	}

	for _, opt := range opts {
		opt(record)
	}

	r.byID[record.ID] = record
	r.byIdent[ident] = record.ID

	if pattern.IsExact(p) {
		r.literal[p] = append(r.literal[p], record)
	} else {
		r.globs = append(r.globs, record)
	}

	r.invalidate()

	return record.ID
}

// Unregister removes a handler by its HandlerId. It is a no-op if the
// id is unknown.
func (r *Registry) Unregister(id contract.HandlerId) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.byID[id]

	if !ok {
		return
	}

	delete(r.byID, id)
	delete(r.byIdent, identity{module: record.Module, name: record.Name, pattern: record.Pattern})

	if pattern.IsExact(record.Pattern) {
		r.literal[record.Pattern] = removeRecord(r.literal[record.Pattern], id)

		if len(r.literal[record.Pattern]) == 0 {
			delete(r.literal, record.Pattern)
		}
	} else {
		r.globs = removeRecord(r.globs, id)
	}

	r.invalidate()
}

// UnregisterModule removes every handler owned by module, so a module
// can be torn down and re-registered wholesale.
func (r *Registry) UnregisterModule(module string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0

	for id, record := range r.byID {
		if record.Module != module {
			continue
		}

		delete(r.byID, id)
		delete(r.byIdent, identity{module: record.Module, name: record.Name, pattern: record.Pattern})

		if pattern.IsExact(record.Pattern) {
			r.literal[record.Pattern] = removeRecord(r.literal[record.Pattern], id)

			if len(r.literal[record.Pattern]) == 0 {
				delete(r.literal, record.Pattern)
			}
		} else {
			r.globs = removeRecord(r.globs, id)
		}

		removed++
	}

	if removed > 0 {
		r.invalidate()
	}

	return removed
}

// Resolve returns the handlers whose pattern matches name, globally
// ordered by (priority ascending, registration order ascending).
// Results are memoized until the next mutation invalidates the
// cache.
func (r *Registry) Resolve(name string) []*contract.HandlerRecord {
	r.mu.RLock()
	if cached, ok := r.resolved[name]; ok {
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another goroutine may have resolved and cached it while we
	// waited for the write lock.
	if cached, ok := r.resolved[name]; ok {
		return cached
	}

	matches := append([]*contract.HandlerRecord{}, r.literal[name]...)

	for _, record := range r.globs {
		if r.matcher.Matches(record.Pattern, name) {
			matches = append(matches, record)
		}
	}

	slices.SortFunc(matches, func(a, b *contract.HandlerRecord) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}

		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		default:
			return 0
		}
	})

	r.resolved[name] = matches

	return matches
}

// Count returns the number of currently registered handlers, used by
// system:health.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byID)
}

// List returns every registered record's pattern and declared
// parameters, used by system:discover and router:list_handlers.
func (r *Registry) List() []*contract.HandlerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*contract.HandlerRecord, 0, len(r.byID))

	for _, record := range r.byID {
		out = append(out, record)
	}

	slices.SortFunc(out, func(a, b *contract.HandlerRecord) int {
		return int(a.Seq) - int(b.Seq)
	})

	return out
}

// invalidate must be called with mu held for writing. It discards the
// memoized resolve() results; the registry is the hot path's only
// writer of r.resolved so a full clear is cheap and simple.
func (r *Registry) invalidate() {
	r.resolved = make(map[string][]*contract.HandlerRecord)
}

func removeRecord(records []*contract.HandlerRecord, id contract.HandlerId) []*contract.HandlerRecord {
	out := records[:0]

	for _, record := range records {
		if record.ID != id {
			out = append(out, record)
		}
	}

	return out
}
