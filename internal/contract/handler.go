package contract

import "context"

// HandlerId identifies a single registration in the Handler Registry.
// It is independent of the (module, name, pattern) identity triple:
// re-registering the same triple reuses the same HandlerId and updates
// the existing record in place.
type HandlerId string

// HandlerFunc is the function signature every registered handler
// implements. It receives the routed envelope and returns its
// contribution to the emit's aggregated Result list.
type HandlerFunc func(ctx context.Context, env *Envelope) (Result, error)

// FilterFunc is an optional predicate evaluated against an envelope's
// Data before a handler is invoked. A filter returning false drops the
// handler from dispatch for that one emission (reported as an
// informational "filter_rejected" result, not an error).
type FilterFunc func(data Data) bool

// ParamSpec documents a single declared handler parameter, returned
// verbatim by system:discover.
type ParamSpec struct {
	Name        string
	Type        string
	Required    bool
	Default     any
	Description string
}

// HandlerRecord is the registry's stored shape for one registration.
// Priority 0 is highest, 100 is lowest, ties broken by registration
// order (Seq).
type HandlerRecord struct {
	ID       HandlerId
	Pattern  string
	Fn       HandlerFunc
	Priority int
	Filter   FilterFunc
	Module   string
	Name     string
	IsAsync  bool
	Params   []ParamSpec
	Seq      uint64
}

// DefaultPriority is used when a caller does not specify one.
const DefaultPriority = 50
