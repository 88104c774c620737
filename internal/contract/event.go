// Package contract defines the interfaces and wire-adjacent data types
// shared across the router, transformer engine, supervisor, transport,
// and bridge packages. Keeping them here (rather than on the concrete
// types) avoids import cycles between packages that depend on each
// other only through behavior, not concrete types.
package contract

import "context"

// Data is the JSON-object payload carried by an event envelope. It is
// deliberately a plain map rather than a typed struct: handler payload
// shapes are validated, not statically enforced.
type Data map[string]any

// Result is a single handler or transformer invocation's contribution
// to an emit's aggregated response. A Result carrying an "error" key
// represents a captured failure (handler_error, transform_error, ...)
// rather than a panic escaping emit.
type Result map[string]any

// Meta carries transport- and router-injected fields that are never
// trusted from a client: depth counters, cancellation, and per
// -connection identity.
type Meta struct {
	ClientID    string
	Seq         uint64
	Depth       int
	CancelToken context.Context
	EventName   string
}

// Envelope is the in-process representation of a routed event.
type Envelope struct {
	Event         string
	Data          Data
	CorrelationID string
	OriginatorID  string
	ConstructID   string
	Meta          Meta
}

// Clone returns a shallow copy of the envelope with a fresh Data map,
// so that transformers and recursive emissions never mutate a caller's
// payload in place.
func (e *Envelope) Clone() *Envelope {
	data := make(Data, len(e.Data))

	for k, v := range e.Data {
		data[k] = v
	}

	return &Envelope{
		Event:         e.Event,
		Data:          data,
		CorrelationID: e.CorrelationID,
		OriginatorID:  e.OriginatorID,
		ConstructID:   e.ConstructID,
		Meta:          e.Meta,
	}
}

// EventPayload lazily decodes a broker message into dest, so a
// subscriber only pays for decoding when it actually reads the
// payload.
type EventPayload = func(dest any) error

// EventHandler receives a lazily-decodable payload for a bridge
// subscription.
type EventHandler = func(payload EventPayload)

// EventUnsubscribeFunc removes a single bridge subscription.
type EventUnsubscribeFunc = func() error

// Events is the contract a bridge broker adapter (memory, Redis, NATS,
// AMQP, MQTT) must satisfy.
type Events interface {
	Publish(ctx context.Context, event string, payload any) error
	Subscribe(ctx context.Context, event string, handler EventHandler) (EventUnsubscribeFunc, error)
	Close() error
}

// Emitter is the narrow slice of the router that the transformer
// engine and the bridge manager depend on. Depending on this interface
// instead of the concrete *router.Router avoids a router<->transform
// and router<->bridge import cycle.
type Emitter interface {
	Emit(ctx context.Context, env *Envelope) ([]Result, error)
}
