package router

import (
	"context"

	"github.com/durapensa/ksid/internal/contract"
)

// NextFunc is the continuation a Middleware wraps, matching the
// signature of Router.Emit itself.
type NextFunc func(ctx context.Context, env *contract.Envelope) ([]contract.Result, error)

// Middleware wraps a NextFunc with additional behavior. Calling next
// is what runs the rest of the chain; a middleware that never calls
// next short-circuits the emission.
type Middleware func(next NextFunc) NextFunc

// chain composes middlewares around core in registration order: the
// first-registered middleware is outermost and runs first. The chain
// is built once on mutation and reused instead of re-wrapped per
// call.
func chain(core NextFunc, middlewares []Middleware) NextFunc {
	wrapped := core

	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}

	return wrapped
}
