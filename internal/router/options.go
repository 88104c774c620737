package router

import (
	"log/slog"
	"time"

	"github.com/durapensa/ksid/internal/contract"
)

// ErrorMode selects how a handler's error or panic is reported.
type ErrorMode string

const (
	// ErrorModeCatch captures a handler failure as a {error:
	// "handler_error", ...} result and continues dispatching the
	// remaining handlers. This is the default.
	ErrorModeCatch ErrorMode = "catch"

	// ErrorModePropagate aborts the emission on the first handler
	// failure, surfacing it to the caller instead of the remaining
	// handlers' results.
	ErrorModePropagate ErrorMode = "propagate"
)

// Options configures a Router: one struct with sensible zero values
// callers can selectively override.
type Options struct {
	// ErrorMode controls handler failure propagation.
	ErrorMode ErrorMode

	// EmitDepthMax is the transformer re-emission depth at which a
	// cyclic_transform error is raised.
	EmitDepthMax int

	// CorrelationTTL is how long an async transformer's correlation
	// entry survives before it is discarded unmatched.
	CorrelationTTL time.Duration

	// ShutdownDeadline is how long system:shutdown waits for critical
	// handlers to acknowledge before forcing termination.
	ShutdownDeadline time.Duration

	// TaskCancelGrace is how long CancelAll waits for a background
	// task to honor cancellation before it is force-detached and
	// reported outstanding.
	TaskCancelGrace time.Duration

	// BlockingPoolSize sizes the worker pool backing RunBlocking.
	BlockingPoolSize int

	// Cache backs the transformer engine's async correlation table. If
	// nil, an in-process internal/cache.Memory is used.
	Cache contract.Cache

	// Logger receives structured router, supervisor, and shutdown log
	// lines. If nil, output is discarded.
	Logger *slog.Logger
}

// DefaultOptions carries the daemon's fixed defaults: catch-mode error
// handling, a transform depth limit of 10, and a 10 minute correlation
// TTL.
var DefaultOptions = Options{
	ErrorMode:        ErrorModeCatch,
	EmitDepthMax:     contract.DefaultEmitDepthMax,
	CorrelationTTL:   contract.DefaultCorrelationTTL,
	ShutdownDeadline: 30 * time.Second,
	TaskCancelGrace:  5 * time.Second,
	BlockingPoolSize: 4,
	Logger:           slog.New(slog.DiscardHandler),
}
