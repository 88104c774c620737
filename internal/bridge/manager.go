// Package bridge mirrors emitted events onto external pub/sub
// backends (memory, NATS, AMQP, MQTT, Redis), for observability,
// federation, or audit trails.
//
// The bridge is strictly one-directional and opt-in: nothing published
// on a bridge broker is re-injected into the router.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/durapensa/ksid/internal/contract"
	"github.com/durapensa/ksid/internal/pattern"
)

type mirror struct {
	pattern string
	broker  contract.Events
}

// Manager holds every attached broker mirror and publishes a
// best-effort copy of matching emissions to each of them.
type Manager struct {
	mu      sync.RWMutex
	matcher *pattern.Matcher
	mirrors []*mirror
	logger  *slog.Logger
	errors  atomic.Int64
}

// New creates an empty Manager. A nil logger discards output, matching
// every other component's convention in this daemon.
func New(matcher *pattern.Matcher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Manager{matcher: matcher, logger: logger}
}

// RegisterBridge attaches broker to mirror every emitted event
// matching pat, rejecting a malformed pattern up front instead of
// letting it silently never match.
func (m *Manager) RegisterBridge(pat string, broker contract.Events) error {
	if err := pattern.Validate(pat); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.mirrors = append(m.mirrors, &mirror{pattern: pat, broker: broker})

	return nil
}

// Mirror publishes a fire-and-forget copy of (name, data) to every
// attached broker whose pattern matches name. It never blocks the
// caller's emit and never surfaces a publish failure to it: failures
// are logged and counted only.
func (m *Manager) Mirror(ctx context.Context, name string, data contract.Data) {
	m.mu.RLock()
	mirrors := append([]*mirror{}, m.mirrors...)
	m.mu.RUnlock()

	for _, mr := range mirrors {
		if !m.matcher.Matches(mr.pattern, name) {
			continue
		}

		go func(mr *mirror) {
			if err := mr.broker.Publish(context.WithoutCancel(ctx), name, data); err != nil {
				m.errors.Add(1)
				m.logger.Warn("bridge publish failed", "pattern", mr.pattern, "event", name, "err", err)
			}
		}(mr)
	}
}

// Count reports the number of attached broker mirrors, for
// system:health's bridge_count field.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.mirrors)
}

// Errors reports the cumulative count of publish failures since start,
// for system:metrics' bridge_errors field.
func (m *Manager) Errors() int64 {
	return m.errors.Load()
}

// Close closes every attached broker, joining any close errors.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	errs := make([]error, 0, len(m.mirrors))

	for _, mr := range m.mirrors {
		if err := mr.broker.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
