package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/durapensa/ksid/internal/contract"
	"github.com/durapensa/ksid/internal/pattern"
)

// ErrBrokerClosed is returned by a closed MemoryBroker.
var ErrBrokerClosed = errors.New("broker is closed")

// MemoryBroker is a zero-configuration contract.Events implementation
// for tests and local development: no external process required.
// Subscriptions match with the same colon-segmented patterns the
// router uses.
type MemoryBroker struct {
	mu       sync.RWMutex
	matcher  *pattern.Matcher
	handlers map[string]map[string]contract.EventHandler
	nextID   atomic.Uint64
	closed   atomic.Bool
}

// NewMemoryBroker creates a ready-to-use in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		matcher:  pattern.New(),
		handlers: make(map[string]map[string]contract.EventHandler),
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, event string, payload any) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	encoded, err := json.Marshal(payload)

	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for pat, handlers := range b.handlers {
		if !b.matcher.Matches(pat, event) {
			continue
		}

		for _, handler := range handlers {
			go deliver(handler, encoded)
		}
	}

	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, event string, handler contract.EventHandler) (contract.EventUnsubscribeFunc, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}

	id := fmt.Sprintf("%d", b.nextID.Add(1))

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[event] == nil {
		b.handlers[event] = make(map[string]contract.EventHandler)
	}

	b.handlers[event][id] = handler

	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()

		if handlers, ok := b.handlers[event]; ok {
			delete(handlers, id)

			if len(handlers) == 0 {
				delete(b.handlers, event)
			}
		}

		return nil
	}, nil
}

func (b *MemoryBroker) Close() error {
	b.closed.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = make(map[string]map[string]contract.EventHandler)

	return nil
}

func deliver(handler contract.EventHandler, encoded []byte) {
	defer func() { recover() }()

	handler(func(dest any) error {
		return json.Unmarshal(encoded, dest)
	})
}
