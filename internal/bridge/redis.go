package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/durapensa/ksid/internal/contract"
)

// RedisBrokerOptions re-exports redis.Options so callers never need to
// import go-redis directly just to mirror events.
type RedisBrokerOptions = redis.Options

// RedisBroker mirrors emitted events onto Redis pub/sub channels.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker creates a RedisBroker from connection options.
func NewRedisBroker(options *RedisBrokerOptions) *RedisBroker {
	return NewRedisBrokerFrom(redis.NewClient(options))
}

// NewRedisBrokerFrom wraps an existing client.
func NewRedisBrokerFrom(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Publish JSON-encodes payload and publishes it on the event channel.
func (b *RedisBroker) Publish(ctx context.Context, event string, payload any) error {
	encoded, err := json.Marshal(payload)

	if err != nil {
		return err
	}

	return b.client.Publish(ctx, event, encoded).Err()
}

// Subscribe pattern-subscribes to event (ksid's "*"/"?" glob
// conventions already match Redis PSUBSCRIBE's own glob syntax for a
// single segment) and delivers messages to handler until the returned
// unsubscribe func is called.
func (b *RedisBroker) Subscribe(ctx context.Context, event string, handler contract.EventHandler) (contract.EventUnsubscribeFunc, error) {
	sub := b.client.PSubscribe(ctx, strings.ReplaceAll(event, "**", "*"))

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		for message := range sub.Channel() {
			handler(func(dest any) error {
				return json.Unmarshal([]byte(message.Payload), dest)
			})
		}
	}()

	return func() error {
		defer wg.Wait()

		return sub.Close()
	}, nil
}

// Close closes the underlying Redis client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
