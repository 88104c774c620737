package bridge

import (
	"context"
	"encoding/json"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/durapensa/ksid/internal/contract"
)

// DefaultAMQPExchange is the topic exchange ksid publishes mirrored
// events to, unless overridden.
const DefaultAMQPExchange = "ksid.events"

// AMQPBroker mirrors emitted events onto a RabbitMQ topic exchange,
// using the event name as the routing key.
type AMQPBroker struct {
	conn     *amqp091.Connection
	pubCh    *amqp091.Channel
	exchange string
	mu       sync.Mutex
}

// AMQPBrokerOptions configures a new AMQPBroker.
type AMQPBrokerOptions struct {
	URL      string
	Exchange string
}

// NewAMQPBroker dials url and declares the default topic exchange.
func NewAMQPBroker(url string) (*AMQPBroker, error) {
	return NewAMQPBrokerWith(&AMQPBrokerOptions{URL: url})
}

// NewAMQPBrokerWith dials using options, falling back to
// DefaultAMQPExchange if none is given.
func NewAMQPBrokerWith(options *AMQPBrokerOptions) (*AMQPBroker, error) {
	conn, err := amqp091.Dial(options.URL)

	if err != nil {
		return nil, err
	}

	exchange := options.Exchange

	if exchange == "" {
		exchange = DefaultAMQPExchange
	}

	return NewAMQPBrokerFrom(conn, exchange)
}

// NewAMQPBrokerFrom wraps an existing connection, declaring exchange
// as a durable topic exchange (idempotent if it already exists with a
// matching configuration).
func NewAMQPBrokerFrom(conn *amqp091.Connection, exchange string) (*AMQPBroker, error) {
	pubCh, err := conn.Channel()

	if err != nil {
		return nil, err
	}

	if err := pubCh.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		pubCh.Close()

		return nil, err
	}

	return &AMQPBroker{conn: conn, pubCh: pubCh, exchange: exchange}, nil
}

// Publish JSON-encodes payload and publishes it with event as the
// routing key.
func (b *AMQPBroker) Publish(ctx context.Context, event string, payload any) error {
	encoded, err := json.Marshal(payload)

	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.pubCh.PublishWithContext(ctx, b.exchange, event, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Body:        encoded,
	})
}

// Subscribe binds a fresh exclusive, auto-delete queue to event on the
// topic exchange and delivers messages to handler until the returned
// unsubscribe func is called.
func (b *AMQPBroker) Subscribe(ctx context.Context, event string, handler contract.EventHandler) (contract.EventUnsubscribeFunc, error) {
	ch, err := b.conn.Channel()

	if err != nil {
		return nil, err
	}

	queue, err := ch.QueueDeclare("", false, true, true, false, nil)

	if err != nil {
		ch.Close()
		return nil, err
	}

	if err := ch.QueueBind(queue.Name, event, b.exchange, false, nil); err != nil {
		ch.Close()
		return nil, err
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue.Name, "", true, true, false, false, nil)

	if err != nil {
		ch.Close()
		return nil, err
	}

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		for delivery := range deliveries {
			handler(func(dest any) error {
				return json.Unmarshal(delivery.Body, dest)
			})
		}
	}()

	return func() error {
		defer wg.Wait()

		return ch.Close()
	}, nil
}

// Close closes the publish channel and the underlying connection.
func (b *AMQPBroker) Close() error {
	if b.pubCh != nil {
		if err := b.pubCh.Close(); err != nil {
			b.conn.Close()
			return err
		}
	}

	return b.conn.Close()
}
