package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/durapensa/ksid/internal/contract"
)

// DefaultNATSURL is the default connection URL for a local NATS
// server.
const DefaultNATSURL = nats.DefaultURL

// DefaultNATSReconnectWait is the backoff between reconnection
// attempts.
const DefaultNATSReconnectWait = 2 * time.Second

// NATSBroker mirrors emitted events onto NATS subjects. Colon
// -segmented event names are translated to dot-segmented NATS subjects
// on the wire, since NATS reserves "." as its own subject
// separator.
type NATSBroker struct {
	conn *nats.Conn
}

// NATSBrokerOptions configures a NATS connection.
type NATSBrokerOptions struct {
	URLs          []string
	Name          string
	ReconnectWait time.Duration
	Username      string
	Password      string
	Token         string
}

// NewNATSBroker connects to url with the package's reconnection
// defaults (unlimited retries, 2s backoff).
func NewNATSBroker(url string) (*NATSBroker, error) {
	return NewNATSBrokerWith(&NATSBrokerOptions{URLs: []string{url}})
}

// NewNATSBrokerWith connects using the given options, applying
// defaults for anything left unset.
func NewNATSBrokerWith(options *NATSBrokerOptions) (*NATSBroker, error) {
	opts := []nats.Option{nats.MaxReconnects(-1)}

	if options.Name != "" {
		opts = append(opts, nats.Name(options.Name))
	}

	reconnectWait := DefaultNATSReconnectWait

	if options.ReconnectWait != 0 {
		reconnectWait = options.ReconnectWait
	}

	opts = append(opts, nats.ReconnectWait(reconnectWait))

	if options.Username != "" && options.Password != "" {
		opts = append(opts, nats.UserInfo(options.Username, options.Password))
	}

	if options.Token != "" {
		opts = append(opts, nats.Token(options.Token))
	}

	urls := options.URLs

	if len(urls) == 0 {
		urls = []string{DefaultNATSURL}
	}

	conn, err := nats.Connect(strings.Join(urls, ","), opts...)

	if err != nil {
		return nil, err
	}

	return NewNATSBrokerFrom(conn), nil
}

// NewNATSBrokerFrom wraps an existing connection. The broker takes
// ownership and closes it on Close.
func NewNATSBrokerFrom(conn *nats.Conn) *NATSBroker {
	return &NATSBroker{conn: conn}
}

func eventToSubject(event string) string {
	return strings.ReplaceAll(event, ":", ".")
}

// Publish JSON-encodes payload and publishes it to the NATS subject
// translated from event.
func (b *NATSBroker) Publish(_ context.Context, event string, payload any) error {
	encoded, err := json.Marshal(payload)

	if err != nil {
		return err
	}

	return b.conn.Publish(eventToSubject(event), encoded)
}

// Subscribe translates event (which may use ksid's "*"/"**" glob
// conventions) to a NATS wildcard subject ("*" for one token, ">" for
// one-or-more trailing tokens) and registers handler against it.
func (b *NATSBroker) Subscribe(_ context.Context, event string, handler contract.EventHandler) (contract.EventUnsubscribeFunc, error) {
	subject := eventToSubject(event)
	subject = strings.ReplaceAll(subject, "**", ">")

	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(func(dest any) error {
			return json.Unmarshal(msg.Data, dest)
		})
	})

	if err != nil {
		return nil, err
	}

	return sub.Unsubscribe, nil
}

// Close drains and closes the underlying NATS connection.
func (b *NATSBroker) Close() error {
	return b.conn.Drain()
}
