package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/durapensa/ksid/internal/contract"
)

// DefaultMQTTQoS is the quality of service level used when none is
// given.
const DefaultMQTTQoS = 1

// DefaultMQTTKeepAlive is the keep-alive interval, in seconds, used
// when none is given.
const DefaultMQTTKeepAlive = 30

// MQTTBroker mirrors emitted events onto MQTT v5 topics via the Paho
// autopaho connection manager. Event names are converted to topic
// format by turning ":" into "/", "**" into "#", and "*" into "+".
type MQTTBroker struct {
	client *autopaho.ConnectionManager
	qos    byte

	mu            sync.RWMutex
	handlers      map[string]map[string]contract.EventHandler
	subscriptions map[string]bool
	nextID        atomic.Uint64
}

// MQTTBrokerOptions configures a new MQTTBroker.
type MQTTBrokerOptions struct {
	URLs      []string
	QoS       byte
	Username  string
	Password  string
	KeepAlive uint16
}

func eventToTopic(event string) string {
	topic := strings.ReplaceAll(event, ":", "/")
	topic = strings.ReplaceAll(topic, "**", "#")

	return strings.ReplaceAll(topic, "*", "+")
}

// NewMQTTBroker connects to url with the package's QoS and keep-alive
// defaults.
func NewMQTTBroker(url string) (*MQTTBroker, error) {
	return NewMQTTBrokerWith(&MQTTBrokerOptions{URLs: []string{url}, QoS: DefaultMQTTQoS})
}

// NewMQTTBrokerWith connects using options, applying defaults for
// anything left unset.
func NewMQTTBrokerWith(options *MQTTBrokerOptions) (*MQTTBroker, error) {
	qos := options.QoS

	if qos == 0 {
		qos = DefaultMQTTQoS
	}

	keepAlive := options.KeepAlive

	if keepAlive == 0 {
		keepAlive = DefaultMQTTKeepAlive
	}

	urls := make([]*url.URL, len(options.URLs))

	for i, raw := range options.URLs {
		u, err := url.Parse(raw)

		if err != nil {
			return nil, fmt.Errorf("invalid mqtt url %q: %w", raw, err)
		}

		urls[i] = u
	}

	broker := &MQTTBroker{
		qos:           qos,
		handlers:      make(map[string]map[string]contract.EventHandler),
		subscriptions: make(map[string]bool),
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    urls,
		KeepAlive:                     keepAlive,
		CleanStartOnInitialConnection: true,
		ClientConfig: paho.ClientConfig{
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					broker.route(pr.Packet)

					return true, nil
				},
			},
		},
	}

	if options.Username != "" {
		cfg.ConnectUsername = options.Username
		cfg.ConnectPassword = []byte(options.Password)
	}

	cm, err := autopaho.NewConnection(context.Background(), cfg)

	if err != nil {
		return nil, err
	}

	broker.client = cm

	return broker, nil
}

// route fans an incoming MQTT publish out to every handler whose
// subscribed topic this message's topic satisfies.
func (b *MQTTBroker) route(pb *paho.Publish) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for topic, handlers := range b.handlers {
		if !mqttTopicMatches(topic, pb.Topic) {
			continue
		}

		for _, handler := range handlers {
			handler(func(dest any) error {
				return json.Unmarshal(pb.Payload, dest)
			})
		}
	}
}

// Publish JSON-encodes payload and publishes it to event's translated
// topic at the broker's configured QoS.
func (b *MQTTBroker) Publish(ctx context.Context, event string, payload any) error {
	encoded, err := json.Marshal(payload)

	if err != nil {
		return err
	}

	_, err = b.client.Publish(ctx, &paho.Publish{
		Topic:   eventToTopic(event),
		QoS:     b.qos,
		Payload: encoded,
		Properties: &paho.PublishProperties{
			ContentType: "application/json",
		},
	})

	return err
}

// Subscribe registers handler against event's translated topic,
// issuing an MQTT SUBSCRIBE only for the first handler on that topic
// (fan-out for the rest) and an UNSUBSCRIBE only once the last handler
// is removed.
func (b *MQTTBroker) Subscribe(ctx context.Context, event string, handler contract.EventHandler) (contract.EventUnsubscribeFunc, error) {
	topic := eventToTopic(event)
	id := strconv.FormatUint(b.nextID.Add(1), 10)

	b.mu.Lock()
	isFirst := !b.subscriptions[topic]
	b.subscriptions[topic] = true

	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[string]contract.EventHandler)
	}

	b.handlers[topic][id] = handler
	b.mu.Unlock()

	if isFirst {
		if _, err := b.client.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: b.qos}},
		}); err != nil {
			b.mu.Lock()
			delete(b.handlers[topic], id)

			if len(b.handlers[topic]) == 0 {
				delete(b.handlers, topic)
				delete(b.subscriptions, topic)
			}

			b.mu.Unlock()

			return nil, err
		}
	}

	return func() error {
		b.mu.Lock()
		delete(b.handlers[topic], id)
		last := len(b.handlers[topic]) == 0

		if last {
			delete(b.handlers, topic)
			delete(b.subscriptions, topic)
		}

		b.mu.Unlock()

		if !last {
			return nil
		}

		_, err := b.client.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{topic}})

		return err
	}, nil
}

// Close disconnects from the MQTT broker.
func (b *MQTTBroker) Close() error {
	return b.client.Disconnect(context.Background())
}

// mqttTopicMatches implements MQTT topic filter matching ("+" single
// level, "#" trailing multi-level).
func mqttTopicMatches(pat, topic string) bool {
	if pat == topic {
		return true
	}

	return mqttPartsMatch(strings.Split(pat, "/"), strings.Split(topic, "/"))
}

func mqttPartsMatch(pat, topic []string) bool {
	if len(pat) == 0 {
		return len(topic) == 0
	}

	if pat[0] == "#" {
		return true
	}

	if len(topic) == 0 {
		return false
	}

	if pat[0] == "+" || pat[0] == topic[0] {
		return mqttPartsMatch(pat[1:], topic[1:])
	}

	return false
}
