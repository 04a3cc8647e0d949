package mqtt

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"

	"github.com/sweeney/roofctl/internal/logic"
	"github.com/sweeney/roofctl/internal/sensor"
)

const (
	connectTimeout  = 10 * time.Second
	publishTimeout  = 5 * time.Second
	retryInterval   = 5 * time.Second
	defaultBuffered = 500

	// EventOffline is the retained last-will event.
	EventOffline = "OFFLINE"
	// EventReconnected is published after the connection is re-established.
	EventReconnected = "RECONNECTED"
)

// Options configures a RealPublisher.
type Options struct {
	Broker   string
	ClientID string
	Topics   Topics
	// BufferSize is the number of messages kept while disconnected.
	BufferSize int

	Logger *slog.Logger
	Clock  clockwork.Clock
	// OnConnectionChange, if set, is called on every connect and connection loss.
	OnConnectionChange func(connected bool)
}

// client is the subset of paho.Client used by RealPublisher.
type client interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the connection is down are buffered and replayed on reconnect.
type RealPublisher struct {
	client client
	topics Topics
	log    *slog.Logger
	clock  clockwork.Clock
	notify func(bool)

	mu     sync.Mutex
	buf    *ringBuffer
	everUp bool
}

// NewRealPublisher creates a publisher and starts connecting to the broker.
// If the broker is not reachable within the connect timeout the publisher is
// still returned; paho keeps retrying in the background and messages are
// buffered meanwhile.
func NewRealPublisher(opts Options) (*RealPublisher, error) {
	p := newPublisher(nil, opts)

	will, err := FormatSystemPayload(SystemEvent{Timestamp: p.clock.Now(), Event: EventOffline})
	if err != nil {
		return nil, fmt.Errorf("format will payload: %w", err)
	}

	clientID := opts.ClientID
	if clientID == "" {
		clientID = DefaultTopicPrefix
	}
	po := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(retryInterval).
		SetBinaryWill(p.topics.System(), will, 1, true).
		SetOnConnectHandler(func(paho.Client) { p.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) { p.onConnectionLost(err) })

	c := paho.NewClient(po)
	p.client = c

	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		p.log.Warn("broker not reachable yet, buffering until connected", "broker", opts.Broker)
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

func newPublisher(c client, opts Options) *RealPublisher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBuffered
	}
	if opts.Topics == (Topics{}) {
		opts.Topics = NewTopics("")
	}
	return &RealPublisher{
		client: c,
		topics: opts.Topics,
		log:    opts.Logger.With("component", "mqtt", "broker", opts.Broker),
		clock:  opts.Clock,
		notify: opts.OnConnectionChange,
		buf:    newRingBuffer(opts.BufferSize),
	}
}

// PublishReading sends a reading (QoS 0, not retained).
func (p *RealPublisher) PublishReading(label, table string, r sensor.Reading) error {
	payload, err := FormatReadingPayload(label, table, r)
	if err != nil {
		return fmt.Errorf("format reading payload: %w", err)
	}
	return p.publish(p.topics.Reading(label), 0, false, payload)
}

// PublishDoor sends a door event (QoS 1, not retained).
func (p *RealPublisher) PublishDoor(event logic.Event) error {
	payload, err := FormatDoorPayload(event)
	if err != nil {
		return fmt.Errorf("format door payload: %w", err)
	}
	return p.publish(p.topics.Door(), 1, false, payload)
}

// PublishSystem sends a lifecycle event (QoS 1).
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(p.topics.System(), 1, event.Retained, payload)
}

func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	p.mu.Lock()
	if !p.client.IsConnectionOpen() {
		first := p.buf.push(bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
		p.mu.Unlock()
		if first {
			p.log.Warn("buffer full, dropping oldest messages", "capacity", p.buf.capacity)
		}
		return nil
	}
	p.mu.Unlock()

	return p.send(topic, qos, retained, payload)
}

func (p *RealPublisher) send(topic string, qos byte, retained bool, payload []byte) error {
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (p *RealPublisher) onConnect() {
	p.mu.Lock()
	msgs, dropped := p.buf.drainAll()
	reconnect := p.everUp
	p.everUp = true
	p.mu.Unlock()

	if p.notify != nil {
		p.notify(true)
	}
	if reconnect {
		p.log.Info("reconnected", "buffered", len(msgs), "dropped", dropped)
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: p.clock.Now(), Event: EventReconnected})
		if err := p.send(p.topics.System(), 1, false, payload); err != nil {
			p.log.Warn("publish reconnected event failed", "error", err)
		}
	} else {
		p.log.Info("connected", "buffered", len(msgs))
	}

	for _, m := range msgs {
		if err := p.send(m.topic, m.qos, m.retained, m.payload); err != nil {
			p.log.Warn("replay buffered message failed", "topic", m.topic, "error", err)
		}
	}
}

func (p *RealPublisher) onConnectionLost(err error) {
	p.log.Warn("connection lost", "error", err)
	if p.notify != nil {
		p.notify(false)
	}
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Buffered returns the number of messages waiting for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}
