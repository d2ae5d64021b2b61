package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/sweeney/treat-dispenser/internal/events"
	"github.com/sweeney/treat-dispenser/internal/logger"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	defaultBufferSize = 100

	breakerFailures = 3
	breakerTimeout  = 30 * time.Second
)

var (
	errNotConnected   = errors.New("not connected")
	errPublishTimeout = errors.New("publish timeout")
)

// CommandHandler receives remote commands. It is called from the client's
// goroutine and must not block.
type CommandHandler func(name, value string)

// Options configure a RealPublisher.
type Options struct {
	Broker     string
	ClientID   string
	OnCommand  CommandHandler
	BufferSize int
	Log        *zap.SugaredLogger
}

// client is the part of paho.Client the publisher uses.
type client interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Disconnect(quiesce uint)
}

// RealPublisher publishes to an actual MQTT broker. Messages that cannot be
// delivered are buffered and replayed after the next connect. Publishes go
// through a circuit breaker so a dead broker costs the tick loop nothing.
type RealPublisher struct {
	client    client
	log       *zap.SugaredLogger
	breaker   *gobreaker.CircuitBreaker[struct{}]
	onCommand CommandHandler

	mu       sync.Mutex
	outbox   *outbox
	connects atomic.Int64
}

// NewRealPublisher creates a publisher for the given broker. The broker is
// told to publish a retained SHUTDOWN event if the connection is lost.
func NewRealPublisher(o Options) (*RealPublisher, error) {
	p := newPublisher(nil, o)

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	clientID := o.ClientID
	if clientID == "" {
		clientID = "treat-dispenser"
	}
	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(TopicSystem, will, 1, true).
		SetOnConnectHandler(func(paho.Client) { p.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) { p.onConnectionLost(err) })

	c := paho.NewClient(opts)
	p.client = c
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// paho keeps retrying; events are buffered until it succeeds.
		p.log.Warnw("broker not reachable, retrying in background", "broker", o.Broker)
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

func newPublisher(c client, o Options) *RealPublisher {
	log := logger.OrNop(o.Log)
	size := o.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	return &RealPublisher{
		client:    c,
		log:       log,
		onCommand: o.OnCommand,
		outbox:    newOutbox(size, log),
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "mqtt",
			MaxRequests: 1,
			Timeout:     breakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warnw("circuit breaker state change",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		}),
	}
}

// Publish sends a dispenser event to the MQTT broker.
func (p *RealPublisher) Publish(event events.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 1: dispense records should survive a flaky link
	return p.send(pending{topic: Topic, payload: payload, qos: 1})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.send(pending{topic: TopicSystem, payload: payload, qos: 1, retained: event.Retained})
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client != nil && p.client.IsConnectionOpen()
}

// Buffered returns the number of messages awaiting replay.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outbox.len()
}

// BreakerState returns the publish circuit breaker state.
func (p *RealPublisher) BreakerState() gobreaker.State {
	return p.breaker.State()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}

func (p *RealPublisher) send(msg pending) error {
	if !p.IsConnected() {
		p.enqueue(msg)
		return fmt.Errorf("publish %s: %w", msg.topic, errNotConnected)
	}
	_, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.deliver(msg)
	})
	if err != nil {
		p.enqueue(msg)
		return fmt.Errorf("publish %s: %w", msg.topic, err)
	}
	return nil
}

func (p *RealPublisher) deliver(msg pending) error {
	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		return errPublishTimeout
	}
	return token.Error()
}

func (p *RealPublisher) enqueue(msg pending) {
	p.mu.Lock()
	p.outbox.add(msg)
	p.mu.Unlock()
}

// onConnect subscribes to commands, announces a reconnect and replays the
// buffer. paho runs it on its own goroutine.
func (p *RealPublisher) onConnect() {
	n := p.connects.Add(1)
	p.log.Infow("mqtt connected", "connects", n)

	if p.onCommand != nil {
		token := p.client.Subscribe(TopicCommands, 1, func(_ paho.Client, m paho.Message) {
			p.handleCommand(m.Payload())
		})
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			p.log.Warnw("command subscribe failed", "err", token.Error())
		}
	}

	if n > 1 {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"})
		if err := p.deliver(pending{topic: TopicSystem, payload: payload, qos: 1}); err != nil {
			p.log.Warnw("reconnected publish failed", "err", err)
		}
	}
	p.replay()
}

func (p *RealPublisher) onConnectionLost(err error) {
	p.log.Warnw("mqtt connection lost", "err", err)
}

// replay delivers buffered messages oldest first, stopping at the first
// failure so the rest keep their order for the next connect.
func (p *RealPublisher) replay() {
	if n := p.Buffered(); n > 0 {
		p.log.Infow("replaying buffered messages", "count", n)
	}
	for {
		p.mu.Lock()
		m, ok := p.outbox.front()
		p.mu.Unlock()
		if !ok {
			return
		}
		if err := p.deliver(m); err != nil {
			p.log.Warnw("replay failed, keeping buffer", "err", err, "remaining", p.Buffered())
			return
		}
		p.mu.Lock()
		p.outbox.remove(m.seq)
		p.mu.Unlock()
	}
}

func (p *RealPublisher) handleCommand(payload []byte) {
	name, value, err := ParseCommand(payload)
	if err != nil {
		p.log.Warnw("bad command payload", "err", err, "payload", string(payload))
		return
	}
	p.log.Infow("command received", "command", name, "value", value)
	p.onCommand(name, value)
}
