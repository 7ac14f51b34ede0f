package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// Common errors.
var (
	ErrClosed         = errors.New("broker closed")
	ErrChannelClosed  = errors.New("channel closed")
	ErrTimeout        = errors.New("drain timeout")
	ErrNotFound       = errors.New("not found")
	ErrInvalidName    = errors.New("invalid name")
	ErrMismatch       = errors.New("redeclared with different settings")
	ErrUnsupported    = errors.New("unsupported by broker")
	ErrAlreadySettled = errors.New("delivery already settled")
	ErrNacked         = errors.New("publish not confirmed by broker")
)

// Exchange kinds.
const (
	KindDirect = "direct"
	KindFanout = "fanout"
	KindTopic  = "topic"
)

// DeliveryMode selects whether the broker persists a message.
type DeliveryMode uint8

const (
	// Transient messages are kept in memory only.
	Transient DeliveryMode = 1

	// Persistent messages survive a broker restart on durable queues.
	Persistent DeliveryMode = 2
)

// Message is a message as published.
type Message struct {
	Body            []byte
	ContentType     string
	ContentEncoding string
	CorrelationID   string
	DeliveryMode    DeliveryMode
	Headers         map[string]interface{}
}

// Exchange describes an exchange to declare.
type Exchange struct {
	Name    string
	Kind    string
	Durable bool
}

// Queue describes a queue to declare and, when Exchange is set, bind.
type Queue struct {
	Name       string
	Exchange   string
	RoutingKey string
	Durable    bool

	// AutoDelete removes the queue once its last consumer is cancelled.
	AutoDelete bool

	// Expires removes the queue after it has been unused this long.
	// Zero leaves expiry to the broker.
	Expires time.Duration
}

// Delivery is a message received from a queue.
type Delivery struct {
	Message

	// Queue the message was taken from.
	Queue string

	// RoutingKey the message was published with.
	RoutingKey string

	// Redelivered is true if the message was requeued before.
	Redelivered bool

	acker   acker
	settled atomic.Bool

	// restore returns an unread delivery to its queue. Set by brokers
	// that buffer deliveries client side and can take them back.
	restore func()
}

type acker interface {
	ack() error
	requeue() error
}

// Ack permanently removes the message from its queue. Auto-acknowledged
// deliveries ignore Ack.
func (d *Delivery) Ack() error {
	if d.acker == nil {
		return nil
	}
	if d.settled.Swap(true) {
		return ErrAlreadySettled
	}
	return d.acker.ack()
}

// Requeue returns the message to its queue. Auto-acknowledged deliveries
// cannot be requeued.
func (d *Delivery) Requeue() error {
	if d.acker == nil {
		return fmt.Errorf("requeue auto-acknowledged delivery: %w", ErrUnsupported)
	}
	if d.settled.Swap(true) {
		return ErrAlreadySettled
	}
	return d.acker.requeue()
}

// Return hands an unread delivery back to its queue. It reports false when
// the broker already dropped the message, as with auto-acknowledged
// deliveries from a server-side broker.
func (d *Delivery) Return() bool {
	if d.restore == nil || d.Settled() {
		return false
	}
	if d.acker == nil && d.settled.Swap(true) {
		return false
	}
	d.restore()
	return true
}

// Settled reports whether Ack, Requeue or Return has taken effect.
func (d *Delivery) Settled() bool {
	return d.settled.Load()
}

// Broker hands out channels.
type Broker interface {
	// Channel opens a new channel.
	Channel(ctx context.Context) (Channel, error)

	// URL returns the URL the broker was opened with.
	URL() string

	// Close closes every channel and the underlying connection.
	Close() error
}

// Channel is a session with the broker. A Channel is safe for concurrent
// use, but deliveries it owns are requeued when it closes.
type Channel interface {
	// ID identifies the channel for the lifetime of the process.
	ID() string

	// DeclareExchange creates the exchange if it does not exist.
	DeclareExchange(ctx context.Context, ex Exchange) error

	// DeclareQueue creates the queue if it does not exist and binds it.
	DeclareQueue(ctx context.Context, q Queue) error

	// Publish routes a message through an exchange. Unroutable messages
	// are dropped.
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error

	// Get fetches one message. The bool is false when the queue is empty.
	Get(ctx context.Context, queue string, autoAck bool) (*Delivery, bool, error)

	// Consume starts a consumer over the given queues.
	Consume(ctx context.Context, queues []string, autoAck bool) (Consumer, error)

	// QueueDepth returns the number of messages ready for delivery.
	QueueDepth(ctx context.Context, queue string) (int, error)

	// Close cancels the channel's consumers and requeues unsettled
	// deliveries.
	Close() error
}

// Consumer is an active subscription on one channel.
type Consumer interface {
	// Tag identifies the consumer.
	Tag() string

	// Deliveries returns the delivery channel. It is closed after Cancel.
	Deliveries() <-chan *Delivery

	// AddQueue starts consuming from another queue on the same
	// subscription.
	AddQueue(ctx context.Context, queue string) error

	// Cancel stops the consumer.
	Cancel() error
}

// Config holds common broker configuration.
type Config struct {
	// BufferSize for consumer delivery channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateName checks an exchange, queue or routing key name.
func ValidateName(name string) error {
	if name == "" || len(name) > 255 {
		return ErrInvalidName
	}
	if strings.ContainsAny(name, " \t\r\n") {
		return ErrInvalidName
	}
	return nil
}

// DrainEvents waits for the consumer's first delivery, then collects every
// delivery already buffered without waiting further. A timeout of zero or
// less waits until ctx is done. It returns ErrTimeout when nothing arrived
// in time and ErrClosed when the consumer has been cancelled.
func DrainEvents(ctx context.Context, c Consumer, timeout time.Duration) ([]*Delivery, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	src := c.Deliveries()
	var first *Delivery
	select {
	case d, ok := <-src:
		if !ok {
			return nil, ErrClosed
		}
		first = d
	case <-timer:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	out := []*Delivery{first}
	for {
		select {
		case d, ok := <-src:
			if !ok {
				return out, nil
			}
			out = append(out, d)
		default:
			return out, nil
		}
	}
}

// Open connects to the broker named by rawURL using default settings.
func Open(ctx context.Context, rawURL string) (Broker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory", "mem":
		cfg := DefaultMemoryConfig()
		cfg.URL = rawURL
		return NewMemoryBroker(cfg), nil
	case "amqp", "amqps":
		cfg := DefaultAMQPConfig()
		cfg.URL = rawURL
		return DialAMQP(cfg)
	case "nats", "tls":
		cfg := DefaultJetStreamConfig()
		cfg.URL = rawURL
		return DialJetStream(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q: %w", u.Scheme, ErrUnsupported)
	}
}

// MaskURL renders a broker URL with its password replaced by "**".
func MaskURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL
	}
	if _, ok := u.User.Password(); !ok {
		return rawURL
	}
	userinfo := "//" + u.User.String() + "@"
	masked := "//" + url.User(u.User.Username()).String() + ":**@"
	return strings.Replace(u.String(), userinfo, masked, 1)
}
