package backend

import (
	"context"
	"sync/atomic"

	"github.com/vinayprograms/resultkit/broker"
	"github.com/vinayprograms/resultkit/cache"
	"github.com/vinayprograms/resultkit/codec"
	"github.com/vinayprograms/resultkit/errors"
	"github.com/vinayprograms/resultkit/logging"
	"github.com/vinayprograms/resultkit/results"
	"github.com/vinayprograms/resultkit/telemetry"
)

// Backend publishes and retrieves task results through a broker.
// A Backend is safe for concurrent use.
type Backend struct {
	broker broker.Broker
	config Config
	codec  *codec.Codec
	cache  *cache.Cache
	logger *logging.Logger
	tracer *telemetry.Tracer

	closed atomic.Bool
}

// Option configures optional Backend collaborators.
type Option func(*Backend)

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *logging.Logger) Option {
	return func(b *Backend) {
		if l == nil {
			l = logging.Discard()
		}
		b.logger = l.WithComponent("backend")
	}
}

// WithTracer sets the tracer. Default: the global tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(b *Backend) {
		if t != nil {
			b.tracer = t
		}
	}
}

// WithCache shares a result cache between backends.
func WithCache(c *cache.Cache) Option {
	return func(b *Backend) {
		if c != nil {
			b.cache = c
		}
	}
}

// New creates a Backend on top of an open broker. Zero config fields take
// their defaults; booleans are used as given.
func New(br broker.Broker, cfg Config, opts ...Option) (*Backend, error) {
	if br == nil {
		return nil, errors.Precondition("backend needs a broker")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c, err := codec.New(cfg.Serializer, cfg.Accept)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		broker: br,
		config: cfg,
		codec:  c,
		cache:  cache.New(),
		logger: logging.Discard(),
		tracer: telemetry.GetTracer(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Config returns the effective configuration.
func (b *Backend) Config() Config {
	return b.config
}

// Broker returns the underlying broker.
func (b *Backend) Broker() broker.Broker {
	return b.broker
}

// Cache returns the result cache.
func (b *Backend) Cache() *cache.Cache {
	return b.cache
}

// Logger returns the backend's logger.
func (b *Backend) Logger() *logging.Logger {
	return b.logger
}

// Close closes the broker. Close is idempotent.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.broker.Close()
}

// RoutingKey returns the routing key and queue name of a task's binding.
func (b *Backend) RoutingKey(taskID string) string {
	return b.config.Exchange + "." + taskID
}

// Exchange returns the shared exchange every binding is attached to.
func (b *Backend) Exchange() broker.Exchange {
	return broker.Exchange{
		Name:    b.config.Exchange,
		Kind:    b.config.ExchangeType,
		Durable: b.config.Persistent,
	}
}

// Binding returns the queue declaration for a task.
func (b *Backend) Binding(taskID string) broker.Queue {
	name := b.RoutingKey(taskID)
	return broker.Queue{
		Name:       name,
		Exchange:   b.config.Exchange,
		RoutingKey: name,
		Durable:    b.config.Persistent,
		AutoDelete: b.config.AutoDelete,
		Expires:    b.config.Expires,
	}
}

// DeclareBinding declares the exchange and the binding for a task on ch.
// Both declarations are idempotent.
func (b *Backend) DeclareBinding(ctx context.Context, ch broker.Channel, taskID string) error {
	if err := results.ValidateTaskID(taskID); err != nil {
		return err
	}
	if err := ch.DeclareExchange(ctx, b.Exchange()); err != nil {
		return err
	}
	return ch.DeclareQueue(ctx, b.Binding(taskID))
}

// Decode turns a broker message into a record.
func (b *Backend) Decode(msg broker.Message) (*results.Record, error) {
	return b.codec.Decode(msg.Body, msg.ContentType)
}

// Codec returns the codec used for publishing and decoding.
func (b *Backend) Codec() *codec.Codec {
	return b.codec
}

// Tracer returns the tracer.
func (b *Backend) Tracer() *telemetry.Tracer {
	return b.tracer
}
