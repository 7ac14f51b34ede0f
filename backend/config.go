package backend

import (
	"fmt"
	"time"

	"github.com/vinayprograms/resultkit/broker"
	"github.com/vinayprograms/resultkit/codec"
	"github.com/vinayprograms/resultkit/errors"
)

// Config configures a Backend.
type Config struct {
	// Exchange is the shared exchange every binding is attached to.
	// Default: "celery_result"
	Exchange string

	// ExchangeType is the exchange kind.
	// Default: "direct"
	ExchangeType string

	// Persistent makes the exchange and bindings durable and publishes
	// with delivery mode 2. Transient backends publish with mode 1.
	Persistent bool

	// Serializer names the codec used for published results.
	// Default: "json"
	Serializer string

	// AutoDelete removes a binding once its last consumer goes away.
	AutoDelete bool

	// Expires removes an unused binding after this long.
	// Zero leaves expiry to the broker.
	Expires time.Duration

	// Accept lists the content types accepted when decoding. Empty means
	// only the serializer's own content type.
	Accept []string

	// BacklogLimit bounds the reads of one GetTaskMeta call.
	// Default: 1000
	BacklogLimit int

	// Retry governs publish retries.
	Retry RetryPolicy
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Exchange:     "celery_result",
		ExchangeType: broker.KindDirect,
		Persistent:   true,
		Serializer:   "json",
		AutoDelete:   true,
		BacklogLimit: 1000,
		Retry:        DefaultRetryPolicy(),
	}
}

// withDefaults fills zero values that have no meaningful zero.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Exchange == "" {
		c.Exchange = def.Exchange
	}
	if c.ExchangeType == "" {
		c.ExchangeType = def.ExchangeType
	}
	if c.Serializer == "" {
		c.Serializer = def.Serializer
	}
	if c.BacklogLimit <= 0 {
		c.BacklogLimit = def.BacklogLimit
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := broker.ValidateName(c.Exchange); err != nil {
		return errors.InvalidInput(fmt.Sprintf("exchange %q: %v", c.Exchange, err))
	}
	switch c.ExchangeType {
	case broker.KindDirect, broker.KindFanout, broker.KindTopic:
	default:
		return errors.InvalidInput(fmt.Sprintf("unknown exchange type %q", c.ExchangeType))
	}
	if _, err := codec.Lookup(c.Serializer); err != nil {
		return err
	}
	if c.Expires < 0 {
		return errors.InvalidInput("expires must not be negative")
	}
	return c.Retry.Validate()
}

// DeliveryMode returns the delivery mode used for every publish.
func (c Config) DeliveryMode() broker.DeliveryMode {
	if c.Persistent {
		return broker.Persistent
	}
	return broker.Transient
}
