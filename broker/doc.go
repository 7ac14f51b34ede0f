// Package broker provides the message-queueing primitives result delivery is
// built on.
//
// # Overview
//
// A Broker hands out Channels. A Channel declares exchanges and queues,
// publishes messages, fetches single messages and opens Consumers. Messages
// taken without auto-acknowledgement stay owned by the channel until they
// are acknowledged or requeued; closing the channel requeues whatever is
// still outstanding.
//
// # Available Implementations
//
//   - AMQPBroker: AMQP 0-9-1 (RabbitMQ) via amqp091-go
//   - JetStreamBroker: NATS JetStream work-queue streams
//   - MemoryBroker: in-process emulation of AMQP queue semantics, for tests
//     and single-process use
//
// # Draining
//
// DrainEvents blocks until a consumer has at least one delivery or the
// timeout elapses, then returns everything already buffered:
//
//	deliveries, err := broker.DrainEvents(ctx, consumer, time.Second)
//	if errors.Is(err, broker.ErrTimeout) {
//	    // nothing arrived
//	}
//
// # Choosing an implementation
//
// Open picks the implementation from the URL scheme: amqp and amqps dial
// RabbitMQ, nats dials JetStream, memory creates a fresh MemoryBroker.
package broker
