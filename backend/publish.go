package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/vinayprograms/resultkit/broker"
	"github.com/vinayprograms/resultkit/errors"
	"github.com/vinayprograms/resultkit/results"
	"github.com/vinayprograms/resultkit/telemetry"
)

// Request carries the context of the task invocation a result belongs to.
type Request struct {
	// CorrelationID is copied onto the published message. Empty means the
	// task ID.
	CorrelationID string

	// Children lists tasks spawned by the task.
	Children []string
}

type storeOptions struct {
	traceback string
	request   *Request
}

// StoreOption customizes StoreResult.
type StoreOption func(*storeOptions)

// WithTraceback attaches a diagnostic traceback to the record.
func WithTraceback(tb string) StoreOption {
	return func(o *storeOptions) {
		o.traceback = tb
	}
}

// WithRequest attaches the invoking request.
func WithRequest(req Request) StoreOption {
	return func(o *storeOptions) {
		o.request = &req
	}
}

// StoreResult publishes the result of a task to its binding and returns the
// published record. The binding is declared on every attempt, so readers
// that arrive before or after the publish find the same queue. Broker
// failures are retried per the retry policy; exhaustion fails with a
// TRANSPORT error. The local cache is not touched.
//
// When status is an exception state and result is an error, the error is
// encoded as an exception payload.
func (b *Backend) StoreResult(ctx context.Context, taskID string, result interface{}, status results.Status, opts ...StoreOption) (*results.Record, error) {
	if err := results.ValidateTaskID(taskID); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, errors.InvalidInput(fmt.Sprintf("unknown task status %q", status), errors.WithTaskID(taskID))
	}

	var o storeOptions
	for _, opt := range opts {
		opt(&o)
	}

	rec := results.NewRecord(taskID, status, result)
	rec.Traceback = o.traceback
	correlationID := taskID
	if o.request != nil {
		if o.request.CorrelationID != "" {
			correlationID = o.request.CorrelationID
		}
		if o.request.Children != nil {
			rec.Children = append([]string{}, o.request.Children...)
		}
	}

	body, err := b.codec.Encode(rec)
	if err != nil {
		return nil, err
	}

	routingKey := b.RoutingKey(taskID)
	ctx, span := b.tracer.StartStoreSpan(ctx, taskID, b.config.Exchange, routingKey)

	serializer := b.codec.Serializer()
	msg := broker.Message{
		Body:            body,
		ContentType:     serializer.ContentType(),
		ContentEncoding: serializer.ContentEncoding(),
		CorrelationID:   correlationID,
		DeliveryMode:    b.config.DeliveryMode(),
	}
	headers := telemetry.HeaderCarrier{}
	telemetry.InjectContext(ctx, headers)
	if len(headers) > 0 {
		msg.Headers = headers
	}

	start := time.Now()
	attempts, err := b.retry(ctx, taskID, func(ctx context.Context) error {
		return b.publishOnce(ctx, taskID, routingKey, msg)
	})
	b.tracer.EndStoreSpan(span, telemetry.StoreSpanOptions{
		Status:   string(status),
		Attempts: attempts,
		Bytes:    len(body),
		Result:   rec.Result,
	}, err)
	if err != nil {
		return nil, err
	}

	b.logger.ResultStored(taskID, string(status), attempts, time.Since(start))
	return rec, nil
}

// publishOnce opens a channel, declares the binding and publishes msg.
func (b *Backend) publishOnce(ctx context.Context, taskID, routingKey string, msg broker.Message) error {
	ch, err := b.broker.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := b.DeclareBinding(ctx, ch, taskID); err != nil {
		return err
	}
	return ch.Publish(ctx, b.config.Exchange, routingKey, msg)
}
