// OpenTelemetry tracing for result publishing and polling.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span names.
const (
	SpanStore   = "result.store"
	SpanGetMany = "result.get_many"
	SpanCompact = "result.get_task_meta"
	SpanDrain   = "result.drain"
)

// Tracer wraps OpenTelemetry tracing with result-backend helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include result payloads in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer from a specific provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode (payloads in spans).
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Store spans ---

// StoreSpanOptions describes a finished publish.
type StoreSpanOptions struct {
	Status   string
	Attempts int
	Bytes    int
	Result   interface{} // Only included if debug=true
}

// StartStoreSpan starts a span for publishing a task's result.
func (t *Tracer) StartStoreSpan(ctx context.Context, taskID, exchange, routingKey string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, SpanStore, trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(
		attribute.String("result.task_id", taskID),
		attribute.String("messaging.destination.name", exchange),
		attribute.String("messaging.routing_key", routingKey),
	)
	return ctx, span
}

// EndStoreSpan ends a store span with attributes.
func (t *Tracer) EndStoreSpan(span trace.Span, opts StoreSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("result.status", opts.Status),
		attribute.Int("result.attempts", opts.Attempts),
	}
	if opts.Bytes > 0 {
		attrs = append(attrs, attribute.Int("messaging.message.body.size", opts.Bytes))
	}
	if t.debug && opts.Result != nil {
		attrs = append(attrs, attribute.String("result.payload", truncate(fmt.Sprint(opts.Result), 2000)))
	}
	span.SetAttributes(attrs...)
	endSpan(span, err)
}

// --- Poll spans ---

// PollSpanOptions describes a finished multi-task wait.
type PollSpanOptions struct {
	Received int // Messages read from the broker
	Yielded  int // Results handed to the caller
}

// StartPollSpan starts a span covering a whole multi-task wait.
func (t *Tracer) StartPollSpan(ctx context.Context, taskIDs []string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, SpanGetMany, trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.StringSlice("result.task_ids", taskIDs),
		attribute.Int("result.task_count", len(taskIDs)),
	)
	return ctx, span
}

// EndPollSpan ends a poll span with attributes.
func (t *Tracer) EndPollSpan(span trace.Span, opts PollSpanOptions, err error) {
	span.SetAttributes(
		attribute.Int("result.received", opts.Received),
		attribute.Int("result.yielded", opts.Yielded),
	)
	endSpan(span, err)
}

// StartDrainSpan starts a span for one drain of broker events.
func (t *Tracer) StartDrainSpan(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanDrain, trace.WithSpanKind(trace.SpanKindInternal))
}

// EndDrainSpan ends a drain span.
func (t *Tracer) EndDrainSpan(span trace.Span, received int, err error) {
	span.SetAttributes(attribute.Int("result.received", received))
	endSpan(span, err)
}

// --- Compaction spans ---

// CompactSpanOptions describes a finished backlog compaction.
type CompactSpanOptions struct {
	Read      int
	Discarded int
	Found     bool
	Status    string
}

// StartCompactSpan starts a span for compacting a task's backlog.
func (t *Tracer) StartCompactSpan(ctx context.Context, taskID string, limit int) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, SpanCompact, trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("result.task_id", taskID),
		attribute.Int("result.backlog_limit", limit),
	)
	return ctx, span
}

// EndCompactSpan ends a compaction span with attributes.
func (t *Tracer) EndCompactSpan(span trace.Span, opts CompactSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.Int("result.read", opts.Read),
		attribute.Int("result.discarded", opts.Discarded),
		attribute.Bool("result.found", opts.Found),
	}
	if opts.Status != "" {
		attrs = append(attrs, attribute.String("result.status", opts.Status))
	}
	span.SetAttributes(attrs...)
	endSpan(span, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// HeaderCarrier adapts broker message headers to a TextMapCarrier.
// Non-string header values are invisible to Get.
type HeaderCarrier map[string]interface{}

func (c HeaderCarrier) Get(key string) string {
	s, _ := c[key].(string)
	return s
}

func (c HeaderCarrier) Set(key, value string) {
	c[key] = value
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
