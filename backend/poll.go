package backend

import (
	"context"
	stderrors "errors"
	"iter"
	"sort"
	"time"

	"github.com/vinayprograms/resultkit/broker"
	"github.com/vinayprograms/resultkit/errors"
	"github.com/vinayprograms/resultkit/results"
	"github.com/vinayprograms/resultkit/telemetry"
)

// WaitOptions tunes GetMany and WaitFor. The zero value reads the cache
// first, lets the broker acknowledge deliveries, and waits without a
// deadline.
type WaitOptions struct {
	// Timeout bounds each drain of broker events. Zero waits until ctx is
	// done.
	Timeout time.Duration

	// SkipCache ignores cached results and always reads the broker.
	SkipCache bool

	// ManualAck consumes without broker acknowledgment. Deliveries are
	// never acknowledged by the backend, so they return to their queues
	// when the wait ends, unless the binding is auto-delete: the queue
	// then goes away with the last consumer and takes them along.
	ManualAck bool

	// OnMessage is called with every decoded record, ready or not.
	OnMessage func(*results.Record)

	// OnInterval is called after every drain cycle, whether or not
	// anything arrived.
	OnInterval func()
}

// WaitFor waits for the ready result of one task. It fails with WAIT_EMPTY
// if the wait ended without producing a result, and TIMEOUT if a drain
// passed its deadline.
func (b *Backend) WaitFor(ctx context.Context, taskID string, opts WaitOptions) (*results.Record, error) {
	for rec, err := range b.GetMany(ctx, []string{taskID}, opts) {
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, errors.WaitEmpty(taskID)
}

// GetMany yields the ready result of each requested task exactly once.
//
// Cached ready results are yielded first without touching the network. The
// remaining tasks are consumed over one channel until each has produced a
// ready result. Ready records for tasks outside the request are cached too.
// Results arriving in one drain cycle are yielded together, after which
// OnInterval fires. Once every task has its result, the rest of the cycle
// is handed back to the broker unread.
//
// The sequence is lazy: broker reads happen only while the caller ranges
// over it, and breaking out of the loop releases the channel. It is not
// restartable. A failure is yielded as the final element.
func (b *Backend) GetMany(ctx context.Context, taskIDs []string, opts WaitOptions) iter.Seq2[*results.Record, error] {
	return func(yield func(*results.Record, error) bool) {
		ids := uniqueIDs(taskIDs)
		for _, id := range ids {
			if err := results.ValidateTaskID(id); err != nil {
				yield(nil, err)
				return
			}
		}

		ctx, span := b.tracer.StartPollSpan(ctx, ids)
		var stats telemetry.PollSpanOptions
		var failure error
		defer func() {
			b.tracer.EndPollSpan(span, stats, failure)
		}()
		fail := func(err error) {
			failure = err
			yield(nil, err)
		}

		outstanding := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			outstanding[id] = struct{}{}
		}

		if !opts.SkipCache {
			for _, id := range ids {
				rec, ok := b.cache.GetReady(id)
				if !ok {
					continue
				}
				b.logger.CacheHit(id, string(rec.Status))
				delete(outstanding, id)
				stats.Yielded++
				if !yield(rec, nil) {
					return
				}
			}
		}
		if len(outstanding) == 0 {
			return
		}

		ch, err := b.broker.Channel(ctx)
		if err != nil {
			fail(b.readError(ctx, ids, err))
			return
		}
		defer ch.Close()

		queues := make([]string, 0, len(outstanding))
		for _, id := range ids {
			if _, ok := outstanding[id]; !ok {
				continue
			}
			if err := b.DeclareBinding(ctx, ch, id); err != nil {
				fail(b.readError(ctx, []string{id}, err))
				return
			}
			queues = append(queues, b.RoutingKey(id))
		}

		cons, err := ch.Consume(ctx, queues, !opts.ManualAck)
		if err != nil {
			fail(b.readError(ctx, ids, err))
			return
		}
		defer cons.Cancel()

		for len(outstanding) > 0 {
			deliveries, err := b.drain(ctx, cons, opts.Timeout)
			if err != nil {
				fail(drainError(outstanding, err))
				return
			}
			stats.Received += len(deliveries)

			var ready []*results.Record
			for i, d := range deliveries {
				if len(outstanding) == 0 {
					// Later messages stay queued for the next reader.
					returnAll(deliveries[i:])
					break
				}
				rec, err := b.Decode(d.Message)
				if err != nil {
					returnAll(deliveries[i+1:])
					fail(err)
					return
				}
				if opts.OnMessage != nil {
					opts.OnMessage(rec.Clone())
				}
				if !rec.Ready() {
					continue
				}
				b.cache.Set(rec.TaskID, rec)
				if _, ok := outstanding[rec.TaskID]; ok {
					delete(outstanding, rec.TaskID)
					ready = append(ready, rec)
				}
			}
			b.logger.DrainCycle(len(deliveries), len(outstanding))

			for _, rec := range ready {
				stats.Yielded++
				if !yield(rec, nil) {
					return
				}
			}
			if opts.OnInterval != nil {
				opts.OnInterval()
			}
		}
	}
}

func returnAll(deliveries []*broker.Delivery) {
	for _, d := range deliveries {
		d.Return()
	}
}

// drain runs one drain cycle inside its own span.
func (b *Backend) drain(ctx context.Context, cons broker.Consumer, timeout time.Duration) ([]*broker.Delivery, error) {
	ctx, span := b.tracer.StartDrainSpan(ctx)
	deliveries, err := broker.DrainEvents(ctx, cons, timeout)
	b.tracer.EndDrainSpan(span, len(deliveries), err)
	return deliveries, err
}

// drainError maps a failed drain to the error surfaced to the caller.
func drainError(outstanding map[string]struct{}, err error) error {
	ids := make([]string, 0, len(outstanding))
	for id := range outstanding {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	switch {
	case stderrors.Is(err, broker.ErrTimeout), stderrors.Is(err, context.DeadlineExceeded):
		return errors.WaitTimeout(ids, err)
	case stderrors.Is(err, context.Canceled):
		return errors.WrapWithCode(err, errors.ErrCodeCanceled, "wait canceled", errors.WithTaskIDs(ids))
	default:
		return errors.WrapWithCode(err, errors.ErrCodeTransport, "drain results", errors.WithTaskIDs(ids))
	}
}

// readError maps a failed broker call on the read path.
func (b *Backend) readError(ctx context.Context, ids []string, err error) error {
	var resErr *errors.Error
	if stderrors.As(err, &resErr) {
		return err
	}
	if ctx.Err() != nil {
		return drainError(idSet(ids), err)
	}
	return errors.WrapWithCode(err, errors.ErrCodeTransport, "open result bindings", errors.WithTaskIDs(ids))
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func idSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
