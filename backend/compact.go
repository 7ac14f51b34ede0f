package backend

import (
	"context"

	"github.com/vinayprograms/resultkit/broker"
	"github.com/vinayprograms/resultkit/errors"
	"github.com/vinayprograms/resultkit/results"
	"github.com/vinayprograms/resultkit/telemetry"
)

// GetTaskMeta returns the latest known state of a task without consuming
// it. It reads the task's backlog front to back, acknowledging every
// superseded message, then requeues the most recent one, caches it and
// returns it. At most one message stays in the queue afterwards.
//
// Reads are bounded by backlogLimit; zero or less means the configured
// limit. A backlog longer than the limit fails with BACKLOG_LIMIT and
// leaves the unread part of the queue in place. With nothing in the queue
// the cached record is returned, or a PENDING record if there is none.
//
// Messages naming another task are put back untouched. Arrival order is
// trusted: the last matching message read is the latest state.
func (b *Backend) GetTaskMeta(ctx context.Context, taskID string, backlogLimit int) (rec *results.Record, err error) {
	if err := results.ValidateTaskID(taskID); err != nil {
		return nil, err
	}
	if backlogLimit <= 0 {
		backlogLimit = b.config.BacklogLimit
	}

	ctx, span := b.tracer.StartCompactSpan(ctx, taskID, backlogLimit)
	var stats telemetry.CompactSpanOptions
	defer func() {
		if rec != nil {
			stats.Status = string(rec.Status)
		}
		b.tracer.EndCompactSpan(span, stats, err)
		if err == nil {
			b.logger.Compacted(taskID, stats.Read, stats.Discarded, stats.Found)
		}
	}()

	ch, err := b.broker.Channel(ctx)
	if err != nil {
		return nil, b.readError(ctx, []string{taskID}, err)
	}
	defer ch.Close()

	if err := b.DeclareBinding(ctx, ch, taskID); err != nil {
		return nil, b.readError(ctx, []string{taskID}, err)
	}

	c := compaction{
		backend: b,
		ch:      ch,
		taskID:  taskID,
		queue:   b.RoutingKey(taskID),
		stats:   &stats,
	}
	latest, err := c.run(ctx, backlogLimit)
	if err != nil {
		return nil, err
	}

	if latest != nil {
		stats.Found = true
		b.cache.Set(taskID, latest)
		return latest, nil
	}
	if cached, ok := b.cache.Get(taskID); ok {
		return cached, nil
	}
	return results.Pending(taskID), nil
}

// compaction holds the state of one GetTaskMeta pass.
type compaction struct {
	backend *Backend
	ch      broker.Channel
	taskID  string
	queue   string
	stats   *telemetry.CompactSpanOptions

	// held are deliveries to put back when the pass ends: messages for
	// other tasks and the current latest.
	held   []*broker.Delivery
	latest *broker.Delivery
	record *results.Record
}

// run reads up to limit messages, then probes once more to tell an
// exhausted backlog from one that ends exactly at the limit.
func (c *compaction) run(ctx context.Context, limit int) (*results.Record, error) {
	defer c.release()

	for i := 0; i < limit; i++ {
		more, err := c.step(ctx)
		if err != nil {
			return nil, err
		}
		if !more {
			return c.record, nil
		}
	}

	d, ok, err := c.ch.Get(ctx, c.queue, false)
	if err != nil {
		return nil, c.readError(ctx, err)
	}
	if ok {
		c.held = append(c.held, d)
		return nil, errors.BacklogLimitExceeded(c.taskID, limit)
	}
	return c.record, nil
}

// step fetches one message. It reports false when the queue is empty.
func (c *compaction) step(ctx context.Context) (bool, error) {
	d, ok, err := c.ch.Get(ctx, c.queue, false)
	if err != nil {
		return false, c.readError(ctx, err)
	}
	if !ok {
		return false, nil
	}
	c.stats.Read++

	rec, err := c.backend.Decode(d.Message)
	if err != nil {
		c.held = append(c.held, d)
		return false, err
	}
	if rec.TaskID != c.taskID {
		c.held = append(c.held, d)
		return true, nil
	}

	prev := c.latest
	c.latest, c.record = d, rec
	if prev != nil {
		if err := prev.Ack(); err != nil {
			return false, c.readError(ctx, err)
		}
		c.stats.Discarded++
	}
	return true, nil
}

// release requeues every delivery still owned by the pass.
func (c *compaction) release() {
	if c.latest != nil {
		c.held = append(c.held, c.latest)
	}
	for _, d := range c.held {
		if !d.Settled() {
			d.Requeue()
		}
	}
	c.held = nil
}

func (c *compaction) readError(ctx context.Context, err error) error {
	return c.backend.readError(ctx, []string{c.taskID}, err)
}
