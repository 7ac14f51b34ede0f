// Package consumer shares broker subscriptions among concurrent result
// waiters.
//
// A Registry keeps at most one consumer per broker channel. Every task
// started on a channel adds its binding to that channel's consumer, and
// every message the consumer receives is decoded and written to the
// backend's cache, whichever waiter caused the subscription. A waiter then
// finds its result with a cache check after any drain, including drains
// triggered by other waiters.
package consumer

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/resultkit/backend"
	"github.com/vinayprograms/resultkit/broker"
	"github.com/vinayprograms/resultkit/errors"
	"github.com/vinayprograms/resultkit/logging"
	"github.com/vinayprograms/resultkit/results"
)

// Config configures a Registry.
type Config struct {
	// OnStateChange is called with every record routed into the cache.
	// Consumers drain concurrently, so it may be called from several
	// goroutines at once. It must not block.
	OnStateChange func(*results.Record)
}

// Handle is the shared subscription of one broker channel.
type Handle struct {
	channel  broker.Channel
	consumer broker.Consumer

	mu    sync.Mutex
	tasks map[string]struct{}
}

// ChannelID returns the identity of the channel the handle consumes on.
func (h *Handle) ChannelID() string {
	return h.channel.ID()
}

// Channel returns the channel the handle consumes on.
func (h *Handle) Channel() broker.Channel {
	return h.channel
}

// Consumer returns the underlying broker consumer.
func (h *Handle) Consumer() broker.Consumer {
	return h.consumer
}

// Tasks returns the tasks whose bindings the handle consumes, sorted.
func (h *Handle) Tasks() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.tasks))
	for id := range h.tasks {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Handle) hasTask(taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.tasks[taskID]
	return ok
}

func (h *Handle) addTask(taskID string) {
	h.mu.Lock()
	h.tasks[taskID] = struct{}{}
	h.mu.Unlock()
}

// Registry deduplicates consumers per broker channel. It is safe for
// concurrent use.
type Registry struct {
	backend *backend.Backend
	config  Config
	logger  *logging.Logger

	mu       sync.Mutex
	handles  map[string]*Handle        // channel ID -> handle
	channels map[string]broker.Channel // task ID -> channel it last started on
}

// NewRegistry creates an empty registry feeding b's cache.
func NewRegistry(b *backend.Backend, cfg Config) *Registry {
	return &Registry{
		backend:  b,
		config:   cfg,
		logger:   b.Logger().WithComponent("consumer"),
		handles:  make(map[string]*Handle),
		channels: make(map[string]broker.Channel),
	}
}

// Start subscribes taskID's binding on ch, sharing ch's consumer if one
// exists. Starting without a channel is a programming error.
func (r *Registry) Start(ctx context.Context, taskID string, ch broker.Channel) error {
	if ch == nil {
		return errors.Precondition(fmt.Sprintf("missing channel for task %q", taskID), errors.WithTaskID(taskID))
	}
	if err := r.backend.DeclareBinding(ctx, ch, taskID); err != nil {
		return wrapBroker(err, "declare binding", taskID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	h, created, err := r.getOrCreateLocked(ctx, ch)
	if err != nil {
		return wrapBroker(err, "start consumer", taskID)
	}
	if !h.hasTask(taskID) {
		if err := h.consumer.AddQueue(ctx, r.backend.RoutingKey(taskID)); err != nil {
			return wrapBroker(err, "subscribe binding", taskID)
		}
		h.addTask(taskID)
	}
	r.channels[taskID] = ch

	r.logger.ConsumerStarted(taskID, ch.ID(), created)
	return nil
}

// GetOrCreate returns the handle for ch, creating a consumer with no
// bindings if there is none yet.
func (r *Registry) GetOrCreate(ctx context.Context, ch broker.Channel) (*Handle, error) {
	if ch == nil {
		return nil, errors.Precondition("missing channel")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, _, err := r.getOrCreateLocked(ctx, ch)
	if err != nil {
		return nil, wrapBroker(err, "start consumer", "")
	}
	return h, nil
}

func (r *Registry) getOrCreateLocked(ctx context.Context, ch broker.Channel) (*Handle, bool, error) {
	if h, ok := r.handles[ch.ID()]; ok {
		return h, false, nil
	}
	cons, err := ch.Consume(ctx, nil, true)
	if err != nil {
		return nil, false, err
	}
	h := &Handle{
		channel:  ch,
		consumer: cons,
		tasks:    make(map[string]struct{}),
	}
	r.handles[ch.ID()] = h
	return h, true, nil
}

// ChannelFor returns the channel taskID was last started on.
func (r *Registry) ChannelFor(taskID string) (broker.Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[taskID]
	return ch, ok
}

// ConsumerFor returns the handle consuming taskID's binding.
func (r *Registry) ConsumerFor(taskID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[taskID]
	if !ok {
		return nil, false
	}
	h, ok := r.handles[ch.ID()]
	return h, ok
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *Registry) snapshot() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

// DrainEvents pumps every registered consumer once, concurrently, routing
// each received record into the cache. A consumer that sees nothing within
// timeout is not an error. With no consumers registered it sleeps for
// timeout instead, so callers can use it to pace a loop. It returns the
// number of records routed. Messages that fail to decode are skipped and
// reported together once the cycle is done.
func (r *Registry) DrainEvents(ctx context.Context, timeout time.Duration) (int, error) {
	handles := r.snapshot()
	if len(handles) == 0 {
		if timeout <= 0 {
			return 0, nil
		}
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-t.C:
			return 0, nil
		case <-ctx.Done():
			return 0, errors.Wrap(ctx.Err(), "drain consumers")
		}
	}

	var mu sync.Mutex
	routed := 0
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		g.Go(func() error {
			n, err := r.drainHandle(gctx, h, timeout)
			mu.Lock()
			routed += n
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return routed, err
	}
	return routed, nil
}

func (r *Registry) drainHandle(ctx context.Context, h *Handle, timeout time.Duration) (int, error) {
	deliveries, err := broker.DrainEvents(ctx, h.consumer, timeout)
	switch {
	case stderrors.Is(err, broker.ErrTimeout), stderrors.Is(err, broker.ErrClosed):
		return 0, nil
	case err != nil:
		return 0, errors.Wrap(err, "drain consumer "+h.ChannelID())
	}

	// A bad message does not hold back the rest of the cycle.
	cache := r.backend.Cache()
	routed := 0
	var errs []error
	for _, d := range deliveries {
		rec, err := r.backend.Decode(d.Message)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cache.Set(rec.TaskID, rec)
		if r.config.OnStateChange != nil {
			r.config.OnStateChange(rec.Clone())
		}
		routed++
	}
	return routed, errors.Join(errs...)
}

// Stop cancels every consumer and closes its channel. A failed cancel does
// not keep the channel open or stop the remaining handles; all failures
// are returned together.
func (r *Registry) Stop() error {
	handles := r.takeAll()

	var errs []error
	for _, h := range handles {
		if err := h.consumer.Cancel(); err != nil {
			errs = append(errs, fmt.Errorf("cancel consumer on %s: %w", h.ChannelID(), err))
		}
		if err := h.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel %s: %w", h.ChannelID(), err))
		}
	}
	err := errors.Join(errs...)
	r.logger.ConsumersStopped(len(handles), err)
	return err
}

// RemoveAll cancels every consumer but leaves the channels open for their
// owners.
func (r *Registry) RemoveAll() error {
	handles := r.takeAll()

	var errs []error
	for _, h := range handles {
		if err := h.consumer.Cancel(); err != nil {
			errs = append(errs, fmt.Errorf("cancel consumer on %s: %w", h.ChannelID(), err))
		}
	}
	return errors.Join(errs...)
}

// Invalidate forgets every handle without touching the broker. Call it in
// a child process after fork: inherited connections must not be used, and
// new handles are created on the next Start.
func (r *Registry) Invalidate() int {
	n := len(r.takeAll())
	r.logger.ConsumersInvalidated(n)
	return n
}

func (r *Registry) takeAll() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	r.handles = make(map[string]*Handle)
	r.channels = make(map[string]broker.Channel)
	return out
}

func wrapBroker(err error, op, taskID string) error {
	var resErr *errors.Error
	if stderrors.As(err, &resErr) {
		return err
	}
	opts := []errors.Option{}
	if taskID != "" {
		opts = append(opts, errors.WithTaskID(taskID))
	}
	return errors.WrapWithCode(err, errors.ErrCodeTransport, op, opts...)
}
