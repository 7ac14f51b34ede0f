package consumer

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/resultkit/backend"
	"github.com/vinayprograms/resultkit/broker"
	"github.com/vinayprograms/resultkit/errors"
	"github.com/vinayprograms/resultkit/results"
)

// failingChannel wraps a channel so that Close and consumer Cancel report
// errors after doing their work.
type failingChannel struct {
	broker.Channel
	closeErr  error
	cancelErr error

	closed    atomic.Bool
	consumers []*failingConsumer
}

func (c *failingChannel) Consume(ctx context.Context, queues []string, autoAck bool) (broker.Consumer, error) {
	cons, err := c.Channel.Consume(ctx, queues, autoAck)
	if err != nil {
		return nil, err
	}
	fc := &failingConsumer{Consumer: cons, err: c.cancelErr}
	c.consumers = append(c.consumers, fc)
	return fc, nil
}

func (c *failingChannel) Close() error {
	c.closed.Store(true)
	c.Channel.Close()
	return c.closeErr
}

type failingConsumer struct {
	broker.Consumer
	err      error
	canceled atomic.Bool
}

func (c *failingConsumer) Cancel() error {
	c.canceled.Store(true)
	c.Consumer.Cancel()
	return c.err
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *backend.Backend) {
	t.Helper()
	br := broker.NewMemoryBroker(broker.DefaultMemoryConfig())
	b, err := backend.New(br, backend.DefaultConfig())
	if err != nil {
		t.Fatalf("backend.New() error = %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return NewRegistry(b, cfg), b
}

func openChannel(t *testing.T, b *backend.Backend) broker.Channel {
	t.Helper()
	ch, err := b.Broker().Channel(context.Background())
	if err != nil {
		t.Fatalf("Channel() error = %v", err)
	}
	return ch
}

func wrapChannel(t *testing.T, b *backend.Backend, closeErr, cancelErr error) *failingChannel {
	t.Helper()
	return &failingChannel{Channel: openChannel(t, b), closeErr: closeErr, cancelErr: cancelErr}
}

// drainUntil drains until cond holds or the attempts run out.
func drainUntil(t *testing.T, r *Registry, cond func() bool) {
	t.Helper()
	for i := 0; i < 50; i++ {
		if cond() {
			return
		}
		if _, err := r.DrainEvents(context.Background(), 50*time.Millisecond); err != nil {
			t.Fatalf("DrainEvents() error = %v", err)
		}
	}
	if !cond() {
		t.Fatal("condition not met after draining")
	}
}

func TestStart_MissingChannel(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	err := r.Start(context.Background(), "t1", nil)
	if !errors.Is(err, errors.ErrCodePrecondition) {
		t.Fatalf("Start(nil) error = %v, want PRECONDITION", err)
	}
	if errors.TaskID(err) != "t1" {
		t.Errorf("TaskID = %q", errors.TaskID(err))
	}
	if _, err := r.GetOrCreate(context.Background(), nil); !errors.Is(err, errors.ErrCodePrecondition) {
		t.Errorf("GetOrCreate(nil) error = %v", err)
	}
}

func TestStart_SharesConsumerPerChannel(t *testing.T) {
	r, b := newTestRegistry(t, Config{})
	ctx := context.Background()
	ch1 := openChannel(t, b)
	ch2 := openChannel(t, b)

	for _, start := range []struct {
		task string
		ch   broker.Channel
	}{
		{"a", ch1}, {"b", ch1}, {"a", ch1}, {"c", ch2},
	} {
		if err := r.Start(ctx, start.task, start.ch); err != nil {
			t.Fatalf("Start(%s) error = %v", start.task, err)
		}
	}

	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
	h, ok := r.ConsumerFor("a")
	if !ok {
		t.Fatal("ConsumerFor(a) not found")
	}
	if got := h.Tasks(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Tasks() = %v, want [a b]", got)
	}
	if hb, _ := r.ConsumerFor("b"); hb != h {
		t.Error("tasks on one channel should share a handle")
	}
	if hc, _ := r.ConsumerFor("c"); hc == h || hc.ChannelID() != ch2.ID() {
		t.Error("task on another channel should get its own handle")
	}
	if ch, ok := r.ChannelFor("b"); !ok || ch.ID() != ch1.ID() {
		t.Errorf("ChannelFor(b) = %v, %v", ch, ok)
	}
	if _, ok := r.ChannelFor("zzz"); ok {
		t.Error("ChannelFor(unknown) should miss")
	}
	if _, ok := r.ConsumerFor("zzz"); ok {
		t.Error("ConsumerFor(unknown) should miss")
	}
}

func TestStart_ConcurrentNoDuplicates(t *testing.T) {
	r, b := newTestRegistry(t, Config{})
	ch := openChannel(t, b)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- r.Start(context.Background(), fmt.Sprintf("task-%d", i), ch)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	}

	if r.Len() != 1 {
		t.Errorf("Len() = %d, want a single handle", r.Len())
	}
	h, _ := r.GetOrCreate(context.Background(), ch)
	if len(h.Tasks()) != 20 {
		t.Errorf("handle consumes %d tasks, want 20", len(h.Tasks()))
	}
}

func TestDrainEvents_RoutesIntoCache(t *testing.T) {
	var mu sync.Mutex
	var changes []string
	r, b := newTestRegistry(t, Config{
		OnStateChange: func(rec *results.Record) {
			mu.Lock()
			changes = append(changes, rec.TaskID+":"+string(rec.Status))
			mu.Unlock()
		},
	})
	ctx := context.Background()
	ch := openChannel(t, b)
	if err := r.Start(ctx, "a", ch); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := r.Start(ctx, "b", ch); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, err := b.StoreResult(ctx, "a", "done", results.StatusSuccess); err != nil {
		t.Fatalf("StoreResult() error = %v", err)
	}
	if _, err := b.StoreResult(ctx, "b", nil, results.StatusStarted); err != nil {
		t.Fatalf("StoreResult() error = %v", err)
	}

	drainUntil(t, r, func() bool { return b.Cache().Len() == 2 })

	if rec, ok := b.Cache().GetReady("a"); !ok || rec.Result != "done" {
		t.Errorf("cache[a] = %v, %v", rec, ok)
	}
	if rec, ok := b.Cache().Get("b"); !ok || rec.Status != results.StatusStarted {
		t.Errorf("cache[b] = %v, %v", rec, ok)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 {
		t.Errorf("OnStateChange calls = %v, want 2", changes)
	}
}

func TestDrainEvents_FeedsWaiters(t *testing.T) {
	r, b := newTestRegistry(t, Config{})
	ctx := context.Background()
	if err := r.Start(ctx, "a", openChannel(t, b)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	stored, _ := b.StoreResult(ctx, "a", "shared", results.StatusSuccess)

	drainUntil(t, r, func() bool {
		_, ok := b.Cache().GetReady("a")
		return ok
	})

	// The waiter is answered from the cache; the broker queue is no longer
	// needed.
	got, err := b.WaitFor(ctx, "a", backend.WaitOptions{Timeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("WaitFor() error = %v", err)
	}
	if !got.Equal(stored) {
		t.Errorf("WaitFor() = %+v, want %+v", got, stored)
	}
}

func TestDrainEvents_Idle(t *testing.T) {
	r, b := newTestRegistry(t, Config{})
	if err := r.Start(context.Background(), "a", openChannel(t, b)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	n, err := r.DrainEvents(context.Background(), 20*time.Millisecond)
	if err != nil || n != 0 {
		t.Errorf("DrainEvents() = %d, %v; want 0, nil", n, err)
	}
}

func TestDrainEvents_NoConsumersSleeps(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})

	const timeout = 40 * time.Millisecond
	start := time.Now()
	if _, err := r.DrainEvents(context.Background(), timeout); err != nil {
		t.Fatalf("DrainEvents() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < timeout {
		t.Errorf("returned after %v, want at least %v", elapsed, timeout)
	}

	start = time.Now()
	if _, err := r.DrainEvents(context.Background(), 0); err != nil {
		t.Fatalf("DrainEvents(0) error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > timeout {
		t.Errorf("zero timeout should return at once, took %v", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.DrainEvents(ctx, time.Hour); !errors.Is(err, errors.ErrCodeCanceled) {
		t.Errorf("canceled DrainEvents() error = %v, want CANCELED", err)
	}
}

func TestDrainEvents_DecodeError(t *testing.T) {
	r, b := newTestRegistry(t, Config{})
	ctx := context.Background()
	ch := openChannel(t, b)
	if err := r.Start(ctx, "a", ch); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	pub := openChannel(t, b)
	defer pub.Close()
	msg := broker.Message{Body: []byte("not json"), ContentType: "application/json"}
	if err := pub.Publish(ctx, b.Config().Exchange, b.RoutingKey("a"), msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	var err error
	for i := 0; i < 50 && err == nil; i++ {
		_, err = r.DrainEvents(ctx, 50*time.Millisecond)
	}
	if !errors.Is(err, errors.ErrCodeDecode) {
		t.Errorf("DrainEvents() error = %v, want DECODE", err)
	}
}

func TestDrainEvents_DecodeErrorKeepsBatch(t *testing.T) {
	var changes atomic.Int32
	r, b := newTestRegistry(t, Config{
		OnStateChange: func(*results.Record) { changes.Add(1) },
	})
	ctx := context.Background()
	if err := r.Start(ctx, "a", openChannel(t, b)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	pub := openChannel(t, b)
	defer pub.Close()
	msg := broker.Message{Body: []byte("not json"), ContentType: "application/json"}
	if err := pub.Publish(ctx, b.Config().Exchange, b.RoutingKey("a"), msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	stored, err := b.StoreResult(ctx, "a", "after garbage", results.StatusSuccess)
	if err != nil {
		t.Fatalf("StoreResult() error = %v", err)
	}

	var decodeErr error
	for i := 0; i < 50; i++ {
		_, err := r.DrainEvents(ctx, 50*time.Millisecond)
		if err != nil {
			if !errors.Is(err, errors.ErrCodeDecode) {
				t.Fatalf("DrainEvents() error = %v, want DECODE", err)
			}
			decodeErr = err
		}
		if _, ok := b.Cache().GetReady("a"); ok && decodeErr != nil {
			break
		}
	}
	if decodeErr == nil {
		t.Fatal("DrainEvents() never reported the undecodable message")
	}
	got, ok := b.Cache().GetReady("a")
	if !ok || !got.Equal(stored) {
		t.Errorf("cache[a] = %v, %v; want the record published after the bad message", got, ok)
	}
	if changes.Load() != 1 {
		t.Errorf("OnStateChange calls = %d, want 1", changes.Load())
	}
}

func TestStop_ContinuesPastFailures(t *testing.T) {
	r, b := newTestRegistry(t, Config{})
	ctx := context.Background()
	bad := wrapChannel(t, b, stderrors.New("close boom"), stderrors.New("cancel boom"))
	good := wrapChannel(t, b, nil, nil)

	if err := r.Start(ctx, "a", bad); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := r.Start(ctx, "b", good); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	err := r.Stop()
	if err == nil {
		t.Fatal("Stop() should report failures")
	}
	for _, want := range []string{"cancel boom", "close boom"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Stop() error %q missing %q", err, want)
		}
	}
	for _, ch := range []*failingChannel{bad, good} {
		if !ch.closed.Load() {
			t.Error("every channel should be closed")
		}
		for _, c := range ch.consumers {
			if !c.canceled.Load() {
				t.Error("every consumer should be canceled")
			}
		}
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after Stop", r.Len())
	}
	if _, ok := r.ChannelFor("a"); ok {
		t.Error("task index should be cleared")
	}
}

func TestRemoveAll_LeavesChannelsOpen(t *testing.T) {
	r, b := newTestRegistry(t, Config{})
	ch := wrapChannel(t, b, nil, nil)
	if err := r.Start(context.Background(), "a", ch); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := r.RemoveAll(); err != nil {
		t.Fatalf("RemoveAll() error = %v", err)
	}
	if ch.closed.Load() {
		t.Error("RemoveAll should not close channels")
	}
	if !ch.consumers[0].canceled.Load() {
		t.Error("RemoveAll should cancel consumers")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after RemoveAll", r.Len())
	}
}

func TestInvalidate(t *testing.T) {
	r, b := newTestRegistry(t, Config{})
	ctx := context.Background()
	ch := wrapChannel(t, b, nil, nil)
	if err := r.Start(ctx, "a", ch); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if n := r.Invalidate(); n != 1 {
		t.Errorf("Invalidate() = %d, want 1", n)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after Invalidate", r.Len())
	}
	if ch.closed.Load() || ch.consumers[0].canceled.Load() {
		t.Error("Invalidate must not touch inherited broker resources")
	}

	fresh := wrapChannel(t, b, nil, nil)
	if err := r.Start(ctx, "a", fresh); err != nil {
		t.Fatalf("Start() after Invalidate error = %v", err)
	}
	if h, ok := r.ConsumerFor("a"); !ok || h.ChannelID() != fresh.ID() {
		t.Error("Start after Invalidate should create a new handle")
	}
}
