package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MemoryConfig configures a MemoryBroker.
type MemoryConfig struct {
	Config // Embed base config

	// URL reported by URL(). Default: "memory://"
	URL string
}

// DefaultMemoryConfig returns configuration with sensible defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Config: DefaultConfig(),
		URL:    "memory://",
	}
}

// MemoryBroker implements Broker in process memory.
//
// Queues are FIFO. A requeued message goes back to its original position,
// so a queue's order always matches publish order. Auto-delete queues
// disappear when their last consumer is cancelled; expiring queues
// disappear once they have had no consumer and no access for Expires.
type MemoryBroker struct {
	config MemoryConfig

	mu        sync.Mutex
	exchanges map[string]*memExchange
	queues    map[string]*memQueue
	channels  map[string]*memoryChannel
	seq       uint64
	now       func() time.Time
	closed    atomic.Bool
}

type memExchange struct {
	Exchange
	bindings []memBinding
}

type memBinding struct {
	queue string
	key   string
}

type memQueue struct {
	Queue
	ready     []*memMessage
	consumers map[*memoryConsumer]struct{}
	lastUsed  time.Time
}

type memMessage struct {
	seq         uint64
	msg         Message
	routingKey  string
	redelivered bool
}

type memPending struct {
	queue string
	m     *memMessage
}

// NewMemoryBroker creates a new in-memory broker.
func NewMemoryBroker(cfg MemoryConfig) *MemoryBroker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.URL == "" {
		cfg.URL = DefaultMemoryConfig().URL
	}

	return &MemoryBroker{
		config:    cfg,
		exchanges: make(map[string]*memExchange),
		queues:    make(map[string]*memQueue),
		channels:  make(map[string]*memoryChannel),
		now:       time.Now,
	}
}

// URL returns the broker URL.
func (b *MemoryBroker) URL() string {
	return b.config.URL
}

// Channel opens a new channel.
func (b *MemoryBroker) Channel(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	ch := &memoryChannel{
		id:        uuid.NewString(),
		broker:    b,
		unacked:   make(map[uint64]*memPending),
		consumers: make(map[string]*memoryConsumer),
	}

	b.mu.Lock()
	b.channels[ch.id] = ch
	b.mu.Unlock()

	return ch, nil
}

// Queues returns the names of existing queues, sorted.
func (b *MemoryBroker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every channel. Queue contents are kept until the broker is
// garbage collected.
func (b *MemoryBroker) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	channels := make([]*memoryChannel, 0, len(b.channels))
	for _, ch := range b.channels {
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	return nil
}

// expireLocked deletes queues that have been unused for longer than their
// expiry.
func (b *MemoryBroker) expireLocked() {
	now := b.now()
	for name, q := range b.queues {
		if q.Expires > 0 && len(q.consumers) == 0 && now.Sub(q.lastUsed) >= q.Expires {
			b.deleteQueueLocked(name)
		}
	}
}

func (b *MemoryBroker) deleteQueueLocked(name string) {
	delete(b.queues, name)
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != name {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}
}

// requeueLocked puts m back into its queue at its original position.
func (b *MemoryBroker) requeueLocked(queue string, m *memMessage) {
	q, ok := b.queues[queue]
	if !ok {
		return
	}
	m.redelivered = true
	i := sort.Search(len(q.ready), func(i int) bool { return q.ready[i].seq > m.seq })
	q.ready = append(q.ready, nil)
	copy(q.ready[i+1:], q.ready[i:])
	q.ready[i] = m
	q.notifyLocked()
}

func (q *memQueue) notifyLocked() {
	for c := range q.consumers {
		c.wake()
	}
}

func (q *memQueue) popLocked() *memMessage {
	if len(q.ready) == 0 {
		return nil
	}
	m := q.ready[0]
	q.ready[0] = nil
	q.ready = q.ready[1:]
	return m
}

func (ex *memExchange) route(key string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, bd := range ex.bindings {
		var match bool
		switch ex.Kind {
		case KindFanout:
			match = true
		case KindTopic:
			match = matchTopic(bd.key, key)
		default:
			match = bd.key == key
		}
		if match && !seen[bd.queue] {
			seen[bd.queue] = true
			out = append(out, bd.queue)
		}
	}
	return out
}

// matchTopic matches a routing key against an AMQP topic pattern, where "*"
// matches exactly one word and "#" matches zero or more.
func matchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

func cloneMessage(m Message) Message {
	out := m
	if m.Body != nil {
		out.Body = make([]byte, len(m.Body))
		copy(out.Body, m.Body)
	}
	if m.Headers != nil {
		out.Headers = make(map[string]interface{}, len(m.Headers))
		for k, v := range m.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// memoryChannel implements Channel. Mutable fields are guarded by broker.mu.
type memoryChannel struct {
	id     string
	broker *MemoryBroker

	unacked   map[uint64]*memPending
	consumers map[string]*memoryConsumer
	tag       uint64
	closed    atomic.Bool
}

func (c *memoryChannel) ID() string {
	return c.id
}

func (c *memoryChannel) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.broker.closed.Load() {
		return ErrClosed
	}
	if c.closed.Load() {
		return ErrChannelClosed
	}
	return nil
}

func (c *memoryChannel) DeclareExchange(ctx context.Context, ex Exchange) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if err := ValidateName(ex.Name); err != nil {
		return fmt.Errorf("exchange %q: %w", ex.Name, err)
	}
	if ex.Kind == "" {
		ex.Kind = KindDirect
	}
	switch ex.Kind {
	case KindDirect, KindFanout, KindTopic:
	default:
		return fmt.Errorf("exchange kind %q: %w", ex.Kind, ErrUnsupported)
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.exchanges[ex.Name]; ok {
		if existing.Kind != ex.Kind || existing.Durable != ex.Durable {
			return fmt.Errorf("exchange %q: %w", ex.Name, ErrMismatch)
		}
		return nil
	}
	b.exchanges[ex.Name] = &memExchange{Exchange: ex}
	return nil
}

func (c *memoryChannel) DeclareQueue(ctx context.Context, q Queue) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if err := ValidateName(q.Name); err != nil {
		return fmt.Errorf("queue %q: %w", q.Name, err)
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()

	var ex *memExchange
	if q.Exchange != "" {
		var ok bool
		if ex, ok = b.exchanges[q.Exchange]; !ok {
			return fmt.Errorf("exchange %q: %w", q.Exchange, ErrNotFound)
		}
	}

	existing, ok := b.queues[q.Name]
	if ok {
		if existing.Durable != q.Durable || existing.AutoDelete != q.AutoDelete {
			return fmt.Errorf("queue %q: %w", q.Name, ErrMismatch)
		}
		existing.lastUsed = b.now()
	} else {
		b.queues[q.Name] = &memQueue{
			Queue:     q,
			consumers: make(map[*memoryConsumer]struct{}),
			lastUsed:  b.now(),
		}
	}

	if ex == nil {
		return nil
	}
	key := q.RoutingKey
	if key == "" {
		key = q.Name
	}
	for _, bd := range ex.bindings {
		if bd.queue == q.Name && bd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, memBinding{queue: q.Name, key: key})
	return nil
}

func (c *memoryChannel) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	if err := c.check(ctx); err != nil {
		return err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()

	var targets []string
	if exchange == "" {
		// Default exchange: route straight to the queue of that name.
		if _, ok := b.queues[routingKey]; ok {
			targets = []string{routingKey}
		}
	} else {
		ex, ok := b.exchanges[exchange]
		if !ok {
			return fmt.Errorf("exchange %q: %w", exchange, ErrNotFound)
		}
		targets = ex.route(routingKey)
	}

	for _, name := range targets {
		q := b.queues[name]
		b.seq++
		q.ready = append(q.ready, &memMessage{
			seq:        b.seq,
			msg:        cloneMessage(msg),
			routingKey: routingKey,
		})
		q.notifyLocked()
	}
	return nil
}

func (c *memoryChannel) Get(ctx context.Context, queue string, autoAck bool) (*Delivery, bool, error) {
	if err := c.check(ctx); err != nil {
		return nil, false, err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()

	q, ok := b.queues[queue]
	if !ok {
		return nil, false, fmt.Errorf("queue %q: %w", queue, ErrNotFound)
	}
	q.lastUsed = b.now()

	m := q.popLocked()
	if m == nil {
		return nil, false, nil
	}
	return c.deliverLocked(queue, m, autoAck), true, nil
}

// deliverLocked wraps m in a Delivery, taking ownership of it unless
// autoAck is set.
func (c *memoryChannel) deliverLocked(queue string, m *memMessage, autoAck bool) *Delivery {
	d := &Delivery{
		Message:     cloneMessage(m.msg),
		Queue:       queue,
		RoutingKey:  m.routingKey,
		Redelivered: m.redelivered,
	}
	if autoAck {
		d.restore = func() {
			c.broker.mu.Lock()
			c.broker.requeueLocked(queue, m)
			c.broker.mu.Unlock()
		}
		return d
	}

	c.tag++
	c.unacked[c.tag] = &memPending{queue: queue, m: m}
	d.acker = &memoryAcker{ch: c, tag: c.tag}
	d.restore = func() { d.Requeue() }
	return d
}

func (c *memoryChannel) QueueDepth(ctx context.Context, queue string) (int, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()

	q, ok := b.queues[queue]
	if !ok {
		return 0, fmt.Errorf("queue %q: %w", queue, ErrNotFound)
	}
	return len(q.ready), nil
}

func (c *memoryChannel) Consume(ctx context.Context, queues []string, autoAck bool) (Consumer, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}

	cons := &memoryConsumer{
		tag:        "memory-" + uuid.NewString(),
		ch:         c,
		autoAck:    autoAck,
		deliveries: make(chan *Delivery, c.broker.config.BufferSize),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
	}

	b := c.broker
	b.mu.Lock()
	b.expireLocked()
	for _, name := range queues {
		if _, ok := b.queues[name]; !ok {
			b.mu.Unlock()
			return nil, fmt.Errorf("queue %q: %w", name, ErrNotFound)
		}
	}
	for _, name := range queues {
		cons.attachLocked(b.queues[name])
	}
	c.consumers[cons.tag] = cons
	b.mu.Unlock()

	go cons.run()
	cons.wake()
	return cons, nil
}

func (c *memoryChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	b := c.broker
	b.mu.Lock()
	consumers := make([]*memoryConsumer, 0, len(c.consumers))
	for _, cons := range c.consumers {
		consumers = append(consumers, cons)
	}
	b.mu.Unlock()

	for _, cons := range consumers {
		cons.Cancel()
	}

	b.mu.Lock()
	for tag, p := range c.unacked {
		delete(c.unacked, tag)
		b.requeueLocked(p.queue, p.m)
	}
	delete(b.channels, c.id)
	b.mu.Unlock()
	return nil
}

type memoryAcker struct {
	ch  *memoryChannel
	tag uint64
}

func (a *memoryAcker) take() (*memPending, error) {
	p, ok := a.ch.unacked[a.tag]
	if !ok {
		return nil, ErrChannelClosed
	}
	delete(a.ch.unacked, a.tag)
	return p, nil
}

func (a *memoryAcker) ack() error {
	b := a.ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := a.take()
	return err
}

func (a *memoryAcker) requeue() error {
	b := a.ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := a.take()
	if err != nil {
		return err
	}
	b.requeueLocked(p.queue, p.m)
	return nil
}

// memoryConsumer implements Consumer. queues and next are guarded by
// broker.mu.
type memoryConsumer struct {
	tag     string
	ch      *memoryChannel
	autoAck bool

	queues []string
	next   int

	deliveries chan *Delivery
	notify     chan struct{}
	done       chan struct{}
	exited     chan struct{}
	canceled   atomic.Bool
}

func (c *memoryConsumer) Tag() string {
	return c.tag
}

func (c *memoryConsumer) Deliveries() <-chan *Delivery {
	return c.deliveries
}

func (c *memoryConsumer) AddQueue(ctx context.Context, queue string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.canceled.Load() {
		return ErrClosed
	}

	b := c.ch.broker
	b.mu.Lock()
	b.expireLocked()
	q, ok := b.queues[queue]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("queue %q: %w", queue, ErrNotFound)
	}
	c.attachLocked(q)
	b.mu.Unlock()

	c.wake()
	return nil
}

func (c *memoryConsumer) attachLocked(q *memQueue) {
	if _, ok := q.consumers[c]; ok {
		return
	}
	q.consumers[c] = struct{}{}
	q.lastUsed = c.ch.broker.now()
	c.queues = append(c.queues, q.Name)
}

func (c *memoryConsumer) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// run moves messages from the consumer's queues into its delivery channel,
// round-robin across queues.
func (c *memoryConsumer) run() {
	defer close(c.exited)

	for {
		d := c.take()
		if d == nil {
			select {
			case <-c.done:
				return
			case <-c.notify:
				continue
			}
		}

		select {
		case c.deliveries <- d:
		case <-c.done:
			d.Return()
			return
		}
	}
}

func (c *memoryConsumer) take() *Delivery {
	b := c.ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.canceled.Load() {
		return nil
	}
	n := len(c.queues)
	for i := 0; i < n; i++ {
		idx := (c.next + i) % n
		q, ok := b.queues[c.queues[idx]]
		if !ok {
			continue
		}
		m := q.popLocked()
		if m == nil {
			continue
		}
		c.next = idx + 1
		return c.ch.deliverLocked(q.Name, m, c.autoAck)
	}
	return nil
}

// Cancel stops the consumer and returns deliveries nobody has read to
// their queues.
func (c *memoryConsumer) Cancel() error {
	if c.canceled.Swap(true) {
		return nil
	}
	close(c.done)
	<-c.exited

	for {
		select {
		case d := <-c.deliveries:
			d.Return()
			continue
		default:
		}
		break
	}
	close(c.deliveries)

	b := c.ch.broker
	b.mu.Lock()
	for _, name := range c.queues {
		q, ok := b.queues[name]
		if !ok {
			continue
		}
		delete(q.consumers, c)
		q.lastUsed = b.now()
		if q.AutoDelete && len(q.consumers) == 0 {
			b.deleteQueueLocked(name)
		}
	}
	delete(c.ch.consumers, c.tag)
	b.mu.Unlock()
	return nil
}
