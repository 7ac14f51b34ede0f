package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Message header names used on JetStream, where AMQP properties have no
// native slot.
const (
	headerContentType     = "Content-Type"
	headerContentEncoding = "Content-Encoding"
	headerCorrelationID   = "Correlation-Id"
	headerDeliveryMode    = "Delivery-Mode"
)

// JetStreamConfig holds NATS JetStream connection configuration.
type JetStreamConfig struct {
	Config // Embed base config

	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration

	// AckWait is how long a fetched message stays invisible before the
	// server redelivers it.
	AckWait time.Duration
}

// DefaultJetStreamConfig returns configuration with sensible defaults.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1, // Unlimited
		ConnectTimeout: 5 * time.Second,
		AckWait:        30 * time.Second,
	}
}

// JetStreamBroker implements Broker on NATS JetStream.
//
// An exchange is a work-queue stream capturing "<exchange>.>". A queue is a
// durable pull consumer filtered on "<exchange>.<routing key>". Only direct
// exchanges can be expressed this way.
type JetStreamBroker struct {
	config JetStreamConfig
	conn   *nats.Conn
	js     jetstream.JetStream
	owned  bool

	mu       sync.Mutex
	queues   map[string]*jsQueue
	channels map[string]*jsChannel
	closed   atomic.Bool
}

type jsQueue struct {
	Queue
	stream    string
	durable   string
	subject   string
	consumers int
}

// DialJetStream connects to NATS and enables JetStream.
func DialJetStream(ctx context.Context, cfg JetStreamConfig) (*JetStreamBroker, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	b, err := NewJetStreamBrokerFromConn(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

// NewJetStreamBrokerFromConn creates a broker on an existing connection.
// Closing the broker leaves the connection open.
func NewJetStreamBrokerFromConn(conn *nats.Conn, cfg JetStreamConfig) (*JetStreamBroker, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = DefaultJetStreamConfig().AckWait
	}
	if cfg.URL == "" {
		cfg.URL = conn.ConnectedUrl()
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	return &JetStreamBroker{
		config:   cfg,
		conn:     conn,
		js:       js,
		queues:   make(map[string]*jsQueue),
		channels: make(map[string]*jsChannel),
	}, nil
}

// buildNATSOptions constructs NATS connection options from config.
func buildNATSOptions(cfg JetStreamConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	return opts
}

// sanitizeName turns an exchange or queue name into a valid stream or
// consumer name.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '/', '\\':
			return '_'
		}
		return r
	}, name)
}

// subjectFor maps an exchange and routing key to a subject inside the
// exchange's stream.
func subjectFor(exchange, routingKey string) string {
	if strings.HasPrefix(routingKey, exchange+".") {
		return routingKey
	}
	return exchange + "." + routingKey
}

// URL returns the server URL.
func (b *JetStreamBroker) URL() string {
	return b.config.URL
}

// Channel returns a new logical channel. JetStream has no channels; the
// returned value tracks unsettled deliveries so Close can return them.
func (b *JetStreamBroker) Channel(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.closed.Load() || b.conn.IsClosed() {
		return nil, ErrClosed
	}

	ch := &jsChannel{
		id:      uuid.NewString(),
		broker:  b,
		unacked: make(map[*Delivery]struct{}),
	}
	b.mu.Lock()
	b.channels[ch.id] = ch
	b.mu.Unlock()
	return ch, nil
}

// Close closes every channel and, if the broker dialled it, the connection.
func (b *JetStreamBroker) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	channels := make([]*jsChannel, 0, len(b.channels))
	for _, ch := range b.channels {
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	if b.owned {
		b.conn.Close()
	}
	return nil
}

func (b *JetStreamBroker) queue(name string) (*jsQueue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("queue %q: %w", name, ErrNotFound)
	}
	return q, nil
}

func (b *JetStreamBroker) consumer(ctx context.Context, q *jsQueue) (jetstream.Consumer, error) {
	cons, err := b.js.Consumer(ctx, q.stream, q.durable)
	if err != nil {
		if errors.Is(err, jetstream.ErrConsumerNotFound) || errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, fmt.Errorf("queue %q: %w", q.Name, ErrNotFound)
		}
		return nil, fmt.Errorf("jetstream consumer: %w", err)
	}
	return cons, nil
}

// release drops one consumer reference and removes auto-delete queues with
// no consumers left.
func (b *JetStreamBroker) release(ctx context.Context, names []string) error {
	var errs []error
	for _, name := range names {
		b.mu.Lock()
		q, ok := b.queues[name]
		remove := false
		if ok {
			q.consumers--
			if q.AutoDelete && q.consumers <= 0 {
				delete(b.queues, name)
				remove = true
			}
		}
		b.mu.Unlock()
		if !remove {
			continue
		}

		stream, err := b.js.Stream(ctx, q.stream)
		if err != nil {
			errs = append(errs, fmt.Errorf("jetstream stream: %w", err))
			continue
		}
		if err := stream.DeleteConsumer(ctx, q.durable); err != nil && !errors.Is(err, jetstream.ErrConsumerNotFound) {
			errs = append(errs, fmt.Errorf("jetstream delete consumer: %w", err))
		}
		if err := stream.Purge(ctx, jetstream.WithPurgeSubject(q.subject)); err != nil {
			errs = append(errs, fmt.Errorf("jetstream purge: %w", err))
		}
	}
	return errors.Join(errs...)
}

type jsChannel struct {
	id     string
	broker *JetStreamBroker

	mu      sync.Mutex
	unacked map[*Delivery]struct{}
	closed  atomic.Bool
}

func (c *jsChannel) ID() string {
	return c.id
}

func (c *jsChannel) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.broker.closed.Load() || c.broker.conn.IsClosed() {
		return ErrClosed
	}
	if c.closed.Load() {
		return ErrChannelClosed
	}
	return nil
}

func (c *jsChannel) DeclareExchange(ctx context.Context, ex Exchange) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if err := ValidateName(ex.Name); err != nil {
		return fmt.Errorf("exchange %q: %w", ex.Name, err)
	}
	if ex.Kind != "" && ex.Kind != KindDirect {
		return fmt.Errorf("exchange kind %q on jetstream: %w", ex.Kind, ErrUnsupported)
	}

	storage := jetstream.MemoryStorage
	if ex.Durable {
		storage = jetstream.FileStorage
	}
	_, err := c.broker.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      sanitizeName(ex.Name),
		Subjects:  []string{ex.Name + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   storage,
	})
	if err != nil {
		return fmt.Errorf("jetstream stream %q: %w", ex.Name, err)
	}
	return nil
}

func (c *jsChannel) DeclareQueue(ctx context.Context, q Queue) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if err := ValidateName(q.Name); err != nil {
		return fmt.Errorf("queue %q: %w", q.Name, err)
	}
	if q.Exchange == "" {
		return fmt.Errorf("unbound queue %q on jetstream: %w", q.Name, ErrUnsupported)
	}

	key := q.RoutingKey
	if key == "" {
		key = q.Name
	}
	jq := &jsQueue{
		Queue:   q,
		stream:  sanitizeName(q.Exchange),
		durable: sanitizeName(q.Name),
		subject: subjectFor(q.Exchange, key),
	}

	stream, err := c.broker.js.Stream(ctx, jq.stream)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return fmt.Errorf("exchange %q: %w", q.Exchange, ErrNotFound)
		}
		return fmt.Errorf("jetstream stream: %w", err)
	}

	cfg := jetstream.ConsumerConfig{
		Durable:       jq.durable,
		FilterSubject: jq.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.broker.config.AckWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if q.Expires > 0 {
		cfg.InactiveThreshold = q.Expires
	}
	if _, err := stream.CreateOrUpdateConsumer(ctx, cfg); err != nil {
		return fmt.Errorf("jetstream consumer %q: %w", q.Name, err)
	}

	c.broker.mu.Lock()
	if _, ok := c.broker.queues[q.Name]; !ok {
		c.broker.queues[q.Name] = jq
	}
	c.broker.mu.Unlock()
	return nil
}

func (c *jsChannel) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if exchange == "" {
		return fmt.Errorf("default exchange on jetstream: %w", ErrUnsupported)
	}

	m := nats.NewMsg(subjectFor(exchange, routingKey))
	m.Data = msg.Body
	for k, v := range msg.Headers {
		m.Header.Set(k, fmt.Sprint(v))
	}
	if msg.ContentType != "" {
		m.Header.Set(headerContentType, msg.ContentType)
	}
	if msg.ContentEncoding != "" {
		m.Header.Set(headerContentEncoding, msg.ContentEncoding)
	}
	if msg.CorrelationID != "" {
		m.Header.Set(headerCorrelationID, msg.CorrelationID)
	}
	if msg.DeliveryMode != 0 {
		m.Header.Set(headerDeliveryMode, strconv.Itoa(int(msg.DeliveryMode)))
	}

	if _, err := c.broker.js.PublishMsg(ctx, m); err != nil {
		if errors.Is(err, jetstream.ErrNoStreamResponse) {
			return fmt.Errorf("exchange %q: %w", exchange, ErrNotFound)
		}
		return fmt.Errorf("jetstream publish: %w", err)
	}
	return nil
}

func (c *jsChannel) delivery(msg jetstream.Msg, q *jsQueue, autoAck bool) *Delivery {
	d := &Delivery{
		Message: Message{Body: msg.Data()},
		Queue:   q.Name,
	}

	headers := msg.Headers()
	if len(headers) > 0 {
		d.Headers = make(map[string]interface{})
	}
	for k := range headers {
		v := headers.Get(k)
		switch k {
		case headerContentType:
			d.ContentType = v
		case headerContentEncoding:
			d.ContentEncoding = v
		case headerCorrelationID:
			d.CorrelationID = v
		case headerDeliveryMode:
			if n, err := strconv.Atoi(v); err == nil {
				d.DeliveryMode = DeliveryMode(n)
			}
		default:
			d.Headers[k] = v
		}
	}

	subject := msg.Subject()
	d.RoutingKey = strings.TrimPrefix(subject, q.Exchange+".")
	if subject == q.subject && strings.HasPrefix(q.RoutingKey, q.Exchange+".") {
		d.RoutingKey = q.RoutingKey
	}
	if meta, err := msg.Metadata(); err == nil {
		d.Redelivered = meta.NumDelivered > 1
	}

	if !autoAck {
		d.acker = &jsAcker{ch: c, d: d, msg: msg}
		d.restore = func() { d.Requeue() }
		c.mu.Lock()
		c.unacked[d] = struct{}{}
		c.mu.Unlock()
	}
	return d
}

type jsAcker struct {
	ch  *jsChannel
	d   *Delivery
	msg jetstream.Msg
}

func (a *jsAcker) settle() {
	a.ch.mu.Lock()
	delete(a.ch.unacked, a.d)
	a.ch.mu.Unlock()
}

func (a *jsAcker) ack() error {
	a.settle()
	if err := a.msg.Ack(); err != nil {
		return fmt.Errorf("jetstream ack: %w", err)
	}
	return nil
}

func (a *jsAcker) requeue() error {
	a.settle()
	if err := a.msg.Nak(); err != nil {
		return fmt.Errorf("jetstream nak: %w", err)
	}
	return nil
}

func (c *jsChannel) Get(ctx context.Context, queue string, autoAck bool) (*Delivery, bool, error) {
	if err := c.check(ctx); err != nil {
		return nil, false, err
	}
	q, err := c.broker.queue(queue)
	if err != nil {
		return nil, false, err
	}
	cons, err := c.broker.consumer(ctx, q)
	if err != nil {
		return nil, false, err
	}

	batch, err := cons.FetchNoWait(1)
	if err != nil {
		return nil, false, fmt.Errorf("jetstream fetch: %w", err)
	}

	var msg jetstream.Msg
	for m := range batch.Messages() {
		if msg == nil {
			msg = m
		}
	}
	if err := batch.Error(); err != nil && !isEmptyFetch(err) {
		if msg != nil {
			msg.Nak()
		}
		return nil, false, fmt.Errorf("jetstream fetch: %w", err)
	}
	if msg == nil {
		return nil, false, nil
	}

	if autoAck {
		if err := msg.Ack(); err != nil {
			return nil, false, fmt.Errorf("jetstream ack: %w", err)
		}
	}
	return c.delivery(msg, q, autoAck), true, nil
}

func isEmptyFetch(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, jetstream.ErrNoMessages)
}

func (c *jsChannel) QueueDepth(ctx context.Context, queue string) (int, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	q, err := c.broker.queue(queue)
	if err != nil {
		return 0, err
	}
	cons, err := c.broker.consumer(ctx, q)
	if err != nil {
		return 0, err
	}
	info, err := cons.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("jetstream consumer info: %w", err)
	}
	// Nak'd messages wait in the ack-pending set until redelivered.
	return int(info.NumPending) + info.NumAckPending, nil
}

func (c *jsChannel) Consume(ctx context.Context, queues []string, autoAck bool) (Consumer, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}

	cons := &jsConsumer{
		tag:        "jetstream-" + uuid.NewString(),
		ch:         c,
		autoAck:    autoAck,
		deliveries: make(chan *Delivery, c.broker.config.BufferSize),
		done:       make(chan struct{}),
	}
	for _, q := range queues {
		if err := cons.AddQueue(ctx, q); err != nil {
			cons.Cancel()
			return nil, err
		}
	}
	return cons, nil
}

// Close naks every delivery still owned by the channel.
func (c *jsChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	pending := make([]*Delivery, 0, len(c.unacked))
	for d := range c.unacked {
		pending = append(pending, d)
	}
	c.mu.Unlock()

	var errs []error
	for _, d := range pending {
		if err := d.Requeue(); err != nil && !errors.Is(err, ErrAlreadySettled) {
			errs = append(errs, err)
		}
	}

	c.broker.mu.Lock()
	delete(c.broker.channels, c.id)
	c.broker.mu.Unlock()
	return errors.Join(errs...)
}

// jsConsumer runs one JetStream pull subscription per queue and merges them
// into a single delivery channel.
type jsConsumer struct {
	tag     string
	ch      *jsChannel
	autoAck bool

	mu       sync.RWMutex
	subs     []jetstream.ConsumeContext
	queues   []string
	canceled bool

	deliveries chan *Delivery
	done       chan struct{}
	stopOnce   sync.Once
}

func (c *jsConsumer) Tag() string {
	return c.tag
}

func (c *jsConsumer) Deliveries() <-chan *Delivery {
	return c.deliveries
}

func (c *jsConsumer) AddQueue(ctx context.Context, queue string) error {
	if err := c.ch.check(ctx); err != nil {
		return err
	}
	q, err := c.ch.broker.queue(queue)
	if err != nil {
		return err
	}
	cons, err := c.ch.broker.consumer(ctx, q)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.canceled {
		return ErrClosed
	}
	for _, name := range c.queues {
		if name == queue {
			return nil
		}
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) { c.handle(msg, q) })
	if err != nil {
		return fmt.Errorf("jetstream consume: %w", err)
	}
	c.subs = append(c.subs, cc)
	c.queues = append(c.queues, queue)

	c.ch.broker.mu.Lock()
	q.consumers++
	c.ch.broker.mu.Unlock()
	return nil
}

func (c *jsConsumer) handle(msg jetstream.Msg, q *jsQueue) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.canceled {
		msg.Nak()
		return
	}

	if c.autoAck {
		if err := msg.Ack(); err != nil {
			return
		}
	}
	d := c.ch.delivery(msg, q, c.autoAck)
	select {
	case c.deliveries <- d:
	case <-c.done:
		d.Return()
	}
}

// Cancel stops all subscriptions and closes the delivery channel.
func (c *jsConsumer) Cancel() error {
	c.mu.RLock()
	already := c.canceled
	c.mu.RUnlock()
	if already {
		return nil
	}

	// Unblock handlers waiting to hand over a delivery before taking the
	// write lock.
	c.stopOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		return nil
	}
	c.canceled = true
	for _, cc := range c.subs {
		cc.Stop()
	}
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
	queues := c.queues
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.ch.broker.release(ctx, queues)
}
