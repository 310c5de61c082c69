package notifications

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/darkden-lab/ordertracking/internal/domain"
)

// ConsumerState is the consumer's position in its connection lifecycle.
type ConsumerState int32

const (
	StateDisconnected ConsumerState = iota
	StateConnecting
	StateSubscribing
	StateConsuming
)

func (s ConsumerState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateConsuming:
		return "consuming"
	default:
		return "unknown"
	}
}

// Clock abstracts waiting so tests can drive warm-up and retry delays.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// EventHandler processes one decoded event. A returned error nacks the
// message back onto the queue.
type EventHandler interface {
	HandleEvent(ctx context.Context, event domain.StatusChangeEvent) error
}

// ConsumerConfig tunes the consumer. RedeliveryLimit caps how many times one
// message may fail before it is discarded; zero means no cap.
type ConsumerConfig struct {
	Warmup          time.Duration
	RetryInterval   time.Duration
	Prefetch        int
	RedeliveryLimit int
	Clock           Clock
}

// Consumer is a long-running worker that keeps a subscription to the status
// change queue alive and hands each message to its handler. It never gives up
// reconnecting while its context is live.
type Consumer struct {
	connector Connector
	topology  Topology
	handler   EventHandler
	cfg       ConsumerConfig
	clock     Clock
	logger    *zap.Logger

	state    atomic.Int32
	failures *failureCounter

	conn       Connection
	ch         Channel
	deliveries <-chan Delivery
}

// NewConsumer wires the handler up front; nothing is consumed until Run.
func NewConsumer(connector Connector, topology Topology, handler EventHandler, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 10 * time.Second
	}
	return &Consumer{
		connector: connector,
		topology:  topology,
		handler:   handler,
		cfg:       cfg,
		clock:     clock,
		logger:    logger.Named("consumer"),
		failures:  newFailureCounter(cfg.RedeliveryLimit),
	}
}

// State reports the current lifecycle state.
func (c *Consumer) State() ConsumerState {
	return ConsumerState(c.state.Load())
}

// Run waits out the warm-up delay and then loops through the lifecycle until
// ctx is cancelled. It always returns nil; broker failures are retried.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.release()

	c.logger.Info("consumer starting", zap.Duration("warmup", c.cfg.Warmup))
	if !c.wait(ctx, c.cfg.Warmup) {
		return nil
	}

	state := StateDisconnected
	for ctx.Err() == nil {
		c.state.Store(int32(state))
		switch state {
		case StateDisconnected:
			state = c.disconnected()
		case StateConnecting:
			state = c.connect(ctx)
		case StateSubscribing:
			state = c.subscribe(ctx)
		case StateConsuming:
			state = c.consume(ctx)
		}
	}
	c.logger.Info("consumer stopped")
	return nil
}

func (c *Consumer) disconnected() ConsumerState {
	if c.conn != nil && !c.conn.IsClosed() {
		return StateSubscribing
	}
	c.release()
	return StateConnecting
}

func (c *Consumer) connect(ctx context.Context) ConsumerState {
	conn, err := c.connector.Connect(ctx)
	if err != nil {
		c.logger.Warn("broker connection failed, retrying",
			zap.Duration("retry_in", c.cfg.RetryInterval), zap.Error(err))
		c.wait(ctx, c.cfg.RetryInterval)
		return StateDisconnected
	}
	c.conn = conn
	c.logger.Info("connected to broker")
	return StateSubscribing
}

func (c *Consumer) subscribe(ctx context.Context) ConsumerState {
	if err := c.openSubscription(ctx); err != nil {
		c.logger.Warn("subscription failed, retrying",
			zap.Duration("retry_in", c.cfg.RetryInterval), zap.Error(err))
		c.dropChannel()
		c.wait(ctx, c.cfg.RetryInterval)
		return StateDisconnected
	}
	c.logger.Info("consuming",
		zap.String("queue", c.topology.Queue),
		zap.String("exchange", c.topology.Exchange),
		zap.String("routing_key", c.topology.RoutingKey),
	)
	return StateConsuming
}

func (c *Consumer) openSubscription(ctx context.Context) error {
	ch, err := c.conn.Channel(ctx)
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	c.ch = ch
	if err := ch.DeclareTopology(ctx, c.topology); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}
	deliveries, err := ch.Consume(ctx, c.topology, c.cfg.Prefetch)
	if err != nil {
		return err
	}
	c.deliveries = deliveries
	return nil
}

func (c *Consumer) consume(ctx context.Context) ConsumerState {
	for {
		select {
		case <-ctx.Done():
			return StateConsuming
		case <-c.ch.Closed():
			return c.lost(ctx)
		case d, ok := <-c.deliveries:
			if !ok {
				return c.lost(ctx)
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) lost(ctx context.Context) ConsumerState {
	if ctx.Err() != nil {
		return StateConsuming
	}
	c.logger.Warn("broker subscription lost, reconnecting",
		zap.Duration("retry_in", c.cfg.RetryInterval))
	c.dropChannel()
	c.wait(ctx, c.cfg.RetryInterval)
	return StateDisconnected
}

// handle settles exactly one delivery: ack after the handler succeeds, nack
// otherwise. Malformed payloads are treated as handler failures.
func (c *Consumer) handle(ctx context.Context, d Delivery) {
	event, err := DecodeEvent(d.Body)
	if err == nil {
		err = c.dispatch(ctx, event)
	}

	key := d.MessageID
	if key == "" {
		key = strconv.FormatUint(xxhash.Sum64(d.Body), 16)
	}

	if err == nil {
		c.failures.forget(key)
		if ackErr := d.Ack(); ackErr != nil {
			c.logger.Warn("ack failed", zap.String("message_id", d.MessageID), zap.Error(ackErr))
		}
		return
	}

	requeue := c.failures.record(key)
	c.logger.Error("message handling failed",
		zap.String("message_id", d.MessageID),
		zap.Bool("redelivered", d.Redelivered),
		zap.Bool("requeue", requeue),
		zap.Error(err),
	)
	if nackErr := d.Nack(requeue); nackErr != nil {
		c.logger.Warn("nack failed", zap.String("message_id", d.MessageID), zap.Error(nackErr))
	}
}

func (c *Consumer) dispatch(ctx context.Context, event domain.StatusChangeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler.HandleEvent(ctx, event)
}

// wait blocks for d or until ctx is done, reporting whether the full delay
// elapsed.
func (c *Consumer) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-c.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Consumer) dropChannel() {
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	c.deliveries = nil
}

func (c *Consumer) release() {
	c.dropChannel()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

const maxTrackedFailures = 10000

// failureCounter counts handling failures per message so poison messages can
// be discarded after a bounded number of redeliveries.
type failureCounter struct {
	limit int

	mu     sync.Mutex
	counts map[string]int
}

func newFailureCounter(limit int) *failureCounter {
	return &failureCounter{limit: limit, counts: make(map[string]int)}
}

// record notes a failure and reports whether the message should be requeued.
func (f *failureCounter) record(key string) bool {
	if f.limit <= 0 {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.counts) >= maxTrackedFailures {
		f.counts = make(map[string]int)
	}
	f.counts[key]++
	if f.counts[key] > f.limit {
		delete(f.counts, key)
		return false
	}
	return true
}

func (f *failureCounter) forget(key string) {
	if f.limit <= 0 {
		return
	}
	f.mu.Lock()
	delete(f.counts, key)
	f.mu.Unlock()
}
