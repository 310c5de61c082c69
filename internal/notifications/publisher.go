package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/darkden-lab/ordertracking/internal/domain"
)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("publisher closed")

// PublisherConfig tunes the circuit breaker in front of the broker.
// BreakerFailures consecutive failures open the breaker for BreakerCooldown.
type PublisherConfig struct {
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Publisher serializes status change events and sends them to the broker as
// persistent messages. It lazily opens one connection and one channel, shared
// by all callers and guarded by a mutex, and discards both after any failure
// so that the next publish starts fresh.
type Publisher struct {
	connector Connector
	topology  Topology
	logger    *zap.Logger
	breaker   *gobreaker.CircuitBreaker
	now       func() time.Time

	mu     sync.Mutex
	conn   Connection
	ch     Channel
	closed bool
}

// NewPublisher returns a Publisher. No connection is made until the first
// Publish.
func NewPublisher(connector Connector, topology Topology, cfg PublisherConfig, logger *zap.Logger) *Publisher {
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	logger = logger.Named("publisher")

	return &Publisher{
		connector: connector,
		topology:  topology,
		logger:    logger,
		now:       time.Now,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "broker-publish",
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("Circuit breaker state changed",
					zap.String("name", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
	}
}

// Publish sends one event. The message id is fresh per call and the routing
// key is the configured one. Errors are returned to the caller; nothing is
// retried here.
func (p *Publisher) Publish(ctx context.Context, event domain.StatusChangeEvent) error {
	body, err := EncodeEvent(event)
	if err != nil {
		return err
	}
	msg := Message{
		ID:          uuid.NewString(),
		Key:         event.OrderID.String(),
		ContentType: contentTypeJSON,
		Body:        body,
		Timestamp:   p.now().UTC(),
		Persistent:  true,
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	if err != nil {
		return err
	}

	p.logger.Debug("status change published",
		zap.String("message_id", msg.ID),
		zap.String("order_id", msg.Key),
		zap.String("new_status", event.NewStatus.String()),
	)
	return nil
}

func (p *Publisher) send(ctx context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}
	if err := ch.DeclareTopology(ctx, p.topology); err != nil {
		p.reset()
		return fmt.Errorf("declare topology: %w", err)
	}
	if err := ch.Publish(ctx, p.topology, msg); err != nil {
		p.reset()
		return err
	}
	return nil
}

// channel returns the cached channel, reopening the connection and channel
// when either is gone. Callers hold p.mu.
func (p *Publisher) channel(ctx context.Context) (Channel, error) {
	if p.ch != nil && !channelClosed(p.ch) && !p.conn.IsClosed() {
		return p.ch, nil
	}
	p.reset()

	conn, err := p.connector.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open broker channel: %w", err)
	}
	p.conn, p.ch = conn, ch
	p.logger.Info("broker channel opened")
	return ch, nil
}

func (p *Publisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Close releases the connection. Later publishes fail with ErrPublisherClosed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.reset()
	return nil
}
