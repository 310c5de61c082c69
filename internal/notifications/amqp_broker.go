package notifications

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	amqpHeartbeat   = 10 * time.Second
	amqpDialTimeout = 5 * time.Second
	amqpAppID       = "order-tracking"
)

// AMQPConnector dials a RabbitMQ (AMQP 0-9-1) broker.
type AMQPConnector struct {
	url string
}

// NewAMQPConnector returns a connector for the given amqp:// URL.
func NewAMQPConnector(url string) *AMQPConnector {
	return &AMQPConnector{url: url}
}

func (c *AMQPConnector) Connect(ctx context.Context) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := amqp.DialConfig(c.url, amqp.Config{
		Heartbeat: amqpHeartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(amqpDialTimeout),
		Properties: amqp.Table{
			"connection_name": amqpAppID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial amqp: %v", ErrBrokerUnavailable, err)
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel(ctx context.Context) (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	closed := make(chan struct{})
	notify := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		<-notify
		close(closed)
	}()
	return &amqpChannel{ch: ch, closed: closed}, nil
}

func (c *amqpConnection) IsClosed() bool { return c.conn.IsClosed() }

func (c *amqpConnection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

type amqpChannel struct {
	ch     *amqp.Channel
	closed chan struct{}
}

// DeclareTopology asserts a durable topic exchange, a durable shared queue and
// the binding between them.
func (c *amqpChannel) DeclareTopology(ctx context.Context, t Topology) error {
	if err := c.ch.ExchangeDeclare(t.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}
	if _, err := c.ch.QueueDeclare(t.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}
	if err := c.ch.QueueBind(t.Queue, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", t.Queue, t.Exchange, err)
	}
	return nil
}

func (c *amqpChannel) Publish(ctx context.Context, t Topology, msg Message) error {
	mode := amqp.Transient
	if msg.Persistent {
		mode = amqp.Persistent
	}
	err := c.ch.PublishWithContext(ctx, t.Exchange, t.RoutingKey, false, false, amqp.Publishing{
		ContentType:   msg.ContentType,
		DeliveryMode:  mode,
		MessageId:     msg.ID,
		CorrelationId: msg.Key,
		Timestamp:     msg.Timestamp,
		AppId:         amqpAppID,
		Body:          msg.Body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", t.Exchange, t.RoutingKey, err)
	}
	return nil
}

func (c *amqpChannel) Consume(ctx context.Context, t Topology, prefetch int) (<-chan Delivery, error) {
	if prefetch > 0 {
		if err := c.ch.Qos(prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("set prefetch: %w", err)
		}
	}
	msgs, err := c.ch.ConsumeWithContext(ctx, t.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", t.Queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case m, ok := <-msgs:
				if !ok {
					return
				}
				d := NewDelivery(m.MessageId, m.Body, m.Redelivered,
					func() error { return m.Ack(false) },
					func(requeue bool) error { return m.Nack(false, requeue) },
				)
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *amqpChannel) Closed() <-chan struct{} { return c.closed }

func (c *amqpChannel) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	return c.ch.Close()
}
