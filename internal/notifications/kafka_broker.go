package notifications

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	defaultKafkaGroup      = "order-tracking-consumers"
	headerMessageID        = "message-id"
	headerContentType      = "content-type"
	headerRedelivered      = "x-redelivered"
	kafkaDialTimeout       = 5 * time.Second
	defaultKafkaPartitions = 3
)

// KafkaConfig holds configuration for the Kafka transport. The topology's
// queue name is used as the topic and the consumer group plays the role of
// the shared competing-consumer queue.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Partitions    int
}

// KafkaConnector dials a Kafka cluster via segmentio/kafka-go.
type KafkaConnector struct {
	config KafkaConfig
	dialer *kafka.Dialer
}

// NewKafkaConnector validates the configuration and fills in defaults.
func NewKafkaConnector(config KafkaConfig) (*KafkaConnector, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("at least one Kafka broker address is required")
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = defaultKafkaGroup
	}
	if config.Partitions <= 0 {
		config.Partitions = defaultKafkaPartitions
	}
	return &KafkaConnector{
		config: config,
		dialer: &kafka.Dialer{Timeout: kafkaDialTimeout, DualStack: true},
	}, nil
}

func (c *KafkaConnector) Connect(ctx context.Context) (Connection, error) {
	var lastErr error
	for _, addr := range c.config.Brokers {
		conn, err := c.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		return &kafkaConnection{
			connector: c,
			conn:      conn,
			closed:    make(chan struct{}),
		}, nil
	}
	return nil, fmt.Errorf("%w: dial kafka: %v", ErrBrokerUnavailable, lastErr)
}

type kafkaConnection struct {
	connector *KafkaConnector
	conn      *kafka.Conn
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *kafkaConnection) Channel(ctx context.Context) (Channel, error) {
	if c.IsClosed() {
		return nil, ErrChannelClosed
	}
	ch := &kafkaChannel{
		parent: c,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(c.connector.config.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		declared: make(map[string]bool),
		closed:   make(chan struct{}),
	}
	go func() {
		select {
		case <-c.closed:
			ch.fail()
		case <-ch.closed:
		}
	}()
	return ch, nil
}

func (c *kafkaConnection) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *kafkaConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// markBroken closes the connection after a transport failure so that owners
// reconnect.
func (c *kafkaConnection) markBroken() { _ = c.Close() }

type kafkaChannel struct {
	parent *kafkaConnection
	writer *kafka.Writer

	mu       sync.Mutex
	declared map[string]bool

	closeOnce sync.Once
	closed    chan struct{}
}

// DeclareTopology creates the topic if it does not exist. Creation is only
// attempted once per channel.
func (c *kafkaChannel) DeclareTopology(ctx context.Context, t Topology) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declared[t.Queue] {
		return nil
	}

	controller, err := c.parent.conn.Controller()
	if err != nil {
		c.parent.markBroken()
		return fmt.Errorf("find kafka controller: %w", err)
	}
	addr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	cc, err := c.parent.connector.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.parent.markBroken()
		return fmt.Errorf("dial kafka controller: %w", err)
	}
	defer cc.Close()

	err = cc.CreateTopics(kafka.TopicConfig{
		Topic:             t.Queue,
		NumPartitions:     c.parent.connector.config.Partitions,
		ReplicationFactor: 1,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", t.Queue, err)
	}
	c.declared[t.Queue] = true
	return nil
}

func (c *kafkaChannel) Publish(ctx context.Context, t Topology, msg Message) error {
	if channelClosed(c) {
		return ErrChannelClosed
	}
	err := c.writer.WriteMessages(ctx, kafka.Message{
		Topic: t.Queue,
		Key:   []byte(msg.Key),
		Value: msg.Body,
		Time:  msg.Timestamp,
		Headers: []kafka.Header{
			{Key: headerMessageID, Value: []byte(msg.ID)},
			{Key: headerContentType, Value: []byte(msg.ContentType)},
		},
	})
	if err != nil {
		return fmt.Errorf("write to kafka topic %s: %w", t.Queue, err)
	}
	return nil
}

// Consume reads the topic as a member of the consumer group. Ack commits the
// offset. Nack with requeue republishes the message to the tail of the topic
// before committing, which is the closest Kafka analogue of a requeue.
func (c *kafkaChannel) Consume(ctx context.Context, t Topology, prefetch int) (<-chan Delivery, error) {
	if channelClosed(c) {
		return nil, ErrChannelClosed
	}
	cfg := c.parent.connector.config
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:       cfg.Brokers,
		Topic:         t.Queue,
		GroupID:       cfg.ConsumerGroup,
		MinBytes:      1,
		MaxBytes:      10e6,
		MaxWait:       500 * time.Millisecond,
		QueueCapacity: max(prefetch, 1),
		ErrorLogger:   c.readerErrors(),
	})

	readCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-readCtx.Done():
		}
	}()

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer cancel()
		defer reader.Close()
		for {
			m, err := reader.FetchMessage(readCtx)
			if err != nil {
				if readCtx.Err() == nil {
					c.parent.markBroken()
				}
				return
			}
			select {
			case out <- c.delivery(readCtx, reader, m):
			case <-readCtx.Done():
				return
			}
		}
	}()
	return out, nil
}

// readerErrors reports reader failures as a broken connection. In consumer
// group mode FetchMessage retries broker errors internally and only returns
// on cancellation, so the error log is the only place an outage surfaces.
func (c *kafkaChannel) readerErrors() kafka.LoggerFunc {
	return func(msg string, args ...interface{}) {
		if channelClosed(c) {
			return
		}
		c.parent.markBroken()
	}
}

func (c *kafkaChannel) delivery(ctx context.Context, reader *kafka.Reader, m kafka.Message) Delivery {
	var (
		id          string
		redelivered bool
	)
	for _, h := range m.Headers {
		switch h.Key {
		case headerMessageID:
			id = string(h.Value)
		case headerRedelivered:
			redelivered = true
		}
	}

	var once sync.Once
	settle := func(fn func() error) error {
		err := ErrAlreadySettled
		once.Do(func() { err = fn() })
		return err
	}

	return NewDelivery(id, m.Value, redelivered,
		func() error {
			return settle(func() error { return reader.CommitMessages(ctx, m) })
		},
		func(requeue bool) error {
			return settle(func() error {
				if requeue {
					headers := append([]kafka.Header(nil), m.Headers...)
					if !redelivered {
						headers = append(headers, kafka.Header{Key: headerRedelivered, Value: []byte("true")})
					}
					again := kafka.Message{Topic: m.Topic, Key: m.Key, Value: m.Value, Headers: headers}
					if err := c.writer.WriteMessages(ctx, again); err != nil {
						return fmt.Errorf("requeue message: %w", err)
					}
				}
				return reader.CommitMessages(ctx, m)
			})
		},
	)
}

func (c *kafkaChannel) Closed() <-chan struct{} { return c.closed }

func (c *kafkaChannel) fail() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *kafkaChannel) Close() error {
	c.fail()
	return c.writer.Close()
}
