package notifications

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBrokerUnavailable reports that no connection to the broker could be
	// used. Callers treat it as transient.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrChannelClosed is returned by operations on a channel whose channel
	// or connection has gone away.
	ErrChannelClosed = errors.New("broker channel closed")
	// ErrAlreadySettled is returned when a delivery is acked or nacked twice.
	ErrAlreadySettled = errors.New("delivery already settled")
)

// Topology names the exchange, queue and binding that publisher and consumer
// both assert before use. Declaring it is idempotent.
type Topology struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// Message is an outbound message. Key groups related messages (the order id)
// for transports that partition by key.
type Message struct {
	ID          string
	Key         string
	ContentType string
	Body        []byte
	Timestamp   time.Time
	Persistent  bool
}

// Delivery is an inbound message that must be settled exactly once with Ack
// or Nack.
type Delivery struct {
	MessageID   string
	Body        []byte
	Redelivered bool

	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery builds a Delivery whose settlement is carried out by ack and nack.
func NewDelivery(messageID string, body []byte, redelivered bool, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{
		MessageID:   messageID,
		Body:        body,
		Redelivered: redelivered,
		ack:         ack,
		nack:        nack,
	}
}

// Ack removes the message from the queue.
func (d Delivery) Ack() error { return d.ack() }

// Nack rejects the message; with requeue it goes back to the queue for
// redelivery.
func (d Delivery) Nack(requeue bool) error { return d.nack(requeue) }

// Channel is a single-owner broker channel. Implementations are not safe for
// concurrent use by more than one logical sender.
type Channel interface {
	DeclareTopology(ctx context.Context, t Topology) error
	Publish(ctx context.Context, t Topology, msg Message) error
	// Consume starts manual-ack delivery from the topology's queue. The
	// returned stream is closed when the channel dies or ctx is cancelled.
	Consume(ctx context.Context, t Topology, prefetch int) (<-chan Delivery, error)
	// Closed is closed once the channel or its connection is gone.
	Closed() <-chan struct{}
	Close() error
}

// Connection is an open broker connection from which channels are opened.
type Connection interface {
	Channel(ctx context.Context) (Channel, error)
	IsClosed() bool
	Close() error
}

// Connector dials the broker. The consumer and publisher each own the
// connection they obtain from it.
type Connector interface {
	Connect(ctx context.Context) (Connection, error)
}

func channelClosed(ch Channel) bool {
	select {
	case <-ch.Closed():
		return true
	default:
		return false
	}
}
