package notifications

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryBroker is a single-process broker with durable-for-the-process-lifetime
// queues, topic exchanges and manual acknowledgement. It is suitable for
// development, single-node deployments and tests. SetAvailable(false)
// simulates an outage: open connections drop and dials fail.
type MemoryBroker struct {
	mu        sync.Mutex
	available bool
	exchanges map[string][]binding
	queues    map[string]*memQueue
	conns     map[*memConnection]struct{}
	dead      map[string][]Message
}

type binding struct {
	pattern string
	queue   string
}

type memMessage struct {
	msg         Message
	redelivered bool
}

type memQueue struct {
	mu     sync.Mutex
	items  []memMessage
	signal chan struct{}
}

func newMemQueue() *memQueue {
	return &memQueue{signal: make(chan struct{}, 1)}
}

func (q *memQueue) push(m memMessage) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	q.wake()
}

func (q *memQueue) pushFront(m memMessage) {
	q.mu.Lock()
	q.items = append([]memMessage{m}, q.items...)
	q.mu.Unlock()
	q.wake()
}

func (q *memQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *memQueue) pop() (memMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return memMessage{}, false
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m, true
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// NewMemoryBroker returns an available broker with no topology declared.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		available: true,
		exchanges: make(map[string][]binding),
		queues:    make(map[string]*memQueue),
		conns:     make(map[*memConnection]struct{}),
		dead:      make(map[string][]Message),
	}
}

// Connect opens a connection, failing with ErrBrokerUnavailable during a
// simulated outage.
func (b *MemoryBroker) Connect(ctx context.Context) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return nil, ErrBrokerUnavailable
	}
	c := &memConnection{broker: b, closed: make(chan struct{})}
	b.conns[c] = struct{}{}
	return c, nil
}

// SetAvailable toggles the simulated outage. Going unavailable closes every
// open connection; unacknowledged messages return to their queues.
func (b *MemoryBroker) SetAvailable(available bool) {
	b.mu.Lock()
	b.available = available
	var drop []*memConnection
	if !available {
		for c := range b.conns {
			drop = append(drop, c)
		}
	}
	b.mu.Unlock()

	for _, c := range drop {
		_ = c.Close()
	}
}

// QueueDepth reports how many messages wait in a queue, excluding in-flight
// deliveries.
func (b *MemoryBroker) QueueDepth(queue string) int {
	b.mu.Lock()
	q, ok := b.queues[queue]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return q.len()
}

// Discarded returns the messages that were nacked without requeue from queue.
func (b *MemoryBroker) Discarded(queue string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.dead[queue]...)
}

func (b *MemoryBroker) declare(t Topology) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[t.Queue]; !ok {
		b.queues[t.Queue] = newMemQueue()
	}
	for _, bd := range b.exchanges[t.Exchange] {
		if bd.queue == t.Queue && bd.pattern == t.RoutingKey {
			return
		}
	}
	b.exchanges[t.Exchange] = append(b.exchanges[t.Exchange], binding{pattern: t.RoutingKey, queue: t.Queue})
}

func (b *MemoryBroker) route(exchange, key string, msg Message) {
	b.mu.Lock()
	var targets []*memQueue
	for _, bd := range b.exchanges[exchange] {
		if topicMatches(bd.pattern, key) {
			targets = append(targets, b.queues[bd.queue])
		}
	}
	b.mu.Unlock()

	for _, q := range targets {
		q.push(memMessage{msg: msg})
	}
}

func (b *MemoryBroker) queue(name string) (*memQueue, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return q, ok
}

func (b *MemoryBroker) discard(queue string, msg Message) {
	b.mu.Lock()
	b.dead[queue] = append(b.dead[queue], msg)
	b.mu.Unlock()
}

func (b *MemoryBroker) forget(c *memConnection) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

// topicMatches implements topic exchange matching where "*" matches exactly
// one word and "#" matches zero or more.
func topicMatches(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

type memConnection struct {
	broker    *MemoryBroker
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *memConnection) Channel(ctx context.Context) (Channel, error) {
	if c.IsClosed() {
		return nil, ErrChannelClosed
	}
	ch := &memChannel{
		conn:    c,
		closed:  make(chan struct{}),
		unacked: make(map[string]unackedMessage),
	}
	go func() {
		select {
		case <-c.closed:
			_ = ch.Close()
		case <-ch.closed:
		}
	}()
	return ch, nil
}

func (c *memConnection) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *memConnection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.broker.forget(c)
	})
	return nil
}

type unackedMessage struct {
	queue string
	m     memMessage
}

type memChannel struct {
	conn      *memConnection
	closeOnce sync.Once
	closed    chan struct{}

	mu      sync.Mutex
	unacked map[string]unackedMessage
}

func (ch *memChannel) DeclareTopology(ctx context.Context, t Topology) error {
	if channelClosed(ch) {
		return ErrChannelClosed
	}
	ch.conn.broker.declare(t)
	return nil
}

func (ch *memChannel) Publish(ctx context.Context, t Topology, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if channelClosed(ch) {
		return ErrChannelClosed
	}
	msg.Body = append([]byte(nil), msg.Body...)
	ch.conn.broker.route(t.Exchange, t.RoutingKey, msg)
	return nil
}

func (ch *memChannel) Consume(ctx context.Context, t Topology, prefetch int) (<-chan Delivery, error) {
	if channelClosed(ch) {
		return nil, ErrChannelClosed
	}
	q, ok := ch.conn.broker.queue(t.Queue)
	if !ok {
		return nil, fmt.Errorf("queue %q not declared", t.Queue)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			d, ok, closed := ch.next(t.Queue, q)
			if closed {
				return
			}
			if !ok {
				select {
				case <-q.signal:
					continue
				case <-ch.closed:
					return
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- d:
			case <-ch.closed:
				return
			case <-ctx.Done():
				ch.requeueAll()
				return
			}
		}
	}()
	return out, nil
}

// next pops the head of q and records it as unacknowledged. Popping and
// closing the channel are mutually exclusive, so a closing channel requeues
// everything it handed out.
func (ch *memChannel) next(queueName string, q *memQueue) (d Delivery, ok, closed bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if channelClosed(ch) {
		return Delivery{}, false, true
	}
	m, ok := q.pop()
	if !ok {
		return Delivery{}, false, false
	}
	return ch.track(queueName, q, m), true, false
}

// track registers m as in flight. Callers hold ch.mu.
func (ch *memChannel) track(queueName string, q *memQueue, m memMessage) Delivery {
	tag := uuid.NewString()
	ch.unacked[tag] = unackedMessage{queue: queueName, m: m}

	settle := func() (unackedMessage, error) {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		u, ok := ch.unacked[tag]
		if !ok {
			if channelClosed(ch) {
				return unackedMessage{}, ErrChannelClosed
			}
			return unackedMessage{}, ErrAlreadySettled
		}
		delete(ch.unacked, tag)
		return u, nil
	}

	return NewDelivery(m.msg.ID, m.msg.Body, m.redelivered,
		func() error {
			_, err := settle()
			return err
		},
		func(requeue bool) error {
			u, err := settle()
			if err != nil {
				return err
			}
			if requeue {
				q.push(memMessage{msg: u.m.msg, redelivered: true})
			} else {
				ch.conn.broker.discard(u.queue, u.m.msg)
			}
			return nil
		},
	)
}

// requeueAll returns every in-flight delivery to its queue, the way a broker
// does when a consumer's channel goes away.
func (ch *memChannel) requeueAll() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.requeueLocked()
}

func (ch *memChannel) requeueLocked() {
	for tag, u := range ch.unacked {
		if q, ok := ch.conn.broker.queue(u.queue); ok {
			q.pushFront(memMessage{msg: u.m.msg, redelivered: true})
		}
		delete(ch.unacked, tag)
	}
}

func (ch *memChannel) Closed() <-chan struct{} { return ch.closed }

func (ch *memChannel) Close() error {
	ch.closeOnce.Do(func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		ch.requeueLocked()
		close(ch.closed)
	})
	return nil
}
