package notifications

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/darkden-lab/ordertracking/internal/domain"
)

// EventPublisher publishes one event to the broker.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.StatusChangeEvent) error
}

// DispatcherConfig sizes the dispatcher. QueueSize is shared evenly between
// the workers.
type DispatcherConfig struct {
	Workers        int
	QueueSize      int
	PublishTimeout time.Duration
}

// Dispatcher hands events to a fixed pool of workers that publish them in the
// background, so that request handling never waits on the broker. Events are
// sharded by order id; one worker owns a shard, which keeps events for the
// same order in dispatch order. When a shard's queue is full the event is
// dropped and logged.
type Dispatcher struct {
	publisher EventPublisher
	timeout   time.Duration
	logger    *zap.Logger

	shards []chan domain.StatusChangeEvent
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher starts the worker pool.
func NewDispatcher(publisher EventPublisher, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	perShard := cfg.QueueSize / cfg.Workers
	if perShard < 1 {
		perShard = 1
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		publisher: publisher,
		timeout:   cfg.PublishTimeout,
		logger:    logger.Named("dispatcher"),
		shards:    make([]chan domain.StatusChangeEvent, cfg.Workers),
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := range d.shards {
		d.shards[i] = make(chan domain.StatusChangeEvent, perShard)
		d.wg.Add(1)
		go d.worker(d.shards[i])
	}
	return d
}

// Dispatch enqueues the event and returns immediately.
func (d *Dispatcher) Dispatch(event domain.StatusChangeEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.dropped.Add(1)
		d.logger.Warn("dispatcher closed, dropping status change",
			zap.String("order_id", event.OrderID.String()))
		return
	}

	shard := d.shards[xxhash.Sum64(event.OrderID[:])%uint64(len(d.shards))]
	select {
	case shard <- event:
	default:
		d.dropped.Add(1)
		d.logger.Error("publish queue full, dropping status change",
			zap.String("order_id", event.OrderID.String()),
			zap.String("order_number", event.OrderNumber),
			zap.String("new_status", event.NewStatus.String()),
		)
	}
}

func (d *Dispatcher) worker(events <-chan domain.StatusChangeEvent) {
	defer d.wg.Done()
	for event := range events {
		d.publish(event)
	}
}

func (d *Dispatcher) publish(event domain.StatusChangeEvent) {
	if d.ctx.Err() != nil {
		d.dropped.Add(1)
		d.logger.Warn("dispatcher stopped, dropping status change",
			zap.String("order_id", event.OrderID.String()),
			zap.String("new_status", event.NewStatus.String()))
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	if err := d.publisher.Publish(ctx, event); err != nil {
		d.failed.Add(1)
		d.logger.Error("failed to publish status change",
			zap.String("order_id", event.OrderID.String()),
			zap.String("order_number", event.OrderNumber),
			zap.String("previous_status", event.PreviousStatus.String()),
			zap.String("new_status", event.NewStatus.String()),
			zap.Error(err),
		)
		return
	}
	d.published.Add(1)
}

// Close stops accepting events and waits for queued ones to be published.
// If ctx expires first, in-flight publishes are cancelled and count as
// failed; events still queued are not sent to the publisher and count as
// dropped.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, shard := range d.shards {
		close(shard)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		d.logger.Warn("dispatcher drain timed out")
		return ctx.Err()
	}
}

// DispatcherStats counts outcomes since start.
type DispatcherStats struct {
	Published uint64
	Failed    uint64
	Dropped   uint64
}

func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Published: d.published.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}
