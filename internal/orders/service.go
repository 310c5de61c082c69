package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/darkden-lab/ordertracking/internal/domain"
)

const lockStripes = 64

// EventDispatcher accepts a status change event for asynchronous publication.
// Dispatch must not block on the broker.
type EventDispatcher interface {
	Dispatch(event domain.StatusChangeEvent)
}

// Service coordinates order creation and status transitions. It is the only
// component that talks to the Repository.
//
// Status updates for the same order are serialized inside one process by a
// striped lock, so persistence order and dispatch order agree. Across several
// processes sharing a database, concurrent updates may still publish out of
// persistence order.
type Service struct {
	repo   Repository
	events EventDispatcher
	now    func() time.Time
	logger *zap.Logger
	locks  [lockStripes]sync.Mutex
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, events EventDispatcher, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		events: events,
		now:    time.Now,
		logger: logger.Named("orders"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// layeredRepository is implemented by caching decorators that can hand out
// the store they wrap.
type layeredRepository interface {
	Primary() Repository
}

// primary returns the store of record. Status transitions read from it so
// that the previous status and timestamps come from the latest write.
func (s *Service) primary() Repository {
	if l, ok := s.repo.(layeredRepository); ok {
		return l.Primary()
	}
	return s.repo
}

// List returns every order, newest first.
func (s *Service) List(ctx context.Context) ([]*domain.Order, error) {
	return s.repo.List(ctx)
}

// Get returns the order with the given id or domain.ErrOrderNotFound.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return s.repo.FindByID(ctx, id)
}

// Create adds a new order in the Created status. It fails with
// domain.ErrOrderNumberTaken when the order number is already used.
func (s *Service) Create(ctx context.Context, orderNumber, description string) (*domain.Order, error) {
	_, err := s.repo.FindByOrderNumber(ctx, orderNumber)
	switch {
	case err == nil:
		s.logger.Warn("order number already exists", zap.String("order_number", orderNumber))
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNumberTaken, orderNumber)
	case !errors.Is(err, domain.ErrOrderNotFound):
		return nil, fmt.Errorf("check order number: %w", err)
	}

	order := domain.NewOrder(orderNumber, description, s.now())
	if err := s.repo.Add(ctx, order); err != nil {
		if errors.Is(err, domain.ErrOrderNumberTaken) {
			return nil, fmt.Errorf("%w: %s", domain.ErrOrderNumberTaken, orderNumber)
		}
		return nil, fmt.Errorf("add order: %w", err)
	}

	s.logger.Info("order created",
		zap.String("order_id", order.ID.String()),
		zap.String("order_number", order.OrderNumber))
	return order, nil
}

// UpdateStatus persists a status transition and hands the resulting event to
// the dispatcher. The returned order reflects the persisted write; whether the
// event is ever published does not affect the result.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.OrderStatus) (*domain.Order, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidStatus, int(status))
	}

	mu := &s.locks[xxhash.Sum64(id[:])%lockStripes]
	mu.Lock()
	defer mu.Unlock()

	order, err := s.primary().FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			s.logger.Warn("order not found", zap.String("order_id", id.String()))
		}
		return nil, err
	}

	previous := order.ApplyStatus(status, s.now())
	if err := s.repo.Update(ctx, order); err != nil {
		return nil, err
	}

	s.logger.Info("order status updated",
		zap.String("order_id", order.ID.String()),
		zap.Stringer("previous_status", previous),
		zap.Stringer("new_status", order.Status))

	s.events.Dispatch(domain.NewStatusChangeEvent(order, previous))
	return order, nil
}
