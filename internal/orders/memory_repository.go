package orders

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/darkden-lab/ordertracking/internal/domain"
)

// MemoryRepository keeps orders in process memory. It is used when no
// database is reachable and in tests. Stored values are copies, so callers
// never share state with the store.
type MemoryRepository struct {
	mu       sync.RWMutex
	byID     map[uuid.UUID]*domain.Order
	byNumber map[string]uuid.UUID
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:     make(map[uuid.UUID]*domain.Order),
		byNumber: make(map[string]uuid.UUID),
	}
}

func (r *MemoryRepository) FindByID(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (r *MemoryRepository) FindByOrderNumber(_ context.Context, orderNumber string) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byNumber[orderNumber]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return r.byID[id].Clone(), nil
}

// List returns all orders, newest first.
func (r *MemoryRepository) List(_ context.Context) ([]*domain.Order, error) {
	r.mu.RLock()
	out := make([]*domain.Order, 0, len(r.byID))
	for _, o := range r.byID {
		out = append(out, o.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) Add(_ context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byNumber[order.OrderNumber]; taken {
		return domain.ErrOrderNumberTaken
	}
	r.byID[order.ID] = order.Clone()
	r.byNumber[order.OrderNumber] = order.ID
	return nil
}

// Update overwrites the mutable fields of an existing order. The order number
// is immutable and is never re-indexed.
func (r *MemoryRepository) Update(_ context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	stored.Description = order.Description
	stored.Status = order.Status
	stored.UpdatedAt = order.UpdatedAt
	return nil
}
