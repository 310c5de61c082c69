package orders

import (
	"context"

	"github.com/google/uuid"

	"github.com/darkden-lab/ordertracking/internal/domain"
)

// Repository is the persistence contract the coordinator depends on.
// Lookups return domain.ErrOrderNotFound when nothing matches; Add returns
// domain.ErrOrderNumberTaken when the business key is already in use.
type Repository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	FindByOrderNumber(ctx context.Context, orderNumber string) (*domain.Order, error)
	List(ctx context.Context) ([]*domain.Order, error)
	Add(ctx context.Context, order *domain.Order) error
	Update(ctx context.Context, order *domain.Order) error
}
