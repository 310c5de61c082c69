package orders

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/darkden-lab/ordertracking/internal/domain"
)

// CachedRepository is a read-through Redis cache in front of another
// Repository. Only hits are cached. An update writes the new order through
// once the underlying write succeeds, and read fills only create missing
// keys, so a fill racing an update cannot put an older order back. Redis
// failures degrade to the wrapped store.
type CachedRepository struct {
	next   Repository
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedRepository(next Repository, client *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedRepository {
	return &CachedRepository{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger.Named("order-cache"),
	}
}

// Primary returns the wrapped store. Reads that must observe the latest
// write go there directly.
func (r *CachedRepository) Primary() Repository { return r.next }

func idKey(id uuid.UUID) string      { return "order:id:" + id.String() }
func numberKey(number string) string { return "order:number:" + number }

func (r *CachedRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	if o, ok := r.get(ctx, idKey(id)); ok {
		return o, nil
	}
	o, err := r.next.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.set(ctx, o)
	return o, nil
}

func (r *CachedRepository) FindByOrderNumber(ctx context.Context, orderNumber string) (*domain.Order, error) {
	if o, ok := r.get(ctx, numberKey(orderNumber)); ok {
		return o, nil
	}
	o, err := r.next.FindByOrderNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	r.set(ctx, o)
	return o, nil
}

func (r *CachedRepository) List(ctx context.Context) ([]*domain.Order, error) {
	return r.next.List(ctx)
}

func (r *CachedRepository) Add(ctx context.Context, order *domain.Order) error {
	return r.next.Add(ctx, order)
}

func (r *CachedRepository) Update(ctx context.Context, order *domain.Order) error {
	if err := r.next.Update(ctx, order); err != nil {
		return err
	}
	if err := r.store(ctx, order); err != nil {
		r.logger.Warn("cache write-through failed, evicting", zap.String("order_id", order.ID.String()), zap.Error(err))
		if err := r.client.Del(ctx, idKey(order.ID), numberKey(order.OrderNumber)).Err(); err != nil {
			r.logger.Warn("failed to evict order", zap.String("order_id", order.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func (r *CachedRepository) get(ctx context.Context, key string) (*domain.Order, bool) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	var o domain.Order
	if err := json.Unmarshal(val, &o); err != nil {
		r.logger.Warn("cache entry is corrupt", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &o, true
}

// set fills the cache after a miss. Keys that already exist are left alone:
// they were written by an update at least as recent as this read.
func (r *CachedRepository) set(ctx context.Context, o *domain.Order) {
	data, err := json.Marshal(o)
	if err != nil {
		return
	}
	pipe := r.client.TxPipeline()
	pipe.SetNX(ctx, idKey(o.ID), data, r.ttl)
	pipe.SetNX(ctx, numberKey(o.OrderNumber), data, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("cache write failed", zap.String("order_id", o.ID.String()), zap.Error(err))
	}
}

func (r *CachedRepository) store(ctx context.Context, o *domain.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, idKey(o.ID), data, r.ttl)
	pipe.Set(ctx, numberKey(o.OrderNumber), data, r.ttl)
	_, err = pipe.Exec(ctx)
	return err
}
