package notifications

import (
	"context"

	"go.uber.org/zap"

	"github.com/darkden-lab/ordertracking/internal/domain"
)

// PushChannel delivers a named event to every connected observer.
type PushChannel interface {
	BroadcastToAll(ctx context.Context, eventName string, payload any) error
}

// NotificationBroadcaster turns consumed status changes into push
// notifications.
type NotificationBroadcaster struct {
	push   PushChannel
	logger *zap.Logger
}

func NewNotificationBroadcaster(push PushChannel, logger *zap.Logger) *NotificationBroadcaster {
	return &NotificationBroadcaster{push: push, logger: logger.Named("broadcaster")}
}

// Notify pushes the event to all observers under the OrderStatusChanged name.
// Delivery is best effort: failures are logged and never returned.
func (b *NotificationBroadcaster) Notify(ctx context.Context, event domain.StatusChangeEvent) {
	fields := []zap.Field{
		zap.String("order_id", event.OrderID.String()),
		zap.String("order_number", event.OrderNumber),
		zap.String("new_status", event.NewStatus.String()),
	}
	if err := b.push.BroadcastToAll(ctx, domain.StatusChangedEventName, event); err != nil {
		b.logger.Error("push notification failed", append(fields, zap.Error(err))...)
		return
	}
	b.logger.Info("push notification sent", fields...)
}

// HandleEvent lets the broadcaster serve as the consumer's handler.
func (b *NotificationBroadcaster) HandleEvent(ctx context.Context, event domain.StatusChangeEvent) error {
	b.Notify(ctx, event)
	return nil
}
