package domain

import (
	"time"

	"github.com/google/uuid"
)

// StatusChangedEventName is the name observers receive push notifications under.
const StatusChangedEventName = "OrderStatusChanged"

// StatusChangeEvent describes one persisted status transition. It is created by
// the coordinator, serialized onto the broker and rebuilt by the consumer. It
// is never stored.
type StatusChangeEvent struct {
	OrderID        uuid.UUID   `json:"orderId"`
	OrderNumber    string      `json:"orderNumber"`
	PreviousStatus OrderStatus `json:"previousStatus"`
	NewStatus      OrderStatus `json:"newStatus"`
	ChangedAt      time.Time   `json:"changedAt"`
}

// NewStatusChangeEvent builds the event for a transition that was just persisted.
func NewStatusChangeEvent(o *Order, previous OrderStatus) StatusChangeEvent {
	return StatusChangeEvent{
		OrderID:        o.ID,
		OrderNumber:    o.OrderNumber,
		PreviousStatus: previous,
		NewStatus:      o.Status,
		ChangedAt:      o.UpdatedAt.UTC(),
	}
}
