// Package domain holds the order tracking entities and the status change event
// that travels from the coordinator through the broker to realtime observers.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderNumberTaken = errors.New("order number already exists")
	ErrInvalidStatus    = errors.New("invalid order status")
)

// Order is a tracked order. OrderNumber is the business key and never changes
// after creation.
type Order struct {
	ID          uuid.UUID   `json:"id"`
	OrderNumber string      `json:"orderNumber"`
	Description string      `json:"description"`
	Status      OrderStatus `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// NewOrder builds an order in the Created status with both timestamps set to now.
func NewOrder(orderNumber, description string, now time.Time) *Order {
	ts := now.UTC().Truncate(time.Microsecond)
	return &Order{
		ID:          uuid.New(),
		OrderNumber: orderNumber,
		Description: description,
		Status:      StatusCreated,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
}

// ApplyStatus moves the order to status and advances UpdatedAt. It returns the
// status the order had before. UpdatedAt always ends up strictly after its
// previous value, even when the clock has not moved at storage resolution.
func (o *Order) ApplyStatus(status OrderStatus, now time.Time) OrderStatus {
	previous := o.Status
	o.Status = status

	ts := now.UTC().Truncate(time.Microsecond)
	if !ts.After(o.UpdatedAt) {
		ts = o.UpdatedAt.Add(time.Microsecond)
	}
	o.UpdatedAt = ts
	return previous
}

// Clone returns a copy that can be handed out without sharing the pointer.
func (o *Order) Clone() *Order {
	cp := *o
	return &cp
}
