package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOrder_Defaults(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	o := NewOrder("ORD-001", "books", now)

	assert.Equal(t, StatusCreated, o.Status)
	assert.Equal(t, "ORD-001", o.OrderNumber)
	assert.Equal(t, o.CreatedAt, o.UpdatedAt)
	assert.Equal(t, 0, o.CreatedAt.Nanosecond()%1000, "timestamps are truncated to microseconds")
}

func TestApplyStatus_AdvancesUpdatedAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	o := NewOrder("ORD-001", "", now)

	prev := o.ApplyStatus(StatusSent, now.Add(time.Second))
	assert.Equal(t, StatusCreated, prev)
	assert.Equal(t, StatusSent, o.Status)
	assert.Equal(t, now.Add(time.Second), o.UpdatedAt)
}

func TestApplyStatus_StrictlyIncreasesWhenClockStalls(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	o := NewOrder("ORD-001", "", now)
	before := o.UpdatedAt

	o.ApplyStatus(StatusDelivered, now)
	assert.True(t, o.UpdatedAt.After(before))

	// A clock that went backwards must not move UpdatedAt backwards either.
	stamp := o.UpdatedAt
	o.ApplyStatus(StatusCancelled, now.Add(-time.Hour))
	assert.True(t, o.UpdatedAt.After(stamp))
}

func TestApplyStatus_AnyTransitionAllowed(t *testing.T) {
	o := NewOrder("ORD-002", "", time.Now())
	for _, s := range []OrderStatus{StatusCancelled, StatusCreated, StatusDelivered, StatusSent, StatusSent} {
		o.ApplyStatus(s, time.Now())
		assert.Equal(t, s, o.Status)
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(2)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, s)

	_, err = ParseStatus(7)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidStatus))
}

func TestOrderStatus_String(t *testing.T) {
	assert.Equal(t, "Sent", StatusSent.String())
	assert.Equal(t, "OrderStatus(9)", OrderStatus(9).String())
}

func TestNewStatusChangeEvent(t *testing.T) {
	o := NewOrder("ORD-003", "", time.Now())
	prev := o.ApplyStatus(StatusSent, time.Now().Add(time.Minute))

	ev := NewStatusChangeEvent(o, prev)
	assert.Equal(t, o.ID, ev.OrderID)
	assert.Equal(t, "ORD-003", ev.OrderNumber)
	assert.Equal(t, StatusCreated, ev.PreviousStatus)
	assert.Equal(t, StatusSent, ev.NewStatus)
	assert.Equal(t, o.UpdatedAt, ev.ChangedAt)
}
