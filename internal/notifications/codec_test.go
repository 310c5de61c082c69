package notifications

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkden-lab/ordertracking/internal/domain"
)

func sampleEvent() domain.StatusChangeEvent {
	return domain.StatusChangeEvent{
		OrderID:        uuid.MustParse("3f2b8c1e-9a4d-4e6f-8b7a-1c2d3e4f5a6b"),
		OrderNumber:    "ORD-001",
		PreviousStatus: domain.StatusCreated,
		NewStatus:      domain.StatusSent,
		ChangedAt:      time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
	}
}

func TestEncodeEvent_WireFormat(t *testing.T) {
	body, err := EncodeEvent(sampleEvent())
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"orderId": "3f2b8c1e-9a4d-4e6f-8b7a-1c2d3e4f5a6b",
		"orderNumber": "ORD-001",
		"previousStatus": 0,
		"newStatus": 1,
		"changedAt": "2024-05-01T12:30:00Z"
	}`, string(body))
}

func TestDecodeEvent_RoundTrip(t *testing.T) {
	event := sampleEvent()
	event.ChangedAt = time.Date(2024, 5, 1, 14, 30, 0, 0, time.FixedZone("CEST", 2*3600))

	body, err := EncodeEvent(event)
	require.NoError(t, err)

	got, err := DecodeEvent(body)
	require.NoError(t, err)
	assert.Equal(t, event.OrderID, got.OrderID)
	assert.Equal(t, event.OrderNumber, got.OrderNumber)
	assert.Equal(t, event.PreviousStatus, got.PreviousStatus)
	assert.Equal(t, event.NewStatus, got.NewStatus)
	assert.True(t, event.ChangedAt.Equal(got.ChangedAt))
	assert.Equal(t, time.UTC, got.ChangedAt.Location())
}

func TestDecodeEvent_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `hello`},
		{"empty object", `{}`},
		{"bad uuid", `{"orderId":"nope","orderNumber":"ORD-1","previousStatus":0,"newStatus":1}`},
		{"missing number", `{"orderId":"3f2b8c1e-9a4d-4e6f-8b7a-1c2d3e4f5a6b","previousStatus":0,"newStatus":1}`},
		{"unknown status", `{"orderId":"3f2b8c1e-9a4d-4e6f-8b7a-1c2d3e4f5a6b","orderNumber":"ORD-1","previousStatus":0,"newStatus":9}`},
		{"status as string", `{"orderId":"3f2b8c1e-9a4d-4e6f-8b7a-1c2d3e4f5a6b","orderNumber":"ORD-1","previousStatus":"Created","newStatus":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(tt.body))
			require.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}
