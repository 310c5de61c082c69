package notifications

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/darkden-lab/ordertracking/internal/domain"
)

const contentTypeJSON = "application/json"

// ErrMalformedMessage wraps every decoding failure of a wire payload.
var ErrMalformedMessage = errors.New("malformed status change message")

// EncodeEvent serializes an event into its wire form.
func EncodeEvent(event domain.StatusChangeEvent) ([]byte, error) {
	event.ChangedAt = event.ChangedAt.UTC()
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal status change event: %w", err)
	}
	return body, nil
}

// DecodeEvent parses a wire payload. Payloads that are not JSON, or that lack
// an order id, an order number or a known status, are malformed.
func DecodeEvent(body []byte) (domain.StatusChangeEvent, error) {
	var event domain.StatusChangeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return domain.StatusChangeEvent{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch {
	case event.OrderID == uuid.Nil:
		return domain.StatusChangeEvent{}, fmt.Errorf("%w: missing orderId", ErrMalformedMessage)
	case event.OrderNumber == "":
		return domain.StatusChangeEvent{}, fmt.Errorf("%w: missing orderNumber", ErrMalformedMessage)
	case !event.PreviousStatus.Valid() || !event.NewStatus.Valid():
		return domain.StatusChangeEvent{}, fmt.Errorf("%w: unknown status code", ErrMalformedMessage)
	}
	event.ChangedAt = event.ChangedAt.UTC()
	return event, nil
}
