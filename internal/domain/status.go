package domain

import "fmt"

// OrderStatus is the integer status code carried on the wire and stored in the
// database. Any status may move to any other status.
type OrderStatus int

const (
	StatusCreated   OrderStatus = 0
	StatusSent      OrderStatus = 1
	StatusDelivered OrderStatus = 2
	StatusCancelled OrderStatus = 3
)

var statusNames = map[OrderStatus]string{
	StatusCreated:   "Created",
	StatusSent:      "Sent",
	StatusDelivered: "Delivered",
	StatusCancelled: "Cancelled",
}

// Valid reports whether s is one of the known status codes.
func (s OrderStatus) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func (s OrderStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("OrderStatus(%d)", int(s))
}

// ParseStatus converts a raw code into an OrderStatus.
func ParseStatus(code int) (OrderStatus, error) {
	s := OrderStatus(code)
	if !s.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidStatus, code)
	}
	return s, nil
}
