// Package lifecycle holds the booking and service order status tables.
package lifecycle

import "fmt"

// Booking statuses.
const (
	BookingPending    = "pending"
	BookingAssigned   = "assigned"
	BookingConfirmed  = "confirmed"
	BookingInProgress = "in_progress"
	BookingCompleted  = "completed"
	BookingCancelled  = "cancelled"
)

// Service order statuses.
const (
	OrderPending    = "pending"
	OrderAccepted   = "accepted"
	OrderDispatched = "dispatched"
	OrderInProgress = "in_progress"
	OrderCompleted  = "completed"
	OrderCancelled  = "cancelled"
)

var orderTransitions = map[string]map[string]struct{}{
	OrderPending: {
		OrderAccepted:  {},
		OrderCancelled: {},
	},
	OrderAccepted: {
		OrderDispatched: {},
		OrderPending:    {},
		OrderCancelled:  {},
	},
	OrderDispatched: {
		OrderInProgress: {},
		OrderDispatched: {},
		OrderPending:    {},
		OrderCancelled:  {},
	},
	OrderInProgress: {
		OrderCompleted: {},
	},
}

var bookingTransitions = map[string]map[string]struct{}{
	BookingPending: {
		BookingAssigned:  {},
		BookingCancelled: {},
	},
	BookingAssigned: {
		BookingConfirmed: {},
		BookingPending:   {},
		BookingCancelled: {},
	},
	BookingConfirmed: {
		BookingAssigned:   {},
		BookingInProgress: {},
		BookingCancelled:  {},
	},
	BookingInProgress: {
		BookingCompleted: {},
	},
}

// CanTransitionOrder reports whether an order may move from current to next.
// Re-dispatching (dispatched -> dispatched) swaps driver or vehicle.
func CanTransitionOrder(current, next string) bool {
	allowed, ok := orderTransitions[current]
	if !ok {
		return false
	}
	_, ok = allowed[next]
	return ok
}

// CanTransitionBooking reports whether a booking may move from current to next.
func CanTransitionBooking(current, next string) bool {
	if current == next {
		return true
	}
	allowed, ok := bookingTransitions[current]
	if !ok {
		return false
	}
	_, ok = allowed[next]
	return ok
}

// BookingAssignable reports whether a booking in this status may be
// (re)assigned to a company.
func BookingAssignable(status string) bool {
	switch status {
	case BookingPending, BookingAssigned, BookingConfirmed:
		return true
	default:
		return false
	}
}

// OrderReassignable reports whether an order may be handed to another company.
func OrderReassignable(status string) bool {
	switch status {
	case OrderPending, OrderAccepted, OrderDispatched:
		return true
	default:
		return false
	}
}

// BookingStatusFor maps a service order status onto its booking.
func BookingStatusFor(orderStatus string) string {
	switch orderStatus {
	case OrderPending:
		return BookingAssigned
	case OrderAccepted, OrderDispatched:
		return BookingConfirmed
	case OrderInProgress:
		return BookingInProgress
	case OrderCompleted:
		return BookingCompleted
	case OrderCancelled:
		return BookingCancelled
	default:
		return BookingPending
	}
}

// ParseOrderStatus validates a raw order status.
func ParseOrderStatus(s string) (string, error) {
	switch s {
	case OrderPending, OrderAccepted, OrderDispatched, OrderInProgress, OrderCompleted, OrderCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("unknown order status: %s", s)
	}
}

// ParseBookingStatus validates a raw booking status.
func ParseBookingStatus(s string) (string, error) {
	switch s {
	case BookingPending, BookingAssigned, BookingConfirmed, BookingInProgress, BookingCompleted, BookingCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("unknown booking status: %s", s)
	}
}
