package dispatch

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrNoActiveCompanies    = errors.New("no active company available")
	ErrBookingNotAssignable = errors.New("booking cannot be assigned in its current status")
	ErrCompanyInactive      = errors.New("company is not active")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrNotOwner             = errors.New("order belongs to another company")
)

// Company statuses.
const (
	CompanyActive    = "active"
	CompanyInactive  = "inactive"
	CompanySuspended = "suspended"
)

type Company struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	QueuePosition  *int       `json:"queuePosition"`
	LastAssignedAt *time.Time `json:"lastAssignedAt"`
	CreatedAt      time.Time  `json:"createdAt"`
}

func (c Company) Active() bool { return c.Status == CompanyActive }

type Booking struct {
	ID        int64     `json:"id"`
	Reference string    `json:"reference"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

type Order struct {
	ID        int64     `json:"id"`
	BookingID int64     `json:"bookingId"`
	CompanyID int64     `json:"companyId"`
	DriverID  *int64    `json:"driverId"`
	VehicleID *int64    `json:"vehicleId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Change is a queue position rewrite for one company.
type Change struct {
	CompanyID int64 `json:"companyId"`
	From      *int  `json:"from"`
	To        *int  `json:"to"`
}

type Assignment struct {
	Order   Order   `json:"order"`
	Company Company `json:"company"`
	// Existing is set when the booking already had an order and nothing moved.
	Existing bool     `json:"existing"`
	Changes  []Change `json:"changes,omitempty"`
}

// Store opens transactions over the companies, bookings and service orders
// tables. Implementations must run fn atomically and roll back on error.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the set of row operations the dispatcher needs inside a transaction.
// Rows are locked in the order companies, booking, service order.
type Tx interface {
	Companies(ctx context.Context) ([]Company, error)
	// LockCompanies returns every company row, locked for update.
	LockCompanies(ctx context.Context) ([]Company, error)
	SetQueuePosition(ctx context.Context, companyID int64, pos *int) error
	SetCompanyStatus(ctx context.Context, companyID int64, status string) error
	MarkAssigned(ctx context.Context, companyID int64, at time.Time) error

	LockBooking(ctx context.Context, bookingID int64) (Booking, error)
	SetBookingStatus(ctx context.Context, bookingID int64, status string) error
	// OrphanBookings lists bookings that are not cancelled and have no
	// service order, oldest first.
	OrphanBookings(ctx context.Context, limit int) ([]Booking, error)
	CountOrphanBookings(ctx context.Context) (int, error)

	OrderForBooking(ctx context.Context, bookingID int64) (*Order, error)
	// BookingForOrder reads the booking id of an order without locking it.
	BookingForOrder(ctx context.Context, orderID int64) (int64, error)
	LockOrder(ctx context.Context, orderID int64) (Order, error)
	CreateOrder(ctx context.Context, o Order) (Order, error)
	// ReassignOrder moves an order to companyID, clearing driver and vehicle
	// and resetting the status to pending.
	ReassignOrder(ctx context.Context, orderID, companyID int64) (Order, error)
	RecordRejection(ctx context.Context, orderID, companyID int64, reason string) error
	RejectedBy(ctx context.Context, orderID int64) ([]int64, error)
	PendingOrdersOnInactive(ctx context.Context) (int, error)
}
