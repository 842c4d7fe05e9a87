package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"transferhub/api/internal/lifecycle"
)

// memStore is an in-memory Store. Each InTx runs under one mutex and is
// rolled back to a snapshot when fn fails.
type memStore struct {
	mu         sync.Mutex
	companies  map[int64]Company
	bookings   map[int64]Booking
	orders     map[int64]Order
	rejections map[int64][]int64
	nextOrder  int64

	// failSetPosition makes SetQueuePosition fail for this company id.
	failSetPosition int64
}

func newMemStore() *memStore {
	return &memStore{
		companies:  map[int64]Company{},
		bookings:   map[int64]Booking{},
		orders:     map[int64]Order{},
		rejections: map[int64][]int64{},
	}
}

var epoch = time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

func ptr(i int) *int { return &i }

func (m *memStore) addCompany(id int64, name, status string, pos *int) {
	m.companies[id] = Company{ID: id, Name: name, Status: status, QueuePosition: pos, CreatedAt: epoch.Add(time.Duration(id) * time.Minute)}
}

func (m *memStore) addBooking(id int64, status string) {
	m.bookings[id] = Booking{ID: id, Reference: "TH-TEST", Status: status, CreatedAt: epoch.Add(time.Duration(id) * time.Hour)}
}

func (m *memStore) orderFor(bookingID int64) (Order, bool) {
	for _, o := range m.orders {
		if o.BookingID == bookingID {
			return o, true
		}
	}
	return Order{}, false
}

func (m *memStore) positions() map[int64]*int {
	out := map[int64]*int{}
	for id, c := range m.companies {
		out[id] = c.QueuePosition
	}
	return out
}

type memSnapshot struct {
	companies  map[int64]Company
	bookings   map[int64]Booking
	orders     map[int64]Order
	rejections map[int64][]int64
	nextOrder  int64
}

func (m *memStore) snapshot() memSnapshot {
	s := memSnapshot{
		companies:  map[int64]Company{},
		bookings:   map[int64]Booking{},
		orders:     map[int64]Order{},
		rejections: map[int64][]int64{},
		nextOrder:  m.nextOrder,
	}
	for k, v := range m.companies {
		s.companies[k] = v
	}
	for k, v := range m.bookings {
		s.bookings[k] = v
	}
	for k, v := range m.orders {
		s.orders[k] = v
	}
	for k, v := range m.rejections {
		s.rejections[k] = append([]int64(nil), v...)
	}
	return s
}

func (m *memStore) restore(s memSnapshot) {
	m.companies, m.bookings, m.orders, m.rejections, m.nextOrder = s.companies, s.bookings, s.orders, s.rejections, s.nextOrder
}

func (m *memStore) InTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot()
	if err := fn(memTx{m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memTx struct{ m *memStore }

func (t memTx) Companies(ctx context.Context) ([]Company, error) {
	out := make([]Company, 0, len(t.m.companies))
	for _, c := range t.m.companies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t memTx) LockCompanies(ctx context.Context) ([]Company, error) { return t.Companies(ctx) }

func (t memTx) SetQueuePosition(ctx context.Context, companyID int64, pos *int) error {
	if t.m.failSetPosition == companyID {
		return errors.New("write refused")
	}
	c, ok := t.m.companies[companyID]
	if !ok {
		return ErrNotFound
	}
	c.QueuePosition = pos
	t.m.companies[companyID] = c
	return nil
}

func (t memTx) SetCompanyStatus(ctx context.Context, companyID int64, status string) error {
	c, ok := t.m.companies[companyID]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	t.m.companies[companyID] = c
	return nil
}

func (t memTx) MarkAssigned(ctx context.Context, companyID int64, at time.Time) error {
	c, ok := t.m.companies[companyID]
	if !ok {
		return ErrNotFound
	}
	c.LastAssignedAt = &at
	t.m.companies[companyID] = c
	return nil
}

func (t memTx) LockBooking(ctx context.Context, bookingID int64) (Booking, error) {
	b, ok := t.m.bookings[bookingID]
	if !ok {
		return Booking{}, ErrNotFound
	}
	return b, nil
}

func (t memTx) SetBookingStatus(ctx context.Context, bookingID int64, status string) error {
	b, ok := t.m.bookings[bookingID]
	if !ok {
		return ErrNotFound
	}
	b.Status = status
	t.m.bookings[bookingID] = b
	return nil
}

func (t memTx) CountOrphanBookings(ctx context.Context) (int, error) {
	all, err := t.OrphanBookings(ctx, len(t.m.bookings))
	return len(all), err
}

func (t memTx) OrphanBookings(ctx context.Context, limit int) ([]Booking, error) {
	var out []Booking
	for _, b := range t.m.bookings {
		if b.Status == lifecycle.BookingCancelled {
			continue
		}
		if _, ok := t.m.orderFor(b.ID); ok {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t memTx) OrderForBooking(ctx context.Context, bookingID int64) (*Order, error) {
	if o, ok := t.m.orderFor(bookingID); ok {
		return &o, nil
	}
	return nil, nil
}

func (t memTx) BookingForOrder(ctx context.Context, orderID int64) (int64, error) {
	o, ok := t.m.orders[orderID]
	if !ok {
		return 0, ErrNotFound
	}
	return o.BookingID, nil
}

func (t memTx) LockOrder(ctx context.Context, orderID int64) (Order, error) {
	o, ok := t.m.orders[orderID]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func (t memTx) CreateOrder(ctx context.Context, o Order) (Order, error) {
	if _, ok := t.m.orderFor(o.BookingID); ok {
		return Order{}, errors.New("duplicate order for booking")
	}
	t.m.nextOrder++
	o.ID = t.m.nextOrder
	o.CreatedAt = epoch
	o.UpdatedAt = epoch
	t.m.orders[o.ID] = o
	return o, nil
}

func (t memTx) ReassignOrder(ctx context.Context, orderID, companyID int64) (Order, error) {
	o, ok := t.m.orders[orderID]
	if !ok {
		return Order{}, ErrNotFound
	}
	o.CompanyID = companyID
	o.DriverID = nil
	o.VehicleID = nil
	o.Status = lifecycle.OrderPending
	t.m.orders[orderID] = o
	return o, nil
}

func (t memTx) RecordRejection(ctx context.Context, orderID, companyID int64, reason string) error {
	t.m.rejections[orderID] = append(t.m.rejections[orderID], companyID)
	return nil
}

func (t memTx) RejectedBy(ctx context.Context, orderID int64) ([]int64, error) {
	return append([]int64(nil), t.m.rejections[orderID]...), nil
}

func (t memTx) PendingOrdersOnInactive(ctx context.Context) (int, error) {
	n := 0
	for _, o := range t.m.orders {
		c := t.m.companies[o.CompanyID]
		if !c.Active() && lifecycle.OrderReassignable(o.Status) {
			n++
		}
	}
	return n, nil
}
