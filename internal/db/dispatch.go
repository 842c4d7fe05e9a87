package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"transferhub/api/internal/dispatch"
)

// DispatchStore implements dispatch.Store on PostgreSQL.
type DispatchStore struct {
	pool *pgxpool.Pool
}

func NewDispatchStore(pool *pgxpool.Pool) *DispatchStore {
	return &DispatchStore{pool: pool}
}

func (s *DispatchStore) InTx(ctx context.Context, fn func(dispatch.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(dispatchTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type dispatchTx struct {
	tx pgx.Tx
}

const companyColumns = `id, name, status, queue_position, last_assigned_at, created_at`

func scanCompanies(rows pgx.Rows) ([]dispatch.Company, error) {
	defer rows.Close()
	out := []dispatch.Company{}
	for rows.Next() {
		var c dispatch.Company
		if err := rows.Scan(&c.ID, &c.Name, &c.Status, &c.QueuePosition, &c.LastAssignedAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t dispatchTx) Companies(ctx context.Context) ([]dispatch.Company, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+companyColumns+` FROM companies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return scanCompanies(rows)
}

func (t dispatchTx) LockCompanies(ctx context.Context) ([]dispatch.Company, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+companyColumns+` FROM companies ORDER BY id FOR UPDATE`)
	if err != nil {
		return nil, err
	}
	return scanCompanies(rows)
}

func (t dispatchTx) SetQueuePosition(ctx context.Context, companyID int64, pos *int) error {
	tag, err := t.tx.Exec(ctx, `UPDATE companies SET queue_position = $1 WHERE id = $2`, pos, companyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrNotFound
	}
	return nil
}

func (t dispatchTx) SetCompanyStatus(ctx context.Context, companyID int64, status string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE companies SET status = $1 WHERE id = $2`, status, companyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrNotFound
	}
	return nil
}

func (t dispatchTx) MarkAssigned(ctx context.Context, companyID int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE companies SET last_assigned_at = $1 WHERE id = $2`, at, companyID)
	return err
}

func (t dispatchTx) LockBooking(ctx context.Context, bookingID int64) (dispatch.Booking, error) {
	var b dispatch.Booking
	err := t.tx.QueryRow(ctx, `
    SELECT id, reference, status, created_at
    FROM bookings
    WHERE id = $1
    FOR UPDATE
  `, bookingID).Scan(&b.ID, &b.Reference, &b.Status, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, dispatch.ErrNotFound
	}
	return b, err
}

func (t dispatchTx) SetBookingStatus(ctx context.Context, bookingID int64, status string) error {
	_, err := t.tx.Exec(ctx, `UPDATE bookings SET status = $1, updated_at = now() WHERE id = $2`, status, bookingID)
	return err
}

func (t dispatchTx) OrphanBookings(ctx context.Context, limit int) ([]dispatch.Booking, error) {
	rows, err := t.tx.Query(ctx, `
    SELECT b.id, b.reference, b.status, b.created_at
    FROM bookings b
    LEFT JOIN service_orders o ON o.booking_id = b.id
    WHERE o.id IS NULL AND b.status <> 'cancelled'
    ORDER BY b.created_at, b.id
    LIMIT $1
  `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []dispatch.Booking{}
	for rows.Next() {
		var b dispatch.Booking
		if err := rows.Scan(&b.ID, &b.Reference, &b.Status, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const orderColumns = `id, booking_id, company_id, driver_id, vehicle_id, status, created_at, updated_at`

func (t dispatchTx) CountOrphanBookings(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
    SELECT COUNT(*)
    FROM bookings b
    LEFT JOIN service_orders o ON o.booking_id = b.id
    WHERE o.id IS NULL AND b.status <> 'cancelled'
  `).Scan(&n)
	return n, err
}

func scanOrder(row pgx.Row) (dispatch.Order, error) {
	var o dispatch.Order
	err := row.Scan(&o.ID, &o.BookingID, &o.CompanyID, &o.DriverID, &o.VehicleID, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return o, dispatch.ErrNotFound
	}
	return o, err
}

func (t dispatchTx) OrderForBooking(ctx context.Context, bookingID int64) (*dispatch.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM service_orders WHERE booking_id = $1 FOR UPDATE`, bookingID))
	if errors.Is(err, dispatch.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (t dispatchTx) BookingForOrder(ctx context.Context, orderID int64) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `SELECT booking_id FROM service_orders WHERE id = $1`, orderID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, dispatch.ErrNotFound
	}
	return id, err
}

func (t dispatchTx) LockOrder(ctx context.Context, orderID int64) (dispatch.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM service_orders WHERE id = $1 FOR UPDATE`, orderID))
}

func (t dispatchTx) CreateOrder(ctx context.Context, o dispatch.Order) (dispatch.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, `
    INSERT INTO service_orders (booking_id, company_id, status)
    VALUES ($1, $2, $3)
    RETURNING `+orderColumns, o.BookingID, o.CompanyID, o.Status))
}

func (t dispatchTx) ReassignOrder(ctx context.Context, orderID, companyID int64) (dispatch.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, `
    UPDATE service_orders
    SET company_id = $1, driver_id = NULL, vehicle_id = NULL, status = 'pending',
        accepted_at = NULL, updated_at = now()
    WHERE id = $2
    RETURNING `+orderColumns, companyID, orderID))
}

func (t dispatchTx) RecordRejection(ctx context.Context, orderID, companyID int64, reason string) error {
	if _, err := t.tx.Exec(ctx, `INSERT INTO order_rejections (order_id, company_id, reason) VALUES ($1,$2,$3)`, orderID, companyID, reason); err != nil {
		return fmt.Errorf("record rejection: %w", err)
	}
	return nil
}

func (t dispatchTx) RejectedBy(ctx context.Context, orderID int64) ([]int64, error) {
	rows, err := t.tx.Query(ctx, `SELECT DISTINCT company_id FROM order_rejections WHERE order_id = $1`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (t dispatchTx) PendingOrdersOnInactive(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
    SELECT COUNT(*)
    FROM service_orders o
    JOIN companies c ON c.id = o.company_id
    WHERE c.status <> 'active' AND o.status IN ('pending', 'accepted', 'dispatched')
  `).Scan(&n)
	return n, err
}
