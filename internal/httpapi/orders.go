package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"transferhub/api/internal/dispatch"
	"transferhub/api/internal/lifecycle"

	"github.com/jackc/pgx/v5"
)

type lockedOrder struct {
	ID         int64
	BookingID  int64
	CompanyID  int64
	DriverID   *int64
	Status     string
	Passengers int
}

// transitionOrder moves an order to next inside one transaction. check
// enforces ownership; prepare may write extra columns before the status
// change. The booking status follows the order.
func (a *App) transitionOrder(ctx context.Context, orderID int64, next string,
	check func(lockedOrder) error, prepare func(pgx.Tx, lockedOrder) error) error {
	tx, err := a.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var o lockedOrder
	err = tx.QueryRow(ctx, `SELECT booking_id FROM service_orders WHERE id = $1`, orderID).Scan(&o.BookingID)
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.ErrNotFound
	}
	if err != nil {
		return err
	}
	// Same lock order as the dispatcher: booking first, then its order.
	if err := tx.QueryRow(ctx,
		`SELECT passengers FROM bookings WHERE id = $1 FOR UPDATE`,
		o.BookingID).Scan(&o.Passengers); err != nil {
		return err
	}
	if err := tx.QueryRow(ctx,
		`SELECT id, company_id, driver_id, status FROM service_orders WHERE id = $1 FOR UPDATE`,
		orderID).Scan(&o.ID, &o.CompanyID, &o.DriverID, &o.Status); err != nil {
		return err
	}
	if err := check(o); err != nil {
		return err
	}
	if !lifecycle.CanTransitionOrder(o.Status, next) {
		return dispatch.ErrInvalidTransition
	}
	if prepare != nil {
		if err := prepare(tx, o); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `
    UPDATE service_orders SET
      status = $2,
      accepted_at = CASE WHEN $2 = 'accepted' THEN now() ELSE accepted_at END,
      completed_at = CASE WHEN $2 = 'completed' THEN now() ELSE completed_at END,
      updated_at = now()
    WHERE id = $1
  `, o.ID, next); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE bookings SET status = $2, updated_at = now() WHERE id = $1`,
		o.BookingID, lifecycle.BookingStatusFor(next)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	a.log.Info().Int64("order_id", o.ID).Str("from", o.Status).Str("to", next).Msg("order status changed")
	return nil
}

func ownedByCompany(u User) func(lockedOrder) error {
	return func(o lockedOrder) error {
		if u.CompanyID == nil || o.CompanyID != *u.CompanyID {
			return dispatch.ErrNotOwner
		}
		return nil
	}
}

func ownedByDriver(u User) func(lockedOrder) error {
	return func(o lockedOrder) error {
		if u.DriverID == nil || o.DriverID == nil || *o.DriverID != *u.DriverID {
			return dispatch.ErrNotOwner
		}
		return nil
	}
}

// ---------- orders: listing ----------

func (a *App) listOrders(w http.ResponseWriter, r *http.Request, column string, ownerID int64) {
	page, pageSize, offset := pagination(r)
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	if status != "" {
		if _, err := lifecycle.ParseOrderStatus(status); err != nil {
			writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}
	}
	// column is one of two constants chosen by the caller.
	rows, err := a.db.Query(r.Context(), `
    SELECT o.id, o.status, o.driver_id, o.vehicle_id, o.created_at,
      b.id, b.reference, b.customer_name, b.customer_phone, b.origin, b.destination,
      b.pickup_at, b.return_at, b.trip_type, b.passengers, b.price, b.notes, vt.name,
      d.name, v.plate
    FROM service_orders o
    JOIN bookings b ON b.id = o.booking_id
    JOIN vehicle_types vt ON vt.id = b.vehicle_type_id
    LEFT JOIN drivers d ON d.id = o.driver_id
    LEFT JOIN vehicles v ON v.id = o.vehicle_id
    WHERE o.`+column+` = $1 AND ($2 = '' OR o.status = $2)
    ORDER BY b.pickup_at, o.id
    LIMIT $3 OFFSET $4
  `, ownerID, status, pageSize, offset)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	defer rows.Close()

	items := []map[string]any{}
	for rows.Next() {
		var id, bookingID int64
		var oStatus, reference, customer, phone, origin, dest, tripType, notes, vehicleType string
		var driverID, vehicleID *int64
		var createdAt, pickupAt time.Time
		var returnAt *time.Time
		var passengers int
		var price float64
		var driverName, plate *string
		if err := rows.Scan(&id, &oStatus, &driverID, &vehicleID, &createdAt,
			&bookingID, &reference, &customer, &phone, &origin, &dest,
			&pickupAt, &returnAt, &tripType, &passengers, &price, &notes, &vehicleType,
			&driverName, &plate); err != nil {
			continue
		}
		items = append(items, map[string]any{
			"id": id, "status": oStatus, "createdAt": createdAt,
			"driverId": driverID, "driverName": driverName,
			"vehicleId": vehicleID, "vehiclePlate": plate,
			"booking": map[string]any{
				"id": bookingID, "reference": reference,
				"customerName": customer, "customerPhone": phone,
				"origin": origin, "destination": dest,
				"pickupAt": pickupAt, "returnAt": returnAt, "tripType": tripType,
				"passengers": passengers, "price": price, "notes": notes,
				"vehicleType": vehicleType,
			},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "page": page, "pageSize": pageSize})
}

// ---------- company: orders ----------

func (a *App) handleCompanyOrders(w http.ResponseWriter, r *http.Request) {
	u, _ := currentUser(r)
	a.listOrders(w, r, "company_id", *u.CompanyID)
}

func (a *App) handleAcceptOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	u, _ := currentUser(r)
	if err := a.transitionOrder(r.Context(), id, lifecycle.OrderAccepted, ownedByCompany(u), nil); err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": lifecycle.OrderAccepted})
}

func (a *App) handleRejectOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &body) {
		return
	}
	u, _ := currentUser(r)
	asg, err := a.dispatch.Reject(r.Context(), id, *u.CompanyID, strings.TrimSpace(body.Reason))
	if err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	// The order now belongs to someone else; only report that it moved.
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "orderId": asg.Order.ID})
}

func (a *App) handleDispatchOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		DriverID  int64 `json:"driverId"`
		VehicleID int64 `json:"vehicleId"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.DriverID <= 0 || body.VehicleID <= 0 {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "driverId and vehicleId required")
		return
	}
	u, _ := currentUser(r)
	companyID := *u.CompanyID

	var badInput error
	err := a.transitionOrder(r.Context(), id, lifecycle.OrderDispatched, ownedByCompany(u), func(tx pgx.Tx, o lockedOrder) error {
		var driverActive bool
		err := tx.QueryRow(r.Context(),
			`SELECT active FROM drivers WHERE id = $1 AND company_id = $2`,
			body.DriverID, companyID).Scan(&driverActive)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && !driverActive) {
			badInput = errors.New("driver not found or inactive")
			return badInput
		}
		if err != nil {
			return err
		}
		var vehicleActive bool
		var capacity int
		err = tx.QueryRow(r.Context(),
			`SELECT active, capacity FROM vehicles WHERE id = $1 AND company_id = $2`,
			body.VehicleID, companyID).Scan(&vehicleActive, &capacity)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && !vehicleActive) {
			badInput = errors.New("vehicle not found or inactive")
			return badInput
		}
		if err != nil {
			return err
		}
		if capacity < o.Passengers {
			badInput = errors.New("vehicle capacity is below the passenger count")
			return badInput
		}
		_, err = tx.Exec(r.Context(),
			`UPDATE service_orders SET driver_id = $2, vehicle_id = $3 WHERE id = $1`,
			o.ID, body.DriverID, body.VehicleID)
		return err
	})
	if badInput != nil && errors.Is(err, badInput) {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", badInput.Error())
		return
	}
	if err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": lifecycle.OrderDispatched})
}

// ---------- driver: orders ----------

func (a *App) handleDriverOrders(w http.ResponseWriter, r *http.Request) {
	u, _ := currentUser(r)
	a.listOrders(w, r, "driver_id", *u.DriverID)
}

func (a *App) handleStartOrder(w http.ResponseWriter, r *http.Request) {
	a.driverTransition(w, r, lifecycle.OrderInProgress)
}

func (a *App) handleCompleteOrder(w http.ResponseWriter, r *http.Request) {
	a.driverTransition(w, r, lifecycle.OrderCompleted)
}

func (a *App) driverTransition(w http.ResponseWriter, r *http.Request, next string) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	u, _ := currentUser(r)
	if err := a.transitionOrder(r.Context(), id, next, ownedByDriver(u), nil); err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": next})
}
