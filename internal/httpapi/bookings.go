package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"transferhub/api/internal/dispatch"
	"transferhub/api/internal/lifecycle"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/hlog"
)

// ---------- vehicle types & quotes ----------

func (a *App) handleListVehicleTypes(w http.ResponseWriter, r *http.Request) {
	rows, err := a.db.Query(r.Context(), `
    SELECT id, name, capacity, base_fare, price_per_km, active
    FROM vehicle_types
    ORDER BY capacity, id
  `)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	defer rows.Close()
	items := []map[string]any{}
	for rows.Next() {
		var id int64
		var name string
		var capacity int
		var baseFare, perKM float64
		var active bool
		if err := rows.Scan(&id, &name, &capacity, &baseFare, &perKM, &active); err != nil {
			continue
		}
		items = append(items, map[string]any{
			"id": id, "name": name, "capacity": capacity,
			"baseFare": baseFare, "pricePerKm": perKM, "active": active,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *App) handleQuote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Passengers    int      `json:"passengers"`
		VehicleTypeID int64    `json:"vehicleTypeId"`
		DistanceKM    *float64 `json:"distanceKm"`
		OriginCoords  *coords  `json:"originCoords"`
		DestCoords    *coords  `json:"destinationCoords"`
		TripType      string   `json:"tripType"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Passengers < 1 {
		body.Passengers = 1
	}
	tripType, ok := normalizeTripType(body.TripType)
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "tripType must be one_way or round_trip")
		return
	}
	km, err := tripDistance(body.DistanceKM, body.OriginCoords, body.DestCoords)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	rows, err := a.db.Query(r.Context(), `
    SELECT id, name, capacity, base_fare, price_per_km
    FROM vehicle_types
    WHERE active AND capacity >= $1 AND ($2 = 0 OR id = $2)
    ORDER BY capacity, id
  `, body.Passengers, body.VehicleTypeID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	defer rows.Close()
	options := []map[string]any{}
	for rows.Next() {
		var id int64
		var name string
		var capacity int
		var baseFare, perKM float64
		if err := rows.Scan(&id, &name, &capacity, &baseFare, &perKM); err != nil {
			continue
		}
		options = append(options, map[string]any{
			"vehicleTypeId": id,
			"name":          name,
			"capacity":      capacity,
			"price":         quotePrice(baseFare, perKM, km, tripType),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"distanceKm": km,
		"tripType":   tripType,
		"passengers": body.Passengers,
		"options":    options,
	})
}

// ---------- public bookings ----------

func (a *App) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var in bookingInput
	if !decodeJSON(w, r, &in) {
		return
	}
	b, err := in.validate(a.now())
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	var capacity int
	var baseFare, perKM float64
	err = a.db.QueryRow(r.Context(),
		`SELECT capacity, base_fare, price_per_km FROM vehicle_types WHERE id = $1 AND active`,
		b.VehicleTypeID).Scan(&capacity, &baseFare, &perKM)
	if errors.Is(err, pgx.ErrNoRows) {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown vehicle type")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	if b.Passengers > capacity {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "too many passengers for this vehicle type")
		return
	}
	price := quotePrice(baseFare, perKM, b.distance, b.TripType)

	id, reference, err := a.insertBooking(r.Context(), b, price)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("create booking")
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "could not create booking")
		return
	}

	status := lifecycle.BookingPending
	resp := map[string]any{}
	if a.cfg.AutoAssign && a.dispatch != nil {
		asg, err := a.dispatch.Assign(r.Context(), id)
		if err != nil {
			// The booking stays pending and is picked up by reconciliation.
			hlog.FromRequest(r).Warn().Err(err).Int64("booking_id", id).Msg("auto-assign failed")
		} else {
			status = lifecycle.BookingAssigned
			resp["companyId"] = asg.Company.ID
		}
	}

	resp["id"] = id
	resp["reference"] = reference
	resp["status"] = status
	resp["price"] = price
	resp["distanceKm"] = b.distance
	writeJSON(w, http.StatusCreated, resp)
}

// insertBooking stores b with a fresh reference, retrying on the rare
// reference collision.
func (a *App) insertBooking(ctx context.Context, b validBooking, price float64) (int64, string, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		reference := newReference()
		var id int64
		err := a.db.QueryRow(ctx, `
      INSERT INTO bookings (reference, customer_name, customer_email, customer_phone,
        origin, destination, distance_km, trip_type, pickup_at, return_at,
        passengers, vehicle_type_id, price, notes, status)
      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
      RETURNING id
    `, reference, b.CustomerName, b.CustomerEmail, b.CustomerPhone,
			b.Origin, b.Destination, b.distance, b.TripType, b.pickup, b.ret,
			b.Passengers, b.VehicleTypeID, price, b.Notes, lifecycle.BookingPending).Scan(&id)
		if err == nil {
			return id, reference, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "bookings_reference_key" {
			lastErr = err
			continue
		}
		return 0, "", err
	}
	return 0, "", lastErr
}

func (a *App) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	reference := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "reference")))
	var id int64
	var customerName, origin, destination, tripType, status, vehicleType string
	var distance, price float64
	var passengers int
	var pickupAt, createdAt time.Time
	var returnAt *time.Time
	var orderStatus, companyName, driverName, vehiclePlate *string
	err := a.db.QueryRow(r.Context(), `
    SELECT b.id, b.customer_name, b.origin, b.destination, b.trip_type, b.status,
      vt.name, b.distance_km, b.price, b.passengers, b.pickup_at, b.created_at, b.return_at,
      o.status, c.name, d.name, v.plate
    FROM bookings b
    JOIN vehicle_types vt ON vt.id = b.vehicle_type_id
    LEFT JOIN service_orders o ON o.booking_id = b.id
    LEFT JOIN companies c ON c.id = o.company_id
    LEFT JOIN drivers d ON d.id = o.driver_id
    LEFT JOIN vehicles v ON v.id = o.vehicle_id
    WHERE b.reference = $1
  `, reference).Scan(&id, &customerName, &origin, &destination, &tripType, &status,
		&vehicleType, &distance, &price, &passengers, &pickupAt, &createdAt, &returnAt,
		&orderStatus, &companyName, &driverName, &vehiclePlate)
	if errors.Is(err, pgx.ErrNoRows) {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "booking not found")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reference":    reference,
		"customerName": customerName,
		"origin":       origin,
		"destination":  destination,
		"tripType":     tripType,
		"status":       status,
		"vehicleType":  vehicleType,
		"distanceKm":   distance,
		"price":        price,
		"passengers":   passengers,
		"pickupAt":     pickupAt,
		"returnAt":     returnAt,
		"createdAt":    createdAt,
		"orderStatus":  orderStatus,
		"company":      companyName,
		"driver":       driverName,
		"vehiclePlate": vehiclePlate,
	})
}

func (a *App) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	email := strings.TrimSpace(strings.ToLower(body.Email))
	if email == "" {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "email required")
		return
	}
	reference := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "reference")))
	var id int64
	err := a.db.QueryRow(r.Context(),
		`SELECT id FROM bookings WHERE reference = $1 AND lower(customer_email) = $2`,
		reference, email).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "booking not found")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	if err := a.cancelBooking(r.Context(), id); err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": lifecycle.BookingCancelled})
}

// cancelBooking cancels a booking and its service order unless the trip has
// already started.
func (a *App) cancelBooking(ctx context.Context, bookingID int64) error {
	tx, err := a.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM bookings WHERE id = $1 FOR UPDATE`, bookingID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.ErrNotFound
	}
	if err != nil {
		return err
	}
	if status == lifecycle.BookingCancelled {
		return tx.Commit(ctx)
	}
	if !lifecycle.CanTransitionBooking(status, lifecycle.BookingCancelled) {
		return dispatch.ErrInvalidTransition
	}
	if _, err := tx.Exec(ctx,
		`UPDATE bookings SET status = $2, updated_at = now() WHERE id = $1`,
		bookingID, lifecycle.BookingCancelled); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
    UPDATE service_orders SET status = $2, updated_at = now()
    WHERE booking_id = $1 AND status = ANY($3)
  `, bookingID, lifecycle.OrderCancelled,
		[]string{lifecycle.OrderPending, lifecycle.OrderAccepted, lifecycle.OrderDispatched}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	a.log.Info().Int64("booking_id", bookingID).Msg("booking cancelled")
	return nil
}

// ---------- admin: bookings ----------

func (a *App) handleAdminListBookings(w http.ResponseWriter, r *http.Request) {
	page, pageSize, offset := pagination(r)
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	if status != "" {
		if _, err := lifecycle.ParseBookingStatus(status); err != nil {
			writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))

	var total int
	if err := a.db.QueryRow(r.Context(), `
    SELECT COUNT(*) FROM bookings b
    WHERE ($1 = '' OR b.status = $1)
      AND ($2 = '' OR b.reference ILIKE '%' || $2 || '%' OR b.customer_name ILIKE '%' || $2 || '%')
  `, status, q).Scan(&total); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}

	rows, err := a.db.Query(r.Context(), `
    SELECT b.id, b.reference, b.customer_name, b.customer_email, b.origin, b.destination,
      b.pickup_at, b.passengers, b.price, b.status, b.created_at,
      o.id, o.status, c.id, c.name
    FROM bookings b
    LEFT JOIN service_orders o ON o.booking_id = b.id
    LEFT JOIN companies c ON c.id = o.company_id
    WHERE ($1 = '' OR b.status = $1)
      AND ($2 = '' OR b.reference ILIKE '%' || $2 || '%' OR b.customer_name ILIKE '%' || $2 || '%')
    ORDER BY b.created_at DESC, b.id DESC
    LIMIT $3 OFFSET $4
  `, status, q, pageSize, offset)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	defer rows.Close()

	items := []map[string]any{}
	for rows.Next() {
		var id int64
		var reference, name, email, origin, dest, bStatus string
		var pickupAt, createdAt time.Time
		var passengers int
		var price float64
		var orderID, companyID *int64
		var orderStatus, companyName *string
		if err := rows.Scan(&id, &reference, &name, &email, &origin, &dest,
			&pickupAt, &passengers, &price, &bStatus, &createdAt,
			&orderID, &orderStatus, &companyID, &companyName); err != nil {
			continue
		}
		items = append(items, map[string]any{
			"id": id, "reference": reference,
			"customerName": name, "customerEmail": email,
			"origin": origin, "destination": dest,
			"pickupAt": pickupAt, "passengers": passengers, "price": price,
			"status": bStatus, "createdAt": createdAt,
			"orderId": orderID, "orderStatus": orderStatus,
			"companyId": companyID, "companyName": companyName,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "page": page, "pageSize": pageSize, "total": total})
}

func (a *App) handleAdminAssignBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	asg, err := a.dispatch.Assign(r.Context(), id)
	if err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, asg)
}

func (a *App) handleAdminReassignBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		CompanyID *int64 `json:"companyId"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &body) {
		return
	}
	asg, err := a.dispatch.ForceReassign(r.Context(), id, body.CompanyID)
	if err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, asg)
}

func (a *App) handleAdminCancelBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	if err := a.cancelBooking(r.Context(), id); err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": lifecycle.BookingCancelled})
}
