package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fleetScope resolves which company a fleet request acts on. Company users
// are pinned to their own company; admins pick one with ?companyId= and may
// omit it when listing.
func fleetScope(r *http.Request, required bool) (companyID int64, ok bool, msg string) {
	u, _ := currentUser(r)
	if u.Role == "COMPANY" {
		return *u.CompanyID, true, ""
	}
	raw := strings.TrimSpace(r.URL.Query().Get("companyId"))
	if raw == "" {
		if required {
			return 0, false, "companyId required"
		}
		return 0, true, ""
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false, "invalid companyId"
	}
	return id, true, ""
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// ---------- fleet: drivers ----------

type driverBody struct {
	Name          string `json:"name"`
	Phone         string `json:"phone"`
	LicenseNumber string `json:"licenseNumber"`
	Active        *bool  `json:"active"`
}

func (b *driverBody) validate() string {
	b.Name = strings.TrimSpace(b.Name)
	b.Phone = strings.TrimSpace(b.Phone)
	b.LicenseNumber = strings.ToUpper(strings.TrimSpace(b.LicenseNumber))
	if b.Name == "" {
		return "name required"
	}
	if b.LicenseNumber == "" {
		return "licenseNumber required"
	}
	if b.Active == nil {
		t := true
		b.Active = &t
	}
	return ""
}

func (a *App) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	companyID, ok, msg := fleetScope(r, false)
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
		return
	}
	rows, err := a.db.Query(r.Context(), `
    SELECT d.id, d.company_id, d.name, d.phone, d.license_number, d.active, d.created_at,
      COUNT(o.id) FILTER (WHERE o.status IN ('dispatched', 'in_progress')) AS open_orders
    FROM drivers d
    LEFT JOIN service_orders o ON o.driver_id = d.id
    WHERE $1 = 0 OR d.company_id = $1
    GROUP BY d.id
    ORDER BY d.company_id, d.name, d.id
  `, companyID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	defer rows.Close()
	items := []map[string]any{}
	for rows.Next() {
		var id, cid int64
		var name, phone, license string
		var active bool
		var createdAt time.Time
		var open int
		if err := rows.Scan(&id, &cid, &name, &phone, &license, &active, &createdAt, &open); err != nil {
			continue
		}
		items = append(items, map[string]any{
			"id": id, "companyId": cid, "name": name, "phone": phone,
			"licenseNumber": license, "active": active, "createdAt": createdAt,
			"openOrders": open,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *App) handleCreateDriver(w http.ResponseWriter, r *http.Request) {
	companyID, ok, msg := fleetScope(r, true)
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
		return
	}
	var body driverBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if msg := body.validate(); msg != "" {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
		return
	}
	var id int64
	err := a.db.QueryRow(r.Context(),
		`INSERT INTO drivers (company_id, name, phone, license_number, active) VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		companyID, body.Name, body.Phone, body.LicenseNumber, *body.Active).Scan(&id)
	if isUniqueViolation(err) {
		writeAPIError(w, http.StatusConflict, "CONFLICT", "license number already registered")
		return
	}
	if isForeignKeyViolation(err) {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "company not found")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *App) handleUpdateDriver(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	companyID, ok, msg := fleetScope(r, false)
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
		return
	}
	var body driverBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if msg := body.validate(); msg != "" {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
		return
	}
	tag, err := a.db.Exec(r.Context(),
		`UPDATE drivers SET name=$1, phone=$2, license_number=$3, active=$4 WHERE id=$5 AND ($6 = 0 OR company_id = $6)`,
		body.Name, body.Phone, body.LicenseNumber, *body.Active, id, companyID)
	if isUniqueViolation(err) {
		writeAPIError(w, http.StatusConflict, "CONFLICT", "license number already registered")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	if tag.RowsAffected() == 0 {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "driver not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *App) handleDeleteDriver(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	companyID, ok, msg := fleetScope(r, false)
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
		return
	}
	var open int
	if err := a.db.QueryRow(r.Context(),
		`SELECT COUNT(*) FROM service_orders WHERE driver_id = $1 AND status IN ('dispatched', 'in_progress')`,
		id).Scan(&open); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	if open > 0 {
		writeAPIError(w, http.StatusConflict, "CONFLICT", "driver has open orders")
		return
	}
	tag, err := a.db.Exec(r.Context(), `DELETE FROM drivers WHERE id=$1 AND ($2 = 0 OR company_id = $2)`, id, companyID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	if tag.RowsAffected() == 0 {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "driver not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ---------- fleet: vehicles ----------

type vehicleBody struct {
	Plate         string `json:"plate"`
	VehicleTypeID int64  `json:"vehicleTypeId"`
	Capacity      int    `json:"capacity"`
	Active        *bool  `json:"active"`
}

func (b *vehicleBody) validate() string {
	b.Plate = strings.ToUpper(strings.TrimSpace(b.Plate))
	if b.Plate == "" {
		return "plate required"
	}
	if b.VehicleTypeID <= 0 {
		return "vehicleTypeId required"
	}
	if b.Capacity < 0 {
		return "capacity must be positive"
	}
	if b.Active == nil {
		t := true
		b.Active = &t
	}
	return ""
}

func (a *App) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	companyID, ok, msg := fleetScope(r, false)
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
		return
	}
	rows, err := a.db.Query(r.Context(), `
    SELECT v.id, v.company_id, v.plate, v.vehicle_type_id, vt.name, v.capacity, v.active, v.created_at
    FROM vehicles v
    JOIN vehicle_types vt ON vt.id = v.vehicle_type_id
    WHERE $1 = 0 OR v.company_id = $1
    ORDER BY v.company_id, v.plate
  `, companyID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	defer rows.Close()
	items := []map[string]any{}
	for rows.Next() {
		var id, cid, typeID int64
		var plate, typeName string
		var capacity int
		var active bool
		var createdAt time.Time
		if err := rows.Scan(&id, &cid, &plate, &typeID, &typeName, &capacity, &active, &createdAt); err != nil {
			continue
		}
		items = append(items, map[string]any{
			"id": id, "companyId": cid, "plate": plate,
			"vehicleTypeId": typeID, "vehicleType": typeName,
			"capacity": capacity, "active": active, "createdAt": createdAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// vehicleCapacity defaults a missing capacity to the vehicle type's.
func (a *App) vehicleCapacity(r *http.Request, b vehicleBody) (int, error) {
	var typeCapacity int
	err := a.db.QueryRow(r.Context(), `SELECT capacity FROM vehicle_types WHERE id = $1`, b.VehicleTypeID).Scan(&typeCapacity)
	if err != nil {
		return 0, err
	}
	if b.Capacity == 0 {
		return typeCapacity, nil
	}
	return b.Capacity, nil
}

func (a *App) handleCreateVehicle(w http.ResponseWriter, r *http.Request) {
	companyID, ok, msg := fleetScope(r, true)
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
		return
	}
	var body vehicleBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if msg := body.validate(); msg != "" {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
		return
	}
	capacity, err := a.vehicleCapacity(r, body)
	if errors.Is(err, pgx.ErrNoRows) {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown vehicle type")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	var id int64
	err = a.db.QueryRow(r.Context(),
		`INSERT INTO vehicles (company_id, vehicle_type_id, plate, capacity, active) VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		companyID, body.VehicleTypeID, body.Plate, capacity, *body.Active).Scan(&id)
	if isUniqueViolation(err) {
		writeAPIError(w, http.StatusConflict, "CONFLICT", "plate already registered")
		return
	}
	if isForeignKeyViolation(err) {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "company not found")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *App) handleUpdateVehicle(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	companyID, ok, msg := fleetScope(r, false)
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
		return
	}
	var body vehicleBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if msg := body.validate(); msg != "" {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
		return
	}
	capacity, err := a.vehicleCapacity(r, body)
	if errors.Is(err, pgx.ErrNoRows) {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown vehicle type")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	tag, err := a.db.Exec(r.Context(),
		`UPDATE vehicles SET plate=$1, vehicle_type_id=$2, capacity=$3, active=$4 WHERE id=$5 AND ($6 = 0 OR company_id = $6)`,
		body.Plate, body.VehicleTypeID, capacity, *body.Active, id, companyID)
	if isUniqueViolation(err) {
		writeAPIError(w, http.StatusConflict, "CONFLICT", "plate already registered")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	if tag.RowsAffected() == 0 {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "vehicle not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *App) handleDeleteVehicle(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	companyID, ok, msg := fleetScope(r, false)
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
		return
	}
	var open int
	if err := a.db.QueryRow(r.Context(),
		`SELECT COUNT(*) FROM service_orders WHERE vehicle_id = $1 AND status IN ('dispatched', 'in_progress')`,
		id).Scan(&open); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	if open > 0 {
		writeAPIError(w, http.StatusConflict, "CONFLICT", "vehicle has open orders")
		return
	}
	tag, err := a.db.Exec(r.Context(), `DELETE FROM vehicles WHERE id=$1 AND ($2 = 0 OR company_id = $2)`, id, companyID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	if tag.RowsAffected() == 0 {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "vehicle not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ---------- admin: vehicle types ----------

type vehicleTypeBody struct {
	Name       string  `json:"name"`
	Capacity   int     `json:"capacity"`
	BaseFare   float64 `json:"baseFare"`
	PricePerKM float64 `json:"pricePerKm"`
	Active     *bool   `json:"active"`
}

func (b *vehicleTypeBody) validate() string {
	b.Name = strings.TrimSpace(b.Name)
	if b.Name == "" {
		return "name required"
	}
	if b.Capacity < 1 {
		return "capacity must be at least 1"
	}
	if b.BaseFare < 0 || b.PricePerKM < 0 {
		return "fares must not be negative"
	}
	if b.Active == nil {
		t := true
		b.Active = &t
	}
	return ""
}

func (a *App) handleAdminCreateVehicleType(w http.ResponseWriter, r *http.Request) {
	var body vehicleTypeBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if msg := body.validate(); msg != "" {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
		return
	}
	var id int64
	err := a.db.QueryRow(r.Context(),
		`INSERT INTO vehicle_types (name, capacity, base_fare, price_per_km, active) VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		body.Name, body.Capacity, body.BaseFare, body.PricePerKM, *body.Active).Scan(&id)
	if isUniqueViolation(err) {
		writeAPIError(w, http.StatusConflict, "CONFLICT", "vehicle type already exists")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *App) handleAdminUpdateVehicleType(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	var body vehicleTypeBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if msg := body.validate(); msg != "" {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
		return
	}
	tag, err := a.db.Exec(r.Context(),
		`UPDATE vehicle_types SET name=$1, capacity=$2, base_fare=$3, price_per_km=$4, active=$5 WHERE id=$6`,
		body.Name, body.Capacity, body.BaseFare, body.PricePerKM, *body.Active, id)
	if isUniqueViolation(err) {
		writeAPIError(w, http.StatusConflict, "CONFLICT", "vehicle type already exists")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	if tag.RowsAffected() == 0 {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "vehicle type not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
