package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"transferhub/api/internal/dispatch"
)

// ---------- admin: companies CRUD ----------

func (a *App) handleAdminListCompanies(w http.ResponseWriter, r *http.Request) {
	rows, err := a.db.Query(r.Context(), `
    SELECT c.id, c.name, c.email, c.phone, c.status, c.queue_position, c.last_assigned_at, c.created_at,
      (SELECT COUNT(*) FROM drivers d WHERE d.company_id = c.id) AS drivers,
      (SELECT COUNT(*) FROM vehicles v WHERE v.company_id = c.id) AS vehicles,
      (SELECT COUNT(*) FROM service_orders o WHERE o.company_id = c.id
        AND o.status IN ('pending', 'accepted', 'dispatched', 'in_progress')) AS open_orders
    FROM companies c
    ORDER BY c.status, c.queue_position NULLS LAST, c.name
  `)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	defer rows.Close()
	items := []map[string]any{}
	for rows.Next() {
		var id int64
		var name, email, phone, status string
		var pos *int
		var lastAssigned *time.Time
		var createdAt time.Time
		var drivers, vehicles, open int
		if err := rows.Scan(&id, &name, &email, &phone, &status, &pos, &lastAssigned, &createdAt, &drivers, &vehicles, &open); err != nil {
			continue
		}
		items = append(items, map[string]any{
			"id": id, "name": name, "email": email, "phone": phone,
			"status": status, "queuePosition": pos, "lastAssignedAt": lastAssigned,
			"createdAt": createdAt, "drivers": drivers, "vehicles": vehicles, "openOrders": open,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type companyBody struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Phone  string `json:"phone"`
	Status string `json:"status"`
}

func (b *companyBody) validate() string {
	b.Name = strings.TrimSpace(b.Name)
	b.Email = strings.TrimSpace(strings.ToLower(b.Email))
	b.Phone = strings.TrimSpace(b.Phone)
	b.Status = strings.ToLower(strings.TrimSpace(b.Status))
	if b.Name == "" {
		return "name required"
	}
	switch b.Status {
	case "":
		b.Status = dispatch.CompanyInactive
	case dispatch.CompanyActive, dispatch.CompanyInactive, dispatch.CompanySuspended:
	default:
		return "status must be active, inactive or suspended"
	}
	return ""
}

func (a *App) handleAdminCreateCompany(w http.ResponseWriter, r *http.Request) {
	var body companyBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if msg := body.validate(); msg != "" {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
		return
	}
	// Companies start outside the queue; activation goes through the
	// dispatcher so the company joins at the back.
	var id int64
	err := a.db.QueryRow(r.Context(),
		`INSERT INTO companies (name, email, phone, status) VALUES ($1,$2,$3,'inactive') RETURNING id`,
		body.Name, body.Email, body.Phone).Scan(&id)
	if isUniqueViolation(err) {
		writeAPIError(w, http.StatusConflict, "CONFLICT", "company name already exists")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	if body.Status != dispatch.CompanyInactive {
		if _, err := a.dispatch.SetCompanyStatus(r.Context(), id, body.Status); err != nil {
			a.writeDispatchError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *App) handleAdminUpdateCompany(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	var body companyBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if msg := body.validate(); msg != "" {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
		return
	}
	tag, err := a.db.Exec(r.Context(),
		`UPDATE companies SET name=$1, email=$2, phone=$3 WHERE id=$4`,
		body.Name, body.Email, body.Phone, id)
	if isUniqueViolation(err) {
		writeAPIError(w, http.StatusConflict, "CONFLICT", "company name already exists")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	if tag.RowsAffected() == 0 {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "company not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *App) handleAdminCompanyStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	status := strings.ToLower(strings.TrimSpace(body.Status))
	switch status {
	case dispatch.CompanyActive, dispatch.CompanyInactive, dispatch.CompanySuspended:
	default:
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "status must be active, inactive or suspended")
		return
	}
	changes, err := a.dispatch.SetCompanyStatus(r.Context(), id, status)
	if err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	if changes == nil {
		changes = []dispatch.Change{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": status, "changes": changes})
}

func (a *App) handleAdminDeleteCompany(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	var orders int
	if err := a.db.QueryRow(r.Context(), `SELECT COUNT(*) FROM service_orders WHERE company_id = $1`, id).Scan(&orders); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	if orders > 0 {
		writeAPIError(w, http.StatusConflict, "CONFLICT", "company has service orders; deactivate it instead")
		return
	}
	// Leave the queue first so the remaining positions stay dense.
	if _, err := a.dispatch.SetCompanyStatus(r.Context(), id, dispatch.CompanyInactive); err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	tag, err := a.db.Exec(r.Context(), `DELETE FROM companies WHERE id=$1`, id)
	if isForeignKeyViolation(err) {
		writeAPIError(w, http.StatusConflict, "CONFLICT", "company is still referenced")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	if tag.RowsAffected() == 0 {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "company not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ---------- admin: queue ----------

func (a *App) handleQueue(w http.ResponseWriter, r *http.Request) {
	companies, err := a.dispatch.Queue(r.Context())
	if err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	if companies == nil {
		companies = []dispatch.Company{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": companies})
}

func (a *App) handleQueueDiagnostics(w http.ResponseWriter, r *http.Request) {
	d, err := a.dispatch.Diagnose(r.Context())
	if err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *App) handleQueueRepair(w http.ResponseWriter, r *http.Request) {
	rep, err := a.dispatch.RepairPositions(r.Context())
	if err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *App) handleQueueReconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := a.dispatch.Reconcile(r.Context())
	if err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *App) handleQueueSimulate(w http.ResponseWriter, r *http.Request) {
	n := 10
	if s := strings.TrimSpace(r.URL.Query().Get("n")); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "n must be a number")
			return
		}
		n = v
	}
	picks, err := a.dispatch.Simulate(r.Context(), n)
	if err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"picks": picks})
}

func (a *App) handleQueueMaintenance(w http.ResponseWriter, r *http.Request) {
	if a.maintenance == nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "queue maintenance not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schedule": a.cfg.QueueRepairCron,
		"last":     a.maintenance.Last(),
	})
}

func (a *App) handleQueueMaintenanceRun(w http.ResponseWriter, r *http.Request) {
	if a.maintenance == nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "queue maintenance not configured")
		return
	}
	writeJSON(w, http.StatusOK, a.maintenance.RunOnce(r.Context()))
}
