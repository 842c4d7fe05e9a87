package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
)

// ---------- reporting ----------

var windowError = fmt.Sprintf("from/to must be YYYY-MM-DD with from before to, at most %d days apart", maxWindowDays)

func (a *App) handleAdminOverview(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseWindow(r, a.now())
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", windowError)
		return
	}
	ctx := r.Context()

	byStatus := map[string]int{}
	rows, err := a.db.Query(ctx, `
    SELECT status, COUNT(*) FROM bookings
    WHERE created_at >= $1 AND created_at < $2
    GROUP BY status
  `, from, to)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err == nil {
			byStatus[status] = n
		}
	}
	rows.Close()

	var revenue float64
	var completed int
	if err := a.db.QueryRow(ctx, `
    SELECT COALESCE(SUM(b.price), 0), COUNT(*)
    FROM service_orders o
    JOIN bookings b ON b.id = o.booking_id
    WHERE o.status = 'completed' AND o.completed_at >= $1 AND o.completed_at < $2
  `, from, to).Scan(&revenue, &completed); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}

	crows, err := a.db.Query(ctx, `
    SELECT c.id, c.name, c.status,
      COUNT(o.id) AS orders,
      COUNT(o.id) FILTER (WHERE o.status = 'completed') AS completed,
      COALESCE(SUM(b.price) FILTER (WHERE o.status = 'completed'), 0) AS revenue
    FROM companies c
    LEFT JOIN service_orders o ON o.company_id = c.id AND o.created_at >= $1 AND o.created_at < $2
    LEFT JOIN bookings b ON b.id = o.booking_id
    GROUP BY c.id
    ORDER BY revenue DESC, c.name
  `, from, to)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	companies := []map[string]any{}
	for crows.Next() {
		var id int64
		var name, status string
		var orders, done int
		var rev float64
		if err := crows.Scan(&id, &name, &status, &orders, &done, &rev); err != nil {
			continue
		}
		companies = append(companies, map[string]any{
			"companyId": id, "name": name, "status": status,
			"orders": orders, "completed": done, "revenue": round2(rev),
		})
	}
	crows.Close()

	drows, err := a.db.Query(ctx, `
    SELECT d::date, COUNT(b.id)
    FROM generate_series($1::date, $2::date - 1, interval '1 day') AS d
    LEFT JOIN bookings b ON b.created_at >= d AND b.created_at < d + interval '1 day'
    GROUP BY d
    ORDER BY d
  `, from, to)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	perDay := []map[string]any{}
	for drows.Next() {
		var day time.Time
		var n int
		if err := drows.Scan(&day, &n); err != nil {
			continue
		}
		perDay = append(perDay, map[string]any{"date": day.Format("2006-01-02"), "bookings": n})
	}
	drows.Close()

	writeJSON(w, http.StatusOK, map[string]any{
		"from":             from.Format("2006-01-02"),
		"to":               to.AddDate(0, 0, -1).Format("2006-01-02"),
		"bookingsByStatus": byStatus,
		"completedOrders":  completed,
		"revenue":          round2(revenue),
		"companies":        companies,
		"bookingsPerDay":   perDay,
	})
}

func (a *App) handleCompanyMetrics(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseWindow(r, a.now())
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", windowError)
		return
	}
	u, _ := currentUser(r)
	companyID := *u.CompanyID
	ctx := r.Context()

	byStatus := map[string]int{}
	var revenue float64
	rows, err := a.db.Query(ctx, `
    SELECT o.status, COUNT(*), COALESCE(SUM(b.price) FILTER (WHERE o.status = 'completed'), 0)
    FROM service_orders o
    JOIN bookings b ON b.id = o.booking_id
    WHERE o.company_id = $1 AND o.created_at >= $2 AND o.created_at < $3
    GROUP BY o.status
  `, companyID, from, to)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	for rows.Next() {
		var status string
		var n int
		var rev float64
		if err := rows.Scan(&status, &n, &rev); err == nil {
			byStatus[status] = n
			revenue += rev
		}
	}
	rows.Close()

	drows, err := a.db.Query(ctx, `
    SELECT d.id, d.name, d.active,
      COUNT(o.id) AS trips,
      COUNT(o.id) FILTER (WHERE o.status = 'completed') AS completed
    FROM drivers d
    LEFT JOIN service_orders o ON o.driver_id = d.id AND o.created_at >= $2 AND o.created_at < $3
    WHERE d.company_id = $1
    GROUP BY d.id
    ORDER BY trips DESC, d.name
  `, companyID, from, to)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	drivers := []map[string]any{}
	days := to.Sub(from).Hours() / 24
	for drows.Next() {
		var id int64
		var name string
		var active bool
		var trips, done int
		if err := drows.Scan(&id, &name, &active, &trips, &done); err != nil {
			continue
		}
		drivers = append(drivers, map[string]any{
			"driverId": id, "name": name, "active": active,
			"trips": trips, "completed": done,
			"tripsPerDay": round2(float64(trips) / days),
		})
	}
	drows.Close()

	writeJSON(w, http.StatusOK, map[string]any{
		"from":           from.Format("2006-01-02"),
		"to":             to.AddDate(0, 0, -1).Format("2006-01-02"),
		"ordersByStatus": byStatus,
		"revenue":        round2(revenue),
		"drivers":        drivers,
	})
}

// shareAmount is an investor's cut of a company's revenue.
func shareAmount(revenue, percentage float64) float64 {
	return round2(revenue * percentage / 100)
}

func (a *App) handleInvestorReport(w http.ResponseWriter, r *http.Request) {
	investorID, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	from, to, ok := parseWindow(r, a.now())
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", windowError)
		return
	}
	ctx := r.Context()

	var name string
	err := a.db.QueryRow(ctx, `SELECT name FROM investors WHERE id = $1`, investorID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "investor not found")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}

	rows, err := a.db.Query(ctx, `
    SELECT c.id, c.name, s.percentage,
      COALESCE((
        SELECT SUM(b.price)
        FROM service_orders o
        JOIN bookings b ON b.id = o.booking_id
        WHERE o.company_id = c.id AND o.status = 'completed'
          AND o.completed_at >= $2 AND o.completed_at < $3
      ), 0) AS revenue
    FROM investor_shares s
    JOIN companies c ON c.id = s.company_id
    WHERE s.investor_id = $1
    ORDER BY c.name
  `, investorID, from, to)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	defer rows.Close()

	items := []map[string]any{}
	total := 0.0
	for rows.Next() {
		var companyID int64
		var companyName string
		var pct, revenue float64
		if err := rows.Scan(&companyID, &companyName, &pct, &revenue); err != nil {
			continue
		}
		amount := shareAmount(revenue, pct)
		total += amount
		items = append(items, map[string]any{
			"companyId": companyID, "companyName": companyName,
			"percentage": pct, "companyRevenue": round2(revenue), "amount": amount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"investorId": investorID,
		"name":       name,
		"from":       from.Format("2006-01-02"),
		"to":         to.AddDate(0, 0, -1).Format("2006-01-02"),
		"shares":     items,
		"total":      round2(total),
	})
}
