package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// ---------- admin: investors CRUD ----------

func (a *App) handleAdminListInvestors(w http.ResponseWriter, r *http.Request) {
	rows, err := a.db.Query(r.Context(), `
    SELECT i.id, i.name, i.email, i.created_at, COUNT(s.id)
    FROM investors i
    LEFT JOIN investor_shares s ON s.investor_id = i.id
    GROUP BY i.id
    ORDER BY i.name, i.id
  `)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	defer rows.Close()
	items := []map[string]any{}
	for rows.Next() {
		var id int64
		var name, email string
		var createdAt time.Time
		var shares int
		if err := rows.Scan(&id, &name, &email, &createdAt, &shares); err != nil {
			continue
		}
		items = append(items, map[string]any{"id": id, "name": name, "email": email, "createdAt": createdAt, "shares": shares})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type investorBody struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (b *investorBody) validate() string {
	b.Name = strings.TrimSpace(b.Name)
	b.Email = strings.TrimSpace(strings.ToLower(b.Email))
	if b.Name == "" {
		return "name required"
	}
	if !strings.Contains(b.Email, "@") {
		return "valid email required"
	}
	return ""
}

func (a *App) handleAdminCreateInvestor(w http.ResponseWriter, r *http.Request) {
	var body investorBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if msg := body.validate(); msg != "" {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
		return
	}
	var id int64
	err := a.db.QueryRow(r.Context(),
		`INSERT INTO investors (name, email) VALUES ($1,$2) RETURNING id`,
		body.Name, body.Email).Scan(&id)
	if isUniqueViolation(err) {
		writeAPIError(w, http.StatusConflict, "CONFLICT", "investor email already exists")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *App) handleAdminUpdateInvestor(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	var body investorBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if msg := body.validate(); msg != "" {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
		return
	}
	tag, err := a.db.Exec(r.Context(), `UPDATE investors SET name=$1, email=$2 WHERE id=$3`, body.Name, body.Email, id)
	if isUniqueViolation(err) {
		writeAPIError(w, http.StatusConflict, "CONFLICT", "investor email already exists")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	if tag.RowsAffected() == 0 {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "investor not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *App) handleAdminDeleteInvestor(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	tag, err := a.db.Exec(r.Context(), `DELETE FROM investors WHERE id=$1`, id)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	if tag.RowsAffected() == 0 {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "investor not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ---------- admin: investor shares ----------

func (a *App) handleAdminListShares(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	rows, err := a.db.Query(r.Context(), `
    SELECT s.company_id, c.name, s.percentage,
      (SELECT COALESCE(SUM(percentage), 0) FROM investor_shares t WHERE t.company_id = s.company_id) AS allocated
    FROM investor_shares s
    JOIN companies c ON c.id = s.company_id
    WHERE s.investor_id = $1
    ORDER BY c.name
  `, id)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	defer rows.Close()
	items := []map[string]any{}
	for rows.Next() {
		var companyID int64
		var companyName string
		var pct, allocated float64
		if err := rows.Scan(&companyID, &companyName, &pct, &allocated); err != nil {
			continue
		}
		items = append(items, map[string]any{
			"companyId": companyID, "companyName": companyName,
			"percentage": pct, "companyAllocated": allocated,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// validShare checks a single percentage and the company total it would
// produce once the investor's previous share is replaced.
func validShare(pct, otherShares float64) error {
	if pct <= 0 || pct > 100 {
		return errors.New("percentage must be greater than 0 and at most 100")
	}
	if otherShares+pct > 100+1e-9 {
		return fmt.Errorf("company shares would total %.2f%%, above 100%%", otherShares+pct)
	}
	return nil
}

func (a *App) handleAdminPutShare(w http.ResponseWriter, r *http.Request) {
	investorID, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		CompanyID  int64   `json:"companyId"`
		Percentage float64 `json:"percentage"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.CompanyID <= 0 {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "companyId required")
		return
	}

	ctx := r.Context()
	tx, err := a.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the company row so concurrent share edits are serialised.
	var companyName string
	err = tx.QueryRow(ctx, `SELECT name FROM companies WHERE id = $1 FOR UPDATE`, body.CompanyID).Scan(&companyName)
	if errors.Is(err, pgx.ErrNoRows) {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "company not found")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	var others float64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(percentage), 0) FROM investor_shares WHERE company_id = $1 AND investor_id <> $2`,
		body.CompanyID, investorID).Scan(&others); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	if err := validShare(body.Percentage, others); err != nil {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	_, err = tx.Exec(ctx, `
    INSERT INTO investor_shares (investor_id, company_id, percentage)
    VALUES ($1,$2,$3)
    ON CONFLICT (investor_id, company_id) DO UPDATE SET percentage = EXCLUDED.percentage
  `, investorID, body.CompanyID, body.Percentage)
	if isForeignKeyViolation(err) {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "investor not found")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	if err := tx.Commit(ctx); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "companyId": body.CompanyID, "companyName": companyName,
		"percentage": body.Percentage, "companyAllocated": others + body.Percentage,
	})
}

func (a *App) handleAdminDeleteShare(w http.ResponseWriter, r *http.Request) {
	investorID, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	companyID, ok := urlID(w, r, "companyId")
	if !ok {
		return
	}
	tag, err := a.db.Exec(r.Context(), `DELETE FROM investor_shares WHERE investor_id=$1 AND company_id=$2`, investorID, companyID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "db error")
		return
	}
	if tag.RowsAffected() == 0 {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "share not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
