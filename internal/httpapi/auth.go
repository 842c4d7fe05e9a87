package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const sessionCookie = "transferhub_session"

type ctxKey string

const ctxUserKey ctxKey = "transferhub_user"

type User struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	CompanyID *int64 `json:"companyId,omitempty"`
	DriverID  *int64 `json:"driverId,omitempty"`
}

// signSession renders the cookie value "<session id>.<mac>", keyed by the
// configured session secret.
func (a *App) signSession(sid uuid.UUID) string {
	return sid.String() + "." + base64.RawURLEncoding.EncodeToString(a.sessionMAC(sid))
}

func (a *App) sessionMAC(sid uuid.UUID) []byte {
	m := hmac.New(sha256.New, []byte(a.cfg.SessionSecret))
	m.Write(sid[:])
	return m.Sum(nil)
}

// verifySession returns the session id of a cookie value whose mac matches.
func (a *App) verifySession(value string) (uuid.UUID, bool) {
	id, mac, found := strings.Cut(value, ".")
	if !found {
		return uuid.Nil, false
	}
	sid, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, false
	}
	got, err := base64.RawURLEncoding.DecodeString(mac)
	if err != nil || !hmac.Equal(got, a.sessionMAC(sid)) {
		return uuid.Nil, false
	}
	return sid, true
}

func currentUser(r *http.Request) (User, bool) {
	u, ok := r.Context().Value(ctxUserKey).(User)
	return u, ok
}

func (a *App) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(sessionCookie)
		if err != nil || strings.TrimSpace(c.Value) == "" {
			writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "not authenticated")
			return
		}
		sid, ok := a.verifySession(c.Value)
		if !ok {
			writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid session")
			return
		}

		var u User
		var expiresAt time.Time
		row := a.db.QueryRow(r.Context(), `
      SELECT u.id, u.name, u.email, u.role, u.company_id, u.driver_id, s.expires_at
      FROM sessions s
      JOIN users u ON u.id = s.user_id
      WHERE s.id = $1
    `, sid)
		if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.CompanyID, &u.DriverID, &expiresAt); err != nil {
			writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "session not found")
			return
		}
		if a.now().After(expiresAt) {
			_, _ = a.db.Exec(r.Context(), `DELETE FROM sessions WHERE id = $1`, sid)
			writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "session expired")
			return
		}

		ctx := context.WithValue(r.Context(), ctxUserKey, u)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *App) requireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := map[string]bool{}
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, ok := currentUser(r)
			if !ok {
				writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "not authenticated")
				return
			}
			if !allowed[u.Role] {
				writeAPIError(w, http.StatusForbidden, "FORBIDDEN", "insufficient role")
				return
			}
			// Company and driver accounts must be linked to act in their role.
			if (u.Role == "COMPANY" && u.CompanyID == nil) || (u.Role == "DRIVER" && u.DriverID == nil) {
				writeAPIError(w, http.StatusForbidden, "FORBIDDEN", "account is not linked")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	body.Email = strings.TrimSpace(strings.ToLower(body.Email))
	if body.Email == "" || !strings.Contains(body.Email, "@") || strings.TrimSpace(body.Password) == "" {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "email and password required")
		return
	}

	var u User
	var passwordHash string
	row := a.db.QueryRow(r.Context(), `SELECT id, name, email, role, company_id, driver_id, password_hash FROM users WHERE email = $1`, body.Email)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.CompanyID, &u.DriverID, &passwordHash); err != nil {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(body.Password)); err != nil {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials")
		return
	}

	sid := uuid.New()
	expires := a.now().Add(7 * 24 * time.Hour)
	if _, err := a.db.Exec(r.Context(), `INSERT INTO sessions (id, user_id, expires_at) VALUES ($1,$2,$3)`, sid, u.ID, expires); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "could not create session")
		return
	}

	secure := a.cfg.CookieSecure
	if !secure {
		if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			secure = true
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    a.signSession(sid),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
		Expires:  expires,
	})

	a.log.Info().Int64("user_id", u.ID).Str("role", u.Role).Msg("login")
	writeJSON(w, http.StatusOK, map[string]any{"user": u})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if sid, ok := a.verifySession(c.Value); ok {
			_, _ = a.db.Exec(r.Context(), `DELETE FROM sessions WHERE id = $1`, sid)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	u, ok := currentUser(r)
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": u})
}
