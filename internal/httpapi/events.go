package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"transferhub/api/internal/events"
)

const sseKeepAlive = 25 * time.Second

// eventFilter scopes the change feed to what a user may see: admins get
// everything, companies their own orders and queue slot, drivers the orders
// dispatched to them.
func eventFilter(u User) events.Filter {
	switch u.Role {
	case "ADMIN":
		return nil
	case "COMPANY":
		return func(e events.Event) bool {
			if u.CompanyID == nil {
				return false
			}
			if e.Table == "companies" {
				return e.ID == *u.CompanyID
			}
			return e.CompanyID != nil && *e.CompanyID == *u.CompanyID
		}
	case "DRIVER":
		return func(e events.Event) bool {
			return u.DriverID != nil && e.Table == "service_orders" &&
				e.DriverID != nil && *e.DriverID == *u.DriverID
		}
	default:
		return func(events.Event) bool { return false }
	}
}

func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "change feed disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}
	u, _ := currentUser(r)
	ch, cancel := a.hub.Subscribe(eventFilter(u), 32)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, e); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e events.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + e.Table + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}
