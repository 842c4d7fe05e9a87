package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"transferhub/api/internal/config"
	"transferhub/api/internal/dispatch"
	"transferhub/api/internal/events"
	"transferhub/api/internal/maintenance"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

type Deps struct {
	DB          *pgxpool.Pool
	Config      config.Config
	Log         zerolog.Logger
	Dispatch    *dispatch.Service
	Hub         *events.Hub
	Maintenance *maintenance.Service
}

type App struct {
	db          *pgxpool.Pool
	cfg         config.Config
	log         zerolog.Logger
	dispatch    *dispatch.Service
	hub         *events.Hub
	maintenance *maintenance.Service
	now         func() time.Time
}

func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(deps.Log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Stringer("url", r.URL).
			Str("remote_ip", r.RemoteAddr).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	app := &App{
		db:          deps.DB,
		cfg:         deps.Config,
		log:         deps.Log.With().Str("component", "http").Logger(),
		dispatch:    deps.Dispatch,
		hub:         deps.Hub,
		maintenance: deps.Maintenance,
		now:         time.Now,
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(app))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	limiter := newIPLimiter(deps.Config.BookingRatePerMin, time.Minute)

	r.Route("/api", func(api chi.Router) {
		api.Post("/auth/login", app.handleLogin)
		api.Post("/auth/logout", app.handleLogout)

		// Public booking flow
		api.Get("/vehicle-types", app.handleListVehicleTypes)
		api.Post("/quote", app.handleQuote)
		api.With(limiter.middleware).Post("/bookings", app.handleCreateBooking)
		api.Get("/bookings/{reference}", app.handleGetBooking)
		api.Post("/bookings/{reference}/cancel", app.handleCancelBooking)

		api.Group(func(pr chi.Router) {
			pr.Use(app.authMiddleware)
			pr.Get("/auth/me", app.handleMe)
			pr.Get("/events", app.handleEvents)

			pr.With(app.requireRole("COMPANY")).Route("/company", func(co chi.Router) {
				co.Get("/orders", app.handleCompanyOrders)
				co.Post("/orders/{id}/accept", app.handleAcceptOrder)
				co.Post("/orders/{id}/reject", app.handleRejectOrder)
				co.Post("/orders/{id}/dispatch", app.handleDispatchOrder)
				co.Get("/metrics", app.handleCompanyMetrics)
			})

			pr.With(app.requireRole("DRIVER")).Route("/driver", func(dr chi.Router) {
				dr.Get("/orders", app.handleDriverOrders)
				dr.Post("/orders/{id}/start", app.handleStartOrder)
				dr.Post("/orders/{id}/complete", app.handleCompleteOrder)
			})

			pr.With(app.requireRole("ADMIN", "COMPANY")).Route("/fleet", func(fl chi.Router) {
				fl.Get("/drivers", app.handleListDrivers)
				fl.Post("/drivers", app.handleCreateDriver)
				fl.Put("/drivers/{id}", app.handleUpdateDriver)
				fl.Delete("/drivers/{id}", app.handleDeleteDriver)
				fl.Get("/vehicles", app.handleListVehicles)
				fl.Post("/vehicles", app.handleCreateVehicle)
				fl.Put("/vehicles/{id}", app.handleUpdateVehicle)
				fl.Delete("/vehicles/{id}", app.handleDeleteVehicle)
			})

			pr.With(app.requireRole("ADMIN")).Route("/admin", func(ad chi.Router) {
				// Companies CRUD
				ad.Get("/companies", app.handleAdminListCompanies)
				ad.Post("/companies", app.handleAdminCreateCompany)
				ad.Put("/companies/{id}", app.handleAdminUpdateCompany)
				ad.Patch("/companies/{id}/status", app.handleAdminCompanyStatus)
				ad.Delete("/companies/{id}", app.handleAdminDeleteCompany)
				// Queue
				ad.Get("/queue", app.handleQueue)
				ad.Get("/queue/diagnostics", app.handleQueueDiagnostics)
				ad.Post("/queue/repair", app.handleQueueRepair)
				ad.Post("/queue/reconcile", app.handleQueueReconcile)
				ad.Get("/queue/simulate", app.handleQueueSimulate)
				ad.Get("/queue/maintenance", app.handleQueueMaintenance)
				ad.Post("/queue/maintenance", app.handleQueueMaintenanceRun)
				// Bookings
				ad.Get("/bookings", app.handleAdminListBookings)
				ad.Post("/bookings/{id}/assign", app.handleAdminAssignBooking)
				ad.Post("/bookings/{id}/reassign", app.handleAdminReassignBooking)
				ad.Post("/bookings/{id}/cancel", app.handleAdminCancelBooking)
				// Vehicle types
				ad.Post("/vehicle-types", app.handleAdminCreateVehicleType)
				ad.Put("/vehicle-types/{id}", app.handleAdminUpdateVehicleType)
				// Investors CRUD
				ad.Get("/investors", app.handleAdminListInvestors)
				ad.Post("/investors", app.handleAdminCreateInvestor)
				ad.Put("/investors/{id}", app.handleAdminUpdateInvestor)
				ad.Delete("/investors/{id}", app.handleAdminDeleteInvestor)
				ad.Get("/investors/{id}/shares", app.handleAdminListShares)
				ad.Put("/investors/{id}/shares", app.handleAdminPutShare)
				ad.Delete("/investors/{id}/shares/{companyId}", app.handleAdminDeleteShare)
				ad.Get("/investors/{id}/report", app.handleInvestorReport)
				// Reporting
				ad.Get("/metrics/overview", app.handleAdminOverview)
			})
		})
	})

	return r
}

// ---------- helpers ----------

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	var e apiError
	e.Error.Code = code
	e.Error.Message = message
	writeJSON(w, status, e)
}

// writeDispatchError maps dispatch and lifecycle errors onto HTTP statuses.
func (a *App) writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dispatch.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, dispatch.ErrNotOwner):
		writeAPIError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, dispatch.ErrNoActiveCompanies):
		writeAPIError(w, http.StatusConflict, "NO_ACTIVE_COMPANY", err.Error())
	case errors.Is(err, dispatch.ErrBookingNotAssignable),
		errors.Is(err, dispatch.ErrCompanyInactive),
		errors.Is(err, dispatch.ErrInvalidTransition):
		writeAPIError(w, http.StatusConflict, "CONFLICT", err.Error())
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid json")
		return false
	}
	return true
}

func urlID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid "+name)
		return 0, false
	}
	return id, true
}

func pagination(r *http.Request) (page, pageSize, offset int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ = strconv.Atoi(r.URL.Query().Get("pageSize"))
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize, (page - 1) * pageSize
}

// maxWindowDays bounds report windows, which expand into one row per day.
const maxWindowDays = 366

// parseWindow reads from/to (YYYY-MM-DD) query params. The window defaults to
// the last 30 days and "to" is inclusive.
func parseWindow(r *http.Request, now time.Time) (from, to time.Time, ok bool) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	to = today.AddDate(0, 0, 1)
	from = today.AddDate(0, 0, -29)
	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return from, to, false
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return from, to, false
		}
		to = t.AddDate(0, 0, 1)
	}
	if !from.Before(to) || to.Sub(from) > maxWindowDays*24*time.Hour {
		return from, to, false
	}
	return from, to, true
}
