package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"transferhub/api/internal/config"
	"transferhub/api/internal/db"
	"transferhub/api/internal/dispatch"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// openTestDB connects to TEST_DATABASE_URL and migrates it. Tests are
// skipped when the variable is unset. Fixtures are created per test with
// inactive companies so the shared dispatch queue is left alone.
func openTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(url, ""))
	return pool
}

const testPassword = "secret123"

type fleetFixture struct {
	pool *pgxpool.Pool
	h    http.Handler
	tag  string

	vehicleType int64
	companyA    int64
	companyB    int64

	driverA         int64
	driverAInactive int64
	driverB         int64

	vanA         int64
	carA         int64
	vanAInactive int64
	vanB         int64

	admin, alpha, bravo, driver *http.Cookie
}

func newFleetFixture(t *testing.T) *fleetFixture {
	t.Helper()
	pool := openTestDB(t)
	ctx := context.Background()
	f := &fleetFixture{pool: pool, tag: strings.ToUpper(uuid.NewString()[:8])}

	insert := func(query string, args ...any) int64 {
		t.Helper()
		var id int64
		require.NoError(t, pool.QueryRow(ctx, query, args...).Scan(&id))
		return id
	}

	f.vehicleType = insert(`INSERT INTO vehicle_types (name, capacity, base_fare, price_per_km) VALUES ($1, 4, 10, 1) RETURNING id`, "Van "+f.tag)
	company := func(name string) int64 {
		return insert(`INSERT INTO companies (name, status) VALUES ($1, 'inactive') RETURNING id`, name+" "+f.tag)
	}
	f.companyA = company("Alpha")
	f.companyB = company("Bravo")

	driver := func(companyID int64, license string, active bool) int64 {
		return insert(`INSERT INTO drivers (company_id, name, license_number, active) VALUES ($1, $2, $3, $4) RETURNING id`,
			companyID, license, license+"-"+f.tag, active)
	}
	f.driverA = driver(f.companyA, "A1", true)
	f.driverAInactive = driver(f.companyA, "A2", false)
	f.driverB = driver(f.companyB, "B1", true)

	vehicle := func(companyID int64, plate string, capacity int, active bool) int64 {
		return insert(`INSERT INTO vehicles (company_id, vehicle_type_id, plate, capacity, active) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			companyID, f.vehicleType, plate+"-"+f.tag, capacity, active)
	}
	f.vanA = vehicle(f.companyA, "VAN-A", 4, true)
	f.carA = vehicle(f.companyA, "CAR-A", 2, true)
	f.vanAInactive = vehicle(f.companyA, "OLD-A", 4, false)
	f.vanB = vehicle(f.companyB, "VAN-B", 4, true)

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	user := func(name, role string, companyID, driverID *int64) string {
		email := strings.ToLower(name + "-" + f.tag + "@test.local")
		insert(`INSERT INTO users (name, email, password_hash, role, company_id, driver_id) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			name, email, string(hash), role, companyID, driverID)
		return email
	}
	adminEmail := user("admin", "ADMIN", nil, nil)
	alphaEmail := user("alpha", "COMPANY", &f.companyA, nil)
	bravoEmail := user("bravo", "COMPANY", &f.companyB, nil)
	driverEmail := user("driver", "DRIVER", nil, &f.driverA)

	f.h = NewRouter(Deps{
		DB:       pool,
		Config:   config.Config{SessionSecret: "test-secret"},
		Log:      zerolog.Nop(),
		Dispatch: dispatch.New(db.NewDispatchStore(pool), zerolog.Nop()),
	})
	f.admin = f.login(t, adminEmail)
	f.alpha = f.login(t, alphaEmail)
	f.bravo = f.login(t, bravoEmail)
	f.driver = f.login(t, driverEmail)
	return f
}

func (f *fleetFixture) login(t *testing.T, email string) *http.Cookie {
	t.Helper()
	rec := do(t, f.h, http.MethodPost, "/api/auth/login", fmt.Sprintf(`{"email":%q,"password":%q}`, email, testPassword))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	t.Fatalf("no session cookie for %s", email)
	return nil
}

func (f *fleetFixture) as(t *testing.T, c *http.Cookie, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if c != nil {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

// bookingWithOrder stores a three-passenger booking and a pending order for
// companyID without touching the queue.
func (f *fleetFixture) bookingWithOrder(t *testing.T, companyID int64) (bookingID, orderID int64, reference, email string) {
	t.Helper()
	ctx := context.Background()
	reference = newReference()
	email = "guest-" + strings.ToLower(f.tag) + "@test.local"
	require.NoError(t, f.pool.QueryRow(ctx, `
    INSERT INTO bookings (reference, customer_name, customer_email, origin, destination,
      distance_km, trip_type, pickup_at, passengers, vehicle_type_id, price, status)
    VALUES ($1, 'Guest', $2, 'Airport', 'Port', 30, 'one_way', now() + interval '2 days', 3, $3, 40, 'assigned')
    RETURNING id
  `, reference, email, f.vehicleType).Scan(&bookingID))
	require.NoError(t, f.pool.QueryRow(ctx,
		`INSERT INTO service_orders (booking_id, company_id, status) VALUES ($1, $2, 'pending') RETURNING id`,
		bookingID, companyID).Scan(&orderID))
	return bookingID, orderID, reference, email
}

func (f *fleetFixture) statuses(t *testing.T, orderID int64) (order, booking string) {
	t.Helper()
	require.NoError(t, f.pool.QueryRow(context.Background(), `
    SELECT o.status, b.status FROM service_orders o JOIN bookings b ON b.id = o.booking_id WHERE o.id = $1
  `, orderID).Scan(&order, &booking))
	return order, booking
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	f := newFleetFixture(t)
	_, orderID, reference, email := f.bookingWithOrder(t, f.companyA)
	orderPath := fmt.Sprintf("/api/company/orders/%d", orderID)
	driverPath := fmt.Sprintf("/api/driver/orders/%d", orderID)

	// Only the holding company may act on the order.
	rec := f.as(t, f.bravo, http.MethodPost, orderPath+"/accept", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.as(t, f.driver, http.MethodPost, driverPath+"/start", "")
	assert.Equal(t, http.StatusForbidden, rec.Code, "driver not yet dispatched")

	rec = f.as(t, f.alpha, http.MethodPost, orderPath+"/accept", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	o, b := f.statuses(t, orderID)
	assert.Equal(t, "accepted", o)
	assert.Equal(t, "confirmed", b)

	dispatchBody := func(driverID, vehicleID int64) string {
		return fmt.Sprintf(`{"driverId":%d,"vehicleId":%d}`, driverID, vehicleID)
	}
	refused := []struct {
		name    string
		body    string
		message string
	}{
		{"inactive driver", dispatchBody(f.driverAInactive, f.vanA), "driver not found or inactive"},
		{"driver of another company", dispatchBody(f.driverB, f.vanA), "driver not found or inactive"},
		{"inactive vehicle", dispatchBody(f.driverA, f.vanAInactive), "vehicle not found or inactive"},
		{"vehicle of another company", dispatchBody(f.driverA, f.vanB), "vehicle not found or inactive"},
		{"vehicle too small", dispatchBody(f.driverA, f.carA), "vehicle capacity is below the passenger count"},
	}
	for _, tc := range refused {
		rec = f.as(t, f.alpha, http.MethodPost, orderPath+"/dispatch", tc.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tc.name)
		assert.Equal(t, tc.message, decodeError(t, rec).Error.Message, tc.name)
	}
	o, _ = f.statuses(t, orderID)
	assert.Equal(t, "accepted", o, "refused dispatches leave the order untouched")

	rec = f.as(t, f.bravo, http.MethodPost, orderPath+"/dispatch", dispatchBody(f.driverB, f.vanB))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.as(t, f.alpha, http.MethodPost, orderPath+"/dispatch", dispatchBody(f.driverA, f.vanA))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	o, b = f.statuses(t, orderID)
	assert.Equal(t, "dispatched", o)
	assert.Equal(t, "confirmed", b)

	rec = f.as(t, f.driver, http.MethodPost, driverPath+"/complete", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "cannot complete before starting")

	rec = f.as(t, f.driver, http.MethodPost, driverPath+"/start", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	o, b = f.statuses(t, orderID)
	assert.Equal(t, "in_progress", o)
	assert.Equal(t, "in_progress", b)

	// A trip under way can no longer be cancelled.
	rec = f.as(t, nil, http.MethodPost, "/api/bookings/"+reference+"/cancel", fmt.Sprintf(`{"email":%q}`, email))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFLICT", decodeError(t, rec).Error.Code)

	rec = f.as(t, f.driver, http.MethodPost, driverPath+"/complete", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	o, b = f.statuses(t, orderID)
	assert.Equal(t, "completed", o)
	assert.Equal(t, "completed", b)

	rec = f.as(t, f.driver, http.MethodPost, driverPath+"/complete", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelBookingCancelsOrder(t *testing.T) {
	f := newFleetFixture(t)
	bookingID, orderID, reference, email := f.bookingWithOrder(t, f.companyA)
	path := "/api/bookings/" + reference + "/cancel"

	rec := f.as(t, nil, http.MethodPost, path, `{"email":"someone@else.local"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.as(t, nil, http.MethodPost, path, fmt.Sprintf(`{"email":%q}`, strings.ToUpper(email)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	o, b := f.statuses(t, orderID)
	assert.Equal(t, "cancelled", o)
	assert.Equal(t, "cancelled", b)

	// Cancelling twice is harmless.
	rec = f.as(t, f.admin, http.MethodPost, fmt.Sprintf("/api/admin/bookings/%d/cancel", bookingID), "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.as(t, f.alpha, http.MethodPost, fmt.Sprintf("/api/company/orders/%d/accept", orderID), "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestInvestorSharesStayWithinCompany(t *testing.T) {
	f := newFleetFixture(t)
	ctx := context.Background()

	const investors = 4
	ids := make([]int64, investors)
	for i := range ids {
		require.NoError(t, f.pool.QueryRow(ctx,
			`INSERT INTO investors (name, email) VALUES ($1, $2) RETURNING id`,
			fmt.Sprintf("Investor %d", i), fmt.Sprintf("inv%d-%s@test.local", i, strings.ToLower(f.tag))).Scan(&ids[i]))
	}

	// Four concurrent 40% shares: the company row lock lets exactly two in.
	codes := make([]int, investors)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPut, fmt.Sprintf("/api/admin/investors/%d/shares", id),
				strings.NewReader(fmt.Sprintf(`{"companyId":%d,"percentage":40}`, f.companyA)))
			req.AddCookie(f.admin)
			rec := httptest.NewRecorder()
			f.h.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i, id)
	}
	wg.Wait()

	ok, refused := 0, 0
	for _, c := range codes {
		switch c {
		case http.StatusOK:
			ok++
		case http.StatusBadRequest:
			refused++
		}
	}
	assert.Equal(t, 2, ok, codes)
	assert.Equal(t, 2, refused, codes)

	var total float64
	require.NoError(t, f.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(percentage), 0) FROM investor_shares WHERE company_id = $1`, f.companyA).Scan(&total))
	assert.Equal(t, 80.0, total)

	// Raising an existing share is checked against the others only.
	var holder int64
	require.NoError(t, f.pool.QueryRow(ctx,
		`SELECT investor_id FROM investor_shares WHERE company_id = $1 ORDER BY investor_id LIMIT 1`, f.companyA).Scan(&holder))
	rec := f.as(t, f.admin, http.MethodPut, fmt.Sprintf("/api/admin/investors/%d/shares", holder),
		fmt.Sprintf(`{"companyId":%d,"percentage":60}`, f.companyA))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.as(t, f.admin, http.MethodPut, fmt.Sprintf("/api/admin/investors/%d/shares", holder),
		fmt.Sprintf(`{"companyId":%d,"percentage":61}`, f.companyA))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
