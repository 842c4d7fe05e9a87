package db

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transferhub/api/internal/dispatch"
)

// openTestDB connects to TEST_DATABASE_URL, migrates and seeds it. Tests
// are skipped when the variable is unset.
func openTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(url, ""))
	require.NoError(t, Seed(ctx, pool))
	// Seeding twice must be harmless.
	require.NoError(t, Seed(ctx, pool))
	return pool
}

func insertBooking(t *testing.T, pool *pgxpool.Pool) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(), `
    INSERT INTO bookings (reference, customer_name, customer_email, origin, destination,
      distance_km, trip_type, pickup_at, passengers, vehicle_type_id, price)
    SELECT $1, 'Test Customer', 'test@example.com', 'Airport', 'Harbour',
      12, 'one_way', now() + interval '1 day', 2, id, 40
    FROM vehicle_types WHERE name = 'Sedan'
    RETURNING id
  `, fmt.Sprintf("TH-%s", uuid.NewString()[:8])).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestDispatchStoreRoundRobin(t *testing.T) {
	pool := openTestDB(t)
	ctx := context.Background()
	svc := dispatch.New(NewDispatchStore(pool), zerolog.Nop())

	_, err := svc.RepairPositions(ctx)
	require.NoError(t, err)
	queue, err := svc.Queue(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, queue)

	var got []int64
	for range queue {
		a, err := svc.Assign(ctx, insertBooking(t, pool))
		require.NoError(t, err)
		got = append(got, a.Company.ID)
	}
	assert.Equal(t, ids(queue), got)

	d, err := svc.Diagnose(ctx)
	require.NoError(t, err)
	assert.True(t, d.QueueHealthy)
}

func TestDispatchStoreIdempotentAssign(t *testing.T) {
	pool := openTestDB(t)
	ctx := context.Background()
	svc := dispatch.New(NewDispatchStore(pool), zerolog.Nop())

	booking := insertBooking(t, pool)
	first, err := svc.Assign(ctx, booking)
	require.NoError(t, err)
	again, err := svc.Assign(ctx, booking)
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Equal(t, first.Order.ID, again.Order.ID)

	_, err = svc.Assign(ctx, -1)
	assert.ErrorIs(t, err, dispatch.ErrNotFound)
}

func ids(cs []dispatch.Company) []int64 {
	out := make([]int64, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ID)
	}
	return out
}
