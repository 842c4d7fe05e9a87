package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transferhub/api/internal/lifecycle"
)

func newTestService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	store := newMemStore()
	svc := New(store, zerolog.Nop())
	tick := epoch
	svc.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	return svc, store
}

func threeCompanies(m *memStore) {
	m.addCompany(1, "Alpha Transfers", CompanyActive, ptr(1))
	m.addCompany(2, "Bravo Shuttle", CompanyActive, ptr(2))
	m.addCompany(3, "Charlie Coaches", CompanyActive, ptr(3))
}

func TestAssignRoundRobin(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	threeCompanies(store)

	var got []int64
	for id := int64(1); id <= 7; id++ {
		store.addBooking(id, lifecycle.BookingPending)
		a, err := svc.Assign(ctx, id)
		require.NoError(t, err)
		assert.False(t, a.Existing)
		assert.Equal(t, lifecycle.OrderPending, a.Order.Status)
		got = append(got, a.Company.ID)
		assert.Equal(t, lifecycle.BookingAssigned, store.bookings[id].Status)
	}
	assert.Equal(t, []int64{1, 2, 3, 1, 2, 3, 1}, got)

	companies, _ := memTx{store}.Companies(ctx)
	assert.True(t, Inspect(companies).Clean())
	require.NotNil(t, store.companies[1].LastAssignedAt)
}

func TestAssignIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	threeCompanies(store)
	store.addBooking(10, lifecycle.BookingPending)

	first, err := svc.Assign(ctx, 10)
	require.NoError(t, err)
	before := store.positions()

	again, err := svc.Assign(ctx, 10)
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Equal(t, first.Order.ID, again.Order.ID)
	assert.Equal(t, first.Company.ID, again.Company.ID)
	assert.Equal(t, before, store.positions())
	assert.Len(t, store.orders, 1)
}

func TestAssignWithoutActiveCompanies(t *testing.T) {
	svc, store := newTestService(t)
	store.addCompany(1, "Dormant", CompanyInactive, nil)
	store.addBooking(1, lifecycle.BookingPending)

	_, err := svc.Assign(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNoActiveCompanies)
	assert.Empty(t, store.orders)
	assert.Equal(t, lifecycle.BookingPending, store.bookings[1].Status)
}

func TestAssignRejectsCancelledBooking(t *testing.T) {
	svc, store := newTestService(t)
	threeCompanies(store)
	store.addBooking(1, lifecycle.BookingCancelled)

	_, err := svc.Assign(context.Background(), 1)
	assert.ErrorIs(t, err, ErrBookingNotAssignable)

	_, err = svc.Assign(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAssignRollsBackOnWriteFailure(t *testing.T) {
	svc, store := newTestService(t)
	threeCompanies(store)
	store.addBooking(1, lifecycle.BookingPending)
	store.failSetPosition = 3

	_, err := svc.Assign(context.Background(), 1)
	require.Error(t, err)
	assert.Empty(t, store.orders)
	assert.Equal(t, 1, *store.companies[1].QueuePosition)
	assert.Equal(t, lifecycle.BookingPending, store.bookings[1].Status)
}

func TestAssignHealsBrokenQueue(t *testing.T) {
	svc, store := newTestService(t)
	store.addCompany(1, "A", CompanyActive, ptr(2))
	store.addCompany(2, "B", CompanyActive, ptr(2))
	store.addCompany(3, "C", CompanyActive, nil)
	store.addBooking(1, lifecycle.BookingPending)

	a, err := svc.Assign(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Company.ID)

	companies, _ := memTx{store}.Companies(context.Background())
	assert.True(t, Inspect(companies).Clean())
	assert.Equal(t, []int64{2, 3, 1}, ids(SelectionOrder(companies)))
}

func TestForceReassignToCompany(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	threeCompanies(store)
	store.addBooking(1, lifecycle.BookingPending)

	first, err := svc.Assign(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Company.ID)

	o := store.orders[first.Order.ID]
	driver, vehicle := int64(5), int64(6)
	o.DriverID, o.VehicleID, o.Status = &driver, &vehicle, lifecycle.OrderDispatched
	store.orders[o.ID] = o

	target := int64(3)
	a, err := svc.ForceReassign(ctx, 1, &target)
	require.NoError(t, err)
	assert.Equal(t, int64(3), a.Company.ID)
	assert.Equal(t, first.Order.ID, a.Order.ID)
	assert.Nil(t, a.Order.DriverID)
	assert.Nil(t, a.Order.VehicleID)
	assert.Equal(t, lifecycle.OrderPending, a.Order.Status)

	// Same target again is a no-op.
	before := store.positions()
	again, err := svc.ForceReassign(ctx, 1, &target)
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Equal(t, before, store.positions())
}

func TestForceReassignToNext(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	threeCompanies(store)
	store.addBooking(1, lifecycle.BookingPending)
	store.addBooking(2, lifecycle.BookingPending)
	store.addBooking(3, lifecycle.BookingPending)

	_, err := svc.Assign(ctx, 1) // company 1, queue: 2,3,1
	require.NoError(t, err)
	_, err = svc.Assign(ctx, 2) // company 2, queue: 3,1,2
	require.NoError(t, err)

	// Head is company 3; booking 3 has no order yet so one is created.
	a, err := svc.ForceReassign(ctx, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), a.Company.ID)

	// Booking 1 is held by company 1, which is now the head; it is skipped.
	a, err = svc.ForceReassign(ctx, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.Company.ID)
}

func TestForceReassignErrors(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	threeCompanies(store)
	store.addCompany(4, "Suspended Co", CompanySuspended, nil)
	store.addBooking(1, lifecycle.BookingPending)
	store.addBooking(2, lifecycle.BookingCompleted)

	inactive := int64(4)
	_, err := svc.ForceReassign(ctx, 1, &inactive)
	assert.ErrorIs(t, err, ErrCompanyInactive)

	missing := int64(40)
	_, err = svc.ForceReassign(ctx, 1, &missing)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.ForceReassign(ctx, 2, nil)
	assert.ErrorIs(t, err, ErrBookingNotAssignable)

	a, err := svc.Assign(ctx, 1)
	require.NoError(t, err)
	o := store.orders[a.Order.ID]
	o.Status = lifecycle.OrderInProgress
	store.orders[o.ID] = o
	_, err = svc.ForceReassign(ctx, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRejectPassesToNextCompany(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	threeCompanies(store)
	store.addBooking(1, lifecycle.BookingPending)

	a, err := svc.Assign(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), a.Company.ID)

	next, err := svc.Reject(ctx, a.Order.ID, 1, "no vehicle")
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Company.ID)

	next, err = svc.Reject(ctx, a.Order.ID, 2, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), next.Company.ID)

	// Everyone has declined once; the order goes back to the queue head
	// other than the company rejecting it now.
	next, err = svc.Reject(ctx, a.Order.ID, 3, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.Company.ID)
	assert.Equal(t, int64(1), store.orders[a.Order.ID].CompanyID)
	assert.Equal(t, []int64{1, 2, 3}, store.rejections[a.Order.ID])
}

func TestRejectBetweenTwoCompaniesNeverStalls(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	store.addCompany(1, "A", CompanyActive, ptr(1))
	store.addCompany(2, "B", CompanyActive, ptr(2))
	store.addBooking(1, lifecycle.BookingPending)

	a, err := svc.Assign(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), a.Company.ID)

	next, err := svc.Reject(ctx, a.Order.ID, 1, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Company.ID)

	next, err = svc.Reject(ctx, a.Order.ID, 2, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.Company.ID)
	assert.Equal(t, lifecycle.OrderPending, store.orders[a.Order.ID].Status)
}

func TestRejectWithNoOtherCompany(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	store.addCompany(1, "A", CompanyActive, ptr(1))
	store.addCompany(2, "B", CompanyInactive, nil)
	store.addBooking(1, lifecycle.BookingPending)

	a, err := svc.Assign(ctx, 1)
	require.NoError(t, err)

	_, err = svc.Reject(ctx, a.Order.ID, 1, "")
	assert.ErrorIs(t, err, ErrNoActiveCompanies)
	assert.Equal(t, int64(1), store.orders[a.Order.ID].CompanyID)
	assert.Empty(t, store.rejections[a.Order.ID])
}

func TestDiagnoseCountsWholeBacklog(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	threeCompanies(store)
	for id := int64(1); id <= orphanScanLimit+25; id++ {
		store.addBooking(id, lifecycle.BookingPending)
	}

	d, err := svc.Diagnose(ctx)
	require.NoError(t, err)
	assert.Equal(t, orphanScanLimit+25, d.OrphanBookings)
	assert.False(t, d.Healthy)
}

func TestRejectRequiresOwner(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	threeCompanies(store)
	store.addBooking(1, lifecycle.BookingPending)
	a, err := svc.Assign(ctx, 1)
	require.NoError(t, err)

	_, err = svc.Reject(ctx, a.Order.ID, 2, "")
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = svc.Reject(ctx, 999, 1, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiagnoseAndRepair(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	store.addCompany(1, "A", CompanyActive, ptr(1))
	store.addCompany(2, "B", CompanyActive, ptr(1))
	store.addCompany(3, "C", CompanyActive, ptr(0))
	store.addCompany(4, "D", CompanyInactive, ptr(4))
	store.addBooking(1, lifecycle.BookingPending)
	store.addBooking(2, lifecycle.BookingCancelled)

	d, err := svc.Diagnose(ctx)
	require.NoError(t, err)
	assert.False(t, d.Healthy)
	assert.False(t, d.QueueHealthy)
	assert.Equal(t, 1, d.OrphanBookings)
	assert.Equal(t, []int64{3}, d.NonPositivePositions)
	assert.Equal(t, []int64{4}, d.InactiveWithPosition)

	r, err := svc.RepairPositions(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, r.Changes)
	assert.False(t, r.Before.Clean())

	again, err := svc.RepairPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Changes)

	d, err = svc.Diagnose(ctx)
	require.NoError(t, err)
	assert.True(t, d.QueueHealthy)
	assert.False(t, d.Healthy, "orphan booking is still outstanding")
}

func TestReconcileAssignsOrphans(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	threeCompanies(store)
	store.addBooking(1, lifecycle.BookingPending)
	store.addBooking(2, lifecycle.BookingPending)
	store.addBooking(3, lifecycle.BookingCancelled)

	r, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Scanned)
	assert.Len(t, r.Assigned, 2)
	assert.Empty(t, r.Failed)
	assert.Equal(t, int64(1), r.Assigned[0].Order.BookingID)

	r, err = svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, r.Scanned)

	d, err := svc.Diagnose(ctx)
	require.NoError(t, err)
	assert.True(t, d.Healthy)
}

func TestReconcileStopsWithoutCompanies(t *testing.T) {
	svc, store := newTestService(t)
	store.addBooking(1, lifecycle.BookingPending)
	store.addBooking(2, lifecycle.BookingPending)

	r, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, r.Scanned)
	assert.Len(t, r.Failed, 1)
	assert.Empty(t, r.Assigned)
}

func TestSetCompanyStatus(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	threeCompanies(store)
	store.addCompany(4, "Delta", CompanyInactive, nil)

	_, err := svc.SetCompanyStatus(ctx, 4, CompanyActive)
	require.NoError(t, err)
	assert.Equal(t, 4, *store.companies[4].QueuePosition)

	_, err = svc.SetCompanyStatus(ctx, 1, CompanySuspended)
	require.NoError(t, err)
	assert.Nil(t, store.companies[1].QueuePosition)
	assert.Equal(t, 1, *store.companies[2].QueuePosition)
	assert.Equal(t, 3, *store.companies[4].QueuePosition)

	_, err = svc.SetCompanyStatus(ctx, 1, "retired")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.SetCompanyStatus(ctx, 77, CompanyActive)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSimulateAndQueue(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	threeCompanies(store)

	picks, err := svc.Simulate(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 1}, ids(picks))

	q, err := svc.Queue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids(q))

	// Simulation writes nothing.
	assert.Equal(t, 1, *store.companies[1].QueuePosition)
}
