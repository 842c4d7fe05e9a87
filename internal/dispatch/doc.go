// Package dispatch assigns bookings to partner transport companies.
//
// Active companies form a round-robin queue keyed by an integer queue
// position. Each new booking goes to the head of the queue and that company
// moves to the back; every write renumbers the active set 1..N, so stray
// null, zero or duplicated positions are healed as a side effect. The
// package also exposes the admin repair surface: Diagnose, RepairPositions,
// Reconcile (bookings with no service order) and ForceReassign.
//
// Persistence goes through Store; internal/db provides the PostgreSQL
// implementation, which locks the companies table rows for the duration of
// each assignment.
package dispatch
