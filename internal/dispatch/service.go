package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"transferhub/api/internal/lifecycle"
)

type Service struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func New(store Store, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		log:   log.With().Str("component", "dispatch").Logger(),
		now:   time.Now,
	}
}

// Assign hands a booking to the company at the head of the queue and moves
// that company to the back. A booking that already has a service order is
// returned as-is and the queue does not move.
func (s *Service) Assign(ctx context.Context, bookingID int64) (Assignment, error) {
	var out Assignment
	err := s.store.InTx(ctx, func(tx Tx) error {
		companies, err := tx.LockCompanies(ctx)
		if err != nil {
			return fmt.Errorf("lock companies: %w", err)
		}
		b, err := tx.LockBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		existing, err := tx.OrderForBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if existing != nil {
			out = Assignment{Order: *existing, Company: findCompany(companies, existing.CompanyID), Existing: true}
			return nil
		}
		if !lifecycle.BookingAssignable(b.Status) {
			return ErrBookingNotAssignable
		}

		head, ok := Next(companies)
		if !ok {
			return ErrNoActiveCompanies
		}
		order, err := tx.CreateOrder(ctx, Order{BookingID: bookingID, CompanyID: head.ID, Status: lifecycle.OrderPending})
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		changes, err := s.advance(ctx, tx, companies, head.ID)
		if err != nil {
			return err
		}
		if err := tx.SetBookingStatus(ctx, bookingID, lifecycle.BookingAssigned); err != nil {
			return err
		}
		out = Assignment{Order: order, Company: head, Changes: changes}
		return nil
	})
	if err != nil {
		return Assignment{}, err
	}
	if !out.Existing {
		s.log.Info().
			Int64("booking_id", bookingID).
			Int64("order_id", out.Order.ID).
			Int64("company_id", out.Company.ID).
			Msg("booking assigned")
	}
	return out, nil
}

// ForceReassign moves a booking's service order to companyID, or to the next
// company in the queue other than the current holder when companyID is nil.
// Reassigning to the current holder changes nothing.
func (s *Service) ForceReassign(ctx context.Context, bookingID int64, companyID *int64) (Assignment, error) {
	var out Assignment
	err := s.store.InTx(ctx, func(tx Tx) error {
		companies, err := tx.LockCompanies(ctx)
		if err != nil {
			return fmt.Errorf("lock companies: %w", err)
		}
		b, err := tx.LockBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if !lifecycle.BookingAssignable(b.Status) {
			return ErrBookingNotAssignable
		}
		current, err := tx.OrderForBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if current != nil && !lifecycle.OrderReassignable(current.Status) {
			return ErrInvalidTransition
		}

		var target Company
		if companyID != nil {
			target = findCompany(companies, *companyID)
			if target.ID == 0 {
				return ErrNotFound
			}
			if !target.Active() {
				return ErrCompanyInactive
			}
			if current != nil && current.CompanyID == target.ID {
				out = Assignment{Order: *current, Company: target, Existing: true}
				return nil
			}
		} else {
			var exclude []int64
			if current != nil {
				exclude = append(exclude, current.CompanyID)
			}
			next, ok := Next(companies, exclude...)
			if !ok {
				return ErrNoActiveCompanies
			}
			target = next
		}

		out, err = s.handOver(ctx, tx, companies, bookingID, current, target)
		return err
	})
	if err != nil {
		return Assignment{}, err
	}
	if !out.Existing {
		s.log.Warn().
			Int64("booking_id", bookingID).
			Int64("order_id", out.Order.ID).
			Int64("company_id", out.Company.ID).
			Msg("booking force-reassigned")
	}
	return out, nil
}

// Reject records that companyID declined orderID and passes the order on.
// Companies that have not declined the order yet are preferred; once every
// other active company has declined, the queue head other than companyID
// takes it.
func (s *Service) Reject(ctx context.Context, orderID, companyID int64, reason string) (Assignment, error) {
	var out Assignment
	err := s.store.InTx(ctx, func(tx Tx) error {
		companies, err := tx.LockCompanies(ctx)
		if err != nil {
			return fmt.Errorf("lock companies: %w", err)
		}
		bookingID, err := tx.BookingForOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if _, err := tx.LockBooking(ctx, bookingID); err != nil {
			return err
		}
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.CompanyID != companyID {
			return ErrNotOwner
		}
		if order.Status != lifecycle.OrderPending && order.Status != lifecycle.OrderAccepted {
			return ErrInvalidTransition
		}

		declined, err := tx.RejectedBy(ctx, orderID)
		if err != nil {
			return err
		}
		next, ok := Next(companies, append(declined, companyID)...)
		if !ok {
			next, ok = Next(companies, companyID)
		}
		if !ok {
			return ErrNoActiveCompanies
		}
		if err := tx.RecordRejection(ctx, orderID, companyID, reason); err != nil {
			return err
		}
		out, err = s.handOver(ctx, tx, companies, order.BookingID, &order, next)
		return err
	})
	if err != nil {
		return Assignment{}, err
	}
	s.log.Info().
		Int64("order_id", orderID).
		Int64("rejected_by", companyID).
		Int64("company_id", out.Company.ID).
		Msg("order rejected and passed on")
	return out, nil
}

func (s *Service) handOver(ctx context.Context, tx Tx, companies []Company, bookingID int64, current *Order, target Company) (Assignment, error) {
	var (
		order Order
		err   error
	)
	if current == nil {
		order, err = tx.CreateOrder(ctx, Order{BookingID: bookingID, CompanyID: target.ID, Status: lifecycle.OrderPending})
	} else {
		order, err = tx.ReassignOrder(ctx, current.ID, target.ID)
	}
	if err != nil {
		return Assignment{}, fmt.Errorf("hand over order: %w", err)
	}
	changes, err := s.advance(ctx, tx, companies, target.ID)
	if err != nil {
		return Assignment{}, err
	}
	if err := tx.SetBookingStatus(ctx, bookingID, lifecycle.BookingAssigned); err != nil {
		return Assignment{}, err
	}
	return Assignment{Order: order, Company: target, Changes: changes}, nil
}

func (s *Service) advance(ctx context.Context, tx Tx, companies []Company, chosenID int64) ([]Change, error) {
	changes := Rotate(companies, chosenID)
	if err := applyChanges(ctx, tx, changes); err != nil {
		return nil, err
	}
	if err := tx.MarkAssigned(ctx, chosenID, s.now()); err != nil {
		return nil, fmt.Errorf("mark assigned: %w", err)
	}
	return changes, nil
}

func applyChanges(ctx context.Context, tx Tx, changes []Change) error {
	for _, ch := range changes {
		if err := tx.SetQueuePosition(ctx, ch.CompanyID, ch.To); err != nil {
			return fmt.Errorf("set queue position of company %d: %w", ch.CompanyID, err)
		}
	}
	return nil
}

// SetCompanyStatus changes a company's status and keeps the queue dense:
// activation appends the company, anything else removes it.
func (s *Service) SetCompanyStatus(ctx context.Context, companyID int64, status string) ([]Change, error) {
	switch status {
	case CompanyActive, CompanyInactive, CompanySuspended:
	default:
		return nil, fmt.Errorf("unknown company status %q: %w", status, ErrInvalidTransition)
	}
	var changes []Change
	err := s.store.InTx(ctx, func(tx Tx) error {
		companies, err := tx.LockCompanies(ctx)
		if err != nil {
			return fmt.Errorf("lock companies: %w", err)
		}
		if findCompany(companies, companyID).ID == 0 {
			return ErrNotFound
		}
		if err := tx.SetCompanyStatus(ctx, companyID, status); err != nil {
			return err
		}
		changes = Place(companies, companyID, status)
		return applyChanges(ctx, tx, changes)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Int64("company_id", companyID).Str("status", status).Int("changes", len(changes)).Msg("company status changed")
	return changes, nil
}

// Diagnostics is the admin view of queue health.
type Diagnostics struct {
	QueueReport
	OrphanBookings    int       `json:"orphanBookings"`
	PendingOnInactive int       `json:"pendingOnInactive"`
	Healthy           bool      `json:"healthy"`
	QueueHealthy      bool      `json:"queueHealthy"`
	CheckedAt         time.Time `json:"checkedAt"`
}

const orphanScanLimit = 500

func (s *Service) Diagnose(ctx context.Context) (Diagnostics, error) {
	var d Diagnostics
	err := s.store.InTx(ctx, func(tx Tx) error {
		companies, err := tx.Companies(ctx)
		if err != nil {
			return err
		}
		d.QueueReport = Inspect(companies)
		d.OrphanBookings, err = tx.CountOrphanBookings(ctx)
		if err != nil {
			return err
		}
		d.PendingOnInactive, err = tx.PendingOrdersOnInactive(ctx)
		return err
	})
	if err != nil {
		return Diagnostics{}, err
	}
	d.QueueHealthy = d.QueueReport.Clean()
	d.Healthy = d.QueueHealthy && d.OrphanBookings == 0 && d.PendingOnInactive == 0
	d.CheckedAt = s.now()
	return d, nil
}

type RepairReport struct {
	Before  QueueReport `json:"before"`
	Changes []Change    `json:"changes"`
}

// RepairPositions renumbers the active companies 1..N. A healthy queue is
// left untouched.
func (s *Service) RepairPositions(ctx context.Context) (RepairReport, error) {
	var r RepairReport
	err := s.store.InTx(ctx, func(tx Tx) error {
		companies, err := tx.LockCompanies(ctx)
		if err != nil {
			return fmt.Errorf("lock companies: %w", err)
		}
		r.Before = Inspect(companies)
		r.Changes = Normalize(companies)
		return applyChanges(ctx, tx, r.Changes)
	})
	if err != nil {
		return RepairReport{}, err
	}
	if r.Changes == nil {
		r.Changes = []Change{}
	}
	if len(r.Changes) > 0 {
		s.log.Warn().Int("changes", len(r.Changes)).Msg("queue positions repaired")
	}
	return r, nil
}

type ReconcileFailure struct {
	BookingID int64  `json:"bookingId"`
	Reference string `json:"reference"`
	Error     string `json:"error"`
}

type ReconcileReport struct {
	Scanned  int                `json:"scanned"`
	Assigned []Assignment       `json:"assigned"`
	Failed   []ReconcileFailure `json:"failed"`
}

// Reconcile assigns every bookable booking that has no service order,
// oldest first. Each booking runs in its own transaction.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var orphans []Booking
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		orphans, err = tx.OrphanBookings(ctx, orphanScanLimit)
		return err
	})
	if err != nil {
		return ReconcileReport{}, err
	}

	r := ReconcileReport{Scanned: len(orphans), Assigned: []Assignment{}, Failed: []ReconcileFailure{}}
	for _, b := range orphans {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		a, err := s.Assign(ctx, b.ID)
		if err != nil {
			r.Failed = append(r.Failed, ReconcileFailure{BookingID: b.ID, Reference: b.Reference, Error: err.Error()})
			if errors.Is(err, ErrNoActiveCompanies) {
				break
			}
			continue
		}
		r.Assigned = append(r.Assigned, a)
	}
	s.log.Info().Int("scanned", r.Scanned).Int("assigned", len(r.Assigned)).Int("failed", len(r.Failed)).Msg("reconciliation finished")
	return r, nil
}

// Simulate previews the next n picks without writing anything.
func (s *Service) Simulate(ctx context.Context, n int) ([]Company, error) {
	if n <= 0 {
		n = 1
	}
	if n > 100 {
		n = 100
	}
	var out []Company
	err := s.store.InTx(ctx, func(tx Tx) error {
		companies, err := tx.Companies(ctx)
		if err != nil {
			return err
		}
		out = Simulate(companies, n)
		return nil
	})
	if out == nil {
		out = []Company{}
	}
	return out, err
}

// Queue lists the active companies in selection order.
func (s *Service) Queue(ctx context.Context) ([]Company, error) {
	var out []Company
	err := s.store.InTx(ctx, func(tx Tx) error {
		companies, err := tx.Companies(ctx)
		if err != nil {
			return err
		}
		out = SelectionOrder(companies)
		return nil
	})
	return out, err
}

func findCompany(companies []Company, id int64) Company {
	for _, c := range companies {
		if c.ID == id {
			return c
		}
	}
	return Company{}
}
