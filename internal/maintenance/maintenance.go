// Package maintenance runs the periodic queue health check.
package maintenance

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"transferhub/api/internal/dispatch"
)

// Dispatcher is the subset of dispatch.Service the job needs.
type Dispatcher interface {
	Diagnose(ctx context.Context) (dispatch.Diagnostics, error)
	RepairPositions(ctx context.Context) (dispatch.RepairReport, error)
	Reconcile(ctx context.Context) (dispatch.ReconcileReport, error)
}

type Config struct {
	// Spec is a cron expression or descriptor; "off" disables the job.
	Spec      string
	Reconcile bool
	Timeout   time.Duration
}

type Service struct {
	cfg  Config
	d    Dispatcher
	log  zerolog.Logger
	c    *cron.Cron
	mu   sync.Mutex
	last Result
}

// Result is the outcome of the last run.
type Result struct {
	At         time.Time `json:"at"`
	Healthy    bool      `json:"healthy"`
	Repaired   int       `json:"repaired"`
	Reconciled int       `json:"reconciled"`
	Unassigned int       `json:"unassigned"`
	Error      string    `json:"error,omitempty"`
}

func New(cfg Config, d Dispatcher, log zerolog.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Service{cfg: cfg, d: d, log: log.With().Str("component", "maintenance").Logger()}
}

// Start schedules the job. It is a no-op when the schedule is "off".
func (s *Service) Start() error {
	if s.cfg.Spec == "off" || s.cfg.Spec == "" {
		s.log.Info().Msg("queue maintenance disabled")
		return nil
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.c = cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.c.AddFunc(s.cfg.Spec, s.tick); err != nil {
		return err
	}
	s.c.Start()
	s.log.Info().Str("schedule", s.cfg.Spec).Bool("reconcile", s.cfg.Reconcile).Msg("queue maintenance scheduled")
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	if s.c == nil {
		return
	}
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Service) tick() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("panic in queue maintenance")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	s.RunOnce(ctx)
}

// RunOnce diagnoses the queue and repairs it when unhealthy.
func (s *Service) RunOnce(ctx context.Context) Result {
	r := Result{At: time.Now()}
	defer func() {
		s.mu.Lock()
		s.last = r
		s.mu.Unlock()
	}()

	d, err := s.d.Diagnose(ctx)
	if err != nil {
		r.Error = err.Error()
		s.log.Error().Err(err).Msg("queue diagnose failed")
		return r
	}
	r.Healthy = d.Healthy
	if d.Healthy {
		s.log.Debug().Int("active", d.ActiveCompanies).Msg("queue healthy")
		return r
	}

	if !d.QueueHealthy {
		rep, err := s.d.RepairPositions(ctx)
		if err != nil {
			r.Error = err.Error()
			s.log.Error().Err(err).Msg("queue repair failed")
			return r
		}
		r.Repaired = len(rep.Changes)
	}

	if s.cfg.Reconcile && d.OrphanBookings > 0 {
		rec, err := s.d.Reconcile(ctx)
		if err != nil {
			r.Error = err.Error()
			s.log.Error().Err(err).Msg("reconcile failed")
			return r
		}
		r.Reconciled = len(rec.Assigned)
		r.Unassigned = len(rec.Failed)
	} else {
		r.Unassigned = d.OrphanBookings
	}

	s.log.Warn().
		Int("repaired", r.Repaired).
		Int("reconciled", r.Reconciled).
		Int("unassigned", r.Unassigned).
		Int("pending_on_inactive", d.PendingOnInactive).
		Msg("queue maintenance applied")
	return r
}

func (s *Service) Last() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
