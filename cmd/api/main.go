package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transferhub/api/internal/config"
	"transferhub/api/internal/db"
	"transferhub/api/internal/dispatch"
	"transferhub/api/internal/events"
	"transferhub/api/internal/httpapi"
	"transferhub/api/internal/logging"
	"transferhub/api/internal/maintenance"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	cfg := config.Load()
	log := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	root := &cobra.Command{
		Use:           "transferhub",
		Short:         "TransferHub booking and dispatch API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg, log)
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg, log)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := db.Migrate(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
				return fmt.Errorf("db migrate: %w", err)
			}
			log.Info().Msg("migrations applied")
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Load the demo fixture (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), cfg, func(pool *pgxpool.Pool) error {
				if err := db.Seed(cmd.Context(), pool); err != nil {
					return fmt.Errorf("db seed: %w", err)
				}
				log.Info().Msg("seed loaded")
				return nil
			})
		},
	})
	root.AddCommand(queueCommand(cfg, log))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("transferhub failed")
		cancel()
		os.Exit(1)
	}
}

func withPool(ctx context.Context, cfg config.Config, fn func(*pgxpool.Pool) error) error {
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()
	return fn(pool)
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}
	if cfg.Seed {
		if err := db.Seed(ctx, pool); err != nil {
			return fmt.Errorf("db seed: %w", err)
		}
	}

	dispatcher := dispatch.New(db.NewDispatchStore(pool), log)

	hub := events.NewHub(log)
	listenCtx, stopListening := context.WithCancel(ctx)
	defer stopListening()
	go events.NewListener(pool, hub, log).Run(listenCtx)

	jobs := maintenance.New(maintenance.Config{
		Spec:      cfg.QueueRepairCron,
		Reconcile: cfg.AutoReconcile,
	}, dispatcher, log)
	if err := jobs.Start(); err != nil {
		return fmt.Errorf("queue maintenance: %w", err)
	}

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: httpapi.NewRouter(httpapi.Deps{
			DB:          pool,
			Config:      cfg,
			Log:         log,
			Dispatch:    dispatcher,
			Hub:         hub,
			Maintenance: jobs,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Bool("auto_assign", cfg.AutoAssign).Msg("TransferHub API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}
	log.Info().Msg("shutting down")
	stopListening()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	jobs.Stop(shutdownCtx)
	return srv.Shutdown(shutdownCtx)
}

// ---------- queue commands ----------

func queueCommand(cfg config.Config, log zerolog.Logger) *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Inspect and repair the company queue"}

	run := func(fn func(context.Context, *dispatch.Service) (any, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), cfg, func(pool *pgxpool.Pool) error {
				out, err := fn(cmd.Context(), dispatch.New(db.NewDispatchStore(pool), log))
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			})
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "diagnose",
		Short: "Report queue anomalies and unassigned bookings",
		RunE: run(func(ctx context.Context, s *dispatch.Service) (any, error) {
			return s.Diagnose(ctx)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "repair",
		Short: "Renumber active companies 1..N",
		RunE: run(func(ctx context.Context, s *dispatch.Service) (any, error) {
			return s.RepairPositions(ctx)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Assign bookings that have no service order",
		RunE: run(func(ctx context.Context, s *dispatch.Service) (any, error) {
			return s.Reconcile(ctx)
		}),
	})

	var picks int
	simulate := &cobra.Command{
		Use:   "simulate",
		Short: "Preview the next assignments without writing",
		RunE: run(func(ctx context.Context, s *dispatch.Service) (any, error) {
			return s.Simulate(ctx, picks)
		}),
	}
	simulate.Flags().IntVarP(&picks, "count", "n", 10, "number of picks to preview (max 100)")
	cmd.AddCommand(simulate)

	return cmd
}
