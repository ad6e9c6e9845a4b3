package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"citas/internal/api"
	"citas/internal/audit"
	"citas/internal/config"
	"citas/internal/database"
	"citas/internal/metrics"
	"citas/internal/reminders"
	"citas/internal/slots"
)

func main() {
	_ = godotenv.Load()

	var configPath string
	rootCmd := &cobra.Command{
		Use:           "citas",
		Short:         "Medical appointment scheduling service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CITAS_CONFIG_PATH"), "Path to config.yaml")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(syncCmd(&configPath))
	rootCmd.AddCommand(slotsCmd(&configPath))
	rootCmd.AddCommand(exportCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads config and wires the core.
func setup(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log.Level, cfg.Log.Format)
	return newApp(cfg, &logger)
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the booking API with reminders, backups and monthly audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return runServer(a)
		},
	}
}

func runServer(a *app) error {
	cfg, logger := a.cfg, a.logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var syncErr error
	watcher := config.NewCatalogWatcher(cfg.ClinicFile, 30*time.Second, logger, func(cat *config.Catalog) {
		syncErr = a.applyCatalog(ctx, cat)
		if syncErr != nil {
			logger.Error().Err(syncErr).Msg("Failed to apply clinic catalog")
		}
	})
	if _, err := watcher.Reload(); err != nil {
		return fmt.Errorf("load clinic catalog: %w", err)
	}
	if syncErr != nil {
		return fmt.Errorf("sync clinic catalog: %w", syncErr)
	}
	go watcher.Run(ctx)

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
	}
	go startHealthServer(ctx, cfg.Monitoring.HealthCheckPort, a, logger)

	a.dispatcher.Start()
	defer a.dispatcher.Stop()

	rem := reminders.NewService(reminders.Config{CheckInterval: cfg.ReminderCheckInterval()}, a.db, a.dispatcher, logger)
	rem.Start()
	defer rem.Stop()

	if cfg.Audit.Enabled {
		aud := audit.NewService(audit.Config{
			RetentionDays: cfg.Audit.RetentionDays,
			ExportOnStart: cfg.Audit.ExportOnStart,
			Location:      a.loc,
		}, a.db, a.dispatcher, logger)
		aud.Start()
		defer aud.Stop()
	}

	go database.NewBackupService(a.db, cfg.Backup, logger).Start(ctx)

	e := api.NewServer(api.NewHandler(a.booking, a.db, a.loc), api.ServerOptions{
		RatePerSecond: cfg.HTTP.RatePerSecond,
		Burst:         cfg.HTTP.Burst,
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTP.Address).Msg("Booking API started")
		if err := e.Start(cfg.HTTP.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func syncCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-clinic",
		Short: "Load clinic.yaml into the database and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			cat, err := a.syncCatalog(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Synced %d doctors, %d specialties, %d users.\n",
				len(cat.Doctors), len(cat.Specialties), len(cat.Users))
			return nil
		},
	}
}

func slotsCmd(configPath *string) *cobra.Command {
	var doctorID, dsID int64
	var date string

	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Print the free slots of a doctor-specialty on a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			day, err := time.ParseInLocation("2006-01-02", date, a.loc)
			if err != nil {
				return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
			}
			free, err := a.booking.QuerySlots(cmd.Context(), doctorID, dsID, day)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(free) == 0 {
				fmt.Fprintln(out, "No free slots.")
				return nil
			}
			for _, s := range slots.ToSlotInfo(free, a.loc) {
				line := s.Start + "-" + s.End
				if s.Room != "" {
					line += "  " + s.Room
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&doctorID, "doctor", 0, "Doctor id")
	cmd.Flags().Int64Var(&dsID, "specialty", 0, "Doctor-specialty id")
	cmd.Flags().StringVar(&date, "date", time.Now().Format("2006-01-02"), "Date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("doctor")
	_ = cmd.MarkFlagRequired("specialty")
	return cmd
}

func exportCmd(configPath *string) *cobra.Command {
	var month, outDir string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the monthly appointment workbook to disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := parseMonth(month, time.Now(), a.loc)
			if err != nil {
				return err
			}
			svc := audit.NewService(audit.Config{Location: a.loc, RetentionDays: a.cfg.Audit.RetentionDays}, a.db, nil, a.logger)
			report, err := svc.Export(cmd.Context(), m)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			path := filepath.Join(outDir, report.Filename)
			if err := os.WriteFile(path, report.Data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d appointments).\n", path, report.Appointments)
			return nil
		},
	}
	cmd.Flags().StringVar(&month, "month", "", "Month to export (YYYY-MM); defaults to the previous month")
	cmd.Flags().StringVar(&outDir, "out", ".", "Output directory")
	return cmd
}

// parseMonth reads YYYY-MM in loc; empty means the month before now.
func parseMonth(s string, now time.Time, loc *time.Location) (time.Time, error) {
	if s == "" {
		n := now.In(loc)
		return time.Date(n.Year(), n.Month()-1, 1, 0, 0, 0, 0, loc), nil
	}
	m, err := time.ParseInLocation("2006-01", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("--month must be YYYY-MM: %w", err)
	}
	return m, nil
}

func startHealthServer(ctx context.Context, port int, a *app, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		ctxPing, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := a.db.PingContext(ctxPing); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		// The slot cache falls back to the database, so Redis is reported
		// but does not fail readiness.
		if err := a.slots.Ping(ctxPing); err != nil {
			_, _ = w.Write([]byte("ready (redis unavailable)"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("health server error")
	}
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
