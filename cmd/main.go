package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/okian/worldsim/internal/adapters/http/api"
	"github.com/okian/worldsim/internal/adapters/http/swagger"
	service "github.com/okian/worldsim/internal/app"
	"github.com/okian/worldsim/internal/config"
	"github.com/okian/worldsim/internal/scenario"
	"github.com/okian/worldsim/pkg/logger"
	"github.com/okian/worldsim/pkg/metrics"
	"github.com/okian/worldsim/pkg/tracing"
)

// HTTP server timeout constants.
const (
	readTimeout            = 10 * time.Second
	writeTimeout           = 10 * time.Second
	idleTimeout            = 60 * time.Second
	readHeaderTimeout      = 5 * time.Second
	shutdownTimeout        = 30 * time.Second
	serviceMetricsInterval = 5 * time.Second
	serviceName            = "worldsim"
)

func main() {
	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Stderr.WriteString("error: " + err.Error() + "\n")
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "worldsim",
		Short: "World impact aggregation and simulation core",
		Long: `worldsim records city and faction impacts, derives city crises,
arbitrates regional control shifts, applies experience fatigue and
recalculates derived aggregates in batches.

Configuration is read from defaults, the YAML file named by WORLDSIM_CONFIG
and WORLDSIM_* environment variables. Without a subcommand the HTTP service
is started.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(serveCmd(), scenarioCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func scenarioCmd() *cobra.Command {
	var (
		file    string
		asJSON  bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Replay a YAML scenario on a simulated clock and print the outcome",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScenario(cmd, file, asJSON, verbose)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "scenario file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every step and notification")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runScenario(cmd *cobra.Command, file string, asJSON, verbose bool) error {
	ctx := cmd.Context()
	if err := logger.InitWithWriter(cmd.ErrOrStderr()); err != nil {
		return err
	}
	level := "warn"
	if verbose {
		level = "debug"
	}
	_ = logger.SetLevelString(level)

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	f, err := scenario.Load(file)
	if err != nil {
		return err
	}
	res, err := scenario.NewRunner(
		scenario.WithConfig(cfg),
		scenario.WithLogger(logger.Get()),
	).Run(ctx, f)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	scenario.Render(cmd.OutOrStdout(), res)
	return nil
}

func runServe(ctx context.Context) error {
	if err := logger.Init(); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()
	log := logger.Get()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	// Apply configured log level (fallback to info on invalid input)
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	shutdownTracing, err := tracing.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		log.Warn(ctx, "tracing disabled", logger.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Error(flushCtx, "tracing shutdown failed", logger.Error(err))
		}
	}()

	svc, err := service.New(ctx, service.WithConfig(cfg), service.WithLogger(log))
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	go startServiceMetricsUpdater(ctx, svc)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(ctx, svc),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or a listener failure
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	log.Info(ctx, "shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "server shutdown failed", logger.Error(err))
	}

	log.Info(shutdownCtx, "server stopped")
	return nil
}

// newRouter mounts the documentation and the business API on one router.
func newRouter(ctx context.Context, svc *service.Service) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	swagger.Register(ctx, r)
	api.NewServer(svc, svc).Register(ctx, r)
	return r
}

// startServiceMetricsUpdater refreshes gauges derived from service stats.
func startServiceMetricsUpdater(ctx context.Context, svc *service.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateServiceMetrics(svc)
		}
	}
}

// updateServiceMetrics updates service-level metrics.
func updateServiceMetrics(svc *service.Service) {
	stats := svc.GetStats()

	if workerCount, ok := stats["worker_count"].(int); ok {
		metrics.UpdateWorkerCount(workerCount)
	}
	if capacity, ok := stats["queue_capacity"].(int); ok && capacity > 0 {
		metrics.UpdateQueueCapacity(capacity)
		if queueLen, ok := stats["queue_length"].(int); ok {
			metrics.UpdateQueueUtilization(float64(queueLen) / float64(capacity))
		}
	}
}
