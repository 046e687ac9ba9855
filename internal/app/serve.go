package app

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/emojirelay/backend/internal/config"
	"github.com/emojirelay/backend/internal/handlers"
	"github.com/emojirelay/backend/internal/httpserver"
	"github.com/emojirelay/backend/internal/logging"
	"github.com/emojirelay/backend/internal/middleware"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the relay pipeline and the share expiry loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	ctx = logging.WithLogger(ctx, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	deps, err := buildDependencies(ctx, cfg, logger, registry)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux, deps.routes)
	srv := httpserver.New(cfg.AppPort, middleware.RequestLogger(logger)(mux))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "addr", srv.Addr(), "share_backend", cfg.Shares.Backend)
		return srv.Start()
	})

	g.Go(func() error {
		return deps.ledger.ScheduleExpiry(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "in_flight", deps.tasks.InFlight())

		shutdownCtx, cancel := httpserver.ShutdownContext()
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "error", err)
		}
		return deps.Close(shutdownCtx)
	})

	return g.Wait()
}
