package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/kirillkom/receipt-sync/internal/adapters/http"
	"github.com/kirillkom/receipt-sync/internal/bootstrap"
	"github.com/kirillkom/receipt-sync/internal/config"
	"github.com/kirillkom/receipt-sync/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.New(os.Stdout, bootstrap.ServiceName, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	var server *http.Server
	if cfg.StatusPort != "" {
		router := httpadapter.NewRouter(app.Records, app.Pipeline, httpadapter.RouterOptions{
			MetricsRegistry: app.Metrics,
			Logger:          logger,
		})
		server = &http.Server{
			Addr:              ":" + cfg.StatusPort,
			Handler:           router.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logger.Info("status_server_listening", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status_server_failed", "error", err)
			}
		}()
	}

	runErr := app.Pipeline.Run(ctx)
	stop()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status_server_shutdown_failed", "error", err)
		}
	}

	if runErr != nil {
		logger.Error("pipeline_stopped", "error", runErr)
		app.Close()
		os.Exit(1)
	}
	logger.Info("pipeline_stopped")
}
