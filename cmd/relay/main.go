// The relay daemon drains an existing spool directory without a producing
// façade: another process (or a previous run) enqueues transmissions, relay
// delivers them. It exposes health and Prometheus metrics over HTTP.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/cassiomorais/telemetry/internal/bootstrap"
	"github.com/cassiomorais/telemetry/internal/spool"
	"github.com/cassiomorais/telemetry/internal/transmit"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "telemetry-relay", "telemetry")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}

	sp, err := spool.Open(app.Config.Spool.Dir, spoolConfig(app), app.Logger, spool.WithMetrics(app.Metrics))
	if err != nil {
		app.Logger.Fatal().Err(err).Str("dir", app.Config.Spool.Dir).Msg("Failed to open spool")
	}

	sender := transmit.NewHTTPSender(app.Config.Transmitter.RequestTimeout, app.Logger, app.Metrics)
	tx := transmit.New(sp, sender, transmitConfig(app), app.Logger, transmit.WithMetrics(app.Metrics))

	app.Logger.Info().
		Str("dir", app.Config.Spool.Dir).
		Int("workers", app.Config.Transmitter.Workers).
		Msg("Relay started, draining spool...")

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.Config.Server.CORS.AllowedOrigins,
		AllowCredentials: app.Config.Server.CORS.AllowCredentials,
	}))
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	router.Method(http.MethodGet, "/healthz", otelhttp.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}), "GET /healthz"))

	addr := fmt.Sprintf(":%d", app.Config.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  app.Config.Server.ReadTimeout,
		WriteTimeout: app.Config.Server.WriteTimeout,
		IdleTimeout:  app.Config.Server.IdleTimeout,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.Logger.Info().Str("addr", addr).Msg("Starting ops HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		case <-quit:
			app.Logger.Info().Msg("Shutting down relay...")
			cancel()
			return nil
		}
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.Logger.Error().Err(err).Msg("Server forced to shutdown")
		}
		tx.Dispose()
		sp.Close()
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		app.Logger.Error().Err(err).Msg("Relay error")
	}
	app.Logger.Info().Msg("Relay exited")
}

func spoolConfig(app *bootstrap.App) spool.Config {
	c := app.Config.Spool
	return spool.Config{
		CapacityBytes: c.CapacityBytes,
		MaxFiles:      c.MaxFiles,
		TrnTTL:        c.TrnTTL,
		CorruptTTL:    c.CorruptTTL,
		TmpTTL:        c.TmpTTL,
		RetryDeadline: c.RetryDeadline,
		PeekScanLimit: c.PeekScanLimit,
	}
}

func transmitConfig(app *bootstrap.App) transmit.Config {
	c := app.Config.Transmitter
	return transmit.Config{
		Interval:       c.Interval,
		RequestTimeout: c.RequestTimeout,
		Workers:        c.Workers,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		GCInterval:     c.GCInterval,
	}
}
