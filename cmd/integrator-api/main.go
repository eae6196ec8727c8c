// Command integrator-api serves the jobs, audit log and OAuth connect API.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/portal-integrator/internal/app"
	"github.com/tbourn/portal-integrator/internal/config"
	httpapi "github.com/tbourn/portal-integrator/internal/http"
	"github.com/tbourn/portal-integrator/internal/observability"
	"github.com/tbourn/portal-integrator/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("api exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	sysutil.SetupLogging(os.Stderr, cfg.LogLevel, cfg.LogPretty, "api")
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host, _ := os.Hostname()
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, observability.Process{
		Version:   version,
		Component: "api",
		Instance:  host,
	})
	if err != nil {
		return err
	}

	c, err := app.Build(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	r := gin.New()
	httpapi.RegisterRoutes(r, c.DB, cfg, httpapi.Deps{
		Portals:      c.Registry,
		Integrations: c.Integrations(),
		MaxAttempts:  cfg.Worker.MaxAttempts,
	})

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown")
	}
	log.Info().Msg("api stopped")
	return nil
}
