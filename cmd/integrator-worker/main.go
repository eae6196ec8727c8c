// Command integrator-worker drains the integration job queue.
//
// It exits non-zero when the worker stops on a systemic storage failure so
// the process supervisor restarts it.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/portal-integrator/internal/app"
	"github.com/tbourn/portal-integrator/internal/config"
	"github.com/tbourn/portal-integrator/internal/observability"
	"github.com/tbourn/portal-integrator/internal/sysutil"
	"github.com/tbourn/portal-integrator/internal/worker"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("worker exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	workerID := sysutil.WorkerID(cfg.Worker.ID)
	sysutil.SetupLogging(os.Stderr, cfg.LogLevel, cfg.LogPretty, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, observability.Process{
		Version:   version,
		Component: "worker",
		Instance:  workerID,
	})
	if err != nil {
		return err
	}

	c, err := app.Build(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	w := worker.New(worker.Deps{
		DB:        c.DB,
		Registry:  c.Registry,
		Cipher:    c.Cipher,
		Refresher: c.OAuth,
	}, worker.Options{
		WorkerID:       workerID,
		PollInterval:   cfg.Worker.PollInterval,
		BackoffUnit:    cfg.Worker.BackoffUnit,
		MaxAttempts:    cfg.Worker.MaxAttempts,
		AdapterTimeout: cfg.Worker.AdapterTimeout,
		Lease:          cfg.Worker.Lease,
		RefreshSkew:    cfg.Worker.RefreshSkew,
	})

	var metricsSrv *http.Server
	if cfg.Worker.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", func(rw http.ResponseWriter, _ *http.Request) {
			if !w.Running() {
				rw.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			rw.WriteHeader(http.StatusOK)
		})
		metricsSrv = &http.Server{
			Addr:              cfg.Worker.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", cfg.Worker.MetricsAddr).Msg("metrics listener")
			}
		}()
	}

	log.Info().Str("worker_id", workerID).Strs("portals", c.Registry.Codes()).Str("version", version).Msg("worker starting")
	runErr := w.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown")
	}

	if errors.Is(runErr, worker.ErrCircuitOpen) {
		return runErr
	}
	log.Info().Msg("worker stopped")
	return nil
}
