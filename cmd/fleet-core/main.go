package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"camfleet/fleet-core/internal/executor"
	"camfleet/fleet-core/internal/httpapi"
	"camfleet/fleet-core/internal/joystick"
	"camfleet/fleet-core/internal/metrics"
	"camfleet/fleet-core/internal/pathregistry"
	"camfleet/fleet-core/internal/recordstore"
	"camfleet/fleet-core/internal/scheduler"
	"camfleet/fleet-core/internal/slotcheck"
	"camfleet/fleet-core/internal/workflow"
)

func main() {
	addr := envOr("HTTP_ADDR", ":8081")
	logLevel := envOr("LOG_LEVEL", "info")
	storeURL := envOr("RECORD_STORE_URL", "http://127.0.0.1:8090")
	storeToken := envOr("RECORD_STORE_TOKEN", "")
	registryURL := envOr("PATH_REGISTRY_URL", "http://127.0.0.1:9997")
	joystickURL := envOr("JOYSTICK_URL", "http://127.0.0.1:8082")
	joystickKey := envOr("JOYSTICK_API_KEY", "")
	joystickUser := envOr("JOYSTICK_USER_ID", "fleet-core")
	reconcileInterval := envDurOr("RECONCILE_INTERVAL", 5*time.Second)
	slotInterval := envDurOr("SLOT_CHECK_INTERVAL", 30*time.Second)
	execTimeout := envDurOr("EXEC_TIMEOUT", 30*time.Second)

	logger := httpapi.NewLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	store := recordstore.NewClient(storeURL, storeToken)
	registry := pathregistry.NewClient(registryURL)
	modes := joystick.NewClient(joystickURL, joystickKey, joystickUser)
	runner := executor.NewRunner(logger, execTimeout)

	reconciler := scheduler.NewReconciler(logger, store, registry, reconcileInterval, m)
	sched := scheduler.New(ctx, logger, store, modes, reconciler.RunOnce, m)
	engine := workflow.New(ctx, logger, store, runner, m)
	slots := slotcheck.New(logger, store, runner, slotInterval, m)

	installAutomations(ctx, logger, store, sched)

	go reconciler.Run(ctx)
	go slots.Run(ctx)
	go func() {
		if err := engine.ResumeInterrupted(ctx); err != nil {
			logger.Error().Err(err).Msg("resume sweep failed")
		}
	}()

	h := httpapi.NewHandler(logger, store, engine, sched, m)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("fleet-core listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	sched.Stop()
	logger.Info().Msg("shutdown complete")
}

// installAutomations re-installs persisted automation jobs after a restart.
// Per-device failures are logged and skipped.
func installAutomations(ctx context.Context, logger zerolog.Logger, store *recordstore.Client, sched *scheduler.Scheduler) {
	devices, err := store.ListDevices(ctx, `automation != null`)
	if err != nil {
		logger.Error().Err(err).Msg("listing automated devices failed, no jobs installed")
		return
	}

	installed := 0
	for i := range devices {
		d := &devices[i]
		if d.Automation == nil {
			continue
		}
		if err := sched.CreateJob(d.ID, d.Automation); err != nil {
			logger.Error().Err(err).Str("device", d.ID).Msg("automation rejected")
			continue
		}
		if err := sched.StartJobs(d.ID); err != nil {
			logger.Error().Err(err).Str("device", d.ID).Msg("automation start failed")
			continue
		}
		installed++
	}
	logger.Info().Int("installed", installed).Msg("automation jobs restored")
}

func envOr(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envDurOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}
