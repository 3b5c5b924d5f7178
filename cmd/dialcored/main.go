package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dialcore/dialcore/internal/api"
	"github.com/dialcore/dialcore/internal/audio"
	"github.com/dialcore/dialcore/internal/call"
	"github.com/dialcore/dialcore/internal/config"
	"github.com/dialcore/dialcore/internal/directory"
	"github.com/dialcore/dialcore/internal/engine"
	"github.com/dialcore/dialcore/internal/metrics"
	"github.com/dialcore/dialcore/internal/push"
	"github.com/dialcore/dialcore/internal/registration"
	"github.com/dialcore/dialcore/internal/signaling"
	"github.com/dialcore/dialcore/internal/token"
)

func main() {
	start := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	deviceID := cfg.ResolvedDeviceID()
	slog.Info("starting dialcored",
		"http_port", cfg.HTTPPort,
		"device_id", deviceID,
		"data_dir", cfg.DataDir,
	)

	// Registration store keeps the push-binding record across restarts.
	store, err := registration.OpenStore(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open registration store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	tokens := token.NewClient(cfg.BackendURL, cfg.APIKey, logger)

	// Dial the signaling endpoint with a fresh access token. The agent
	// cannot place or receive calls without it, so a failure here is fatal.
	dialCtx, dialCancel := context.WithTimeout(appCtx, 30*time.Second)
	creds, err := tokens.FetchAccessToken(dialCtx, deviceID)
	if err != nil {
		dialCancel()
		slog.Error("failed to fetch signaling token", "error", err)
		os.Exit(1)
	}
	sig, err := signaling.DialWS(dialCtx, cfg.SignalingURL, creds.Token, logger)
	dialCancel()
	if err != nil {
		slog.Error("failed to connect signaling endpoint", "error", err)
		os.Exit(1)
	}
	defer sig.Close()

	// Lead directory, refreshed in the background from the backend.
	leads := directory.New(logger)
	leadClient := directory.NewClient(cfg.BackendURL, cfg.APIKey, logger)
	go leadClient.RunRefresh(appCtx, leads, cfg.LeadRefreshInterval)

	renewer := registration.NewRenewer(store, sig, tokens, deviceID, logger)

	// Re-evaluate the persisted push binding at boot; one past its
	// renewal half-life would otherwise stay stale until the next push
	// wake-up arrives.
	go func() {
		ctx, cancel := context.WithTimeout(appCtx, 30*time.Second)
		defer cancel()
		if err := renewer.EnsureStoredRegistration(ctx); err != nil {
			slog.Error("startup registration renewal failed", "error", err)
		}
	}()

	reg := call.NewRegistry(logger)
	audioCtl := audio.NewController(&audio.LogDevice{Logger: logger}, logger)
	hub := api.NewHub(logger)

	eng := engine.New(engine.Config{DeviceID: deviceID}, reg, sig, hub, audioCtl, tokens, leads, logger)
	eng.OnCredentialsInvalidated(func() {
		ctx, cancel := context.WithTimeout(appCtx, 30*time.Second)
		defer cancel()
		renewer.Invalidate(ctx)
	})
	go eng.Run(appCtx)

	pushHandler := push.NewHandler(eng, renewer, logger)
	pushRL := push.NewRateLimiter(push.DefaultRateLimiterConfig())
	defer pushRL.Stop()

	// Prometheus scrape surface.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(reg, pushHandler, renewer, start))
	metricsHandler := promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})

	handler := api.NewServer(eng, hub, pushHandler, pushRL, metricsHandler, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("control api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-quit:
		slog.Info("received shutdown signal", "signal", s.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("dialcored stopped")
}
