// Command lsrd polls the LSR personal-account API and bridges accounts,
// meters, and courtyard cameras into Home Assistant over MQTT, with a
// local HTTP API for inspection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/akulagin/lsrd/internal/config"
	"github.com/akulagin/lsrd/internal/core/api"
	"github.com/akulagin/lsrd/internal/core/auth"
	"github.com/akulagin/lsrd/internal/core/coordinator"
	"github.com/akulagin/lsrd/internal/core/state"
	"github.com/akulagin/lsrd/internal/httpapi"
	"github.com/akulagin/lsrd/internal/mqtt"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "lsrd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// Optional .env for local development; env vars win over YAML either way.
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Auth.AppInstanceID == "" {
		cfg.Auth.AppInstanceID = uuid.NewString()
	}

	log := newLogger(cfg.Log)
	log.Info("starting lsrd",
		"scan_interval", cfg.Poll.ScanInterval,
		"mqtt_enabled", cfg.MQTT.Enabled,
		"http_addr", cfg.HTTP.Addr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := api.NewClient(cfg.API.BaseURL, cfg.API.Timeout, log)
	sessions := auth.NewSessionManager(client, cfg.Auth.Username, cfg.Auth.Password, cfg.Auth.AppInstanceID, log)

	bus := state.NewEventBus(log)
	store := state.NewStore(bus, log)

	coord := coordinator.New(coordinator.Options{
		Interval:          cfg.Poll.ScanInterval,
		BackoffFloor:      cfg.Poll.BackoffFloor,
		DegradedThreshold: cfg.Poll.DegradedThreshold,
	}, sessions, client, store, log)

	var publisher mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewHAPublisher(cfg.MQTT, coord, store, bus, log)
	} else {
		publisher = mqtt.NewStubPublisher(log)
	}

	if err := publisher.Start(ctx); err != nil {
		return fmt.Errorf("start MQTT publisher: %w", err)
	}
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	apiSrv := httpapi.NewServer(store, bus, coord, cfg.HTTP.CORSAll, log)
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpErr := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-httpErr:
		log.Error("HTTP server failed", "error", err)
	}

	// Shut down in reverse order: stop fetching first, flush MQTT last.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := coord.Stop(shutdownCtx); err != nil {
		log.Warn("coordinator stop failed", "error", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown failed", "error", err)
	}
	if err := publisher.Stop(shutdownCtx); err != nil {
		log.Warn("MQTT publisher stop failed", "error", err)
	}

	log.Info("lsrd stopped")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
