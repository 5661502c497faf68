package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/caretide/fhirgate/internal/auth"
	"github.com/caretide/fhirgate/internal/bus"
	httpx "github.com/caretide/fhirgate/internal/http"
	"github.com/caretide/fhirgate/internal/monitor"
	"github.com/caretide/fhirgate/internal/store"
	"github.com/caretide/fhirgate/internal/ws"
	"github.com/caretide/fhirgate/pkg/config"
	"github.com/caretide/fhirgate/pkg/logger"
)

func main() {
	cfg := config.LoadMonitorConfig()
	log := logger.New("fhirgate", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventStore := store.New(cfg.EventLogPath, cfg.EventBufferSize, log)
	defer eventStore.Close()

	eventBus := bus.New(log)
	monitorSvc := monitor.NewService(eventStore, eventBus, log, cfg.TopClients, cfg.HealthLatencyThresholdMS)
	validator := auth.NewJWTValidator(cfg.JWTSecret, log)
	registry := ws.NewRegistry()

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, monitorSvc, validator, registry, limiter, cfg.IngestAuthToken, cfg.KeepaliveInterval, cfg.SessionSendBuffer)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("monitor server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		// Shutdown does not wait on hijacked connections; close live
		// sessions so their read loops exit.
		registry.Each(func(s *ws.Session) { s.Close() })
		log.Info("monitor server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
