// Command server runs the chat messaging backbone's HTTP + WebSocket
// edge: the message write path, unread maintenance, and the per-process
// connection manager. Signal-driven graceful shutdown, a flat
// dependency-construction block, no framework-level DI container.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/streamspace-dev/chatrelay/internal/bus"
	"github.com/streamspace-dev/chatrelay/internal/config"
	"github.com/streamspace-dev/chatrelay/internal/httpapi"
	"github.com/streamspace-dev/chatrelay/internal/logger"
	"github.com/streamspace-dev/chatrelay/internal/messaging"
	"github.com/streamspace-dev/chatrelay/internal/metrics"
	"github.com/streamspace-dev/chatrelay/internal/notifier"
	"github.com/streamspace-dev/chatrelay/internal/push"
	"github.com/streamspace-dev/chatrelay/internal/queue"
	"github.com/streamspace-dev/chatrelay/internal/store"
	"github.com/streamspace-dev/chatrelay/internal/wsrelay"
)

func main() {
	cfg := config.Load()
	logger.Initialize(os.Getenv("LOG_LEVEL"), cfg.IsDev())
	log := logger.Log

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("store init failed")
	}
	b, err := buildBus(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("bus init failed")
	}
	q, err := buildQueue(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("queue init failed")
	}

	reg := metrics.NewRegistry()

	manager := wsrelay.NewManager(cfg.InstanceID, cfg.OfflineGrace(), st, b, log)
	authr := wsrelay.NewAuthenticator(cfg)

	// The in-line dispatcher backs the degraded-mode fallback when the
	// queue itself is unavailable; it shares the sender the notifier
	// binary would otherwise own.
	sender := buildSender(cfg)
	dispatcher := notifier.NewDispatcher(st, q, sender, nil, cfg.FCMMulticastBatch, log).WithMetrics(reg)

	svc := messaging.NewService(st, b, q, manager, dispatcher, log).WithMetrics(reg)

	router := httpapi.NewRouter(httpapi.Deps{
		Config:  cfg,
		Store:   st,
		Service: svc,
		Manager: manager,
		Authr:   authr,
		Metrics: reg,
		Log:     log,
	})

	go b.ListenerLoop(ctx, cfg.InstanceID, manager.OnBusEvent)

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reg.ConnectedSockets.Set(float64(manager.TotalConnections()))
			}
		}
	}()

	c := cron.New()
	if _, err := c.AddFunc(cfg.UnreadRepairCron, func() {
		results, err := svc.RepairAll(ctx, 8)
		if err != nil {
			log.Error().Err(err).Msg("scheduled unread repair failed")
			return
		}
		log.Info().Int("repaired", len(results)).Msg("scheduled unread repair complete")
	}); err != nil {
		log.Error().Err(err).Msg("failed to schedule unread repair cron")
	}
	c.Start()
	defer c.Stop()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server forced shutdown")
	}
	if err := b.Close(); err != nil {
		log.Error().Err(err).Msg("bus close failed")
	}
	if err := q.Close(); err != nil {
		log.Error().Err(err).Msg("queue close failed")
	}
	if err := st.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("store close failed")
	}
	log.Info().Msg("shutdown complete")
}

func buildStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.IsDev() && os.Getenv("MONGO_URI") == "" {
		return store.NewMemory(), nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return store.Dial(dialCtx, cfg.MongoURI, cfg.MongoDB)
}

func buildBus(cfg config.Config, log zerolog.Logger) (bus.Bus, error) {
	if cfg.IsDev() && os.Getenv("REDIS_ADDR") == "" {
		return bus.NewMemory(), nil
	}
	return bus.NewRedis(bus.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}, log)
}

func buildQueue(cfg config.Config, log zerolog.Logger) (queue.Queue, error) {
	if cfg.IsDev() && os.Getenv("NATS_URL") == "" {
		return queue.NewMemory(), nil
	}
	return queue.DialNATS(cfg.NATSURL, log)
}

func buildSender(cfg config.Config) push.Sender {
	if cfg.FCMServerKey == "" {
		return push.NewMemorySender()
	}
	return push.NewFCMHTTPSender(cfg.FCMServerKey)
}
