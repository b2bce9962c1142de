// Command notifier runs the push-notification consumer: two
// long-running pollers (main, retry) sharing one Dispatcher. It has
// no HTTP surface of its own; it is a pure queue worker.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamspace-dev/chatrelay/internal/config"
	"github.com/streamspace-dev/chatrelay/internal/logger"
	"github.com/streamspace-dev/chatrelay/internal/metrics"
	"github.com/streamspace-dev/chatrelay/internal/notifier"
	"github.com/streamspace-dev/chatrelay/internal/push"
	"github.com/streamspace-dev/chatrelay/internal/queue"
	"github.com/streamspace-dev/chatrelay/internal/store"
)

func main() {
	cfg := config.Load()
	logger.Initialize(os.Getenv("LOG_LEVEL"), cfg.IsDev())
	log := *logger.Notifier()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("store init failed")
	}
	q, err := buildQueue(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("queue init failed")
	}
	sender := buildSender(cfg)
	sns := buildSNS(cfg)

	reg := metrics.NewRegistry()
	dispatcher := notifier.NewDispatcher(st, q, sender, sns, cfg.FCMMulticastBatch, log).WithMetrics(reg)

	mainPoller := notifier.NewPoller(dispatcher, q, queue.Main)
	retryPoller := notifier.NewPoller(dispatcher, q, queue.Retry)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); mainPoller.Run(ctx) }()
	go func() { defer wg.Done(); retryPoller.Run(ctx) }()

	log.Info().Msg("notifier consumer running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	cancel()
	wg.Wait()

	if err := q.Close(); err != nil {
		log.Error().Err(err).Msg("queue close failed")
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
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

// buildSNS wires the optional web-push path only when a topic is
// configured. No AWS SDK is linked; the in-memory publisher is a
// placeholder the deployer swaps for a real SNS client, and with no
// topic configured the dispatcher falls back to mobile-style delivery
// for web tokens.
func buildSNS(cfg config.Config) push.SNSPublisher {
	if cfg.SNSTopicARN == "" {
		return nil
	}
	return push.NewMemorySNS()
}
