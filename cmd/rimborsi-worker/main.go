package main

import (
	"context"
	"errors"
	"os"
	"time"

	"rimborsi/internal/amqp"
	"rimborsi/internal/cache"
	"rimborsi/internal/cli"
	"rimborsi/internal/config"
	"rimborsi/internal/log"
	"rimborsi/internal/worker"
)

const (
	prefetch       = 16
	dedupWindow    = 10000
	dedupTTL       = 24 * time.Hour
	connectRetries = 5
	statsInterval  = 5 * time.Minute
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	logger.Info("Starting rimborsi-worker")

	cfg := config.Load()
	if cfg.AMQPURL == "" {
		logger.Error("AMQP_URL is required for the notification worker")
		os.Exit(1)
	}

	ctx, stop := cli.SignalContext(logger)
	defer stop()

	client, err := amqp.NewClient(ctx, cfg.AMQPURL, cfg.AMQPExchange, connectRetries, logger)
	if err != nil {
		cli.Fatal(logger, "Failed to initialize AMQP client", err)
	}
	defer client.Close()

	notifications := worker.NewNotificationWorker(worker.NewLogNotifier(logger), dedupWindow, dedupTTL, logger)
	caches := cache.NewManager(logger)
	caches.Register(notifications.Seen())
	caches.StartCleanup(time.Hour)
	defer caches.Stop()

	go reportStats(ctx, notifications, logger)

	err = client.Consume(ctx, cfg.AMQPQueue, prefetch, notifications.Handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Message consumption failed", log.FieldError, err)
		logStats(notifications, logger)
		caches.Stop()
		client.Close()
		os.Exit(1)
	}
	logStats(notifications, logger)
	logger.Info("Worker shutdown complete")
}

func reportStats(ctx context.Context, w *worker.NotificationWorker, logger *log.Logger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logStats(w, logger)
		}
	}
}

func logStats(w *worker.NotificationWorker, logger *log.Logger) {
	st := w.Stats()
	logger.Info("Notification stats",
		"sent", st.Sent,
		"skipped", st.Skipped,
		"duplicates", st.Duplicates)
}
