package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"rimborsi/internal/auth"
	"rimborsi/internal/backend"
	"rimborsi/internal/cache"
	"rimborsi/internal/cli"
	"rimborsi/internal/core"
	apphttp "rimborsi/internal/http"
	"rimborsi/internal/log"
	"rimborsi/internal/realtime"
	"rimborsi/internal/seed"
	"rimborsi/internal/services"
	"rimborsi/internal/upload"
)

const (
	analyticsCacheSize   = 256
	cacheCleanupInterval = time.Minute
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	cfg := cli.LoadAndValidateConfig(logger)

	ctx, stop := cli.SignalContext(logger)
	defer stop()

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		cli.Fatal(logger, "Invalid backend configuration", err)
	}
	res, err := backend.NewFactory(logger).CreateBackend(ctx, backendCfg)
	if err != nil {
		cli.Fatal(logger, "Failed to initialize backend", err, "backend", cfg.DataBackend)
	}

	if cfg.SeedDemoData {
		seeded, err := seed.Run(ctx, res.Store, cfg.BcryptCost, logger)
		if err != nil {
			cli.Fatal(logger, "Failed to seed demo data", err)
		}
		if seeded.Users > 0 {
			logger.Info("Demo data seeded", "users", seeded.Users, "expenses", seeded.Expenses)
		}
	}

	authSvc, err := auth.NewService(res.Store, auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL), cfg.BcryptCost, logger)
	if err != nil {
		cli.Fatal(logger, "Failed to initialize auth", err)
	}

	analytics := cache.NewLRUCache[core.Analytics](analyticsCacheSize, cfg.AnalyticsCacheTTL)
	caches := cache.NewManager(logger)
	caches.Register(analytics)
	caches.StartCleanup(cacheCleanupInterval)

	registry := realtime.NewRegistry()
	sinks := []services.EventSink{realtime.NewBroadcaster(registry, logger)}
	if res.Publisher != nil {
		sinks = append(sinks, res.Publisher)
	}
	expenses := services.NewExpenseService(res.Store, analytics, logger, sinks...)

	uploads, err := upload.New(cfg.UploadDir, cfg.MaxUploadBytes, logger)
	if err != nil {
		cli.Fatal(logger, "Failed to prepare upload directory", err, "dir", cfg.UploadDir)
	}

	wsCfg := realtime.DefaultHandlerConfig()
	wsCfg.OriginPatterns = cfg.WebSocketOrigins()
	wsCfg.PingInterval = cfg.WSPingInterval
	wsCfg.Reject = apphttp.WriteError
	push := realtime.NewHandler(authSvc, registry, wsCfg, logger)

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Auth:        authSvc,
		Expenses:    expenses,
		Uploads:     uploads,
		Push:        push,
		Ready:       res.Store.Ping,
		CORSOrigins: cfg.CORSAllowedOrigins,
		Logger:      logger,
	})
	// Push connections are hijacked, so Shutdown does not wait for them.
	// Deriving request contexts from ctx closes them on the same signal.
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting rimborsi server",
			"port", cfg.Port,
			"backend", cfg.DataBackend,
			"amqp", res.Publisher != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return cli.RunCleanup(logger, cfg.ShutdownTimeout, srv.Shutdown)
	})

	exitCode := 0
	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", log.FieldError, err)
		exitCode = 1
	}

	caches.Stop()
	if err := res.Cleanup(); err != nil {
		logger.Error("Backend cleanup failed", log.FieldError, err)
		exitCode = 1
	}

	m := srv.Metrics()
	logger.Info("Server stopped",
		"requests", m.TotalRequests,
		"server_errors", m.ServerErrors,
		"avg_response_us", m.AverageResponseTime)
	stop()
	os.Exit(exitCode)
}
