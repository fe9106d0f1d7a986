package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/lead-call-engine/internal/api"
	"github.com/acme/lead-call-engine/internal/api/handlers"
	"github.com/acme/lead-call-engine/internal/app"
	"github.com/acme/lead-call-engine/internal/stream"
	"github.com/acme/lead-call-engine/internal/telemetry"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("ignoring .env: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())
	logger := container.Logger

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, "api")
	if err != nil {
		logger.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		logger.Fatal("failed to ensure kafka topics", zap.Error(err))
	}

	engine := container.Engine()
	repos := container.Repositories()

	streams, err := stream.NewServer(container.Config.Stream, stream.Deps{
		Bridges: engine.Bridges,
		Tracker: engine.Tracker,
		Monitor: engine.Monitor,
		Slots:   container.Limiters().Streams,
	}, logger.Named("stream"))
	if err != nil {
		logger.Fatal("failed to build media stream server", zap.Error(err))
	}

	handlerSet := handlers.NewHandlerSet(handlers.Deps{
		Normalizer: engine.Normalizer,
		Tracker:    engine.Tracker,
		Bridges:    engine.Bridges,
		Streams:    streams,
		History:    repos.CallStore,
		Health: map[string]handlers.HealthCheck{
			"postgres": container.Postgres.Ping,
			"redis":    container.Redis.Ping,
			"scylla":   container.Scylla.Ping,
		},
		Logger: logger.Named("http"),
	})
	server := api.NewServer(container.Config.HTTP, handlerSet)

	group, gctx := errgroup.WithContext(ctx)
	if engine.Broadcast != nil {
		group.Go(func() error {
			engine.Broadcast.Run(gctx)
			return nil
		})
	}
	group.Go(func() error {
		engine.Tracker.Run(gctx)
		return nil
	})
	group.Go(func() error {
		return streams.ListenAndServe()
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return streams.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		logger.Info("api: listening", zap.Int("port", container.Config.HTTP.Port))
		return server.Start(gctx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("api terminated", zap.Error(err))
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
