package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/outbound-dispatch/internal/app"
	"github.com/acme/outbound-dispatch/internal/dispatch"
	"github.com/acme/outbound-dispatch/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name+"-dispatcher", container.Config.App.Version)
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	repos := container.Repositories()
	cfg := container.Config

	dispatcher := dispatch.New(dispatch.Deps{
		Store:     repos.Queue,
		Gate:      container.Gate(),
		Policy:    container.RetryPolicy(),
		Initiator: container.Providers().Voice,
		Limiter:   container.Limiters().Tenant,
		Attempts:  repos.Attempts,
		Logger:    container.Logger.Named("dispatcher"),
	}, dispatch.Config{
		TickInterval:         cfg.Dispatcher.TickInterval,
		MaxBatchSize:         cfg.Dispatcher.MaxBatchSize,
		StaleAfter:           cfg.Dispatcher.StaleAfter,
		InitiateTimeout:      cfg.Dispatcher.InitiateTimeout,
		PerTenantConcurrency: cfg.Throttle.PerTenantConcurrency,
	})

	if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("dispatcher terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
