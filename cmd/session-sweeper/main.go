package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/kluret-checkout/internal/bootstrap"
	"github.com/angelmondragon/kluret-checkout/pkg/config"
	"github.com/angelmondragon/kluret-checkout/pkg/logger"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep cycle and exit")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: "session-sweeper"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "session-sweeper"

	logg = logger.New(logger.Options{
		ServiceName: "session-sweeper",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	deps, err := bootstrap.Build(context.Background(), cfg, logg, prometheus.DefaultRegisterer)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap checkout", err)
		os.Exit(1)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logg.Error(context.Background(), "error closing connections", err)
		}
	}()

	service, err := deps.Sweeper(cfg, prometheus.DefaultRegisterer)
	if err != nil {
		logg.Error(context.Background(), "failed to create session sweeper", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":           cfg.App.Env,
		"serviceKind":   cfg.Service.Kind,
		"session_store": cfg.Checkout.StoreKind(),
	})
	logg.Info(ctx, "starting session sweeper")

	if *once {
		err = service.RunOnce(ctx)
	} else {
		err = service.Run(ctx)
	}
	if shutdownErr := deps.Checkout.Shutdown(context.WithoutCancel(ctx)); shutdownErr != nil {
		logg.Error(ctx, "failed to flush payment sessions", shutdownErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "session sweeper stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "session sweeper shutting down gracefully")
}
