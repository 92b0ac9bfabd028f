package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"ghostmannequin/internal/bootstrap"
	"ghostmannequin/internal/infra"
	"ghostmannequin/internal/worker"
)

func main() {
	_ = godotenv.Load(".env", ".env.local")

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.Build(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to build pipeline")
	}
	defer svc.Close()

	w, err := worker.New(worker.Options{
		Jobs:         svc.Jobs,
		Pipeline:     svc.Pipeline,
		PollInterval: cfg.WorkerPollInterval,
		Logger:       &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: invalid configuration")
	}

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}
