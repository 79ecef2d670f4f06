package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/estoque-live/estoque-live/internal/app"
	"github.com/estoque-live/estoque-live/internal/history"
	"github.com/estoque-live/estoque-live/internal/platform/db"
	"github.com/estoque-live/estoque-live/internal/remote"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	store := remote.NewPostgresStore(pool, nil, logger)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		asynq.Config{
			Concurrency: 4,
			Queues:      history.Queue(),
		},
	)

	mux := asynq.NewServeMux()
	history.NewTaskHandler(store, logger).Register(mux)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down worker")
		srv.Shutdown()
	}()

	logger.Info("starting worker", slog.String("redis", cfg.RedisAddr))
	if err := srv.Run(mux); err != nil {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
