package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/estoque-live/estoque-live/internal/api"
	"github.com/estoque-live/estoque-live/internal/app"
	"github.com/estoque-live/estoque-live/internal/cache"
	"github.com/estoque-live/estoque-live/internal/category"
	"github.com/estoque-live/estoque-live/internal/feed"
	"github.com/estoque-live/estoque-live/internal/history"
	"github.com/estoque-live/estoque-live/internal/observability"
	platformcache "github.com/estoque-live/estoque-live/internal/platform/cache"
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

	redisClient, err := platformcache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	changeFeed := remote.NewRedisFeed(redisClient, logger)
	store := remote.NewPostgresStore(pool, changeFeed, logger)

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("asynq close", slog.Any("error", err))
		}
	}()
	recorder := history.NewAsynqRecorder(asynqClient)

	fetcher := cache.NewFetcher(store, cache.FetcherConfig{
		Timeout:     cfg.FetchTimeout,
		MaxAttempts: cfg.FetchMaxAttempts,
		BaseDelay:   cfg.FetchBackoffBase,
	}, logger, metrics)

	productCache := cache.New(store, fetcher, recorder, logger, cache.Options{
		PageSize:        cfg.PageSize,
		ImportBatchSize: cfg.ImportBatchSize,
		Metrics:         metrics,
	})
	defer productCache.Stop()

	listener := feed.New(changeFeed, remote.TableProducts, logger, feed.WithDebounce(cfg.FeedDebounce))
	listener.SetHandler(productCache.ApplyEvent)
	if err := listener.Start(ctx); err != nil {
		logger.Error("start change feed", slog.Any("error", err))
		os.Exit(1)
	}
	defer listener.Stop()

	categoryService := category.NewService(store, logger)
	apiHandler := api.NewHandler(logger, productCache, categoryService, store)

	router := app.NewRouter(app.RouterParams{
		Logger:  logger,
		Config:  cfg,
		API:     apiHandler,
		Metrics: metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exit", slog.Any("error", err))
		os.Exit(1)
	}
}
