package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/daniilzhulanov/eve-vuz-bot/internal/config"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/elasticsearch"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/logger"
)

const (
	connectAttempts  = 10
	connectBaseDelay = 2 * time.Second
	connectMaxDelay  = 30 * time.Second
)

func main() {
	log := logger.New("retention")
	if err := config.LoadDotEnv(); err != nil {
		log.Error("load .env", slog.Any("err", err))
		os.Exit(1)
	}
	cfg, err := config.LoadRetention()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	esClient, err := connect(ctx, log, cfg)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("shutdown signal received during startup")
			return
		}
		log.Error("connect elasticsearch", slog.Any("err", err))
		os.Exit(1)
	}

	log.Info("snapshot pruning running",
		slog.String("index", cfg.ElasticsearchIndex),
		slog.Duration("interval", cfg.Interval),
		slog.Duration("max_age", cfg.MaxAge),
	)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	runOnce(ctx, log, esClient, cfg)
	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received")
			return
		case <-ticker.C:
			runOnce(ctx, log, esClient, cfg)
		}
	}
}

// connect waits for Elasticsearch with capped exponential backoff.
func connect(ctx context.Context, log *slog.Logger, cfg *config.Retention) (*elasticsearch.Client, error) {
	esClient, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
	if err != nil {
		return nil, err
	}

	delay := connectBaseDelay
	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = esClient.Ping(pingCtx)
		cancel()
		if err == nil {
			log.Info("connected to elasticsearch", slog.Int("attempt", attempt))
			return esClient, nil
		}
		if attempt == connectAttempts {
			return nil, err
		}

		log.Warn("elasticsearch not ready",
			slog.Any("err", err),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay = min(delay*2, connectMaxDelay)
	}
}

type snapshotPruner interface {
	DeleteOlderThan(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}

// runOnce prunes rank snapshots older than cfg.MaxAge. Failures are left
// for the next tick.
func runOnce(ctx context.Context, log *slog.Logger, pruner snapshotPruner, cfg *config.Retention) {
	subCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	deleted, err := pruner.DeleteOlderThan(subCtx, cfg.MaxAge, cfg.BatchSize)
	if err != nil {
		log.Warn("snapshot pruning failed", slog.Any("err", err))
		return
	}

	if deleted > 0 {
		log.Info("pruned rank snapshots", slog.Int64("deleted", deleted), slog.Duration("max_age", cfg.MaxAge))
	} else {
		log.Debug("no rank snapshots past max age")
	}
}
