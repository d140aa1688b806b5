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

	"github.com/daniilzhulanov/eve-vuz-bot/internal/adapter"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/config"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/elasticsearch"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/fetch"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/logger"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/notify"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/subscription"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/tracker"
)

func main() {
	log := logger.New("worker")
	if err := config.LoadDotEnv(); err != nil {
		log.Error("load .env", slog.Any("err", err))
		os.Exit(1)
	}
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	sourceCfgs, err := config.LoadSources(cfg.SourcesFile, cfg.DefaultInterval)
	if err != nil {
		log.Error("load sources", slog.String("file", cfg.SourcesFile), slog.Any("err", err))
		os.Exit(1)
	}

	sources := make([]tracker.Source, 0, len(sourceCfgs))
	for _, sc := range sourceCfgs {
		a, err := adapter.New(sc.Kind, sc.Layout, log)
		if err != nil {
			log.Error("build adapter", slog.String("source", sc.Key), slog.Any("err", err))
			os.Exit(1)
		}
		sources = append(sources, tracker.Source{Config: sc, Adapter: a})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	subs, closeSubs, err := openSubscriptions(ctx, cfg)
	if err != nil {
		log.Error("init subscriptions", slog.String("backend", cfg.SubscriptionsBackend), slog.Any("err", err))
		os.Exit(1)
	}
	defer closeSubs()

	publisher := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaNotifyTopic)
	defer publisher.Close()

	opts := tracker.Options{
		Fetcher:       fetch.NewHTTPFetcher(cfg.FetchTimeout, cfg.UserAgent),
		Deliverer:     publisher,
		Dispatcher:    &notify.Dispatcher{SuppressUnchanged: cfg.SuppressUnchanged},
		Subscriptions: subs,
		Logger:        log,
	}

	if cfg.HistoryEnabled {
		esClient, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
		if err != nil {
			log.Error("init elasticsearch", slog.Any("err", err))
			os.Exit(1)
		}
		indexCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = esClient.EnsureIndex(indexCtx)
		cancel()
		if err != nil {
			log.Error("prepare history index", slog.String("index", cfg.ElasticsearchIndex), slog.Any("err", err))
			os.Exit(1)
		}
		opts.History = esClient
	}

	t, err := tracker.New(sources, opts)
	if err != nil {
		log.Error("init tracker", slog.Any("err", err))
		os.Exit(1)
	}

	srv := &server{log: log, tracker: t, snapshotTimeout: cfg.FetchTimeout + 5*time.Second}
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.FetchTimeout + 15*time.Second,
	}

	go func() {
		log.Info("control server starting", slog.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", slog.Any("err", err))
			os.Exit(1)
		}
	}()

	log.Info("worker started",
		slog.Int("sources", len(sources)),
		slog.String("notify_topic", cfg.KafkaNotifyTopic),
		slog.String("subscriptions", cfg.SubscriptionsBackend),
		slog.Bool("history", cfg.HistoryEnabled),
	)

	done := make(chan struct{})
	go func() {
		t.Run(ctx)
		close(done)
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", slog.Any("err", err))
	}

	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("poll loops did not stop in time")
	}
}

func openSubscriptions(ctx context.Context, cfg *config.Worker) (subscription.Store, func(), error) {
	if cfg.SubscriptionsBackend != config.BackendRedis {
		return subscription.NewMemoryStore(), func() {}, nil
	}

	store := subscription.NewRedisStore(subscription.RedisOptions{
		Address:  cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}
