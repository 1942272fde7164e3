package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aaronwang/bidding-app/relay/internal/database"
	"github.com/aaronwang/bidding-app/relay/internal/feed"
	"github.com/aaronwang/bidding-app/relay/internal/handlers"
	"github.com/aaronwang/bidding-app/relay/internal/history"
	"github.com/aaronwang/bidding-app/relay/internal/metrics"
	natsPublisher "github.com/aaronwang/bidding-app/relay/internal/nats"
	redisClient "github.com/aaronwang/bidding-app/relay/internal/redis"
	"github.com/aaronwang/bidding-app/relay/internal/relay"
	wsHandler "github.com/aaronwang/bidding-app/relay/internal/websocket"
	"github.com/aaronwang/bidding-app/shared/config"
	"github.com/aaronwang/bidding-app/shared/logger"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("RELAY_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "auction relay: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting auction relay",
		zap.String("feed_addr", cfg.Feed.Addr),
		zap.String("listen_addr", cfg.Server.Addr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// State store (relational). An unreachable store is not fatal: bids are
	// dropped until it comes back.
	db, err := database.OpenPostgres(cfg.State.DSN, database.PoolConfig{
		MaxOpenConns:    cfg.State.MaxOpenConns,
		MaxIdleConns:    cfg.State.MaxIdleConns,
		ConnMaxLifetime: cfg.State.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	state := database.NewStateStore(db)
	defer state.Close()
	if err := withTimeout(ctx, cfg.State.Timeout, state.Ping); err != nil {
		log.Warn("State store unreachable, continuing", zap.Error(err))
	} else {
		log.Info("Connected to state store")
		if cfg.State.AutoMigrate {
			if err := withTimeout(ctx, cfg.State.Timeout, state.EnsureSchema); err != nil {
				log.Error("Failed to migrate state store", zap.Error(err))
			}
		}
	}

	// History store (document)
	mongoClient, err := history.Connect(ctx, cfg.History.URI)
	if err != nil {
		return err
	}
	defer mongoClient.Disconnect(context.Background())
	if err := withTimeout(ctx, cfg.History.Timeout, func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) }); err != nil {
		log.Warn("History store unreachable, continuing", zap.Error(err))
	} else {
		log.Info("Connected to history store", zap.String("database", cfg.History.Database))
	}
	historyStore := history.NewStore(mongoClient.Database(cfg.History.Database), history.Collections{
		Active:   cfg.History.ActiveCollection,
		History:  cfg.History.HistoryCollection,
		Products: cfg.History.ProductsCollection,
	})

	// Optional mirrors are skipped when their broker is down at startup
	var mirrors []relay.Mirror
	if cfg.Redis.Enabled {
		rdb, err := redisClient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn("Redis mirror disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			mirrors = append(mirrors, rdb)
			log.Info("Redis mirror enabled", zap.String("addr", cfg.Redis.Addr))
		}
	}
	if cfg.NATS.Enabled {
		pub, err := natsPublisher.NewPublisher(ctx, cfg.NATS.URL, natsPublisher.StreamOptions{
			Name:          cfg.NATS.Stream,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			MaxAge:        cfg.NATS.MaxAge,
		}, log.Named("nats"))
		if err != nil {
			log.Warn("NATS mirror disabled", zap.Error(err))
		} else {
			defer pub.Close()
			mirrors = append(mirrors, pub)
			log.Info("NATS mirror enabled", zap.String("url", cfg.NATS.URL))
		}
	}

	manager := wsHandler.NewManager(log.Named("broadcaster"),
		wsHandler.WithObserver(m),
		wsHandler.WithQueueSize(cfg.Feed.QueueSize))

	pipeline := relay.NewPipeline(state, historyStore, manager, m, log.Named("pipeline"),
		relay.WithMirrors(mirrors...),
		relay.WithStoreTimeout(cfg.State.Timeout))

	router := mux.NewRouter()
	handlers.NewHandler(state, historyStore, cfg.History.Timeout, log.Named("api")).Routes(router)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	wsHandler.NewHandler(manager, cfg.Server.SendBuffer, log.Named("subscribers")).Routes(router)

	svc := relay.NewService(relay.ServiceOptions{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		QueueSize:       cfg.Feed.QueueSize,
		Feed: feed.Options{
			Addr:          cfg.Feed.Addr,
			DialTimeout:   cfg.Feed.DialTimeout,
			RetryDelay:    cfg.Feed.RetryDelay,
			Handshake:     cfg.Feed.Handshake,
			MaxLineLength: cfg.Feed.MaxLineLength,
		},
	}, router, manager, pipeline, m, log)

	if err := svc.Run(ctx); err != nil {
		log.Error("Relay failed", zap.Error(err))
		return err
	}
	log.Info("Auction relay stopped gracefully")
	return nil
}

func withTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}
