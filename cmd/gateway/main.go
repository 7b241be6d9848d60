package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/alerts"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/cache"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/gateway"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/hub"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/registry"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/repository"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/server"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/upstream"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/pkg/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "gateway",
		Short:        "Real-time price streaming gateway",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(cfg.Logger)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if err := run(cmd.Context(), cfg, logger); err != nil {
				logger.Error("Gateway failed", zap.Error(err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML/JSON config file")
	return cmd
}

func run(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	checkers := map[string]repository.HealthChecker{}
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("Close failed", zap.Error(err))
			}
		}
	}()

	var hubOpts []hub.Option

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		mirror := repository.NewRedisMirror(rdb, cfg.Redis.SnapshotTTL)
		if err := mirror.Ping(ctx); err != nil {
			// the mirror is optional at runtime; cycles log and carry on
			logger.Warn("Redis unreachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		closers = append(closers, mirror)
		checkers["redis"] = mirror
		hubOpts = append(hubOpts, hub.WithMirror(mirror))
	}

	if cfg.Postgres.Enabled {
		dsn, err := cfg.Postgres.DSN(ctx, cfg.App.Env)
		if err != nil {
			return err
		}
		db, err := repository.OpenPostgres(dsn)
		if err != nil {
			return err
		}
		store := repository.NewGormStore(db)
		closers = append(closers, store)
		if cfg.Postgres.AutoMigrate {
			if err := store.AutoMigrate(); err != nil {
				return err
			}
		}
		checkers["postgres"] = store

		var publisher repository.EventPublisher
		if cfg.Kafka.Enabled {
			creator := repository.NewTopicCreator(logger, &repository.RealKafkaDialer{Dialer: kafka.DefaultDialer}, 3)
			if err := creator.Ensure(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic); err != nil {
				return err
			}
			kp := repository.NewKafkaPublisher(repository.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
			closers = append(closers, kp)
			publisher = kp
		}

		engine := alerts.NewEngine(store, publisher, logger.Named("alerts"))
		hubOpts = append(hubOpts, hub.WithAlerts(engine))
	}

	provider := upstream.NewHTTPProvider(cfg.Upstream.BaseURL, cfg.Upstream.APIKey, &http.Client{
		Timeout: cfg.Upstream.Timeout,
	})
	fetcher := upstream.NewFetcher(provider, upstream.Options{
		BatchSize:      cfg.Upstream.BatchSize,
		BatchDelay:     cfg.Upstream.BatchDelay,
		BatchTimeout:   cfg.Upstream.Timeout,
		MaxConcurrency: cfg.Upstream.MaxConcurrency,
	}, logger.Named("upstream"))

	h := hub.New(
		registry.New(cfg.Streamer.MaxSymbols),
		cache.New(cfg.Streamer.CacheTTL, cfg.Streamer.FallbackPrices),
		fetcher,
		hub.Options{
			BroadcastInterval: cfg.Streamer.BroadcastInterval,
			HeartbeatInterval: cfg.Streamer.HeartbeatInterval,
			AlertTimeout:      cfg.Streamer.AlertTimeout,
		},
		logger.Named("hub"),
		hubOpts...,
	)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go h.Run(hubCtx)

	srv := server.New(h, checkers, server.Config{
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		Client: gateway.Options{
			SendBuffer:     cfg.Streamer.SendBuffer,
			MaxMessageSize: cfg.Gateway.MaxMessageSize,
		},
	}, logger)

	httpSrv := &http.Server{
		Addr:              cfg.App.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server Started",
			zap.String("port", cfg.App.Port),
			zap.String("env", cfg.App.Env),
			zap.Duration("broadcast_interval", cfg.Streamer.BroadcastInterval))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case serveErr = <-errCh:
		logger.Error("HTTP Error", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	stopHub()
	select {
	case <-h.Done():
	case <-shutdownCtx.Done():
		logger.Warn("Hub did not drain before deadline")
	}

	logger.Info("Shutdown Complete")
	return serveErr
}
