package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/generator/internal/generator"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/pkg/config"
)

var instruments = map[string]generator.Instrument{
	"BTC":  {Price: 65000, Supply: 19.7e6},
	"ETH":  {Price: 3200, Supply: 120e6},
	"SOL":  {Price: 150, Supply: 460e6},
	"XRP":  {Price: 0.55, Supply: 55e9},
	"ADA":  {Price: 0.45, Supply: 35e9},
	"DOGE": {Price: 0.15, Supply: 144e9},
	"DOT":  {Price: 7, Supply: 1.4e9},
	"LINK": {Price: 14, Supply: 587e6},
}

type options struct {
	port       string
	apiKey     string
	interval   time.Duration
	volatility float64
	seed       int64
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:          "generator",
		Short:        "Synthetic quote provider for local development",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := config.NewLogger(config.LoggerConfig{Level: opts.logLevel, Format: "json"})
			if err != nil {
				return err
			}
			defer logger.Sync()
			return run(cmd.Context(), opts, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.port, "port", ":8090", "listen address")
	f.StringVar(&opts.apiKey, "api-key", os.Getenv("UPSTREAM_API_KEY"), "required X-API-Key value, empty disables the check")
	f.DurationVar(&opts.interval, "interval", time.Second, "random walk step interval")
	f.Float64Var(&opts.volatility, "volatility", 0.002, "max fractional move per step")
	f.Int64Var(&opts.seed, "seed", time.Now().UnixNano(), "random seed")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level")
	return cmd
}

func run(parent context.Context, opts options, logger *zap.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := generator.NewPriceSimulator(logger, instruments, opts.volatility,
		generator.NewRealRand(opts.seed), generator.RealClock{})
	go sim.Run(ctx, opts.interval)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	sim.RegisterRoutes(r, opts.apiKey)

	srv := &http.Server{Addr: opts.port, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Quote API listening", zap.String("port", opts.port), zap.Int64("seed", opts.seed))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	return serveErr
}
