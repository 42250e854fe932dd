package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Clark-Hu/motofix/internal/auth"
	"github.com/Clark-Hu/motofix/internal/cache"
	"github.com/Clark-Hu/motofix/internal/config"
	httpserver "github.com/Clark-Hu/motofix/internal/http"
	"github.com/Clark-Hu/motofix/internal/logging"
	"github.com/Clark-Hu/motofix/internal/metrics"
	"github.com/Clark-Hu/motofix/internal/service"
	"github.com/Clark-Hu/motofix/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New("motofix-api", cfg.LogLevel, cfg.LogFormat)
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	st, err := store.New(dbCtx, cfg.DBURL, store.OptionsFromConfig(cfg, logger))
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer st.Close()

	m := metrics.New()
	m.Register(store.NewPoolStatsCollector(st))

	profiles, closeCache, err := openProfileCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	runner := store.NewTxRunner(st.Pool(), store.TxOptionsFromConfig(cfg, func(err error, wait time.Duration) {
		m.TxRetry()
		logger.Warn().Err(err).Dur("wait", wait).Msg("retrying review transaction")
	}))

	server := httpserver.New(cfg, httpserver.Dependencies{
		Health: st,
		Reviews: service.NewReviewService(runner, service.ReviewServiceOptions{
			CommentMaxLength: cfg.CommentMaxLength,
			Cache:            profiles,
			Metrics:          m,
			Logger:           logger.With().Str("component", "reviews").Logger(),
		}),
		Providers: service.NewProviderService(st.Pool(), profiles, logger.With().Str("component", "providers").Logger()),
		Verifier:  auth.NewVerifier(cfg.JWTSecret),
		Metrics:   m,
		Logger:    logger,
	})

	logger.Info().Str("port", cfg.Port).Msg("http server starting")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := server.Start(gctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("graceful shutdown error")
	}
	logger.Info().Msg("http server stopped")
	return nil
}

// openProfileCache connects to Redis when REDIS_URL is set and falls back to
// no caching otherwise.
func openProfileCache(ctx context.Context, cfg config.Config, logger zerolog.Logger) (service.ProfileCache, func(), error) {
	if cfg.RedisURL == "" || cfg.ProfileCacheTTLSecs == 0 {
		logger.Info().Msg("profile cache disabled")
		return cache.Noop{}, func() {}, nil
	}
	client, err := cache.Dial(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	logger.Info().Int("ttl_secs", cfg.ProfileCacheTTLSecs).Msg("profile cache enabled")
	ttl := time.Duration(cfg.ProfileCacheTTLSecs) * time.Second
	return cache.NewRedis(client, ttl), func() { _ = client.Close() }, nil
}
