// Command reconcile recomputes stored provider rating aggregates from their
// reviews and reports providers whose stored values had drifted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Clark-Hu/motofix/internal/cache"
	"github.com/Clark-Hu/motofix/internal/config"
	"github.com/Clark-Hu/motofix/internal/logging"
	"github.com/Clark-Hu/motofix/internal/service"
	"github.com/Clark-Hu/motofix/internal/store"
)

func main() {
	var (
		providers   = flag.String("provider", "", "comma-separated provider ids (default: all providers)")
		dryRun      = flag.Bool("dry-run", false, "report drift without rewriting aggregates")
		concurrency = flag.Int("concurrency", 4, "providers reconciled in parallel")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadTool()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New("motofix-reconcile", cfg.LogLevel, cfg.LogFormat)

	report, err := run(ctx, cfg, logger, splitIDs(*providers), *dryRun, *concurrency)
	if err != nil {
		logger.Fatal().Err(err).Msg("reconcile failed")
	}

	for _, d := range report.Drifted {
		fmt.Printf("%s\tstored=%.2f/%d\tactual=%.2f/%d\n",
			d.ProviderID, d.StoredAverage, d.StoredTotal, d.Actual.Average(), d.Actual.Count)
	}
	for _, id := range report.Missing {
		fmt.Fprintf(os.Stderr, "%s\tnot found\n", id)
	}
	logger.Info().
		Int("checked", report.Checked).
		Int("drifted", len(report.Drifted)).
		Int("missing", len(report.Missing)).
		Bool("dry_run", *dryRun).
		Msg("reconcile finished")
	if code := exitCode(report, *dryRun); code != 0 {
		os.Exit(code)
	}
}

// exitCode is 1 when requested providers were missing, 2 when a dry run
// found drift, and 0 otherwise.
func exitCode(report service.ReconcileReport, dryRun bool) int {
	switch {
	case len(report.Missing) > 0:
		return 1
	case dryRun && len(report.Drifted) > 0:
		return 2
	default:
		return 0
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger, ids []string, dryRun bool, concurrency int) (service.ReconcileReport, error) {
	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	st, err := store.New(dbCtx, cfg.DBURL, store.OptionsFromConfig(cfg, logger))
	if err != nil {
		return service.ReconcileReport{}, fmt.Errorf("connect database: %w", err)
	}
	defer st.Close()

	var profiles service.ProfileCache = cache.Noop{}
	if cfg.RedisURL != "" && !dryRun {
		client, err := cache.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return service.ReconcileReport{}, fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		profiles = cache.NewRedis(client, time.Duration(cfg.ProfileCacheTTLSecs)*time.Second)
	}

	runner := store.NewTxRunner(st.Pool(), store.TxOptionsFromConfig(cfg, func(err error, wait time.Duration) {
		logger.Warn().Err(err).Dur("wait", wait).Msg("retrying reconcile transaction")
	}))
	reconciler := service.NewReconciler(runner, st.Pool(), profiles, logger, concurrency)
	return reconciler.Run(ctx, ids, dryRun)
}

func splitIDs(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
