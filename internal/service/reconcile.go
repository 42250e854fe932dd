package service

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Clark-Hu/motofix/internal/cache"
	"github.com/Clark-Hu/motofix/internal/domain"
	"github.com/Clark-Hu/motofix/internal/repository"
	"github.com/Clark-Hu/motofix/internal/store"
)

// Drift describes a provider whose stored aggregate disagreed with its reviews.
type Drift struct {
	ProviderID    string
	StoredAverage float64
	StoredTotal   int64
	Actual        domain.RatingAggregate
}

// ReconcileReport summarises one reconciliation pass. Missing lists
// requested ids that match no provider.
type ReconcileReport struct {
	Checked int
	Drifted []Drift
	Missing []string
}

// Reconciler recomputes stored provider aggregates from review rows.
type Reconciler struct {
	runner      *store.TxRunner
	db          repository.DBTX
	cache       ProfileCache
	logger      zerolog.Logger
	concurrency int
}

// NewReconciler builds a reconciler. concurrency bounds the number of
// providers processed at once.
func NewReconciler(runner *store.TxRunner, db repository.DBTX, profiles ProfileCache, logger zerolog.Logger, concurrency int) *Reconciler {
	if profiles == nil {
		profiles = cache.Noop{}
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Reconciler{runner: runner, db: db, cache: profiles, logger: logger, concurrency: concurrency}
}

// Run checks providerIDs, or every provider when none are given. Drifted
// aggregates are rewritten unless dryRun is set.
func (r *Reconciler) Run(ctx context.Context, providerIDs []string, dryRun bool) (ReconcileReport, error) {
	if len(providerIDs) == 0 {
		ids, err := repository.NewWithDB(r.db).Providers.ListIDs(ctx)
		if err != nil {
			return ReconcileReport{}, err
		}
		providerIDs = ids
	}

	var (
		mu      sync.Mutex
		drifted []Drift
		missing []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, id := range providerIDs {
		g.Go(func() error {
			drift, found, err := r.reconcileOne(gctx, id, dryRun)
			if errors.Is(err, repository.ErrNotFound) {
				r.logger.Warn().Str("provider_id", id).Msg("provider not found")
				mu.Lock()
				missing = append(missing, id)
				mu.Unlock()
				return nil
			}
			if err != nil {
				return err
			}
			if found {
				mu.Lock()
				drifted = append(drifted, drift)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ReconcileReport{}, err
	}

	sort.Slice(drifted, func(i, j int) bool { return drifted[i].ProviderID < drifted[j].ProviderID })
	sort.Strings(missing)
	return ReconcileReport{
		Checked: len(providerIDs) - len(missing),
		Drifted: drifted,
		Missing: missing,
	}, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, providerID string, dryRun bool) (Drift, bool, error) {
	if _, err := uuid.Parse(providerID); err != nil {
		return Drift{}, false, repository.ErrNotFound
	}

	var (
		drift   Drift
		drifted bool
	)
	err := r.runner.Run(ctx, func(tx pgx.Tx) error {
		repo := repository.NewWithDB(tx)
		if !dryRun {
			if err := repo.Providers.LockForUpdate(ctx, providerID); err != nil {
				return err
			}
		}
		provider, err := repo.Providers.GetByID(ctx, providerID)
		if err != nil {
			return err
		}
		agg, err := repo.Reviews.Aggregate(ctx, providerID)
		if err != nil {
			return err
		}

		drift = Drift{
			ProviderID:    providerID,
			StoredAverage: provider.AverageRating,
			StoredTotal:   provider.TotalReviews,
			Actual:        agg,
		}
		drifted = provider.TotalReviews != agg.Count ||
			int64(math.Round(provider.AverageRating*100)) != agg.Hundredths()
		if !drifted || dryRun {
			return nil
		}
		_, err = repo.Reviews.RecomputeAggregate(ctx, providerID)
		return err
	})
	if err != nil {
		return Drift{}, false, err
	}

	if drifted {
		r.logger.Warn().
			Str("provider_id", providerID).
			Float64("stored_average", drift.StoredAverage).
			Int64("stored_total", drift.StoredTotal).
			Float64("actual_average", drift.Actual.Average()).
			Int64("actual_total", drift.Actual.Count).
			Bool("dry_run", dryRun).
			Msg("aggregate drift")
		if !dryRun {
			if err := r.cache.Invalidate(ctx, providerID); err != nil {
				r.logger.Warn().Err(err).Str("provider_id", providerID).Msg("invalidate profile cache")
			}
		}
	}
	return drift, drifted, nil
}
