package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/Clark-Hu/motofix/internal/apperr"
	"github.com/Clark-Hu/motofix/internal/cache"
	"github.com/Clark-Hu/motofix/internal/domain"
	"github.com/Clark-Hu/motofix/internal/repository"
	"github.com/Clark-Hu/motofix/internal/store"
)

// ProviderDB is the database handle used by the read path.
type ProviderDB interface {
	repository.DBTX
	store.SnapshotBeginner
}

// ProviderService serves provider profiles and directory listings.
type ProviderService struct {
	db     ProviderDB
	repo   *repository.Repository
	cache  ProfileCache
	logger zerolog.Logger
}

// NewProviderService builds the read path. A nil cache disables caching.
func NewProviderService(db ProviderDB, profiles ProfileCache, logger zerolog.Logger) *ProviderService {
	if profiles == nil {
		profiles = cache.Noop{}
	}
	return &ProviderService{
		db:     db,
		repo:   repository.NewWithDB(db),
		cache:  profiles,
		logger: logger,
	}
}

// GetProfile returns a provider with its location and reviews, newest first.
// Inactive providers are reported as missing unless viewerID owns them.
func (s *ProviderService) GetProfile(ctx context.Context, providerID, viewerID string) (domain.ProviderProfile, error) {
	if _, err := uuid.Parse(providerID); err != nil {
		return domain.ProviderProfile{}, apperr.NotFound("provider", providerID)
	}

	profile, ok, err := s.cache.Get(ctx, providerID)
	if err != nil {
		s.logger.Warn().Err(err).Str("provider_id", providerID).Msg("read profile cache")
	}
	if ok {
		ok, err = s.current(ctx, profile)
		if err != nil {
			return domain.ProviderProfile{}, err
		}
	}
	if !ok {
		profile, err = s.loadProfile(ctx, providerID)
		if err != nil {
			return domain.ProviderProfile{}, err
		}
		if err := s.cache.Set(ctx, profile); err != nil {
			s.logger.Warn().Err(err).Str("provider_id", providerID).Msg("write profile cache")
		}
	}

	if !profile.Provider.VisibleTo(viewerID) {
		return domain.ProviderProfile{}, apperr.NotFound("provider", providerID)
	}
	return profile, nil
}

// current reports whether a cached profile was assembled from the provider's
// latest committed aggregate. An entry written by a reader that raced a review
// commit, or one whose invalidation was lost, carries an older stamp.
func (s *ProviderService) current(ctx context.Context, cached domain.ProviderProfile) (bool, error) {
	updatedAt, err := s.repo.Providers.UpdatedAt(ctx, cached.Provider.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, apperr.NotFound("provider", cached.Provider.ID)
	}
	if err != nil {
		return false, apperr.Internal(err)
	}
	if !updatedAt.Equal(cached.Provider.UpdatedAt) {
		s.logger.Debug().Str("provider_id", cached.Provider.ID).Msg("stale cached profile")
		return false, nil
	}
	return true, nil
}

func (s *ProviderService) loadProfile(ctx context.Context, providerID string) (domain.ProviderProfile, error) {
	var profile domain.ProviderProfile
	err := store.ReadSnapshot(ctx, s.db, func(tx pgx.Tx) error {
		repo := repository.NewWithDB(tx)
		provider, err := repo.Providers.GetByID(ctx, providerID)
		if err != nil {
			return err
		}
		reviews, err := repo.Reviews.ListByProvider(ctx, providerID)
		if err != nil {
			return err
		}
		profile = domain.ProviderProfile{Provider: provider, Reviews: reviews}
		return nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		return domain.ProviderProfile{}, apperr.NotFound("provider", providerID)
	}
	if err != nil {
		return domain.ProviderProfile{}, apperr.Internal(err)
	}
	return profile, nil
}

// List searches active providers.
func (s *ProviderService) List(ctx context.Context, filters repository.ProviderListFilters) (repository.ProviderListResult, error) {
	result, err := s.repo.Providers.List(ctx, filters)
	if err != nil {
		return repository.ProviderListResult{}, apperr.Internal(err)
	}
	return result, nil
}
