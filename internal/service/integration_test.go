package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Clark-Hu/motofix/internal/apperr"
	"github.com/Clark-Hu/motofix/internal/domain"
	"github.com/Clark-Hu/motofix/internal/repository"
	"github.com/Clark-Hu/motofix/internal/store"
	"github.com/Clark-Hu/motofix/internal/testdb"
)

type integrationEnv struct {
	ctx       context.Context
	pool      *pgxpool.Pool
	repo      *repository.Repository
	reviews   *ReviewService
	providers *ProviderService
}

func newIntegrationEnv(t *testing.T) *integrationEnv {
	t.Helper()
	pool := testdb.New(t)
	runner := store.NewTxRunner(pool, store.TxOptions{MaxAttempts: 5, BaseDelay: 5 * time.Millisecond})
	return &integrationEnv{
		ctx:       context.Background(),
		pool:      pool,
		repo:      repository.NewWithDB(pool),
		reviews:   NewReviewService(runner, ReviewServiceOptions{Logger: zerolog.Nop()}),
		providers: NewProviderService(pool, nil, zerolog.Nop()),
	}
}

func (e *integrationEnv) user(t *testing.T, name string) domain.Reviewer {
	t.Helper()
	u, err := e.repo.Users.Create(e.ctx, name, fmt.Sprintf("%s-%s@example.com", name, uuid.NewString()[:8]))
	require.NoError(t, err)
	return u
}

func (e *integrationEnv) provider(t *testing.T, name string) domain.Provider {
	t.Helper()
	p, err := e.repo.Providers.Create(e.ctx, repository.ProviderCreateParams{
		Type: domain.ProviderTypeShop, Name: name, Active: true,
	})
	require.NoError(t, err)
	return p
}

func (e *integrationEnv) review(t *testing.T, providerID string, rating int) {
	t.Helper()
	u := e.user(t, "rater")
	_, err := e.reviews.CreateReview(e.ctx, CreateReviewInput{
		ProviderID: providerID, UserID: u.ID, Rating: rating, Comment: "seed",
	})
	require.NoError(t, err)
}

// assertConsistent checks the stored aggregate against the review rows.
func (e *integrationEnv) assertConsistent(t *testing.T, providerID string) domain.Provider {
	t.Helper()
	p, err := e.repo.Providers.GetByID(e.ctx, providerID)
	require.NoError(t, err)
	agg, err := e.repo.Reviews.Aggregate(e.ctx, providerID)
	require.NoError(t, err)
	assert.Equal(t, agg.Count, p.TotalReviews)
	assert.Equal(t, agg.Average(), p.AverageRating)
	return p
}

func TestIntegration_ReviewScenarios(t *testing.T) {
	env := newIntegrationEnv(t)

	t.Run("first review sets the aggregate", func(t *testing.T) {
		p := env.provider(t, "Scenario A")
		u := env.user(t, "anna")
		review, err := env.reviews.CreateReview(env.ctx, CreateReviewInput{
			ProviderID: p.ID, UserID: u.ID, Rating: 5, Comment: "Great service",
		})
		require.NoError(t, err)
		assert.Equal(t, u.ID, review.Reviewer.ID)
		assert.Equal(t, "anna", review.Reviewer.Name)

		got := env.assertConsistent(t, p.ID)
		assert.Equal(t, 5.0, got.AverageRating)
		assert.Equal(t, int64(1), got.TotalReviews)
	})

	t.Run("new review moves an existing average", func(t *testing.T) {
		p := env.provider(t, "Scenario B")
		for _, r := range []int{5, 4, 4} {
			env.review(t, p.ID, r)
		}
		assert.Equal(t, 4.33, env.assertConsistent(t, p.ID).AverageRating)

		env.review(t, p.ID, 2)
		got := env.assertConsistent(t, p.ID)
		assert.Equal(t, 3.75, got.AverageRating)
		assert.Equal(t, int64(4), got.TotalReviews)
	})

	t.Run("second review by the same user conflicts", func(t *testing.T) {
		p := env.provider(t, "Scenario C")
		u := env.user(t, "carl")
		_, err := env.reviews.CreateReview(env.ctx, CreateReviewInput{ProviderID: p.ID, UserID: u.ID, Rating: 3, Comment: "meh"})
		require.NoError(t, err)

		_, err = env.reviews.CreateReview(env.ctx, CreateReviewInput{ProviderID: p.ID, UserID: u.ID, Rating: 5, Comment: "better"})
		assert.ErrorIs(t, err, apperr.ErrConflict)

		got := env.assertConsistent(t, p.ID)
		assert.Equal(t, 3.0, got.AverageRating)
		assert.Equal(t, int64(1), got.TotalReviews)
	})

	t.Run("out of range ratings are rejected", func(t *testing.T) {
		p := env.provider(t, "Scenario D")
		u := env.user(t, "dina")
		for _, rating := range []int{0, 6} {
			_, err := env.reviews.CreateReview(env.ctx, CreateReviewInput{ProviderID: p.ID, UserID: u.ID, Rating: rating, Comment: "x"})
			assert.ErrorIs(t, err, apperr.ErrValidation)
		}
		got := env.assertConsistent(t, p.ID)
		assert.Equal(t, int64(0), got.TotalReviews)
		assert.Equal(t, 0.0, got.AverageRating)
	})

	t.Run("blank comments are rejected", func(t *testing.T) {
		p := env.provider(t, "Scenario E")
		u := env.user(t, "eli")
		_, err := env.reviews.CreateReview(env.ctx, CreateReviewInput{ProviderID: p.ID, UserID: u.ID, Rating: 4, Comment: "   "})
		assert.ErrorIs(t, err, apperr.ErrValidation)

		reviews, err := env.repo.Reviews.ListByProvider(env.ctx, p.ID)
		require.NoError(t, err)
		assert.Empty(t, reviews)
	})

	t.Run("unknown provider and user", func(t *testing.T) {
		u := env.user(t, "fay")
		_, err := env.reviews.CreateReview(env.ctx, CreateReviewInput{ProviderID: uuid.NewString(), UserID: u.ID, Rating: 4, Comment: "x"})
		assert.ErrorIs(t, err, apperr.ErrNotFound)

		p := env.provider(t, "Ghost target")
		_, err = env.reviews.CreateReview(env.ctx, CreateReviewInput{ProviderID: p.ID, UserID: uuid.NewString(), Rating: 4, Comment: "x"})
		assert.ErrorIs(t, err, apperr.ErrUnauthorized)
		env.assertConsistent(t, p.ID)
	})
}

func TestIntegration_FaultBetweenInsertAndAggregateLeavesNoTrace(t *testing.T) {
	env := newIntegrationEnv(t)
	p := env.provider(t, "Atomic")
	env.review(t, p.ID, 4)

	env.reviews.afterInsert = func(context.Context) error { return errors.New("injected fault") }
	u := env.user(t, "gus")
	_, err := env.reviews.CreateReview(env.ctx, CreateReviewInput{ProviderID: p.ID, UserID: u.ID, Rating: 1, Comment: "lost"})
	require.Error(t, err)
	env.reviews.afterInsert = nil

	reviews, err := env.repo.Reviews.ListByProvider(env.ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, reviews, 1)
	got := env.assertConsistent(t, p.ID)
	assert.Equal(t, 4.0, got.AverageRating)

	_, err = env.reviews.CreateReview(env.ctx, CreateReviewInput{ProviderID: p.ID, UserID: u.ID, Rating: 1, Comment: "retry"})
	require.NoError(t, err, "rolled back review must not block a later one")
}

func TestIntegration_ConcurrentReviewsKeepAggregateExact(t *testing.T) {
	env := newIntegrationEnv(t)
	p := env.provider(t, "Busy Garage")

	const n = 20
	users := make([]domain.Reviewer, n)
	for i := range users {
		users[i] = env.user(t, fmt.Sprintf("user%d", i))
	}

	var (
		wg   sync.WaitGroup
		errs = make(chan error, n)
		sum  int
	)
	for i, u := range users {
		rating := i%5 + 1
		sum += rating
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.reviews.CreateReview(env.ctx, CreateReviewInput{
				ProviderID: p.ID, UserID: u.ID, Rating: rating, Comment: "concurrent",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got := env.assertConsistent(t, p.ID)
	assert.Equal(t, int64(n), got.TotalReviews)
	want := domain.RatingAggregate{Count: n, Sum: int64(sum)}.Average()
	assert.Equal(t, want, got.AverageRating)
}

func TestIntegration_ConcurrentDuplicatesYieldOneReview(t *testing.T) {
	env := newIntegrationEnv(t)
	p := env.provider(t, "Race Track")
	u := env.user(t, "racer")

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.reviews.CreateReview(env.ctx, CreateReviewInput{
				ProviderID: p.ID, UserID: u.ID, Rating: 5, Comment: "me again",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, apperr.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, n-1, conflicts)
	got := env.assertConsistent(t, p.ID)
	assert.Equal(t, int64(1), got.TotalReviews)
}

func TestIntegration_ProfileReadIsIdempotent(t *testing.T) {
	env := newIntegrationEnv(t)
	p := env.provider(t, "Quiet Shop")

	empty, err := env.providers.GetProfile(env.ctx, p.ID, "")
	require.NoError(t, err)
	assert.NotNil(t, empty.Reviews)
	assert.Empty(t, empty.Reviews)

	env.review(t, p.ID, 5)
	env.review(t, p.ID, 3)

	first, err := env.providers.GetProfile(env.ctx, p.ID, "")
	require.NoError(t, err)
	second, err := env.providers.GetProfile(env.ctx, p.ID, "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first.Reviews, 2)
	assert.Equal(t, int64(2), first.Provider.TotalReviews)
	assert.Equal(t, 4.0, first.Provider.AverageRating)
	assert.Equal(t, 3, first.Reviews[0].Rating, "newest review first")
}

func TestIntegration_InactiveProviderHiddenFromStrangers(t *testing.T) {
	env := newIntegrationEnv(t)
	owner := env.user(t, "owner")
	p, err := env.repo.Providers.Create(env.ctx, repository.ProviderCreateParams{
		OwnerID: &owner.ID, Type: domain.ProviderTypeMechanic, Name: "Closed", Active: false,
	})
	require.NoError(t, err)

	_, err = env.providers.GetProfile(env.ctx, p.ID, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	profile, err := env.providers.GetProfile(env.ctx, p.ID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, "Closed", profile.Provider.Name)
}

func TestIntegration_ReconcileRepairsDrift(t *testing.T) {
	env := newIntegrationEnv(t)
	healthy := env.provider(t, "Healthy")
	broken := env.provider(t, "Broken")
	env.review(t, healthy.ID, 4)
	env.review(t, broken.ID, 2)
	env.review(t, broken.ID, 3)

	_, err := env.pool.Exec(env.ctx, `UPDATE providers SET average_rating = 5, total_reviews = 9 WHERE id = $1`, broken.ID)
	require.NoError(t, err)

	runner := store.NewTxRunner(env.pool, store.TxOptions{MaxAttempts: 3, BaseDelay: time.Millisecond})
	reconciler := NewReconciler(runner, env.pool, nil, zerolog.Nop(), 2)

	report, err := reconciler.Run(env.ctx, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	require.Len(t, report.Drifted, 1)
	assert.Equal(t, broken.ID, report.Drifted[0].ProviderID)
	assert.Equal(t, int64(9), report.Drifted[0].StoredTotal)

	stillBroken, err := env.repo.Providers.GetByID(env.ctx, broken.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(9), stillBroken.TotalReviews, "dry run must not write")

	report, err = reconciler.Run(env.ctx, []string{broken.ID}, false)
	require.NoError(t, err)
	require.Len(t, report.Drifted, 1)

	fixed := env.assertConsistent(t, broken.ID)
	assert.Equal(t, 2.5, fixed.AverageRating)
	assert.Equal(t, int64(2), fixed.TotalReviews)

	report, err = reconciler.Run(env.ctx, nil, false)
	require.NoError(t, err)
	assert.Empty(t, report.Drifted)
}

// gatedCache holds the first Set until release is closed, letting a write
// commit between a reader's snapshot load and its cache fill.
type gatedCache struct {
	*fakeCache
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (c *gatedCache) Set(ctx context.Context, profile domain.ProviderProfile) error {
	c.once.Do(func() {
		close(c.entered)
		<-c.release
	})
	return c.fakeCache.Set(ctx, profile)
}

func TestIntegration_CacheFillRacingAReviewIsNotServed(t *testing.T) {
	env := newIntegrationEnv(t)
	p := env.provider(t, "Race Garage")
	u := env.user(t, "racer")

	profiles := &gatedCache{
		fakeCache: newFakeCache(),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	providers := NewProviderService(env.pool, profiles, zerolog.Nop())
	runner := store.NewTxRunner(env.pool, store.TxOptions{MaxAttempts: 3, BaseDelay: time.Millisecond})
	reviews := NewReviewService(runner, ReviewServiceOptions{Cache: profiles, Logger: zerolog.Nop()})

	readerDone := make(chan error, 1)
	go func() {
		profile, err := providers.GetProfile(env.ctx, p.ID, "")
		if err == nil && profile.Provider.TotalReviews != 0 {
			err = fmt.Errorf("reader saw %d reviews before the write", profile.Provider.TotalReviews)
		}
		readerDone <- err
	}()

	select {
	case <-profiles.entered:
	case <-time.After(10 * time.Second):
		t.Fatal("reader never reached the cache fill")
	}

	_, err := reviews.CreateReview(env.ctx, CreateReviewInput{
		ProviderID: p.ID, UserID: u.ID, Rating: 5, Comment: "quick and honest",
	})
	require.NoError(t, err)

	close(profiles.release)
	require.NoError(t, <-readerDone)

	stale, ok, err := profiles.Get(env.ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok, "the racing reader should have filled the cache")
	assert.Equal(t, int64(0), stale.Provider.TotalReviews)

	profile, err := providers.GetProfile(env.ctx, p.ID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), profile.Provider.TotalReviews)
	assert.Equal(t, 5.0, profile.Provider.AverageRating)
	require.Len(t, profile.Reviews, 1)
	assert.Equal(t, u.ID, profile.Reviews[0].Reviewer.ID)

	cached, ok, err := profiles.Get(env.ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), cached.Provider.TotalReviews, "stale entry replaced")
}

func TestIntegration_ReconcileReportsUnknownProviders(t *testing.T) {
	env := newIntegrationEnv(t)
	p := env.provider(t, "Known")
	env.review(t, p.ID, 4)
	unknown := uuid.NewString()

	runner := store.NewTxRunner(env.pool, store.TxOptions{MaxAttempts: 3, BaseDelay: time.Millisecond})
	reconciler := NewReconciler(runner, env.pool, nil, zerolog.Nop(), 2)

	report, err := reconciler.Run(env.ctx, []string{unknown, p.ID, "not-an-id"}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.ElementsMatch(t, []string{unknown, "not-an-id"}, report.Missing)
	assert.Empty(t, report.Drifted)
}
