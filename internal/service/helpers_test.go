package service

import (
	"context"
	"sync"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Clark-Hu/motofix/internal/domain"
	"github.com/Clark-Hu/motofix/internal/store"
)

const (
	testProviderID = "33333333-3333-3333-3333-333333333333"
	testUserID     = "22222222-2222-2222-2222-222222222222"
	testOwnerID    = "44444444-4444-4444-4444-444444444444"
)

var (
	reviewRowColumns = []string{
		"id", "provider_id", "user_id", "name", "rating", "comment",
		"estimated_time", "actual_time", "flagged", "reply", "created_at",
	}
	providerRowColumns = []string{
		"id", "owner_id", "type", "name", "description", "phone", "email", "website",
		"verified", "active", "average_rating", "total_reviews", "created_at", "updated_at",
		"address", "city", "province",
	}
)

type fakeCache struct {
	mu          sync.Mutex
	profiles    map[string]domain.ProviderProfile
	invalidated []string
	sets        int
}

func newFakeCache() *fakeCache {
	return &fakeCache{profiles: make(map[string]domain.ProviderProfile)}
}

func (c *fakeCache) Get(_ context.Context, providerID string) (domain.ProviderProfile, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.profiles[providerID]
	return p, ok, nil
}

func (c *fakeCache) Set(_ context.Context, profile domain.ProviderProfile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[profile.Provider.ID] = profile
	c.sets++
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, providerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.profiles, providerID)
	c.invalidated = append(c.invalidated, providerID)
	return nil
}

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func newTestRunner(db store.Beginner, attempts int) *store.TxRunner {
	return store.NewTxRunner(db, store.TxOptions{MaxAttempts: attempts, BaseDelay: time.Millisecond})
}

func newMockReviewService(t *testing.T, attempts int) (*ReviewService, pgxmock.PgxPoolIface, *fakeCache) {
	t.Helper()
	mock := newMockPool(t)
	profiles := newFakeCache()
	svc := NewReviewService(newTestRunner(mock, attempts), ReviewServiceOptions{
		CommentMaxLength: 20,
		Cache:            profiles,
		Logger:           zerolog.Nop(),
	})
	return svc, mock, profiles
}

func expectLock(mock pgxmock.PgxPoolIface) {
	mock.ExpectQuery("SELECT id FROM providers").
		WithArgs(testProviderID).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(testProviderID))
}

func expectInsert(mock pgxmock.PgxPoolIface, rating int, comment string) {
	mock.ExpectQuery("INSERT INTO reviews").
		WithArgs(pgxmock.AnyArg(), testUserID, testProviderID, rating, comment, (*int)(nil), (*int)(nil)).
		WillReturnRows(pgxmock.NewRows(reviewRowColumns).AddRow(
			"11111111-1111-1111-1111-111111111111", testProviderID, testUserID, "Alice",
			int16(rating), comment, (*int32)(nil), (*int32)(nil), false, (*string)(nil),
			time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		))
}

// anyInsertArgs matches every insert parameter for cases where the statement
// fails before its values matter.
func anyInsertArgs() []any {
	args := make([]any, 7)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func expectAggregate(mock pgxmock.PgxPoolIface, count, sum, hundredths int64) {
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(testProviderID).
		WillReturnRows(pgxmock.NewRows([]string{"count", "sum"}).AddRow(count, sum))
	mock.ExpectExec("UPDATE providers").
		WithArgs(testProviderID, hundredths, count).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
}

var providerStamp = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func expectStamp(mock pgxmock.PgxPoolIface, updatedAt time.Time) {
	mock.ExpectQuery("SELECT updated_at FROM providers").
		WithArgs(testProviderID).
		WillReturnRows(pgxmock.NewRows([]string{"updated_at"}).AddRow(updatedAt))
}

func providerRow(active bool, average float64, total int64) []any {
	owner := testOwnerID
	created := providerStamp
	city := "Toronto"
	return []any{
		testProviderID, &owner, "shop", "Moto Garage", "", (*string)(nil), (*string)(nil), (*string)(nil),
		true, active, average, total, created, created,
		(*string)(nil), &city, (*string)(nil),
	}
}
