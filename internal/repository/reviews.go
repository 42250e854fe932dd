package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Clark-Hu/motofix/internal/domain"
)

// ReviewsRepository provides persistence helpers for provider reviews.
type ReviewsRepository struct {
	db DBTX
}

// ReviewInsertParams captures the payload required to insert a review.
type ReviewInsertParams struct {
	ID            string
	UserID        string
	ProviderID    string
	Rating        int
	Comment       string
	EstimatedTime *int
	ActualTime    *int
}

const reviewColumns = `
    r.id::text,
    r.provider_id::text,
    r.user_id::text,
    u.name,
    r.rating,
    r.comment,
    r.estimated_time,
    r.actual_time,
    r.flagged,
    r.reply,
    r.created_at
`

// Insert stores a review and returns it with the reviewer's identity.
// The (user_id, provider_id) unique constraint decides duplicates, so two
// racing inserts cannot both succeed.
func (r *ReviewsRepository) Insert(ctx context.Context, params ReviewInsertParams) (domain.Review, error) {
	const query = `
        WITH r AS (
            INSERT INTO reviews (id, user_id, provider_id, rating, comment, estimated_time, actual_time)
            VALUES ($1,$2,$3,$4,$5,$6,$7)
            ON CONFLICT ON CONSTRAINT reviews_user_provider_key DO NOTHING
            RETURNING *
        )
        SELECT ` + reviewColumns + `
        FROM r JOIN users u ON u.id = r.user_id
    `

	review, err := scanReview(r.db.QueryRow(ctx, query,
		params.ID,
		params.UserID,
		params.ProviderID,
		params.Rating,
		params.Comment,
		params.EstimatedTime,
		params.ActualTime,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Review{}, ErrDuplicateReview
		}
		switch code, constraint := pgErrorCode(err); {
		case code == codeUniqueViolation:
			return domain.Review{}, ErrDuplicateReview
		case code == codeForeignKeyViolation && constraint == "reviews_user_id_fkey":
			return domain.Review{}, ErrUnknownUser
		case code == codeForeignKeyViolation:
			return domain.Review{}, ErrNotFound
		}
		return domain.Review{}, fmt.Errorf("insert review: %w", err)
	}
	return review, nil
}

// Aggregate returns the count and sum of ratings for a provider as seen by
// the current statement snapshot.
func (r *ReviewsRepository) Aggregate(ctx context.Context, providerID string) (domain.RatingAggregate, error) {
	const query = `
        SELECT COUNT(*)::int8, COALESCE(SUM(rating), 0)::int8
        FROM reviews
        WHERE provider_id = $1
    `
	var agg domain.RatingAggregate
	if err := r.db.QueryRow(ctx, query, providerID).Scan(&agg.Count, &agg.Sum); err != nil {
		return domain.RatingAggregate{}, fmt.Errorf("aggregate reviews: %w", err)
	}
	return agg, nil
}

// RecomputeAggregate rebuilds a provider's average_rating and total_reviews
// from its review rows. It is the only writer of those columns; callers that
// mutate reviews must invoke it in the same transaction.
func (r *ReviewsRepository) RecomputeAggregate(ctx context.Context, providerID string) (domain.RatingAggregate, error) {
	agg, err := r.Aggregate(ctx, providerID)
	if err != nil {
		return domain.RatingAggregate{}, err
	}

	const query = `
        UPDATE providers
        SET average_rating = $2::numeric / 100,
            total_reviews = $3,
            updated_at = GREATEST(clock_timestamp(), updated_at + interval '1 microsecond')
        WHERE id = $1
    `
	tag, err := r.db.Exec(ctx, query, providerID, agg.Hundredths(), agg.Count)
	if err != nil {
		return domain.RatingAggregate{}, fmt.Errorf("update provider aggregate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.RatingAggregate{}, ErrNotFound
	}
	return agg, nil
}

// ListByProvider returns every review of a provider, newest first.
func (r *ReviewsRepository) ListByProvider(ctx context.Context, providerID string) ([]domain.Review, error) {
	query := `SELECT ` + reviewColumns + `
        FROM reviews r JOIN users u ON u.id = r.user_id
        WHERE r.provider_id = $1
        ORDER BY r.created_at DESC, r.id DESC`

	rows, err := r.db.Query(ctx, query, providerID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	reviews := make([]domain.Review, 0)
	for rows.Next() {
		review, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		reviews = append(reviews, review)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return reviews, nil
}

func scanReview(row pgx.Row) (domain.Review, error) {
	var (
		review        domain.Review
		rating        int16
		estimatedTime *int32
		actualTime    *int32
	)
	err := row.Scan(
		&review.ID,
		&review.ProviderID,
		&review.Reviewer.ID,
		&review.Reviewer.Name,
		&rating,
		&review.Comment,
		&estimatedTime,
		&actualTime,
		&review.Flagged,
		&review.Reply,
		&review.CreatedAt,
	)
	if err != nil {
		return domain.Review{}, err
	}
	review.Rating = int(rating)
	review.EstimatedTime = intPtr(estimatedTime)
	review.ActualTime = intPtr(actualTime)
	return review, nil
}

func intPtr(v *int32) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}
