package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/Clark-Hu/motofix/internal/apperr"
	"github.com/Clark-Hu/motofix/internal/cache"
	"github.com/Clark-Hu/motofix/internal/domain"
	"github.com/Clark-Hu/motofix/internal/metrics"
	"github.com/Clark-Hu/motofix/internal/repository"
	"github.com/Clark-Hu/motofix/internal/store"
)

const defaultCommentMaxLength = 2000

// CreateReviewInput is a review submission. UserID must come from the
// authenticated request, never from the request body.
type CreateReviewInput struct {
	ProviderID    string `json:"-"`
	UserID        string `json:"-"`
	Rating        int    `json:"rating" validate:"gte=1,lte=5"`
	Comment       string `json:"comment" validate:"required"`
	EstimatedTime *int   `json:"estimated_time" validate:"omitempty,gte=0"`
	ActualTime    *int   `json:"actual_time" validate:"omitempty,gte=0"`
}

// ReviewServiceOptions configures a ReviewService.
type ReviewServiceOptions struct {
	CommentMaxLength int
	Cache            ProfileCache
	Metrics          *metrics.Metrics
	Logger           zerolog.Logger
}

// ReviewService creates reviews and keeps provider aggregates in step.
type ReviewService struct {
	runner           *store.TxRunner
	cache            ProfileCache
	metrics          *metrics.Metrics
	logger           zerolog.Logger
	commentMaxLength int

	// afterInsert runs between the review insert and the aggregate update.
	afterInsert func(ctx context.Context) error
}

// NewReviewService builds a service whose writes run through runner.
func NewReviewService(runner *store.TxRunner, opts ReviewServiceOptions) *ReviewService {
	if opts.CommentMaxLength <= 0 {
		opts.CommentMaxLength = defaultCommentMaxLength
	}
	if opts.Cache == nil {
		opts.Cache = cache.Noop{}
	}
	return &ReviewService{
		runner:           runner,
		cache:            opts.Cache,
		metrics:          opts.Metrics,
		logger:           opts.Logger,
		commentMaxLength: opts.CommentMaxLength,
	}
}

// CreateReview validates input, stores the review and recomputes the
// provider's aggregate in a single transaction.
func (s *ReviewService) CreateReview(ctx context.Context, input CreateReviewInput) (domain.Review, error) {
	review, err := s.createReview(ctx, input)
	s.metrics.ReviewWrite(outcome(err))
	return review, err
}

func (s *ReviewService) createReview(ctx context.Context, input CreateReviewInput) (domain.Review, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return domain.Review{}, apperr.Unauthorized("authentication required")
	}
	if _, err := uuid.Parse(input.UserID); err != nil {
		return domain.Review{}, apperr.Unauthorized("unknown user")
	}
	if _, err := uuid.Parse(input.ProviderID); err != nil {
		return domain.Review{}, apperr.NotFound("provider", input.ProviderID)
	}

	input.Comment = strings.TrimSpace(input.Comment)
	if err := s.validate(input); err != nil {
		return domain.Review{}, err
	}

	params := repository.ReviewInsertParams{
		ID:            uuid.NewString(),
		UserID:        input.UserID,
		ProviderID:    input.ProviderID,
		Rating:        input.Rating,
		Comment:       input.Comment,
		EstimatedTime: input.EstimatedTime,
		ActualTime:    input.ActualTime,
	}

	var (
		created domain.Review
		agg     domain.RatingAggregate
	)
	err := s.runner.Run(ctx, func(tx pgx.Tx) error {
		repo := repository.NewWithDB(tx)
		if err := repo.Providers.LockForUpdate(ctx, params.ProviderID); err != nil {
			return err
		}
		review, err := repo.Reviews.Insert(ctx, params)
		if err != nil {
			return err
		}
		if s.afterInsert != nil {
			if err := s.afterInsert(ctx); err != nil {
				return err
			}
		}
		agg, err = repo.Reviews.RecomputeAggregate(ctx, params.ProviderID)
		if err != nil {
			return err
		}
		created = review
		return nil
	})
	if err != nil {
		return domain.Review{}, s.translate(err, params.ProviderID)
	}

	if err := s.cache.Invalidate(ctx, params.ProviderID); err != nil {
		s.logger.Warn().Err(err).Str("provider_id", params.ProviderID).Msg("invalidate profile cache")
	}
	s.logger.Info().
		Str("review_id", created.ID).
		Str("provider_id", created.ProviderID).
		Str("user_id", created.Reviewer.ID).
		Int("rating", created.Rating).
		Int64("total_reviews", agg.Count).
		Float64("average_rating", agg.Average()).
		Msg("review created")
	return created, nil
}

func (s *ReviewService) validate(input CreateReviewInput) error {
	if err := validateStruct(input); err != nil {
		return err
	}
	if !utf8.ValidString(input.Comment) || strings.ContainsRune(input.Comment, 0) {
		return apperr.Validation("request validation failed", map[string]string{
			"comment": "must be valid UTF-8 text without NUL characters",
		})
	}
	if utf8.RuneCountInString(input.Comment) > s.commentMaxLength {
		return apperr.Validation("request validation failed", map[string]string{
			"comment": fmt.Sprintf("must be at most %d characters", s.commentMaxLength),
		})
	}
	return nil
}

func (s *ReviewService) translate(err error, providerID string) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperr.NotFound("provider", providerID)
	case errors.Is(err, repository.ErrDuplicateReview):
		return apperr.Conflict("you have already reviewed this provider")
	case errors.Is(err, repository.ErrUnknownUser):
		return apperr.Unauthorized("unknown user")
	case errors.Is(err, store.ErrRetriesExhausted):
		s.logger.Warn().Err(err).Str("provider_id", providerID).Msg("review transaction abandoned")
		return apperr.TransactionFailure(err)
	default:
		return apperr.Internal(err)
	}
}

func outcome(err error) string {
	if err == nil {
		return metrics.OutcomeCreated
	}
	switch apperr.As(err).Kind {
	case apperr.KindValidation:
		return metrics.OutcomeValidation
	case apperr.KindUnauthorized:
		return metrics.OutcomeUnauthorized
	case apperr.KindNotFound:
		return metrics.OutcomeNotFound
	case apperr.KindConflict:
		return metrics.OutcomeConflict
	case apperr.KindTransactionFailure:
		return metrics.OutcomeTxFailed
	default:
		return metrics.OutcomeError
	}
}
