package domain

import "time"

const (
	MinRating = 1
	MaxRating = 5
)

// Review is a single user's rating and comment for a provider.
type Review struct {
	ID            string
	ProviderID    string
	Reviewer      Reviewer
	Rating        int
	Comment       string
	EstimatedTime *int
	ActualTime    *int
	Flagged       bool
	Reply         *string
	CreatedAt     time.Time
}

// Reviewer is the public identity of the user who wrote a review.
type Reviewer struct {
	ID   string
	Name string
}

// RatingAggregate holds the raw aggregate over a provider's reviews.
type RatingAggregate struct {
	Count int64
	Sum   int64
}

// Hundredths returns the mean rating in hundredths, rounded half up.
// An empty aggregate yields 0.
func (a RatingAggregate) Hundredths() int64 {
	if a.Count <= 0 {
		return 0
	}
	return (200*a.Sum + a.Count) / (2 * a.Count)
}

// Average returns the mean rating rounded half up to two decimals.
func (a RatingAggregate) Average() float64 {
	return float64(a.Hundredths()) / 100
}
