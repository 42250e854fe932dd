package domain

import "time"

// ProviderType enumerates the kinds of businesses listed in the directory.
type ProviderType string

const (
	ProviderTypeShop       ProviderType = "shop"
	ProviderTypeMechanic   ProviderType = "mechanic"
	ProviderTypePartsStore ProviderType = "parts_store"
)

// Valid reports whether t is one of the known provider types.
func (t ProviderType) Valid() bool {
	switch t {
	case ProviderTypeShop, ProviderTypeMechanic, ProviderTypePartsStore:
		return true
	}
	return false
}

// Provider represents a listed repair shop, mechanic or parts store.
// AverageRating and TotalReviews are derived from the provider's reviews.
type Provider struct {
	ID            string
	OwnerID       *string
	Type          ProviderType
	Name          string
	Description   string
	Phone         *string
	Email         *string
	Website       *string
	Verified      bool
	Active        bool
	AverageRating float64
	TotalReviews  int64
	Location      *Location
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// VisibleTo reports whether the provider can be shown to the given viewer.
// Inactive providers are only visible to their owner.
func (p Provider) VisibleTo(viewerID string) bool {
	if p.Active {
		return true
	}
	return viewerID != "" && p.OwnerID != nil && *p.OwnerID == viewerID
}

// Location is the postal address attached to a provider.
type Location struct {
	Address  string
	City     string
	Province string
}

// ProviderProfile is the assembled read model for a provider page.
type ProviderProfile struct {
	Provider Provider
	Reviews  []Review
}
