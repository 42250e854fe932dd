package repository

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Clark-Hu/motofix/internal/domain"
)

// ProvidersRepository provides persistence helpers for provider entities.
type ProvidersRepository struct {
	db DBTX
}

const providerColumns = `
    p.id::text,
    p.owner_id::text,
    p.type,
    p.name,
    p.description,
    p.phone,
    p.email,
    p.website,
    p.verified,
    p.active,
    p.average_rating::float8,
    p.total_reviews,
    p.created_at,
    p.updated_at,
    l.address,
    l.city,
    l.province
`

const providerFrom = ` FROM providers p LEFT JOIN locations l ON l.provider_id = p.id`

// ProviderCreateParams bundles the fields required to register a provider.
type ProviderCreateParams struct {
	OwnerID     *string
	Type        domain.ProviderType
	Name        string
	Description string
	Phone       *string
	Email       *string
	Website     *string
	Verified    bool
	Active      bool
	Location    *domain.Location
}

// ProviderListFilters encapsulates search and pagination options.
type ProviderListFilters struct {
	Query    *string
	Type     *domain.ProviderType
	City     *string
	Province *string
	Verified *bool
	Limit    int
	Cursor   *ProviderCursor
}

// ProviderCursor allows stable pagination by created_at/id.
type ProviderCursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

// ProviderListResult returns the paginated payload.
type ProviderListResult struct {
	Items      []domain.Provider
	NextCursor *string
}

// Create inserts a provider and its optional location. Provider registration
// is owned by another service; this exists for seeding and tests.
func (r *ProvidersRepository) Create(ctx context.Context, params ProviderCreateParams) (domain.Provider, error) {
	const query = `
        WITH p AS (
            INSERT INTO providers (owner_id, type, name, description, phone, email, website, verified, active)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
            RETURNING id
        ), l AS (
            INSERT INTO locations (provider_id, address, city, province)
            SELECT p.id, $10, $11, $12 FROM p WHERE $13::bool
        )
        SELECT id::text FROM p
    `

	var address, city, province string
	hasLocation := params.Location != nil
	if hasLocation {
		address, city, province = params.Location.Address, params.Location.City, params.Location.Province
	}

	var id string
	err := r.db.QueryRow(ctx, query,
		params.OwnerID, string(params.Type), params.Name, params.Description,
		params.Phone, params.Email, params.Website, params.Verified, params.Active,
		address, city, province, hasLocation,
	).Scan(&id)
	if err != nil {
		return domain.Provider{}, fmt.Errorf("insert provider: %w", err)
	}
	return r.GetByID(ctx, id)
}

// GetByID fetches a provider and its location by identifier.
func (r *ProvidersRepository) GetByID(ctx context.Context, id string) (domain.Provider, error) {
	query := `SELECT ` + providerColumns + providerFrom + ` WHERE p.id = $1`
	provider, err := scanProvider(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Provider{}, ErrNotFound
		}
		return domain.Provider{}, fmt.Errorf("get provider: %w", err)
	}
	return provider, nil
}

// UpdatedAt returns the provider's modification stamp. Every aggregate
// recompute moves it forward, so a cached profile carrying the same stamp
// reflects the current review set.
func (r *ProvidersRepository) UpdatedAt(ctx context.Context, id string) (time.Time, error) {
	const query = `SELECT updated_at FROM providers WHERE id = $1`
	var updatedAt time.Time
	if err := r.db.QueryRow(ctx, query, id).Scan(&updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("get provider stamp: %w", err)
	}
	return updatedAt, nil
}

// LockForUpdate takes the row lock that serializes aggregate writers for a
// provider. It must run inside a transaction.
func (r *ProvidersRepository) LockForUpdate(ctx context.Context, id string) error {
	const query = `SELECT id FROM providers WHERE id = $1 FOR UPDATE`
	var locked string
	if err := r.db.QueryRow(ctx, query, id).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock provider: %w", err)
	}
	return nil
}

// ListIDs returns every provider id in creation order.
func (r *ProvidersRepository) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT id::text FROM providers ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list provider ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect provider ids: %w", err)
	}
	return ids, nil
}

// List returns active providers that match the provided filters, newest first.
func (r *ProvidersRepository) List(ctx context.Context, filters ProviderListFilters) (ProviderListResult, error) {
	if filters.Limit <= 0 {
		filters.Limit = 20
	} else if filters.Limit > 100 {
		filters.Limit = 100
	}

	where := []string{"p.active"}
	args := make([]any, 0)
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if filters.Query != nil && strings.TrimSpace(*filters.Query) != "" {
		q := "%" + strings.TrimSpace(*filters.Query) + "%"
		p1 := arg(q)
		p2 := arg(q)
		where = append(where, fmt.Sprintf("(p.name ILIKE %s OR p.description ILIKE %s)", p1, p2))
	}
	if filters.Type != nil {
		where = append(where, fmt.Sprintf("p.type = %s", arg(string(*filters.Type))))
	}
	if filters.City != nil && strings.TrimSpace(*filters.City) != "" {
		where = append(where, fmt.Sprintf("l.city ILIKE %s", arg("%"+strings.TrimSpace(*filters.City)+"%")))
	}
	if filters.Province != nil && strings.TrimSpace(*filters.Province) != "" {
		where = append(where, fmt.Sprintf("l.province ILIKE %s", arg("%"+strings.TrimSpace(*filters.Province)+"%")))
	}
	if filters.Verified != nil {
		where = append(where, fmt.Sprintf("p.verified = %s", arg(*filters.Verified)))
	}
	if filters.Cursor != nil {
		cursorCreated := arg(filters.Cursor.CreatedAt)
		cursorID := arg(filters.Cursor.ID)
		where = append(where, fmt.Sprintf("(p.created_at, p.id) < (%s, %s::uuid)", cursorCreated, cursorID))
	}

	var queryBuilder strings.Builder
	queryBuilder.WriteString("SELECT ")
	queryBuilder.WriteString(providerColumns)
	queryBuilder.WriteString(providerFrom)
	queryBuilder.WriteString(" WHERE ")
	queryBuilder.WriteString(strings.Join(where, " AND "))
	queryBuilder.WriteString(" ORDER BY p.created_at DESC, p.id DESC")
	queryBuilder.WriteString(fmt.Sprintf(" LIMIT %d", filters.Limit))

	rows, err := r.db.Query(ctx, queryBuilder.String(), args...)
	if err != nil {
		return ProviderListResult{}, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Provider, 0)
	for rows.Next() {
		provider, err := scanProvider(rows)
		if err != nil {
			return ProviderListResult{}, fmt.Errorf("scan provider: %w", err)
		}
		items = append(items, provider)
	}
	if err := rows.Err(); err != nil {
		return ProviderListResult{}, fmt.Errorf("iterate providers: %w", err)
	}

	var nextCursor *string
	if len(items) == filters.Limit {
		last := items[len(items)-1]
		token, err := encodeCursor(ProviderCursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return ProviderListResult{}, err
		}
		nextCursor = &token
	}

	return ProviderListResult{Items: items, NextCursor: nextCursor}, nil
}

func scanProvider(row pgx.Row) (domain.Provider, error) {
	var (
		provider     domain.Provider
		providerType string
		address      *string
		city         *string
		province     *string
	)

	err := row.Scan(
		&provider.ID,
		&provider.OwnerID,
		&providerType,
		&provider.Name,
		&provider.Description,
		&provider.Phone,
		&provider.Email,
		&provider.Website,
		&provider.Verified,
		&provider.Active,
		&provider.AverageRating,
		&provider.TotalReviews,
		&provider.CreatedAt,
		&provider.UpdatedAt,
		&address,
		&city,
		&province,
	)
	if err != nil {
		return domain.Provider{}, err
	}

	provider.Type = domain.ProviderType(providerType)
	if address != nil || city != nil || province != nil {
		provider.Location = &domain.Location{
			Address:  deref(address),
			City:     deref(city),
			Province: deref(province),
		}
	}
	return provider, nil
}

func deref(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func encodeCursor(c ProviderCursor) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(payload), nil
}

// DecodeCursor parses a cursor token into a ProviderCursor.
func DecodeCursor(token string) (*ProviderCursor, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	var cursor ProviderCursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return nil, fmt.Errorf("invalid cursor payload: %w", err)
	}
	if cursor.ID == "" || cursor.CreatedAt.IsZero() {
		return nil, fmt.Errorf("invalid cursor payload")
	}
	return &cursor, nil
}
