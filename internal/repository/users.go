package repository

import (
	"context"
	"fmt"

	"github.com/Clark-Hu/motofix/internal/domain"
)

// UsersRepository persists directory users.
type UsersRepository struct {
	db DBTX
}

// Create inserts a user. Account management lives outside this service;
// this exists for seeding and tests.
func (r *UsersRepository) Create(ctx context.Context, name, email string) (domain.Reviewer, error) {
	const query = `
        INSERT INTO users (name, email)
        VALUES ($1, $2)
        RETURNING id::text, name
    `
	var user domain.Reviewer
	if err := r.db.QueryRow(ctx, query, name, email).Scan(&user.ID, &user.Name); err != nil {
		return domain.Reviewer{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}
