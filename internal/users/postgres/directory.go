// Package postgres resolves platform users from the shared users table.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/salon-notify/internal/domain"
	"github.com/bissquit/salon-notify/internal/notifications"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Directory implements notifications.UserDirectory using PostgreSQL.
type Directory struct {
	db *pgxpool.Pool
}

// NewDirectory creates a new Directory.
func NewDirectory(db *pgxpool.Pool) *Directory {
	return &Directory{db: db}
}

// GetUser retrieves the addressable profile fields of a user.
func (d *Directory) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	query := `SELECT id, display_name, email, phone FROM users WHERE id = $1`

	var u domain.User
	err := d.db.QueryRow(ctx, query, id).Scan(&u.ID, &u.DisplayName, &u.Email, &u.Phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}
