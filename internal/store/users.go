package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Plan      string    `json:"plan"`
	CreatedAt string    `json:"created_at"`
	UpdatedAt string    `json:"updated_at,omitempty"`
}

func (db *DB) UserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := db.Pool.QueryRow(ctx,
		`SELECT id, email, plan, created_at::text, COALESCE(updated_at::text, created_at::text)
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Plan, &u.CreatedAt, &u.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// UpsertUser syncs the auth provider's user into users on every
// authenticated request, so the generations FK always has a target.
func (db *DB) UpsertUser(ctx context.Context, id uuid.UUID, email string) error {
	if email == "" {
		email = id.String() + "@imahe.local" // placeholder when the token has no email
	}
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO users (id, email) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET email = COALESCE(NULLIF(EXCLUDED.email,''), users.email), updated_at = NOW()`,
		id, email)
	return err
}

func (db *DB) UpdateUserPlan(ctx context.Context, id uuid.UUID, plan string) error {
	_, err := db.Pool.Exec(ctx, `UPDATE users SET plan = $1, updated_at = NOW() WHERE id = $2`, plan, id)
	return err
}
