// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package credits

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Get returns the current balance for a user
func (r *PostgresRepository) Get(ctx context.Context, userID string) (*Balance, error) {
	query := `SELECT user_id, api_credits, cap, updated_at FROM user_credits WHERE user_id = $1`

	var b Balance
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&b.UserID, &b.CreditsUSD, &b.CapUSD, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	return &b, nil
}

// Deduct subtracts amountUSD with the floor applied inside the UPDATE. The
// CTE locks the row and returns the prior value so the actual charge can be
// reported without a separate read.
func (r *PostgresRepository) Deduct(ctx context.Context, userID string, amountUSD float64) (float64, error) {
	if amountUSD < 0 {
		return 0, ErrInvalidInput
	}

	query := `
		WITH prev AS (
			SELECT api_credits FROM user_credits WHERE user_id = $1 FOR UPDATE
		)
		UPDATE user_credits u
		SET api_credits = GREATEST(u.api_credits - $2, 0), updated_at = $3
		FROM prev
		WHERE u.user_id = $1
		RETURNING prev.api_credits, u.api_credits
	`

	var before, after float64
	err := r.db.QueryRowContext(ctx, query, userID, amountUSD, time.Now().UTC()).Scan(&before, &after)
	if err == sql.ErrNoRows {
		return 0, ErrBalanceNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to deduct credits: %w", err)
	}

	return before - after, nil
}

// SetCredits sets the balance and cap outright
func (r *PostgresRepository) SetCredits(ctx context.Context, userID string, amountUSD, capUSD float64) error {
	query := `
		INSERT INTO user_credits (user_id, api_credits, cap, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET api_credits = EXCLUDED.api_credits, cap = EXCLUDED.cap, updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query, userID, amountUSD, capUSD, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set credits: %w", err)
	}

	return nil
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
