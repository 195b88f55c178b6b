// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package directory

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const instanceColumns = `id, user_id, host, port, secret, status, claimed_at,
	   snapshot_cost_usd, snapshot_tokens, snapshot_at, created_at, updated_at`

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID retrieves an instance by ID
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// GetByUser retrieves the instance currently owned by a user
func (r *PostgresRepository) GetByUser(ctx context.Context, userID string) (*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances
		WHERE user_id = $1 AND status IN ('claimed', 'active')`
	return r.scanOne(r.db.QueryRowContext(ctx, query, userID))
}

// GetBySecret retrieves an instance by its per-instance shared secret.
// This is the authentication path for the metered usage relay, where the
// caller is the user's own gateway process rather than a browser.
func (r *PostgresRepository) GetBySecret(ctx context.Context, secret string) (*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE secret = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, secret))
}

// ListAvailable returns up to limit unclaimed instances
func (r *PostgresRepository) ListAvailable(ctx context.Context, limit int) ([]Instance, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + instanceColumns + ` FROM instances
		WHERE status = 'available' AND user_id IS NULL
		ORDER BY created_at ASC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list available instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanInstances(rows)
}

// ListByStatus returns all instances with the given status
func (r *PostgresRepository) ListByStatus(ctx context.Context, status InstanceStatus) ([]Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE status = $1 ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanInstances(rows)
}

// Claim performs the compare-and-swap claim. The WHERE guard on
// status = 'available' is the correctness-critical step: two concurrent
// claimers for the same row see exactly one RowsAffected = 1.
func (r *PostgresRepository) Claim(ctx context.Context, instanceID, userID string) error {
	query := `
		UPDATE instances
		SET user_id = $2, status = 'claimed', claimed_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'available' AND user_id IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, instanceID, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to claim instance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrClaimConflict
	}

	return nil
}

// SetStatus transitions an instance's lifecycle status
func (r *PostgresRepository) SetStatus(ctx context.Context, instanceID string, status InstanceStatus) error {
	query := `UPDATE instances SET status = $2, updated_at = $3 WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, instanceID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set instance status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrInstanceNotFound
	}

	return nil
}

// SaveSnapshot persists the last observed usage snapshot for an instance
func (r *PostgresRepository) SaveSnapshot(ctx context.Context, instanceID string, costUSD float64, tokens int64, at time.Time) error {
	query := `
		UPDATE instances
		SET snapshot_cost_usd = $2, snapshot_tokens = $3, snapshot_at = $4, updated_at = $4
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, instanceID, costUSD, tokens, at)
	if err != nil {
		return fmt.Errorf("failed to save usage snapshot: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrInstanceNotFound
	}

	return nil
}

// CreateChannelConnection records a channel integration for an instance
func (r *PostgresRepository) CreateChannelConnection(ctx context.Context, conn *ChannelConnection) error {
	query := `
		INSERT INTO channel_connections (id, user_id, instance_id, channel, label, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query,
		conn.ID, conn.UserID, conn.InstanceID, conn.Channel,
		nullString(conn.Label), conn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create channel connection: %w", err)
	}

	return nil
}

// DeleteChannelConnection deletes a channel connection owned by userID
func (r *PostgresRepository) DeleteChannelConnection(ctx context.Context, id, userID string) error {
	query := `DELETE FROM channel_connections WHERE id = $1 AND user_id = $2`

	result, err := r.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete channel connection: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrChannelNotFound
	}

	return nil
}

// ListChannelConnections returns all channel connections for a user
func (r *PostgresRepository) ListChannelConnections(ctx context.Context, userID string) ([]ChannelConnection, error) {
	query := `
		SELECT id, user_id, instance_id, channel, label, created_at
		FROM channel_connections
		WHERE user_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channel connections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var conns []ChannelConnection
	for rows.Next() {
		var c ChannelConnection
		var label sql.NullString
		if err := rows.Scan(&c.ID, &c.UserID, &c.InstanceID, &c.Channel, &label, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan channel connection: %w", err)
		}
		c.Label = label.String
		conns = append(conns, c)
	}

	return conns, rows.Err()
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresRepository) scanOne(row *sql.Row) (*Instance, error) {
	inst, err := scanInstance(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

func scanInstance(scan func(dest ...interface{}) error) (*Instance, error) {
	var inst Instance
	var userID sql.NullString
	var claimedAt, snapshotAt sql.NullTime

	err := scan(
		&inst.ID, &userID, &inst.Host, &inst.Port, &inst.Secret, &inst.Status,
		&claimedAt, &inst.SnapshotCostUSD, &inst.SnapshotTokens, &snapshotAt,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	inst.UserID = userID.String
	if claimedAt.Valid {
		inst.ClaimedAt = &claimedAt.Time
	}
	if snapshotAt.Valid {
		inst.SnapshotAt = &snapshotAt.Time
	}

	return &inst, nil
}

func scanInstances(rows *sql.Rows) ([]Instance, error) {
	var instances []Instance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
