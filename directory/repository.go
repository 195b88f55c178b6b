// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package directory

import (
	"context"
	"time"
)

// Repository defines the interface for instance directory persistence
type Repository interface {
	// Instance lookups
	GetByID(ctx context.Context, id string) (*Instance, error)
	GetByUser(ctx context.Context, userID string) (*Instance, error)
	GetBySecret(ctx context.Context, secret string) (*Instance, error)
	ListAvailable(ctx context.Context, limit int) ([]Instance, error)
	ListByStatus(ctx context.Context, status InstanceStatus) ([]Instance, error)

	// Claim performs the conditional claim update: it sets owner, status
	// and claimed_at guarded by status = available. Returns
	// ErrClaimConflict when the guard fails (another writer won).
	Claim(ctx context.Context, instanceID, userID string) error

	// SetStatus transitions an instance's lifecycle status
	SetStatus(ctx context.Context, instanceID string, status InstanceStatus) error

	// SaveSnapshot persists the last observed usage snapshot
	SaveSnapshot(ctx context.Context, instanceID string, costUSD float64, tokens int64, at time.Time) error

	// Channel connections
	CreateChannelConnection(ctx context.Context, conn *ChannelConnection) error
	DeleteChannelConnection(ctx context.Context, id, userID string) error
	ListChannelConnections(ctx context.Context, userID string) ([]ChannelConnection, error)

	// Utility
	Ping(ctx context.Context) error
}
