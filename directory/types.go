// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

// Package directory provides the credential and instance directory for the
// gateway pool: the durable record of which backend instance belongs to which
// user, where it listens, and the per-instance secret used to authenticate
// against it. It also implements the pool allocator that hands instances out.
package directory

import (
	"net"
	"strconv"
	"time"
)

// InstanceStatus represents the lifecycle state of a gateway instance
type InstanceStatus string

const (
	// StatusAvailable means the instance is provisioned but unclaimed
	StatusAvailable InstanceStatus = "available"

	// StatusClaimed means a user owns the instance but no configuration
	// call has succeeded against it yet
	StatusClaimed InstanceStatus = "claimed"

	// StatusActive means at least one administrative configuration call
	// has succeeded since the claim
	StatusActive InstanceStatus = "active"

	// StatusError marks an instance operators have flagged as broken
	StatusError InstanceStatus = "error"
)

// Instance represents one gateway process assignment. Host and Secret are
// reachable and meaningful only from the server process; neither is ever
// returned to a browser.
type Instance struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id,omitempty"` // empty when unclaimed
	Host      string         `json:"-"`
	Port      int            `json:"-"`
	Secret    string         `json:"-"`
	Status    InstanceStatus `json:"status"`
	ClaimedAt *time.Time     `json:"claimed_at,omitempty"`

	// Last observed usage snapshot, maintained by the reconciler. Tokens
	// dropping below SnapshotTokens on a fresh report signals a session
	// reset (the gateway restarted and zeroed its counters).
	SnapshotCostUSD float64    `json:"snapshot_cost_usd"`
	SnapshotTokens  int64      `json:"snapshot_tokens"`
	SnapshotAt      *time.Time `json:"snapshot_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Addr returns the instance's dialable host:port pair.
func (i *Instance) Addr() string {
	if i.Port == 0 {
		return i.Host
	}
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// Claimed reports whether the instance currently belongs to a user.
func (i *Instance) Claimed() bool {
	return i.UserID != "" && (i.Status == StatusClaimed || i.Status == StatusActive)
}

// ChannelConnection records one messaging-channel integration bound to an
// instance. Created after a successful relayed configuration call, deleted
// on disconnect.
type ChannelConnection struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	InstanceID string    `json:"instance_id"`
	Channel    string    `json:"channel"` // e.g. "discord", "slack", "telegram"
	Label      string    `json:"label,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
