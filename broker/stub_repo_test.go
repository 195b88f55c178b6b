// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package broker

import (
	"context"
	"sync"
	"time"

	"clawgate/platform/directory"
)

// memRepo is an in-memory directory.Repository for broker tests
type memRepo struct {
	mu        sync.Mutex
	instances map[string]*directory.Instance
	channels  map[string]directory.ChannelConnection
	userErr   error
}

func newMemRepo(instances ...*directory.Instance) *memRepo {
	r := &memRepo{
		instances: make(map[string]*directory.Instance),
		channels:  make(map[string]directory.ChannelConnection),
	}
	for _, inst := range instances {
		copied := *inst
		r.instances[inst.ID] = &copied
	}
	return r
}

func (r *memRepo) GetByID(_ context.Context, id string) (*directory.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, directory.ErrInstanceNotFound
	}
	copied := *inst
	return &copied, nil
}

func (r *memRepo) GetByUser(_ context.Context, userID string) (*directory.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.userErr != nil {
		return nil, r.userErr
	}
	for _, inst := range r.instances {
		if inst.UserID == userID && inst.Claimed() {
			copied := *inst
			return &copied, nil
		}
	}
	return nil, directory.ErrInstanceNotFound
}

func (r *memRepo) GetBySecret(_ context.Context, secret string) (*directory.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		if inst.Secret == secret {
			copied := *inst
			return &copied, nil
		}
	}
	return nil, directory.ErrInstanceNotFound
}

func (r *memRepo) ListAvailable(_ context.Context, limit int) ([]directory.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []directory.Instance
	for _, inst := range r.instances {
		if inst.Status == directory.StatusAvailable && inst.UserID == "" {
			out = append(out, *inst)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memRepo) ListByStatus(_ context.Context, status directory.InstanceStatus) ([]directory.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []directory.Instance
	for _, inst := range r.instances {
		if inst.Status == status {
			out = append(out, *inst)
		}
	}
	return out, nil
}

func (r *memRepo) Claim(_ context.Context, instanceID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return directory.ErrInstanceNotFound
	}
	if inst.Status != directory.StatusAvailable || inst.UserID != "" {
		return directory.ErrClaimConflict
	}
	now := time.Now().UTC()
	inst.UserID = userID
	inst.Status = directory.StatusClaimed
	inst.ClaimedAt = &now
	return nil
}

func (r *memRepo) SetStatus(_ context.Context, instanceID string, status directory.InstanceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return directory.ErrInstanceNotFound
	}
	inst.Status = status
	return nil
}

func (r *memRepo) SaveSnapshot(_ context.Context, instanceID string, costUSD float64, tokens int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return directory.ErrInstanceNotFound
	}
	inst.SnapshotCostUSD = costUSD
	inst.SnapshotTokens = tokens
	inst.SnapshotAt = &at
	return nil
}

func (r *memRepo) CreateChannelConnection(_ context.Context, conn *directory.ChannelConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[conn.ID] = *conn
	return nil
}

func (r *memRepo) DeleteChannelConnection(_ context.Context, id, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.channels[id]
	if !ok || conn.UserID != userID {
		return directory.ErrChannelNotFound
	}
	delete(r.channels, id)
	return nil
}

func (r *memRepo) ListChannelConnections(_ context.Context, userID string) ([]directory.ChannelConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []directory.ChannelConnection
	for _, conn := range r.channels {
		if conn.UserID == userID {
			out = append(out, conn)
		}
	}
	return out, nil
}

func (r *memRepo) Ping(context.Context) error { return nil }
