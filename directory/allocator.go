// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package directory

import (
	"context"
	"errors"

	"clawgate/platform/shared/logger"
)

// claimRetries bounds how many conditional-update races one Claim call will
// absorb before reporting the pool exhausted.
const claimRetries = 3

// Allocator hands out gateway instances from the pool. All mutation goes
// through the repository's conditional update; the allocator itself holds
// no state, so any number of broker processes can allocate concurrently.
type Allocator struct {
	repo Repository
	log  *logger.Logger
}

// NewAllocator creates a new pool allocator
func NewAllocator(repo Repository) *Allocator {
	return &Allocator{
		repo: repo,
		log:  logger.New("allocator"),
	}
}

// Claim returns the instance owned by userID, claiming a fresh one from the
// pool if the user holds none. Calling Claim again for a user who already
// holds an instance returns that instance (idempotent re-claim), with no
// second conditional update against the already-claimed row.
func (a *Allocator) Claim(ctx context.Context, userID string) (*Instance, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}

	// Idempotent path: existing ownership wins before any pool selection.
	existing, err := a.repo.GetByUser(ctx, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrInstanceNotFound) {
		return nil, err
	}

	for attempt := 0; attempt < claimRetries; attempt++ {
		candidates, err := a.repo.ListAvailable(ctx, claimRetries)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			a.log.Warn(userID, "", "claim failed: pool exhausted", nil)
			return nil, ErrNoCapacity
		}

		for _, candidate := range candidates {
			err := a.repo.Claim(ctx, candidate.ID, userID)
			if errors.Is(err, ErrClaimConflict) {
				// Another claimer won this row; try the next candidate.
				continue
			}
			if err != nil {
				return nil, err
			}

			a.log.Info(userID, "", "instance claimed", map[string]interface{}{
				"instance_id": candidate.ID,
			})
			return a.repo.GetByID(ctx, candidate.ID)
		}
	}

	a.log.Warn(userID, "", "claim failed: lost all claim races", nil)
	return nil, ErrNoCapacity
}
