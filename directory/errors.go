// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package directory

import "errors"

var (
	// ErrInstanceNotFound is returned when no instance matches the lookup
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrNoCapacity is returned when the pool has no available instance left
	ErrNoCapacity = errors.New("no gateway capacity available")

	// ErrClaimConflict is returned when a conditional claim update affected
	// zero rows because another writer changed the instance first
	ErrClaimConflict = errors.New("instance claim lost to concurrent writer")

	// ErrChannelNotFound is returned when a channel connection is not found
	ErrChannelNotFound = errors.New("channel connection not found")

	// ErrInvalidInput is returned for general invalid input
	ErrInvalidInput = errors.New("invalid input")
)
