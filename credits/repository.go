// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package credits

import "context"

// Repository defines the interface for credit ledger persistence
type Repository interface {
	// Get returns the current balance for a user
	Get(ctx context.Context, userID string) (*Balance, error)

	// Deduct atomically subtracts amountUSD from the balance, flooring at
	// zero, and returns the amount actually charged (which is less than
	// amountUSD when the floor was hit). The subtraction and clamp happen
	// in one conditional store operation, never read-then-write.
	Deduct(ctx context.Context, userID string, amountUSD float64) (charged float64, err error)

	// SetCredits sets the balance and cap outright (billing webhook path)
	SetCredits(ctx context.Context, userID string, amountUSD, capUSD float64) error

	// Utility
	Ping(ctx context.Context) error
}
