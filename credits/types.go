// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

// Package credits provides the per-user credit ledger: the balance every
// metered relay call draws against. All deductions clamp at zero inside the
// store; no caller ever computes a balance with read-then-write.
package credits

import "time"

// Balance is the per-user credit state. CapUSD is the most recent top-up
// level, kept only so the dashboard can render a progress bar.
type Balance struct {
	UserID     string    `json:"user_id"`
	CreditsUSD float64   `json:"api_credits"`
	CapUSD     float64   `json:"cap"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Exhausted reports whether the balance blocks further upstream calls
func (b *Balance) Exhausted() bool {
	return b.CreditsUSD <= 0
}
