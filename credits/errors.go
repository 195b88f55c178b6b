// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package credits

import "errors"

var (
	// ErrBalanceNotFound is returned when a user has no credit row
	ErrBalanceNotFound = errors.New("credit balance not found")

	// ErrInvalidWebhookSignature is returned when a billing webhook fails
	// signature verification; rejected before any state mutation
	ErrInvalidWebhookSignature = errors.New("invalid billing webhook signature")

	// ErrInvalidInput is returned for general invalid input
	ErrInvalidInput = errors.New("invalid input")
)
