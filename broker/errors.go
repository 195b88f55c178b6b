// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package broker

import "errors"

var (
	// ErrInvalidToken indicates the bearer token failed verification
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingToken indicates no bearer token was presented
	ErrMissingToken = errors.New("missing token")
)
