// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package gatewayrpc

import "errors"

var (
	// ErrUpstreamUnreachable is returned when the instance socket could
	// not be established or timed out during connect
	ErrUpstreamUnreachable = errors.New("gateway instance unreachable")

	// ErrHandshakeRejected is returned when the instance refused the
	// bootstrap connect call (secret mismatch, operator attention needed)
	ErrHandshakeRejected = errors.New("gateway handshake rejected")

	// ErrRPCTimeout is returned when a single call exceeded its deadline;
	// the connection itself stays usable
	ErrRPCTimeout = errors.New("gateway call timed out")

	// ErrConnectionClosed is returned to pending callers when the client
	// is disposed or the socket drops
	ErrConnectionClosed = errors.New("gateway connection closed")
)
