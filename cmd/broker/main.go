// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the ClawGate broker service.
//
// The broker fronts a pool of single-tenant gateway instances:
// - Relays browser WebSocket sessions to each user's claimed instance
// - Performs the instance handshake with the per-instance secret
// - Serves the claim, channel and credits management API
// - Relays metered model-API calls and reconciles usage against credits
//
// Usage:
//
//	./broker
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	DATABASE_URL - PostgreSQL connection string
//	REDIS_URL - Redis URL for the balance cache
//	JWT_SECRET - Secret for browser token validation
package main

import (
	"clawgate/platform/broker"
)

func main() {
	broker.Run()
}
