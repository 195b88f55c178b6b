// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package broker

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq" // PostgreSQL driver

	"clawgate/platform/credits"
	"clawgate/platform/directory"
	"clawgate/platform/metering"
	"clawgate/platform/reconciler"
)

// Run wires the broker from environment configuration and serves until
// SIGINT/SIGTERM.
//
// Environment variables:
//
//	PORT                   - HTTP server port (default: 8080)
//	DATABASE_URL           - PostgreSQL connection string
//	REDIS_URL              - Redis URL for the balance cache (optional)
//	JWT_SECRET             - Secret for browser token validation
//	BILLING_WEBHOOK_SECRET - HMAC secret for the billing webhook
//	ANTHROPIC_API_KEY      - Real provider key for the anthropic relay path
//	OPENAI_API_KEY         - Real provider key for the openai relay path
//	PRICING_FILE           - Optional YAML pricing overrides
//	RECONCILE_INTERVAL     - Periodic sweep interval (default: 60s)
func Run() {
	port := getEnv("PORT", "8080")

	db, err := sql.Open("postgres", os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	var rdb *redis.Client
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		rdb = redis.NewClient(opts)
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	repo := directory.NewPostgresRepository(db)
	allocator := directory.NewAllocator(repo)
	ledger := credits.NewPostgresRepository(db)
	balances := credits.NewCache(ledger, rdb, credits.DefaultCacheTTL)
	auth := NewAuthenticator([]byte(jwtSecret))

	recon := reconciler.New(repo, balances, &reconciler.RPCUsageSource{})

	relay := NewRelay(repo, auth)
	admin := NewAdminAPI(repo, allocator, balances, auth)
	limiter := NewRateLimiter(rdb, DefaultRateLimitPerMinute)
	server := NewServer(repo, balances, relay, admin, limiter, auth)

	// Metered provider relay paths, charged through reconciliation after
	// each call completes.
	pricing, err := metering.LoadPricing(os.Getenv("PRICING_FILE"))
	if err != nil {
		log.Fatalf("Failed to load pricing: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	meterRelay := metering.NewRelay(repo, balances, pricing, func(inst *directory.Instance) {
		reconCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if _, err := recon.Reconcile(reconCtx, inst); err != nil {
			log.Printf("Post-call reconciliation failed for %s: %v", inst.ID, err)
		}
	})

	var providers []*metering.Provider
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		providers = append(providers, metering.NewAnthropicProvider(key))
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		providers = append(providers, metering.NewOpenAIProvider(key))
	}
	meterRelay.Register(server.Router(), providers...)

	// HMAC-verified, so it lives outside the token-gated API prefix
	if secret := os.Getenv("BILLING_WEBHOOK_SECRET"); secret != "" {
		server.Router().HandleFunc("/webhooks/billing", credits.WebhookHandler(balances, []byte(secret))).Methods("POST")
	}

	interval := getEnvDuration("RECONCILE_INTERVAL", 60*time.Second)
	go recon.Run(ctx, interval)

	if err := server.Run(ctx, port); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
