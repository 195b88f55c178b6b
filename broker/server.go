// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"clawgate/platform/credits"
	"clawgate/platform/directory"
	"clawgate/platform/shared/logger"
)

// Server bundles the relay, admin API and operational endpoints behind one
// router.
type Server struct {
	router *mux.Router
	cors   *cors.Cors
	repo   directory.Repository
	creds  *credits.Cache
	log    *logger.Logger
}

func NewServer(repo directory.Repository, balances *credits.Cache, relay *Relay, admin *AdminAPI, limiter *RateLimiter, auth *Authenticator) *Server {
	s := &Server{
		router: mux.NewRouter(),
		cors: cors.New(cors.Options{
			AllowedOrigins:   []string{"*"}, // Configure for production
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}),
		repo:  repo,
		creds: balances,
		log:   logger.New("server"),
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/prometheus", promhttp.Handler()).Methods("GET")
	s.router.Handle("/ws", relay).Methods("GET")

	// The management API is rate limited; health, metrics and the relay
	// socket are not.
	limited := limiter.Middleware(auth)
	wrapped := mux.NewRouter()
	admin.Register(wrapped)
	s.router.PathPrefix("/api/v1/").Handler(limited(wrapped))

	return s
}

// Router exposes the underlying router so extra handlers (billing webhook,
// metered relay paths) can mount alongside the core ones.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the CORS-wrapped root handler
func (s *Server) Handler() http.Handler {
	return s.cors.Handler(s.router)
}

// Run serves until ctx is cancelled, then drains with a shutdown grace
// period. Live WebSocket relays are dropped on shutdown; clients reconnect.
func (s *Server) Run(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("", "", "broker listening", map[string]interface{}{"port": port})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	checks := map[string]string{"directory": "ok", "credits": "ok"}

	if err := s.repo.Ping(ctx); err != nil {
		status = "degraded"
		checks["directory"] = err.Error()
	}
	if err := s.creds.Ping(ctx); err != nil {
		status = "degraded"
		checks["credits"] = err.Error()
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"service":   "clawgate-broker",
		"checks":    checks,
		"timestamp": time.Now().UTC(),
	})
}
