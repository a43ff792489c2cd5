// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

// Package gateway is the HTTP surface of the broker: streaming query
// endpoints, direct tool invocation, confirmation resolution, token
// revocation, and operational endpoints. All request handling is
// identity-first; nothing past the health and metrics endpoints is
// reachable without a valid token.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/tamshai/ai-gateway/audit"
	"github.com/tamshai/ai-gateway/auth"
	"github.com/tamshai/ai-gateway/config"
	"github.com/tamshai/ai-gateway/confirm"
	"github.com/tamshai/ai-gateway/orchestrator"
	"github.com/tamshai/ai-gateway/orchestrator/llm"
	"github.com/tamshai/ai-gateway/shared/logger"
	"github.com/tamshai/ai-gateway/tools"
)

// providerHealthTTL caches the model provider probe so load-balancer
// health polling does not hammer the provider API.
const providerHealthTTL = time.Minute

// Server wires the request surface over the gateway components.
type Server struct {
	cfg        *config.Config
	validator  *auth.Validator
	revocation *auth.RevocationCache
	router     *auth.RoleRouter
	tools      *tools.Client
	confirms   *confirm.Store
	recorder   *audit.Recorder
	orch       *orchestrator.Orchestrator
	provider   llm.Provider
	rdb        *redis.Client
	log        *logger.Logger

	provMu      sync.Mutex
	provHealthy bool
	provChecked time.Time

	http *http.Server
}

// Deps collects the constructed components the Server serves.
type Deps struct {
	Config     *config.Config
	Validator  *auth.Validator
	Revocation *auth.RevocationCache
	Router     *auth.RoleRouter
	Tools      *tools.Client
	Confirms   *confirm.Store
	Recorder   *audit.Recorder
	Orch       *orchestrator.Orchestrator
	Provider   llm.Provider
	Redis      *redis.Client
}

// NewServer builds the Server and its route table.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:        d.Config,
		validator:  d.Validator,
		revocation: d.Revocation,
		router:     d.Router,
		tools:      d.Tools,
		confirms:   d.Confirms,
		recorder:   d.Recorder,
		orch:       d.Orch,
		provider:   d.Provider,
		rdb:        d.Redis,
		log:        logger.New("gateway"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost, http.MethodGet)
	api.HandleFunc("/mcp/{server}/{tool}", s.handleDirectTool).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/confirm/{id}", s.handleConfirm).Methods(http.MethodPost)
	api.HandleFunc("/revoke", s.handleRevoke).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	})

	handler := s.requestIDMiddleware(s.accessLogMiddleware(c.Handler(r)))

	s.http = &http.Server{
		Addr:    d.Config.ListenAddr,
		Handler: handler,
		// No WriteTimeout: streaming turns hold the connection for up to
		// the turn timeout, enforced per request instead.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("", "", "gateway listening", map[string]interface{}{"addr": s.http.Addr})
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// providerHealthy probes the model provider, serving a cached verdict
// within providerHealthTTL.
func (s *Server) providerHealthy(ctx context.Context) bool {
	s.provMu.Lock()
	defer s.provMu.Unlock()
	if !s.provChecked.IsZero() && time.Since(s.provChecked) < providerHealthTTL {
		return s.provHealthy
	}
	s.provHealthy = s.provider.HealthCheck(ctx) == nil
	s.provChecked = time.Now()
	return s.provHealthy
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeJSONError writes the caller-facing error shape. Messages stay
// generic; internals go to the audit trail.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": message})
}
