// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/tamshai/ai-gateway/audit"
	"github.com/tamshai/ai-gateway/auth"
	"github.com/tamshai/ai-gateway/config"
	"github.com/tamshai/ai-gateway/confirm"
	"github.com/tamshai/ai-gateway/guard"
	"github.com/tamshai/ai-gateway/orchestrator"
	"github.com/tamshai/ai-gateway/orchestrator/llm"
	"github.com/tamshai/ai-gateway/orchestrator/llm/anthropic"
	"github.com/tamshai/ai-gateway/tools"
)

// shutdownGrace bounds the drain of in-flight streams and the audit
// queue flush on shutdown.
const shutdownGrace = 30 * time.Second

// Run loads configuration, wires the gateway components, serves until
// SIGINT/SIGTERM, then drains.
func Run() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Gateway] Configuration error: %v", err)
	}

	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("[Gateway] Invalid redis url: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	var db *sql.DB
	if cfg.AuditDatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.AuditDatabaseURL)
		if err != nil {
			log.Fatalf("[Gateway] Failed to open audit database: %v", err)
		}
		defer db.Close()
	} else {
		log.Printf("[Gateway] No audit database configured; records go to the structured log only")
	}
	recorder := audit.NewRecorder(db, 1000, 2)

	revocation := auth.NewRevocationCache(rdb, cfg.Revocation.RefreshInterval,
		cfg.Revocation.FailClosed, cfg.Revocation.StaleLimit)
	if err := revocation.Start(context.Background()); err != nil {
		log.Fatalf("[Gateway] Failed to start revocation cache: %v", err)
	}
	defer revocation.Stop()

	validator := auth.NewValidator(cfg.Keycloak.JWKSURL, cfg.Keycloak.Issuer,
		cfg.Keycloak.Audience, revocation)

	serverRoles := make(map[string][]string, len(cfg.Servers))
	descriptors := make([]tools.ServerDescriptor, 0, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		serverRoles[sc.Name] = sc.Roles
		descriptors = append(descriptors, tools.ServerDescriptor{
			Name: sc.Name, BaseURL: sc.BaseURL, Roles: sc.Roles,
		})
	}
	router := auth.NewRoleRouter(serverRoles)

	toolClient := tools.NewClient(descriptors, tools.Timeouts{
		Read:      cfg.Tools.ReadTimeout,
		Write:     cfg.Tools.WriteTimeout,
		Overrides: cfg.Tools.Overrides,
	}, cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown)

	provider, err := buildProvider(cfg)
	if err != nil {
		log.Fatalf("[Gateway] Failed to build LLM provider: %v", err)
	}

	filter := guard.NewFilter(cfg.Filter.MaxQueryLength)
	confirms := confirm.NewStore(rdb)
	orch := orchestrator.New(provider, toolClient, filter, confirms, recorder, router,
		orchestrator.Options{
			TurnTimeout: cfg.TurnTimeout,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
		})

	srv := NewServer(Deps{
		Config:     cfg,
		Validator:  validator,
		Revocation: revocation,
		Router:     router,
		Tools:      toolClient,
		Confirms:   confirms,
		Recorder:   recorder,
		Orch:       orch,
		Provider:   provider,
		Redis:      rdb,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("[Gateway] Server failed: %v", err)
	case sig := <-stop:
		log.Printf("[Gateway] Received %v, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[Gateway] Server drain incomplete: %v", err)
	}
	if err := recorder.Close(ctx); err != nil {
		log.Printf("[Gateway] Audit queue flush incomplete: %v", err)
	}
	log.Printf("[Gateway] Shutdown complete")
}

// buildProvider constructs the configured model provider.
func buildProvider(cfg *config.Config) (llm.Provider, error) {
	switch cfg.LLM.Type {
	case "anthropic":
		key := os.Getenv(cfg.LLM.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("environment variable %s is not set", cfg.LLM.APIKeyEnv)
		}
		return anthropic.NewProvider(anthropic.Config{
			APIKey:  key,
			BaseURL: cfg.LLM.Endpoint,
			Model:   cfg.LLM.Model,
		})
	default:
		return nil, fmt.Errorf("unsupported llm provider type %q", cfg.LLM.Type)
	}
}
