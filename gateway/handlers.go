// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/gorilla/mux"

	"github.com/tamshai/ai-gateway/audit"
	"github.com/tamshai/ai-gateway/auth"
	"github.com/tamshai/ai-gateway/confirm"
	"github.com/tamshai/ai-gateway/guard"
	"github.com/tamshai/ai-gateway/orchestrator"
	"github.com/tamshai/ai-gateway/tools"
)

// cursorPattern bounds the resume cursor to the opaque-token shape
// downstream servers emit. Anything else is rejected before it can
// reach the model as free text.
var cursorPattern = regexp.MustCompile(`^[A-Za-z0-9._~+/=-]{1,256}$`)

// handleQuery runs one streaming conversational turn. POST carries the
// query in the body; GET accepts q, token, and cursor parameters for
// EventSource clients that cannot set headers, where cursor resumes
// from the pagination point of an earlier truncated result. Events
// stream as SSE data frames and the stream always ends with the [DONE]
// sentinel once it has started.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	requestID := requestIDFrom(r.Context())

	var query, cursor string
	switch r.Method {
	case http.MethodGet:
		query = r.URL.Query().Get("q")
		cursor = r.URL.Query().Get("cursor")
		if cursor != "" && !cursorPattern.MatchString(cursor) {
			writeJSONError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
	default:
		var body struct {
			Query string `json:"query"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		query = body.Query
	}

	// The SSE response starts on the first event, so screening failures
	// can still answer with a plain status.
	var sse *sseWriter
	emit := func(ev orchestrator.StreamEvent) error {
		if sse == nil {
			var err error
			if sse, err = newSSEWriter(w); err != nil {
				return err
			}
		}
		return sse.send(ev.Marshal())
	}

	err := s.orch.RunTurn(r.Context(), *user, requestID, query, cursor, emit)
	if err != nil {
		var abuse *guard.AbuseError
		if sse == nil && errors.As(err, &abuse) {
			writeJSONError(w, http.StatusBadRequest, "query rejected")
			return
		}
		// Client disconnected mid-stream; nothing left to write.
		s.log.Warn(user.Subject, requestID, "stream aborted", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if sse != nil {
		sse.close()
	}
}

// handleDirectTool invokes one downstream tool without a model in the
// loop. GET performs a read with the query parameters as arguments;
// POST performs a write and may come back as a pending confirmation.
func (s *Server) handleDirectTool(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	requestID := requestIDFrom(r.Context())
	vars := mux.Vars(r)
	serverName, toolName := vars["server"], vars["tool"]

	if !s.router.Authorized(user.Roles, serverName) {
		s.recorder.Append(audit.Record{
			Event:     audit.EventAuthorizationDeny,
			Subject:   user.Subject,
			TokenID:   user.TokenID,
			RequestID: requestID,
			Server:    serverName,
			Tool:      toolName,
			Decision:  "denied",
		})
		writeJSONError(w, http.StatusForbidden, "access denied")
		return
	}

	call := tools.Call{Server: serverName, Tool: toolName}
	switch r.Method {
	case http.MethodGet:
		args := make(map[string]string)
		for k, vs := range r.URL.Query() {
			if k == "token" || len(vs) == 0 {
				continue
			}
			args[k] = vs[0]
		}
		call.Args, _ = json.Marshal(args)
	default:
		var body struct {
			Args  json.RawMessage `json:"args"`
			Write *bool           `json:"write"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		call.Args = body.Args
		if len(call.Args) == 0 {
			call.Args = json.RawMessage("{}")
		}
		call.Write = body.Write == nil || *body.Write
	}

	caller := tools.Caller{Subject: user.Subject, Roles: user.Roles, RequestID: requestID}
	res, err := s.tools.Invoke(r.Context(), caller, call)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "unknown server")
		return
	}

	if res.Unavailable {
		s.recorder.Append(audit.Record{
			Event:     audit.EventToolDegraded,
			Subject:   user.Subject,
			TokenID:   user.TokenID,
			RequestID: requestID,
			Server:    serverName,
			Tool:      toolName,
			Decision:  "unavailable",
			Detail:    map[string]interface{}{"reason": res.UnavailableReason},
		})
		writeJSONError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}

	env := res.Envelope
	if env.Status == "pending_confirmation" {
		pc, err := s.confirms.Create(r.Context(), user.Subject, serverName, env.Confirmation.Summary, env.Confirmation.Action)
		if err != nil {
			s.log.Error(user.Subject, requestID, "failed to store confirmation", map[string]interface{}{"error": err.Error()})
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.recorder.Append(audit.Record{
			Event:     audit.EventConfirmCreated,
			Subject:   user.Subject,
			TokenID:   user.TokenID,
			RequestID: requestID,
			Server:    serverName,
			Tool:      toolName,
			Decision:  "deferred",
			Detail:    map[string]interface{}{"confirmation_id": pc.ID, "summary": pc.Summary},
		})
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"status":          "pending_confirmation",
			"confirmation_id": pc.ID,
			"summary":         pc.Summary,
			"expires_at":      pc.ExpiresAt.Format(time.RFC3339),
		})
		return
	}

	decision := "success"
	if env.Status == "error" {
		decision = "error"
	}
	s.recorder.Append(audit.Record{
		Event:     audit.EventToolInvocation,
		Subject:   user.Subject,
		TokenID:   user.TokenID,
		RequestID: requestID,
		Server:    serverName,
		Tool:      toolName,
		Decision:  decision,
		Detail:    map[string]interface{}{"truncated": env.Truncated, "duration_ms": res.Duration.Milliseconds()},
	})

	// Downstream envelopes, structured errors included, pass through.
	writeJSON(w, http.StatusOK, env)
}

// handleConfirm resolves a pending confirmation. Approval replays the
// deferred action exactly once; denial discards it. A missing entry is
// indistinguishable from an expired or already-resolved one.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	requestID := requestIDFrom(r.Context())
	id := mux.Vars(r)["id"]

	var body struct {
		Approved bool `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pc, err := s.confirms.Claim(r.Context(), id, user.Subject)
	switch {
	case errors.Is(err, confirm.ErrExpired):
		writeJSONError(w, http.StatusNotFound, "confirmation not found or expired")
		return
	case errors.Is(err, confirm.ErrForbidden):
		s.recorder.Append(audit.Record{
			Event:     audit.EventAuthorizationDeny,
			Subject:   user.Subject,
			TokenID:   user.TokenID,
			RequestID: requestID,
			Decision:  "denied",
			Detail:    map[string]interface{}{"confirmation_id": id, "reason": "not owner"},
		})
		writeJSONError(w, http.StatusForbidden, "access denied")
		return
	case err != nil:
		s.log.Error(user.Subject, requestID, "confirmation claim failed", map[string]interface{}{"error": err.Error()})
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if !body.Approved {
		s.recorder.Append(audit.Record{
			Event:     audit.EventConfirmResolved,
			Subject:   user.Subject,
			TokenID:   user.TokenID,
			RequestID: requestID,
			Server:    pc.Server,
			Decision:  "denied",
			Detail:    map[string]interface{}{"confirmation_id": id},
		})
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "discarded"})
		return
	}

	caller := tools.Caller{Subject: user.Subject, Roles: user.Roles, RequestID: requestID}
	env, err := s.tools.ExecuteAction(r.Context(), caller, pc.Server, pc.Action)
	if err != nil {
		// The claim is consumed either way; record the failed replay.
		s.recorder.Append(audit.Record{
			Event:     audit.EventConfirmResolved,
			Subject:   user.Subject,
			TokenID:   user.TokenID,
			RequestID: requestID,
			Server:    pc.Server,
			Decision:  "approved_execution_failed",
			Detail:    map[string]interface{}{"confirmation_id": id, "error": err.Error()},
		})
		writeJSONError(w, http.StatusBadGateway, "action execution failed")
		return
	}

	s.recorder.Append(audit.Record{
		Event:     audit.EventConfirmResolved,
		Subject:   user.Subject,
		TokenID:   user.TokenID,
		RequestID: requestID,
		Server:    pc.Server,
		Decision:  "approved",
		Detail:    map[string]interface{}{"confirmation_id": id, "result_status": env.Status},
	})
	writeJSON(w, http.StatusOK, env)
}

// handleRevoke inserts a token id into the shared revocation store.
// Admin only.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	requestID := requestIDFrom(r.Context())

	if !user.HasRole(auth.AdminRole) {
		s.recorder.Append(audit.Record{
			Event:     audit.EventAuthorizationDeny,
			Subject:   user.Subject,
			TokenID:   user.TokenID,
			RequestID: requestID,
			Decision:  "denied",
			Detail:    map[string]interface{}{"operation": "revoke"},
		})
		writeJSONError(w, http.StatusForbidden, "access denied")
		return
	}

	var body struct {
		JTI       string    `json:"jti"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.JTI == "" {
		writeJSONError(w, http.StatusBadRequest, "jti required")
		return
	}

	// The entry only needs to outlive the token itself; without the
	// expiry we hold it for the maximum session lifetime.
	remaining := 24 * time.Hour
	if !body.ExpiresAt.IsZero() {
		remaining = time.Until(body.ExpiresAt)
	}

	if err := s.revocation.Revoke(r.Context(), body.JTI, remaining); err != nil {
		s.log.Error(user.Subject, requestID, "revocation failed", map[string]interface{}{"error": err.Error()})
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.recorder.Append(audit.Record{
		Event:     audit.EventTokenRevoked,
		Subject:   user.Subject,
		TokenID:   user.TokenID,
		RequestID: requestID,
		Decision:  "revoked",
		Detail:    map[string]interface{}{"revoked_jti": body.JTI},
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "revoked"})
}

// handleHealth reports component health. Unauthenticated: load
// balancers probe it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	checks := map[string]interface{}{}
	healthy := true

	if s.validator.KeySetAvailable(ctx) {
		checks["keycloak_keys"] = "ok"
	} else {
		checks["keycloak_keys"] = "unavailable"
		healthy = false
	}

	if err := s.rdb.Ping(ctx).Err(); err != nil {
		checks["redis"] = "unavailable"
		healthy = false
	} else {
		checks["redis"] = "ok"
	}

	breakers := map[string]string{}
	open := 0
	states := s.tools.BreakerStates()
	for name, state := range states {
		breakers[name] = string(state)
		if state == tools.BreakerOpen {
			open++
		}
	}
	checks["servers"] = breakers
	// More than half the servers open means a typical turn cannot be
	// served from this instance.
	if len(states) > 0 && open*2 > len(states) {
		healthy = false
	}

	if s.providerHealthy(ctx) {
		checks["llm_provider"] = "ok"
	} else {
		// Reported but not degrading: a provider outage hits every
		// instance alike, so rotating this one out would not help.
		checks["llm_provider"] = "unavailable"
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}
