// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tamshai/ai-gateway/audit"
	"github.com/tamshai/ai-gateway/auth"
)

type contextKey int

const (
	userContextKey contextKey = iota
	requestIDKey
	accessLogKey
)

// accessLogEntry carries fields resolved deeper in the middleware chain
// back out to the access-log line. The request runs on one goroutine,
// so plain assignment suffices.
type accessLogEntry struct {
	subject string
}

// userFrom returns the authenticated caller placed by authMiddleware.
func userFrom(ctx context.Context) *auth.UserContext {
	u, _ := ctx.Value(userContextKey).(*auth.UserContext)
	return u
}

// requestIDFrom returns the request id placed by requestIDMiddleware.
func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestIDMiddleware propagates the caller's X-Request-ID or assigns a
// fresh one. The id rides on every log line, audit record, and
// downstream call of the request.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// authMiddleware validates the bearer token and attaches the caller's
// UserContext. Streaming GET clients cannot set headers, so a token
// query parameter is accepted there; the access log scrubs it.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)

		user, err := s.validator.Validate(r.Context(), token)
		if err != nil {
			requestID := requestIDFrom(r.Context())
			s.recorder.Append(audit.Record{
				Event:     audit.EventAuthFailure,
				RequestID: requestID,
				Decision:  "rejected",
				Detail:    map[string]interface{}{"reason": err.Error()},
			})
			s.log.Warn("", requestID, "authentication failed", map[string]interface{}{
				"path": r.URL.Path,
			})
			writeJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		if e, ok := r.Context().Value(accessLogKey).(*accessLogEntry); ok {
			e.subject = user.Subject
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	})
}

// bearerToken extracts the credential from the Authorization header or,
// failing that, the token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush passes streaming flushes through to the underlying writer.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// accessLogMiddleware writes one structured line per request. The URL
// is scrubbed first: a credential passed as a query parameter must
// never reach the logs.
func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		// The UserContext is attached to a derived request further down
		// the chain; the entry lets authMiddleware report the subject
		// back up.
		entry := &accessLogEntry{}
		r = r.WithContext(context.WithValue(r.Context(), accessLogKey, entry))

		next.ServeHTTP(rec, r)

		s.log.Info(entry.subject, requestIDFrom(r.Context()), "request", map[string]interface{}{
			"method":      r.Method,
			"path":        scrubURL(r.URL.Path, r.URL.RawQuery),
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

// scrubURL redacts the token query parameter.
func scrubURL(path, rawQuery string) string {
	if rawQuery == "" {
		return path
	}
	parts := strings.Split(rawQuery, "&")
	for i, p := range parts {
		if strings.HasPrefix(p, "token=") {
			parts[i] = "token=REDACTED"
		}
	}
	return path + "?" + strings.Join(parts, "&")
}
