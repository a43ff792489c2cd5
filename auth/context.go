// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

package auth

import (
	"fmt"
	"time"
)

// UserContext is the authenticated caller identity derived once per
// request from a verified bearer token. It is immutable for the life of
// the request and discarded afterwards; nothing in it is persisted.
type UserContext struct {
	// Subject is the stable subject id (`sub` claim).
	Subject string `json:"subject"`

	// Name is the display name (`name` or `preferred_username` claim).
	Name string `json:"name"`

	// Roles is the caller's role set from `realm_access.roles`.
	// May be empty: an authenticated but roleless caller routes to no
	// servers, it is not a validation failure.
	Roles []string `json:"roles"`

	// TokenID is the token's `jti`, used for revocation checks and
	// audit correlation.
	TokenID string `json:"token_id"`

	// ExpiresAt is the token expiry.
	ExpiresAt time.Time `json:"expires_at"`
}

// HasRole reports whether the caller holds the given role.
func (u *UserContext) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthError indicates a bearer token that failed verification: bad
// signature, expired, wrong issuer/audience, or revoked. Maps to 401.
type AuthError struct {
	Reason string
	Cause  error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// AuthorizationError indicates an authenticated caller whose role set
// does not grant the requested server. Maps to 403.
type AuthorizationError struct {
	Subject string
	Server  string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("subject %s is not authorized for server %s", e.Subject, e.Server)
}
