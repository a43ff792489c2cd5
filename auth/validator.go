// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

// Package auth implements credential validation against the Keycloak
// identity provider, the revocation cache, and role-based routing to
// downstream tool servers.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwksRefreshMinInterval rate-limits key set refreshes triggered by
// unknown-kid failures so a flood of bad tokens cannot hammer Keycloak.
const jwksRefreshMinInterval = 30 * time.Second

// RevocationChecker reports whether a token id has been revoked.
// Implementations must not perform network I/O; the check sits on the
// hot path of every request.
type RevocationChecker interface {
	IsRevoked(tokenID string) bool
}

// Validator verifies bearer tokens against the identity provider's
// rotating signing key set and extracts the caller's UserContext.
// Safe for concurrent use.
type Validator struct {
	jwksURL    string
	issuer     string
	audience   string
	revocation RevocationChecker
	httpClient *http.Client

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey // kid -> key
	lastRefresh time.Time
}

// NewValidator creates a Validator. The key set is fetched lazily on
// first use and refreshed only when a token references an unknown kid.
func NewValidator(jwksURL, issuer, audience string, revocation RevocationChecker) *Validator {
	return &Validator{
		jwksURL:    jwksURL,
		issuer:     issuer,
		audience:   audience,
		revocation: revocation,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		keys:       make(map[string]*rsa.PublicKey),
	}
}

// Validate verifies the bearer token and returns the caller's context.
// Role claims that are absent or malformed yield an empty role set, not
// an error: routing treats that caller as having no accessible servers.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*UserContext, error) {
	if tokenString == "" {
		return nil, &AuthError{Reason: "missing bearer token"}
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)

	token, err := parser.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		return v.keyForKID(ctx, kid)
	})
	if err != nil || !token.Valid {
		return nil, &AuthError{Reason: "invalid token", Cause: err}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, &AuthError{Reason: "invalid token claims"}
	}

	user := userContextFromClaims(claims)

	if user.TokenID != "" && v.revocation != nil && v.revocation.IsRevoked(user.TokenID) {
		return nil, &AuthError{Reason: "token revoked"}
	}

	return user, nil
}

// userContextFromClaims extracts the UserContext from verified claims.
func userContextFromClaims(claims jwt.MapClaims) *UserContext {
	user := &UserContext{
		Subject: getClaimString(claims, "sub"),
		Name:    getClaimString(claims, "name"),
		TokenID: getClaimString(claims, "jti"),
		Roles:   []string{},
	}
	if user.Name == "" {
		user.Name = getClaimString(claims, "preferred_username")
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		user.ExpiresAt = exp.Time
	}

	// Keycloak realm roles live under realm_access.roles. A missing or
	// malformed claim is an authenticated-but-roleless state.
	if realmAccess, ok := claims["realm_access"].(map[string]interface{}); ok {
		if rawRoles, ok := realmAccess["roles"].([]interface{}); ok {
			for _, r := range rawRoles {
				if s, ok := r.(string); ok && s != "" {
					user.Roles = append(user.Roles, s)
				}
			}
		}
	}

	return user
}

// keyForKID returns the signing key for kid, refreshing the cached key
// set once if the kid is unknown (key rotation).
func (v *Validator) keyForKID(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	v.mu.RUnlock()
	if ok {
		return key, nil
	}

	if err := v.refreshKeys(ctx); err != nil {
		return nil, fmt.Errorf("key set refresh failed: %w", err)
	}

	v.mu.RLock()
	key, ok = v.keys[kid]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown signing key id %q", kid)
	}
	return key, nil
}

// refreshKeys fetches the JWKS document and swaps the cached key set.
// Refreshes are rate-limited; concurrent callers piggyback on the most
// recent fetch.
func (v *Validator) refreshKeys(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if time.Since(v.lastRefresh) < jwksRefreshMinInterval {
		return nil
	}
	v.lastRefresh = time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey)
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := parseRSAKey(k.N, k.E)
		if err != nil {
			log.Printf("[Auth] Skipping unparseable JWKS key %s: %v", k.Kid, err)
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("JWKS document contained no usable RSA signing keys")
	}

	v.keys = keys
	log.Printf("[Auth] Signing key set refreshed: %d keys", len(keys))
	return nil
}

// KeySetAvailable reports whether at least one signing key is cached.
// Used by the health endpoint.
func (v *Validator) KeySetAvailable(ctx context.Context) bool {
	v.mu.RLock()
	n := len(v.keys)
	v.mu.RUnlock()
	if n > 0 {
		return true
	}
	return v.refreshKeys(ctx) == nil
}

// parseRSAKey builds an rsa.PublicKey from base64url JWKS components.
func parseRSAKey(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}
	eInt := 0
	for _, b := range eBytes {
		eInt = eInt<<8 | int(b)
	}
	if eInt == 0 {
		return nil, fmt.Errorf("zero exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: eInt}, nil
}

// getClaimString extracts a string claim, returning "" when absent.
func getClaimString(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}
