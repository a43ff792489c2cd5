// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://keycloak.test/realms/tamshai"
	testAudience = "tamshai-gateway"
	testKID      = "test-key-1"
)

// staticRevocation is a RevocationChecker with a fixed revoked set.
type staticRevocation map[string]bool

func (s staticRevocation) IsRevoked(tokenID string) bool { return s[tokenID] }

// newJWKSServer serves a JWKS document for the given key.
func newJWKSServer(t *testing.T, kid string, pub *rsa.PublicKey) *httptest.Server {
	t.Helper()
	doc := map[string]interface{}{
		"keys": []map[string]string{{
			"kid": kid,
			"kty": "RSA",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":  testIssuer,
		"aud":  testAudience,
		"sub":  "user-42",
		"jti":  "token-abc",
		"name": "Ada Analyst",
		"exp":  time.Now().Add(time.Hour).Unix(),
		"iat":  time.Now().Unix(),
		"realm_access": map[string]interface{}{
			"roles": []interface{}{"finance-read", "inventory-read"},
		},
	}
}

func newTestValidator(t *testing.T, revoked staticRevocation) (*Validator, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwks := newJWKSServer(t, testKID, &key.PublicKey)
	return NewValidator(jwks.URL, testIssuer, testAudience, revoked), key
}

func TestValidateAcceptsGoodToken(t *testing.T) {
	v, key := newTestValidator(t, nil)

	user, err := v.Validate(context.Background(), signToken(t, key, testKID, validClaims()))
	require.NoError(t, err)

	assert.Equal(t, "user-42", user.Subject)
	assert.Equal(t, "Ada Analyst", user.Name)
	assert.Equal(t, "token-abc", user.TokenID)
	assert.Equal(t, []string{"finance-read", "inventory-read"}, user.Roles)
	assert.WithinDuration(t, time.Now().Add(time.Hour), user.ExpiresAt, time.Minute)
}

func TestValidateRejectsMissingToken(t *testing.T) {
	v, _ := newTestValidator(t, nil)
	_, err := v.Validate(context.Background(), "")
	assert.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	v, key := newTestValidator(t, nil)

	claims := validClaims()
	claims["exp"] = time.Now().Add(-time.Minute).Unix()

	_, err := v.Validate(context.Background(), signToken(t, key, testKID, claims))
	assert.Error(t, err)
}

func TestValidateRequiresExpiry(t *testing.T) {
	v, key := newTestValidator(t, nil)

	claims := validClaims()
	delete(claims, "exp")

	_, err := v.Validate(context.Background(), signToken(t, key, testKID, claims))
	assert.Error(t, err)
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	v, key := newTestValidator(t, nil)

	claims := validClaims()
	claims["iss"] = "https://evil.test/realms/tamshai"

	_, err := v.Validate(context.Background(), signToken(t, key, testKID, claims))
	assert.Error(t, err)
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	v, key := newTestValidator(t, nil)

	claims := validClaims()
	claims["aud"] = "some-other-client"

	_, err := v.Validate(context.Background(), signToken(t, key, testKID, claims))
	assert.Error(t, err)
}

func TestValidateRejectsForgedSignature(t *testing.T) {
	v, _ := newTestValidator(t, nil)

	// Signed with a key the JWKS endpoint never published.
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), signToken(t, otherKey, testKID, validClaims()))
	assert.Error(t, err)
}

func TestValidateRejectsSymmetricAlgorithm(t *testing.T) {
	v, _ := newTestValidator(t, nil)

	// alg:none style downgrade via HS256; must fail on the method
	// allowlist before any key lookup.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
	token.Header["kid"] = testKID
	signed, err := token.SignedString([]byte("guessable-secret"))
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), signed)
	assert.Error(t, err)
}

func TestValidateRejectsMissingKID(t *testing.T) {
	v, key := newTestValidator(t, nil)
	_, err := v.Validate(context.Background(), signToken(t, key, "", validClaims()))
	assert.Error(t, err)
}

func TestValidateRejectsUnknownKID(t *testing.T) {
	v, key := newTestValidator(t, nil)
	_, err := v.Validate(context.Background(), signToken(t, key, "rotated-away", validClaims()))
	assert.Error(t, err)
}

func TestValidateTreatsMissingRolesAsRoleless(t *testing.T) {
	v, key := newTestValidator(t, nil)

	claims := validClaims()
	delete(claims, "realm_access")

	user, err := v.Validate(context.Background(), signToken(t, key, testKID, claims))
	require.NoError(t, err)
	assert.Empty(t, user.Roles)
}

func TestValidateTreatsMalformedRolesAsRoleless(t *testing.T) {
	v, key := newTestValidator(t, nil)

	claims := validClaims()
	claims["realm_access"] = "not-an-object"

	user, err := v.Validate(context.Background(), signToken(t, key, testKID, claims))
	require.NoError(t, err)
	assert.Empty(t, user.Roles)
}

func TestValidateRejectsRevokedToken(t *testing.T) {
	v, key := newTestValidator(t, staticRevocation{"token-abc": true})

	_, err := v.Validate(context.Background(), signToken(t, key, testKID, validClaims()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revoked")
}

func TestValidateFallsBackToPreferredUsername(t *testing.T) {
	v, key := newTestValidator(t, nil)

	claims := validClaims()
	delete(claims, "name")
	claims["preferred_username"] = "ada"

	user, err := v.Validate(context.Background(), signToken(t, key, testKID, claims))
	require.NoError(t, err)
	assert.Equal(t, "ada", user.Name)
}

func TestKeySetAvailable(t *testing.T) {
	v, _ := newTestValidator(t, nil)
	assert.True(t, v.KeySetAvailable(context.Background()))

	unreachable := NewValidator("http://127.0.0.1:1/jwks", testIssuer, testAudience, nil)
	assert.False(t, unreachable.KeySetAvailable(context.Background()))
}
