// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

// Package confirm implements the pending-confirmation store for
// sensitive write actions. Entries live in Redis so any gateway
// instance can resolve them; exactly-once resolution relies on an
// atomic compare-and-delete against the store, never on in-process
// locks, because multiple gateway instances run concurrently.
package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// TTL is the fixed lifetime of a pending confirmation. Redis expiry is
// the authoritative clock: approval, denial, and expiry race on one
// entry and the first to delete it wins.
const TTL = 5 * time.Minute

var (
	// ErrExpired means the confirmation does not exist: it expired, was
	// already resolved, or never was. Maps to 404.
	ErrExpired = errors.New("confirmation expired or already resolved")

	// ErrForbidden means the caller is not the confirmation's owner.
	// Maps to 403.
	ErrForbidden = errors.New("confirmation belongs to a different subject")
)

// PendingConfirmation is one deferred sensitive write awaiting explicit
// approval from the subject that triggered it. The mutation has not
// happened yet.
type PendingConfirmation struct {
	// ID is opaque and unguessable.
	ID string `json:"id"`

	// Subject is the owning caller; only this subject may resolve.
	Subject string `json:"subject"`

	// Server is the downstream server that deferred the action.
	Server string `json:"server"`

	// Summary is the human-readable description of the action.
	Summary string `json:"summary"`

	// Action is the opaque deferred-action descriptor replayed on
	// approval.
	Action json.RawMessage `json:"action"`

	// CreatedAt and ExpiresAt bound the entry's life.
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// compareAndDelete deletes the key only if it still holds the exact
// value the resolver read, so concurrent approve/deny/expiry races
// produce exactly one winner across all gateway instances.
var compareAndDelete = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Store holds pending confirmations in Redis under confirm:{id}.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a Store on the shared Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Create records a new pending confirmation with a fresh unguessable id
// and the fixed TTL, and returns it for the pending-confirmation event.
func (s *Store) Create(ctx context.Context, subject, server, summary string, action json.RawMessage) (*PendingConfirmation, error) {
	now := time.Now().UTC()
	pc := &PendingConfirmation{
		ID:        uuid.NewString(),
		Subject:   subject,
		Server:    server,
		Summary:   summary,
		Action:    action,
		CreatedAt: now,
		ExpiresAt: now.Add(TTL),
	}

	payload, err := json.Marshal(pc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal confirmation: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, key(pc.ID), payload, TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to store confirmation: %w", err)
	}
	if !ok {
		// A uuid collision would be the only way here.
		return nil, fmt.Errorf("confirmation id collision for %s", pc.ID)
	}
	return pc, nil
}

// Claim atomically resolves a confirmation for the given subject and
// returns it. The entry is gone afterwards, so the caller executes (on
// approve) or discards (on deny) at most once even under concurrent
// resolution attempts. Owner mismatch leaves the entry intact.
func (s *Store) Claim(ctx context.Context, id, subject string) (*PendingConfirmation, error) {
	raw, err := s.rdb.Get(ctx, key(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrExpired
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read confirmation: %w", err)
	}

	var pc PendingConfirmation
	if err := json.Unmarshal(raw, &pc); err != nil {
		return nil, fmt.Errorf("corrupt confirmation entry %s: %w", id, err)
	}

	// Invariant: a confirmation is actionable only by its creator.
	if pc.Subject != subject {
		return nil, ErrForbidden
	}

	won, err := compareAndDelete.Run(ctx, s.rdb, []string{key(id)}, string(raw)).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve confirmation: %w", err)
	}
	if won == 0 {
		// Lost the race to another resolver or to expiry.
		return nil, ErrExpired
	}
	return &pc, nil
}

// Peek returns the confirmation without resolving it. Used by audit and
// tests; the request path resolves via Claim only.
func (s *Store) Peek(ctx context.Context, id string) (*PendingConfirmation, error) {
	raw, err := s.rdb.Get(ctx, key(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrExpired
	}
	if err != nil {
		return nil, err
	}
	var pc PendingConfirmation
	if err := json.Unmarshal(raw, &pc); err != nil {
		return nil, fmt.Errorf("corrupt confirmation entry %s: %w", id, err)
	}
	return &pc, nil
}

func key(id string) string {
	return "confirm:" + id
}
