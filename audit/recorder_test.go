// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

package audit

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// notZeroTime matches any non-zero time.Time argument.
type notZeroTime struct{}

func (notZeroTime) Match(v driver.Value) bool {
	ts, ok := v.(time.Time)
	return ok && !ts.IsZero()
}

func TestAppendPersistsRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_records").
		WithArgs(sqlmock.AnyArg(), "tool_invocation", "user-42", "token-abc", "req-1",
			"finance", "query", "success", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	r := NewRecorder(db, 10, 1)
	r.Append(Record{
		Event:     EventToolInvocation,
		Subject:   "user-42",
		TokenID:   "token-abc",
		RequestID: "req-1",
		Server:    "finance",
		Tool:      "query",
		Decision:  "success",
		Detail:    map[string]interface{}{"duration_ms": 12},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendFillsTimestamp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// The first positional argument is the timestamp; it must not be the
	// zero value even though the caller left it unset.
	mock.ExpectExec("INSERT INTO audit_records").
		WithArgs(notZeroTime{}, "auth_failure", "", "", "", "", "", "rejected", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	r := NewRecorder(db, 10, 1)
	r.Append(Record{Event: EventAuthFailure, Decision: "rejected"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorderWithoutDatabase(t *testing.T) {
	r := NewRecorder(nil, 10, 1)
	r.Append(Record{Event: EventTurnCompleted, Subject: "user-42"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, r.Close(ctx))
}

func TestAppendRetriesTransientFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_records").
		WillReturnError(assert.AnError)
	mock.ExpectExec("INSERT INTO audit_records").
		WillReturnResult(sqlmock.NewResult(1, 1))

	r := NewRecorder(db, 10, 1)
	r.Append(Record{Event: EventTokenRevoked, Decision: "revoked"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendNeverBlocksWhenQueueIsFull(t *testing.T) {
	// A nil database with a tiny queue: the point is that Append returns
	// promptly whatever the queue state.
	r := NewRecorder(nil, 1, 1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			r.Append(Record{Event: EventTurnCompleted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Append blocked on a full queue")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, r.Close(ctx))
}
