// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

// Package orchestrator drives a single conversational turn: it screens
// the query, declares the caller's authorized tools to the model,
// streams model output, dispatches requested tool calls, and feeds the
// results back until the model finishes the turn.
package orchestrator

import "encoding/json"

// EventType discriminates the events emitted over a turn stream.
type EventType string

const (
	// EventText carries a model text delta.
	EventText EventType = "text"

	// EventToolStart announces that a tool call is being dispatched.
	EventToolStart EventType = "tool_start"

	// EventToolResult reports a completed tool call.
	EventToolResult EventType = "tool_result"

	// EventPendingConfirmation reports a deferred sensitive write that
	// now awaits explicit approval. No mutation has happened.
	EventPendingConfirmation EventType = "pending_confirmation"

	// EventServiceUnavailable reports a degraded tool call: the
	// downstream server failed, timed out, or its breaker is open.
	EventServiceUnavailable EventType = "service_unavailable"

	// EventError terminates a turn abnormally. The message is generic;
	// internal detail lives in the audit trail only.
	EventError EventType = "error"

	// EventDone is always the final event of a stream, whatever came
	// before it.
	EventDone EventType = "done"
)

// StreamEvent is one event on a turn stream, serialized as a JSON line
// per server-sent-events data frame. Fields are populated per type.
type StreamEvent struct {
	Type EventType `json:"type"`

	// Text is the delta for text events and the message for error
	// events.
	Text string `json:"text,omitempty"`

	// Server and Tool identify the downstream call for tool_start,
	// tool_result, service_unavailable, and pending_confirmation.
	Server string `json:"server,omitempty"`
	Tool   string `json:"tool,omitempty"`

	// Truncated and Cursor surface incomplete tool results so the
	// client can offer pagination.
	Truncated bool   `json:"truncated,omitempty"`
	Cursor    string `json:"cursor,omitempty"`

	// ConfirmationID and Summary describe a pending confirmation.
	ConfirmationID string `json:"confirmation_id,omitempty"`
	Summary        string `json:"summary,omitempty"`

	// ExpiresAt is the RFC 3339 expiry of a pending confirmation.
	ExpiresAt string `json:"expires_at,omitempty"`
}

// Marshal renders the event as its JSON wire form.
func (e StreamEvent) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// EmitFunc receives each event in order. Returning an error aborts the
// turn; the client has gone away.
type EmitFunc func(StreamEvent) error
