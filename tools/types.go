// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

// Package tools implements the invocation client for downstream tool
// servers and the per-server circuit breaker. Downstream servers own
// their business logic and storage; the gateway forwards calls with the
// caller's identity attached and interprets the response envelope, it
// never filters business data itself.
package tools

import (
	"encoding/json"
	"fmt"
	"time"
)

// ServerDescriptor describes one downstream tool server. The set is
// static after startup; only breaker-tracked health changes at runtime.
type ServerDescriptor struct {
	// Name is the unique server identifier.
	Name string `json:"name"`

	// BaseURL is the server's base address.
	BaseURL string `json:"base_url"`

	// Roles lists the roles granting access, mirrored from config for
	// the health endpoint; authorization happens in the role router.
	Roles []string `json:"roles"`
}

// Envelope is the discriminated response contract every downstream
// server speaks. Exactly one of Data, Confirmation, or Error is
// populated according to Status. Structured downstream errors pass
// through the gateway unmodified.
type Envelope struct {
	// Status discriminates the envelope: "success",
	// "pending_confirmation", or "error".
	Status string `json:"status"`

	// Data carries the tool result on success.
	Data json.RawMessage `json:"data,omitempty"`

	// Truncated signals the result set was capped before completeness.
	Truncated bool `json:"truncated,omitempty"`

	// Cursor is an opaque pagination cursor for truncated results.
	Cursor string `json:"cursor,omitempty"`

	// Confirmation is present when the call is a sensitive write that
	// requires explicit approval before execution.
	Confirmation *ConfirmationRequest `json:"confirmation,omitempty"`

	// Error is the downstream structured error.
	Error *DownstreamError `json:"error,omitempty"`
}

// ConfirmationRequest is the downstream signal that a mutation needs
// caller approval. The mutation has not happened yet.
type ConfirmationRequest struct {
	// Summary is the human-readable description shown to the caller.
	Summary string `json:"summary"`

	// Action is the deferred-action descriptor the gateway replays on
	// approval. Opaque to the gateway.
	Action json.RawMessage `json:"action"`
}

// DownstreamError is a machine-readable downstream failure.
type DownstreamError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Call is one tool invocation within a model turn.
type Call struct {
	// ID is the model's tool-use id, used to re-present results in the
	// model's original call order.
	ID string `json:"id"`

	// Server is the downstream server name.
	Server string `json:"server"`

	// Tool is the tool name on that server.
	Tool string `json:"tool"`

	// Args is the JSON argument object.
	Args json.RawMessage `json:"args"`

	// Write marks mutating operations; they get the longer write
	// timeout and may come back as pending confirmations.
	Write bool `json:"write"`
}

// Result is the gateway-side outcome of one Call. A downstream timeout
// or open breaker yields Unavailable rather than an error so a
// multi-server turn preserves its partial successes.
type Result struct {
	// Call echoes the originating call.
	Call Call `json:"call"`

	// Envelope is the downstream response when the server answered.
	Envelope *Envelope `json:"envelope,omitempty"`

	// Unavailable is set when the server timed out, failed transport,
	// or its breaker was open.
	Unavailable bool `json:"unavailable"`

	// UnavailableReason explains the degradation for audit and the
	// caller-visible warning.
	UnavailableReason string `json:"unavailable_reason,omitempty"`

	// SupplementaryContext is synthesized guidance injected alongside a
	// truncated result, telling the model the data is incomplete and
	// that the user must be told. It never alters the data itself.
	SupplementaryContext string `json:"supplementary_context,omitempty"`

	// Duration is the downstream round-trip time.
	Duration time.Duration `json:"duration"`
}

// ServiceDegraded indicates every server in a turn failed. A single
// failing server is absorbed into a partial response instead.
type ServiceDegraded struct {
	Servers []string
}

func (e *ServiceDegraded) Error() string {
	return fmt.Sprintf("all %d tool servers in the turn are unavailable", len(e.Servers))
}
