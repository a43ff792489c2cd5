// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

// Package llm provides the unified interface and types for the language
// model providers driven by the streaming orchestrator. Implementations
// must be safe for concurrent use.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ProviderType identifies the type of LLM provider.
type ProviderType string

const (
	// ProviderTypeAnthropic represents Anthropic's Claude models.
	ProviderTypeAnthropic ProviderType = "anthropic"

	// ProviderTypeCustom represents a custom or self-hosted provider.
	ProviderTypeCustom ProviderType = "custom"
)

// Message is one turn of model conversation context.
type Message struct {
	// Role is "user" or "assistant".
	Role string `json:"role"`

	// Content is the ordered list of content blocks.
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one element of a message: text, a tool invocation the
// model requested, or a tool result fed back to it.
type ContentBlock struct {
	// Type is "text", "tool_use", or "tool_result".
	Type string `json:"type"`

	// Text is present for text blocks.
	Text string `json:"text,omitempty"`

	// ToolUseID correlates a tool_use with its tool_result.
	ToolUseID string `json:"tool_use_id,omitempty"`

	// ToolName is the declared tool the model invoked.
	ToolName string `json:"tool_name,omitempty"`

	// Input is the tool argument object for tool_use blocks.
	Input json.RawMessage `json:"input,omitempty"`

	// Content is the serialized result for tool_result blocks.
	Content string `json:"content,omitempty"`

	// IsError marks a tool_result carrying a failure.
	IsError bool `json:"is_error,omitempty"`
}

// ToolDef declares one tool to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// TurnRequest is one streaming completion request within a turn.
type TurnRequest struct {
	// System is the system prompt.
	System string `json:"system"`

	// Messages is the conversation context so far, including tool
	// results from earlier iterations of the same turn.
	Messages []Message `json:"messages"`

	// Tools declares the tools the caller's roles authorize.
	Tools []ToolDef `json:"tools,omitempty"`

	// Model overrides the provider default model.
	Model string `json:"model,omitempty"`

	// MaxTokens limits the response length (0 = provider default).
	MaxTokens int `json:"max_tokens,omitempty"`
}

// TurnResponse is the aggregated result of one streaming request.
type TurnResponse struct {
	// Content is the full ordered block list the model produced.
	Content []ContentBlock `json:"content"`

	// StopReason is why generation stopped: "end_turn", "tool_use",
	// "max_tokens".
	StopReason string `json:"stop_reason"`

	// Model is the model that actually served the request.
	Model string `json:"model"`

	// Usage contains token usage statistics.
	Usage UsageStats `json:"usage"`

	// Latency is the time taken to generate the response.
	Latency time.Duration `json:"latency"`
}

// UsageStats tracks token usage for monitoring.
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// StreamChunk is a single delta in a streaming response.
type StreamChunk struct {
	// Type is "text" for content deltas, "tool_use_start" when the
	// model begins a tool invocation, "done" for the final chunk.
	Type string `json:"type"`

	// Content is the text delta.
	Content string `json:"content,omitempty"`

	// ToolName is set on tool_use_start chunks.
	ToolName string `json:"tool_name,omitempty"`
}

// StreamHandler is called for each chunk as it arrives. Returning an
// error aborts the stream.
type StreamHandler func(chunk StreamChunk) error

// Provider is the interface the orchestrator drives. The orchestrator
// only ever streams; non-streaming completion is not part of the
// contract.
type Provider interface {
	// Name returns the provider instance identifier for logging.
	Name() string

	// Type returns the provider type.
	Type() ProviderType

	// StreamTurn sends one completion request, invoking handler for
	// each delta, and returns the aggregated response. The context
	// carries the turn deadline; cancellation terminates the upstream
	// request.
	StreamTurn(ctx context.Context, req TurnRequest, handler StreamHandler) (*TurnResponse, error)

	// HealthCheck verifies the provider is reachable and authenticated.
	HealthCheck(ctx context.Context) error
}

// ProviderError represents an error from an LLM provider.
type ProviderError struct {
	Provider   string `json:"provider"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
	Cause      error  `json:"-"`
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}
