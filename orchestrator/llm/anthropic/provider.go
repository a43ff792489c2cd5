// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

// Package anthropic implements the llm.Provider interface over
// Anthropic's messages API with streaming and tool use. The orchestrator
// drives it exclusively in streaming mode.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tamshai/ai-gateway/orchestrator/llm"
)

const (
	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the Anthropic API version.
	DefaultAPIVersion = "2023-06-01"

	// DefaultMaxTokens is the default max tokens for completions.
	DefaultMaxTokens = 4096

	// DefaultModel is used when the request does not override it.
	DefaultModel = "claude-3-5-sonnet-20241022"
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config contains configuration for the Anthropic provider.
type Config struct {
	APIKey     string        // Required: Anthropic API key
	BaseURL    string        // Optional: API base URL
	APIVersion string        // Optional: API version
	Model      string        // Optional: default model
	Timeout    time.Duration // Optional: HTTP timeout backstop
}

// Provider implements llm.Provider for Anthropic Claude.
type Provider struct {
	apiKey     string
	baseURL    string
	apiVersion string
	model      string
	client     HTTPClient
}

// NewProvider creates a new Anthropic provider instance.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}

	return &Provider{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiVersion: cfg.APIVersion,
		model:      cfg.Model,
		client:     &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name returns the provider instance identifier.
func (p *Provider) Name() string {
	return "anthropic"
}

// Type returns the provider type.
func (p *Provider) Type() llm.ProviderType {
	return llm.ProviderTypeAnthropic
}

// HealthCheck verifies API reachability and authentication with a
// minimal completion request.
func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.StreamTurn(ctx, llm.TurnRequest{
		Messages:  []llm.Message{{Role: "user", Content: []llm.ContentBlock{{Type: "text", Text: "ping"}}}},
		MaxTokens: 1,
	}, nil)
	return err
}

// StreamTurn sends one streaming messages request, invoking handler per
// delta, and returns the aggregated response including any tool_use
// blocks the model produced.
func (p *Provider) StreamTurn(ctx context.Context, req llm.TurnRequest, handler llm.StreamHandler) (*llm.TurnResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	apiReq := apiRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    req.System,
		Stream:    true,
		Messages:  toAPIMessages(req.Messages),
	}
	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, apiTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", p.apiVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &llm.ProviderError{Provider: "anthropic", Code: "transport", Message: err.Error(), Cause: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, parseAPIError(resp.StatusCode, body)
	}

	return p.processStream(resp.Body, handler, start, model)
}

// processStream consumes the SSE stream, re-emitting text deltas to the
// handler as they arrive and assembling the full content block list.
func (p *Provider) processStream(body io.Reader, handler llm.StreamHandler, start time.Time, model string) (*llm.TurnResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var blocks []llm.ContentBlock
	var usage llm.UsageStats
	var stopReason, responseModel string

	// Per-index accumulation: text builders for text blocks, partial
	// JSON for tool_use inputs.
	texts := make(map[int]*strings.Builder)
	toolInputs := make(map[int]*strings.Builder)
	blockIndex := make(map[int]int) // stream index -> position in blocks

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue // skip malformed events
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				responseModel = event.Message.Model
				if event.Message.Usage != nil {
					usage.PromptTokens = event.Message.Usage.InputTokens
				}
			}

		case "content_block_start":
			if event.ContentBlock == nil {
				continue
			}
			switch event.ContentBlock.Type {
			case "text":
				texts[event.Index] = &strings.Builder{}
				blockIndex[event.Index] = len(blocks)
				blocks = append(blocks, llm.ContentBlock{Type: "text"})
			case "tool_use":
				toolInputs[event.Index] = &strings.Builder{}
				blockIndex[event.Index] = len(blocks)
				blocks = append(blocks, llm.ContentBlock{
					Type:      "tool_use",
					ToolUseID: event.ContentBlock.ID,
					ToolName:  event.ContentBlock.Name,
				})
				if handler != nil {
					if err := handler(llm.StreamChunk{Type: "tool_use_start", ToolName: event.ContentBlock.Name}); err != nil {
						return nil, fmt.Errorf("handler error: %w", err)
					}
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if b, ok := texts[event.Index]; ok {
					b.WriteString(event.Delta.Text)
				}
				if handler != nil {
					if err := handler(llm.StreamChunk{Type: "text", Content: event.Delta.Text}); err != nil {
						return nil, fmt.Errorf("handler error: %w", err)
					}
				}
			case "input_json_delta":
				if b, ok := toolInputs[event.Index]; ok {
					b.WriteString(event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if i, ok := blockIndex[event.Index]; ok {
				if b, ok := texts[event.Index]; ok {
					blocks[i].Text = b.String()
				}
				if b, ok := toolInputs[event.Index]; ok {
					input := b.String()
					if input == "" {
						input = "{}"
					}
					blocks[i].Input = json.RawMessage(input)
				}
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.CompletionTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			if handler != nil {
				if err := handler(llm.StreamChunk{Type: "done"}); err != nil {
					return nil, fmt.Errorf("handler error: %w", err)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read error: %w", err)
	}

	if responseModel == "" {
		responseModel = model
	}

	return &llm.TurnResponse{
		Content:    blocks,
		StopReason: stopReason,
		Model:      responseModel,
		Usage:      usage,
		Latency:    time.Since(start),
	}, nil
}

// parseAPIError decodes an Anthropic error response into a ProviderError.
func parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return &llm.ProviderError{
			Provider:   "anthropic",
			Code:       "api_error",
			Message:    string(body),
			StatusCode: statusCode,
		}
	}
	return &llm.ProviderError{
		Provider:   "anthropic",
		Code:       errResp.Error.Type,
		Message:    errResp.Error.Message,
		StatusCode: statusCode,
	}
}

// Internal API types.

type apiRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []apiMessage    `json:"messages"`
	Tools     []apiTool       `json:"tools,omitempty"`
	Stream    bool            `json:"stream,omitempty"`
}

type apiMessage struct {
	Role    string            `json:"role"`
	Content []apiContentBlock `json:"content"`
}

type apiContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type apiTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type streamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index,omitempty"`
	Message *struct {
		Model string `json:"model"`
		Usage *struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage,omitempty"`
	} `json:"message,omitempty"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type,omitempty"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

// toAPIMessages converts llm messages into the wire shape.
func toAPIMessages(msgs []llm.Message) []apiMessage {
	out := make([]apiMessage, 0, len(msgs))
	for _, m := range msgs {
		am := apiMessage{Role: m.Role}
		for _, b := range m.Content {
			switch b.Type {
			case "text":
				am.Content = append(am.Content, apiContentBlock{Type: "text", Text: b.Text})
			case "tool_use":
				am.Content = append(am.Content, apiContentBlock{
					Type:  "tool_use",
					ID:    b.ToolUseID,
					Name:  b.ToolName,
					Input: b.Input,
				})
			case "tool_result":
				am.Content = append(am.Content, apiContentBlock{
					Type:      "tool_result",
					ToolUseID: b.ToolUseID,
					Content:   b.Content,
					IsError:   b.IsError,
				})
			}
		}
		out = append(out, am)
	}
	return out
}
