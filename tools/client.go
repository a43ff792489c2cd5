// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Tool invocation Prometheus metrics.
var (
	toolInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tamshai_tool_invocations_total",
			Help: "Total downstream tool invocations",
		},
		[]string{"server", "status"},
	)
	toolInvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tamshai_tool_invocation_duration_milliseconds",
			Help:    "Downstream tool invocation duration in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000, 15000},
		},
		[]string{"server"},
	)
	breakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tamshai_breaker_state",
			Help: "Circuit breaker state per server (0=closed, 1=half-open, 2=open)",
		},
		[]string{"server"},
	)
)

var toolMetricsOnce sync.Once

func registerToolMetrics() {
	toolMetricsOnce.Do(func() {
		_ = prometheus.Register(toolInvocationsTotal)
		_ = prometheus.Register(toolInvocationDuration)
		_ = prometheus.Register(breakerStateGauge)
	})
}

// Timeouts holds the per-category operation timeouts with an escape
// hatch for per-tool overrides keyed "server/tool".
type Timeouts struct {
	Read      time.Duration
	Write     time.Duration
	Overrides map[string]time.Duration
}

// For resolves the timeout for one call: per-tool override first, then
// the read/write category default.
func (t Timeouts) For(call Call) time.Duration {
	if d, ok := t.Overrides[call.Server+"/"+call.Tool]; ok && d > 0 {
		return d
	}
	if call.Write {
		return t.Write
	}
	return t.Read
}

// Caller is the identity metadata attached to every forwarded call.
// Downstream servers apply their own authorization and row filtering
// from it; the gateway never filters business data.
type Caller struct {
	Subject   string
	Roles     []string
	RequestID string
}

// Client forwards tool calls to downstream servers with the caller's
// identity attached, applies per-operation timeouts, consults the
// per-server circuit breaker, and interprets truncation. Safe for
// concurrent use.
type Client struct {
	servers  map[string]*ServerDescriptor
	breakers map[string]*CircuitBreaker
	timeouts Timeouts
	http     *http.Client
}

// NewClient creates a Client over the given static server set.
func NewClient(servers []ServerDescriptor, timeouts Timeouts, threshold int, cooldown time.Duration) *Client {
	registerToolMetrics()

	byName := make(map[string]*ServerDescriptor, len(servers))
	breakers := make(map[string]*CircuitBreaker, len(servers))
	for i := range servers {
		s := servers[i]
		byName[s.Name] = &s
		breakers[s.Name] = NewCircuitBreaker(s.Name, threshold, cooldown)
		breakerStateGauge.WithLabelValues(s.Name).Set(0)
	}

	return &Client{
		servers:  byName,
		breakers: breakers,
		timeouts: timeouts,
		// Transport-level timeout is a backstop; per-call deadlines come
		// from the context.
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

// Server returns the descriptor for a named server.
func (c *Client) Server(name string) (*ServerDescriptor, bool) {
	s, ok := c.servers[name]
	return s, ok
}

// BreakerStates returns the current breaker state per server for the
// health endpoint.
func (c *Client) BreakerStates() map[string]BreakerState {
	out := make(map[string]BreakerState, len(c.breakers))
	for name, cb := range c.breakers {
		out[name] = cb.State()
	}
	return out
}

// Invoke forwards one tool call. Downstream failure, timeout, or an
// open breaker produce a degraded Result, never a Go error; the only
// error return is an unknown server, which is a routing bug upstream.
func (c *Client) Invoke(ctx context.Context, caller Caller, call Call) (*Result, error) {
	server, ok := c.servers[call.Server]
	if !ok {
		return nil, fmt.Errorf("unknown tool server %q", call.Server)
	}

	cb := c.breakers[call.Server]
	if !cb.Allow() {
		toolInvocationsTotal.WithLabelValues(call.Server, "short_circuit").Inc()
		c.observeBreaker(call.Server)
		return &Result{
			Call:              call,
			Unavailable:       true,
			UnavailableReason: fmt.Sprintf("server %s is unavailable (circuit open)", call.Server),
		}, nil
	}

	start := time.Now()
	env, err := c.post(ctx, caller, server, call)
	duration := time.Since(start)
	toolInvocationDuration.WithLabelValues(call.Server).Observe(float64(duration.Milliseconds()))

	if err != nil {
		cb.RecordFailure()
		c.observeBreaker(call.Server)
		status := "failure"
		reason := fmt.Sprintf("server %s failed: %v", call.Server, err)
		if errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
			reason = fmt.Sprintf("server %s timed out after %v", call.Server, c.timeouts.For(call))
		}
		toolInvocationsTotal.WithLabelValues(call.Server, status).Inc()
		log.Printf("[Tools] %s/%s degraded: %v", call.Server, call.Tool, err)
		return &Result{
			Call:              call,
			Unavailable:       true,
			UnavailableReason: reason,
			Duration:          duration,
		}, nil
	}

	cb.RecordSuccess()
	c.observeBreaker(call.Server)
	toolInvocationsTotal.WithLabelValues(call.Server, "success").Inc()

	result := &Result{Call: call, Envelope: env, Duration: duration}
	if env.Status == "success" && env.Truncated {
		result.SupplementaryContext = truncationNotice(call, env)
	}
	return result, nil
}

// InvokeAll dispatches the calls concurrently and returns results in
// the original call order, regardless of completion order, so they can
// be re-presented to the model as issued.
func (c *Client) InvokeAll(ctx context.Context, caller Caller, calls []Call) ([]*Result, error) {
	results := make([]*Result, len(calls))
	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once

	for i, call := range calls {
		wg.Add(1)
		go func(i int, call Call) {
			defer wg.Done()
			res, err := c.Invoke(ctx, caller, call)
			if err != nil {
				errOnce.Do(func() { firstErr = err })
				return
			}
			results[i] = res
		}(i, call)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// ExecuteAction replays a deferred action after approval. It is the
// second half of the pending-confirmation flow: the original call never
// mutated anything, this one does.
func (c *Client) ExecuteAction(ctx context.Context, caller Caller, serverName string, action json.RawMessage) (*Envelope, error) {
	server, ok := c.servers[serverName]
	if !ok {
		return nil, fmt.Errorf("unknown tool server %q", serverName)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Write)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(server.BaseURL, "/")+"/actions/execute", bytes.NewReader(action))
	if err != nil {
		return nil, err
	}
	c.setCallerHeaders(req, caller)

	return c.doEnvelope(req)
}

// post forwards one call to POST {base}/tools/{tool}.
func (c *Client) post(ctx context.Context, caller Caller, server *ServerDescriptor, call Call) (*Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.For(call))
	defer cancel()

	body := map[string]interface{}{
		"args":  call.Args,
		"write": call.Write,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool call: %w", err)
	}

	url := strings.TrimSuffix(server.BaseURL, "/") + "/tools/" + call.Tool
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	c.setCallerHeaders(req, caller)

	return c.doEnvelope(req)
}

// setCallerHeaders attaches the caller identity as request metadata.
func (c *Client) setCallerHeaders(req *http.Request, caller Caller) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", caller.Subject)
	req.Header.Set("X-User-Roles", strings.Join(caller.Roles, ","))
	req.Header.Set("X-Request-ID", caller.RequestID)
}

// doEnvelope executes the request and decodes the discriminated
// envelope. Non-2xx responses with a parseable envelope pass the
// downstream structured error through unmodified.
func (c *Client) doEnvelope(req *http.Request) (*Envelope, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		// Unwrap the url.Error so context.DeadlineExceeded is visible
		// to errors.Is in the caller.
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	defer resp.Body.Close()

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("undecodable response (status %d): %w", resp.StatusCode, err)
	}
	if env.Status == "" {
		return nil, fmt.Errorf("response missing envelope status (http %d)", resp.StatusCode)
	}
	return &env, nil
}

// observeBreaker exports the breaker state gauge.
func (c *Client) observeBreaker(server string) {
	var v float64
	switch c.breakers[server].State() {
	case BreakerHalfOpen:
		v = 1
	case BreakerOpen:
		v = 2
	}
	breakerStateGauge.WithLabelValues(server).Set(v)
}

// truncationNotice synthesizes the supplementary context accompanying a
// truncated result. It is injected as context for the model, never as a
// change to the data.
func truncationNotice(call Call, env *Envelope) string {
	notice := fmt.Sprintf(
		"NOTE: the result from %s/%s was truncated before completeness. "+
			"You must tell the user the result is incomplete and suggest narrowing the query.",
		call.Server, call.Tool)
	if env.Cursor != "" {
		notice += fmt.Sprintf(" More data is available via pagination cursor %q.", env.Cursor)
	}
	return notice
}
