// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"fmt"
	"net/http"
)

// doneSentinel closes every event stream so clients can distinguish a
// completed turn from a dropped connection.
const doneSentinel = "[DONE]"

// sseWriter frames newline-delimited data events and flushes each one
// immediately so deltas reach the client as they are produced.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

// newSSEWriter prepares the response for streaming. Proxies are told
// not to buffer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, f: f}, nil
}

// send writes one data frame and flushes.
func (s *sseWriter) send(payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// close writes the terminal sentinel.
func (s *sseWriter) close() {
	fmt.Fprintf(s.w, "data: %s\n\n", doneSentinel)
	s.f.Flush()
}
