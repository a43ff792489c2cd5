// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

// Package audit appends structured records at every decision boundary:
// authentication, routing, filtering, tool invocation, confirmation
// resolution, and stream termination. Records are queued and written
// asynchronously so the request hot path never blocks on the database.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tamshai/ai-gateway/shared/logger"
)

// Event names the decision boundary that produced a record.
type Event string

const (
	EventAuthFailure        Event = "auth_failure"
	EventAuthorizationDeny  Event = "authorization_deny"
	EventAbuseInputBlocked  Event = "abuse_input_blocked"
	EventAbuseOutputFlagged Event = "abuse_output_flagged"
	EventToolInvocation     Event = "tool_invocation"
	EventToolDegraded       Event = "tool_degraded"
	EventConfirmCreated     Event = "confirmation_created"
	EventConfirmResolved    Event = "confirmation_resolved"
	EventTokenRevoked       Event = "token_revoked"
	EventTurnCompleted      Event = "turn_completed"
	EventTurnFailed         Event = "turn_failed"
)

// Record is one audit entry. Detail carries the full internal context
// that caller-facing errors deliberately omit.
type Record struct {
	Timestamp time.Time              `json:"timestamp"`
	Event     Event                  `json:"event"`
	Subject   string                 `json:"subject,omitempty"`
	TokenID   string                 `json:"token_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Server    string                 `json:"server,omitempty"`
	Tool      string                 `json:"tool,omitempty"`
	Decision  string                 `json:"decision,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// Audit queue Prometheus metrics.
var (
	auditQueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tamshai_audit_records_total",
			Help: "Total audit records queued, by event",
		},
		[]string{"event"},
	)
	auditDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tamshai_audit_records_dropped_total",
			Help: "Audit records dropped because the queue was full",
		},
	)
	auditQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tamshai_audit_queue_depth",
			Help: "Current audit queue depth",
		},
	)
)

var auditMetricsOnce sync.Once

func registerAuditMetrics() {
	auditMetricsOnce.Do(func() {
		_ = prometheus.Register(auditQueuedTotal)
		_ = prometheus.Register(auditDroppedTotal)
		_ = prometheus.Register(auditQueueDepth)
	})
}

// Recorder queues records and drains them to Postgres in the
// background. Every record is also mirrored to the structured log, so
// a missing database degrades durability, not visibility.
type Recorder struct {
	db    *sql.DB
	queue chan Record
	wg    sync.WaitGroup
	log   *logger.Logger
}

// NewRecorder creates a Recorder draining to db. A nil db keeps the
// log mirror only. Call Close on shutdown to flush the queue.
func NewRecorder(db *sql.DB, queueSize, workers int) *Recorder {
	registerAuditMetrics()

	if queueSize <= 0 {
		queueSize = 1000
	}
	if workers <= 0 {
		workers = 2
	}

	r := &Recorder{
		db:    db,
		queue: make(chan Record, queueSize),
		log:   logger.New("audit"),
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Append queues one record. Never blocks: when the queue is full the
// record is dropped from persistence (counted) but still logged.
func (r *Recorder) Append(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	r.log.Info(rec.Subject, rec.RequestID, string(rec.Event), map[string]interface{}{
		"server":   rec.Server,
		"tool":     rec.Tool,
		"decision": rec.Decision,
		"detail":   rec.Detail,
	})

	auditQueuedTotal.WithLabelValues(string(rec.Event)).Inc()

	select {
	case r.queue <- rec:
		auditQueueDepth.Set(float64(len(r.queue)))
	default:
		auditDroppedTotal.Inc()
	}
}

// worker drains the queue to the database with bounded retries.
func (r *Recorder) worker() {
	defer r.wg.Done()

	for rec := range r.queue {
		auditQueueDepth.Set(float64(len(r.queue)))
		if r.db == nil {
			continue
		}

		var err error
		for retry := 0; retry < 3; retry++ {
			if err = r.insert(rec); err == nil {
				break
			}
			time.Sleep(time.Millisecond * time.Duration(100*(retry+1)))
		}
		if err != nil {
			log.Printf("[Audit] Failed to persist record after retries: %v", err)
		}
	}
}

// insert writes one record.
func (r *Recorder) insert(rec Record) error {
	detailJSON, _ := json.Marshal(rec.Detail)
	_, err := r.db.Exec(`
		INSERT INTO audit_records (timestamp, event, subject, token_id, request_id, server, tool, decision, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.Timestamp, string(rec.Event), rec.Subject, rec.TokenID, rec.RequestID,
		rec.Server, rec.Tool, rec.Decision, detailJSON)
	return err
}

// Close stops accepting records and flushes the queue, bounded by ctx.
func (r *Recorder) Close(ctx context.Context) error {
	close(r.queue)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
