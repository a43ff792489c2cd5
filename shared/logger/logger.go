// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

// Package logger provides structured JSON logging for the gateway.
// Every entry carries the emitting component, the process instance and,
// where known, the authenticated subject and request id so that entries
// from concurrent streaming turns can be correlated.
package logger

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger provides structured logging scoped to one gateway component
type Logger struct {
	Component  string
	InstanceID string
	Container  string
}

// LogEntry is the JSON shape written to stdout for log aggregation
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Component  string                 `json:"component"`
	InstanceID string                 `json:"instance_id"`
	Container  string                 `json:"container"`
	Subject    string                 `json:"subject,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// New creates a new Logger for the specified component
func New(component string) *Logger {
	// Instance ID is set during deployment
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
	}
}

// Log creates a structured log entry and writes it to stdout
func (l *Logger) Log(level LogLevel, subject, requestID, message string, fields map[string]interface{}) {
	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      level,
		Component:  l.Component,
		InstanceID: l.InstanceID,
		Container:  l.Container,
		Subject:    subject,
		RequestID:  requestID,
		Message:    message,
		Fields:     fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	log.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(subject, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, subject, requestID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(subject, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, subject, requestID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(subject, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, subject, requestID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(subject, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, subject, requestID, message, fields)
}

// ErrorWithCode logs an error with the HTTP status code that was returned
func (l *Logger) ErrorWithCode(subject, requestID, message string, statusCode int, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["status_code"] = statusCode
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(subject, requestID, message, fields)
}
