// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the Tamshai AI gateway.
//
// The gateway sits between conversational clients and downstream tool
// servers. It:
// - Validates bearer tokens against Keycloak and enforces revocations
// - Routes callers to the tool servers their roles grant
// - Screens queries and model output through the staged abuse filter
// - Streams model turns, dispatching tool calls with circuit breaking
// - Defers sensitive writes until the user explicitly approves them
// - Records every decision in the audit trail
//
// Usage:
//
//	./gateway
//
// Configuration is read from the file named by TAMSHAI_CONFIG_FILE
// (default ./gateway.yaml), with TAMSHAI_* environment overrides. The
// model API key is read from the environment variable named by
// llm.api_key_env and never appears in configuration files.
package main

import (
	"github.com/tamshai/ai-gateway/gateway"
)

func main() {
	gateway.Run()
}
