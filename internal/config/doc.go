// Package config handles configuration loading for the rookery hub.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion, duration parsing, and up-front validation.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	keystore:
//	  master_key: "${ROOKERY_MASTER_KEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to empty strings, which
// validation then catches for required fields.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	hub:
//	  request_timeout: "30s"
//	health:
//	  probe_interval: "30s"
//	  probe_timeout: "5s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Hub limits:
//
//	hub:
//	  max_connections: 32
//	  request_timeout: "30s"
//
// Credential store:
//
//	keystore:
//	  path: "~/.local/share/rookery/keystore.db"
//	  master_key: "${ROOKERY_MASTER_KEY}"
//
// Retry schedule:
//
//	backoff:
//	  kind: "exponential"   # fixed, linear, exponential
//	  initial_delay: "500ms"
//	  multiplier: 2.0
//	  max_delay: "30s"
//	  max_retries: 5
//
// Rate limiting defaults (per-agent overrides live on the agent entry):
//
//	rate_limit:
//	  capacity: 10
//	  refill_rate: 10
//
// Agents registered at startup:
//
//	agents:
//	  - id: "notes-agent"
//	    endpoint: "ws://localhost:9301/rpc"
//	    capabilities: ["tools/call", "resources/read"]
//	    auth:
//	      variant: "api-key"
//	      api_key: "${NOTES_AGENT_KEY}"
//
// # Validation
//
// Load() rejects missing keystore settings, unknown backoff kinds,
// duplicate agent ids, missing endpoints, and invalid auth blocks.
package config
