// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `
hub:
  max_connections: 16
  request_timeout: "45s"

keystore:
  path: "./keystore.db"
  master_key: "0123456789abcdef0123456789abcdef"

backoff:
  kind: "exponential"
  initial_delay: "250ms"
  multiplier: 2.0
  max_delay: "20s"
  max_retries: 4

rate_limit:
  capacity: 20
  refill_rate: 10

health:
  probe_interval: "1m30s"
  probe_timeout: "5s"
  unhealthy_threshold: 3
  window_size: 20

transport:
  handshake_timeout: "10s"
  ping_interval: "20s"

logging:
  level: "debug"
  format: "json"

agents:
  - id: "notes-agent"
    endpoint: "ws://localhost:9301/rpc"
    capabilities: ["tools/call", "resources/read"]
    auth:
      variant: "api-key"
      api_key: "secret-key"
    rate_limit:
      capacity: 5
      refill_rate: 2
    per_method:
      tools/call:
        capacity: 2
        refill_rate: 1
  - id: "search-agent"
    endpoint: "ws://localhost:9302/rpc"
    auth:
      variant: "bearer"
      bearer_token: "a-token"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Hub.MaxConnections != 16 {
		t.Errorf("Hub.MaxConnections = %d, want 16", cfg.Hub.MaxConnections)
	}
	if cfg.Hub.RequestTimeout != 45*time.Second {
		t.Errorf("Hub.RequestTimeout = %v, want 45s", cfg.Hub.RequestTimeout)
	}
	if cfg.Keystore.Path != "./keystore.db" {
		t.Errorf("Keystore.Path = %q, want %q", cfg.Keystore.Path, "./keystore.db")
	}

	if cfg.Backoff.Kind != "exponential" {
		t.Errorf("Backoff.Kind = %q, want exponential", cfg.Backoff.Kind)
	}
	if cfg.Backoff.InitialDelay != 250*time.Millisecond {
		t.Errorf("Backoff.InitialDelay = %v, want 250ms", cfg.Backoff.InitialDelay)
	}
	if cfg.Backoff.MaxRetries != 4 {
		t.Errorf("Backoff.MaxRetries = %d, want 4", cfg.Backoff.MaxRetries)
	}

	if cfg.Health.ProbeInterval != time.Minute+30*time.Second {
		t.Errorf("Health.ProbeInterval = %v, want 1m30s", cfg.Health.ProbeInterval)
	}

	if len(cfg.Agents) != 2 {
		t.Fatalf("len(Agents) = %d, want 2", len(cfg.Agents))
	}
	notes := cfg.Agents[0]
	if notes.ID != "notes-agent" {
		t.Errorf("Agents[0].ID = %q, want notes-agent", notes.ID)
	}
	if len(notes.Capabilities) != 2 {
		t.Errorf("Agents[0].Capabilities len = %d, want 2", len(notes.Capabilities))
	}
	if notes.Auth.APIKey != "secret-key" {
		t.Errorf("Agents[0].Auth.APIKey = %q, want secret-key", notes.Auth.APIKey)
	}
	if notes.RateLimit == nil || notes.RateLimit.Capacity != 5 {
		t.Errorf("Agents[0].RateLimit = %+v, want capacity 5", notes.RateLimit)
	}
	if ml, ok := notes.PerMethod["tools/call"]; !ok || ml.Capacity != 2 {
		t.Errorf("Agents[0].PerMethod[tools/call] = %+v, want capacity 2", ml)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_MASTER_KEY", "key-from-env")
	t.Setenv("TEST_AGENT_KEY", "agent-key-from-env")

	cfg, err := Load(writeConfig(t, `
keystore:
  path: "./keystore.db"
  master_key: "${TEST_MASTER_KEY}"
agents:
  - id: "notes-agent"
    endpoint: "ws://localhost:9301/rpc"
    auth:
      variant: "api-key"
      api_key: "${TEST_AGENT_KEY}"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Keystore.MasterKey != "key-from-env" {
		t.Errorf("Keystore.MasterKey = %q, want key-from-env", cfg.Keystore.MasterKey)
	}
	if cfg.Agents[0].Auth.APIKey != "agent-key-from-env" {
		t.Errorf("Agents[0].Auth.APIKey = %q, want agent-key-from-env", cfg.Agents[0].Auth.APIKey)
	}
}

func TestLoad_UnsetEnvVarFailsValidation(t *testing.T) {
	os.Unsetenv("UNSET_VAR_FOR_TEST")

	// An unset variable expands to "", which the master_key check catches.
	_, err := Load(writeConfig(t, `
keystore:
  path: "./keystore.db"
  master_key: "${UNSET_VAR_FOR_TEST}"
`))
	if err == nil {
		t.Fatal("Load() expected error for empty master key, got nil")
	}
	if !strings.Contains(err.Error(), "master_key") {
		t.Errorf("Load() error = %q, want mention of master_key", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, `
keystore:
  path "missing colon"
`))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `
keystore:
  path: "./keystore.db"
  master_key: "k"
health:
  probe_interval: "not-a-duration"
`))
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "health.probe_interval") {
		t.Errorf("Load() error = %q, want mention of health.probe_interval", err)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name: "missing keystore path",
			configContent: `
keystore:
  master_key: "k"
`,
			wantErrSubstr: "keystore.path is required",
		},
		{
			name: "unknown backoff kind",
			configContent: `
keystore:
  path: "./keystore.db"
  master_key: "k"
backoff:
  kind: "quadratic"
`,
			wantErrSubstr: "backoff.kind",
		},
		{
			name: "duplicate agent ids",
			configContent: `
keystore:
  path: "./keystore.db"
  master_key: "k"
agents:
  - id: "dup"
    endpoint: "ws://localhost:9301/rpc"
    auth:
      variant: "api-key"
      api_key: "a"
  - id: "dup"
    endpoint: "ws://localhost:9302/rpc"
    auth:
      variant: "api-key"
      api_key: "b"
`,
			wantErrSubstr: "duplicate agent id",
		},
		{
			name: "agent without endpoint",
			configContent: `
keystore:
  path: "./keystore.db"
  master_key: "k"
agents:
  - id: "notes-agent"
    auth:
      variant: "api-key"
      api_key: "a"
`,
			wantErrSubstr: "endpoint is required",
		},
		{
			name: "unknown auth variant",
			configContent: `
keystore:
  path: "./keystore.db"
  master_key: "k"
agents:
  - id: "notes-agent"
    endpoint: "ws://localhost:9301/rpc"
    auth:
      variant: "kerberos"
`,
			wantErrSubstr: "unknown auth variant",
		},
		{
			name: "oauth2 without token endpoint",
			configContent: `
keystore:
  path: "./keystore.db"
  master_key: "k"
agents:
  - id: "notes-agent"
    endpoint: "ws://localhost:9301/rpc"
    auth:
      variant: "oauth2"
      access_token: "t"
`,
			wantErrSubstr: "token_endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.configContent))
			if err == nil {
				t.Fatalf("Load() expected error containing %q, got nil", tt.wantErrSubstr)
			}
			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "single env var", input: "${FOO}", expected: "bar"},
		{name: "env var with surrounding text", input: "prefix-${FOO}-suffix", expected: "prefix-bar-suffix"},
		{name: "multiple env vars", input: "${FOO}/${BAZ}", expected: "bar/qux"},
		{name: "no env vars", input: "no-vars-here", expected: "no-vars-here"},
		{name: "unset env var", input: "${UNSET_VAR}", expected: ""},
		{name: "empty string", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestConverters(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	policy := cfg.BackoffPolicy()
	if string(policy.Kind) != "exponential" {
		t.Errorf("BackoffPolicy().Kind = %q, want exponential", policy.Kind)
	}
	if policy.MaxDelay != 20*time.Second {
		t.Errorf("BackoffPolicy().MaxDelay = %v, want 20s", policy.MaxDelay)
	}

	limit := cfg.RateLimit.Limit()
	if limit.Capacity != 20 || limit.RefillRate != 10 {
		t.Errorf("RateLimit.Limit() = %+v, want {20 10}", limit)
	}
}
