// ABOUTME: Payload types for the session/authenticate and initialize handshake.
// ABOUTME: Shared by the hub connection logic and the rookery-agent test binary.

package protocol

// ProtocolVersion is advertised during initialize.
const ProtocolVersion = "1.0"

// Credential presentation schemes for session/authenticate.
const (
	SchemeBearer = "bearer"
	SchemeAPIKey = "api-key"
)

// AuthenticateParams presents the hub's credential for an agent session.
type AuthenticateParams struct {
	Scheme string `json:"scheme"`
	Token  string `json:"token"`
}

// AuthenticateResult acknowledges a successful authentication.
type AuthenticateResult struct {
	Authenticated bool   `json:"authenticated"`
	SessionID     string `json:"sessionId,omitempty"`
}

// PeerInfo names one side of the session.
type PeerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams opens capability discovery.
type InitializeParams struct {
	ProtocolVersion string   `json:"protocolVersion"`
	ClientInfo      PeerInfo `json:"clientInfo"`
}

// InitializeResult declares what the agent can do. Capabilities use the
// standard method names (tools/call, resources/read, prompts/get).
type InitializeResult struct {
	ProtocolVersion string   `json:"protocolVersion"`
	AgentInfo       PeerInfo `json:"agentInfo"`
	Capabilities    []string `json:"capabilities"`
}

// PingResult answers a probe.
type PingResult struct {
	Pong bool `json:"pong"`
}
