// ABOUTME: Connection lifecycle states and the transition callback type.
// ABOUTME: Error is terminal until an explicit reconnect restarts at Connecting.

package agent

// State is the connection lifecycle position. The happy path runs
// Disconnected → Connecting → Authenticating → CapabilityDiscovery →
// Ready. Any state may fall to Error on unrecoverable failure; Ready
// falls back to Disconnected on transport loss.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateCapabilityDiscovery
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateCapabilityDiscovery:
		return "capability_discovery"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// live reports whether the state holds an open transport.
func (s State) live() bool {
	switch s {
	case StateDisconnected, StateError:
		return false
	}
	return true
}

// StateChangeFunc observes connection state transitions. Invoked
// synchronously after the transition takes effect, never under the
// connection's lock.
type StateChangeFunc func(agentID string, from, to State)
