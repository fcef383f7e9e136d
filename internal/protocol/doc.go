// Package protocol defines the JSON-RPC 2.0 wire envelope spoken between
// the hub and its agents.
//
// # Message Kinds
//
// Every frame on the socket is one of three shapes:
//
//   - Request: {"jsonrpc":"2.0","id":...,"method":...,"params":...}
//   - Response: {"jsonrpc":"2.0","id":...,"result":...} or {... "error":{...}}
//   - Notification: a request without an id; never answered
//
// IDs may be strings or numbers on the wire. The envelope keeps the raw id
// bytes and IDKey normalizes them into a map key so correlation never cares
// which form the agent chose.
//
// # Handshake
//
// Connection establishment uses two reserved methods before standard
// traffic is allowed: session/authenticate presents the agent credential,
// and initialize performs capability discovery. ping is the health probe.
// Standard methods (tools/call, resources/read, prompts/get) flow only on
// a fully established session.
//
// # Error Codes
//
// The standard JSON-RPC codes (-32700..-32603) are used as defined. The
// hub additionally assigns -32001 (unauthorized) and -32002 (capability
// unsupported). ClassForCode folds any agent-reported code into the fault
// taxonomy.
package protocol
