// Package keystore persists agent credentials for the hub.
//
// # Interface
//
// The Keystore interface is the only credential surface the rest of the
// hub sees: SetItem, GetItem, RemoveItem, keyed by agent id. The token
// manager is its sole writer.
//
// # Implementations
//
// SQLite is the durable implementation. Credential blobs are sealed with
// XChaCha20-Poly1305 before they reach the database; the cipher key is
// derived from a configured master secret via HKDF-SHA256, and the agent
// id rides as associated data so a sealed row cannot be replayed for a
// different agent. Plaintext exists only in memory, only while in use.
//
// Memory is an unsealed in-process map for tests and ephemeral runs.
package keystore
