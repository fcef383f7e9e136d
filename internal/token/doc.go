// Package token owns every agent credential and its refresh lifecycle.
//
// # Ownership
//
// The Manager is the single writer for a given agent's token. Connections
// borrow an access credential for one outbound auth attempt and never
// retain it. Tokens persist only through the keystore; the Manager keeps
// no long-lived plaintext cache of its own.
//
// # Auth Variants
//
// The descriptor's auth configuration is a closed variant:
//
//   - oauth2: access token plus refresh credential; Refresh exchanges the
//     refresh credential at the agent's token endpoint.
//   - api-key: a static key. Never expires, never refreshes; a rejection
//     is terminal.
//   - bearer: a static bearer token. When the token parses as a JWT its
//     exp claim supplies the expiry; there is no refresh path.
//
// # Refresh Semantics
//
// Get returns a token that is valid for at least the configured buffer
// (default 300s), refreshing transparently when expiry is nearer than
// that. Concurrent Gets for one agent coalesce into a single refresh.
// A failed refresh surfaces an authentication fault and leaves the stored
// token untouched.
package token
