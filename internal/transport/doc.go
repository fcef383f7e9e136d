// Package transport provides the message-framed socket a Connection
// drives its agent through.
//
// # Contract
//
// A Transport is a bidirectional stream of opaque frames. Send writes one
// frame; Frames delivers every inbound frame in arrival order; Done closes
// exactly once when the transport dies, with Err reporting the terminal
// cause (nil after a local Close). Frames is never closed while the
// transport is live, so ranging over it together with Done is the whole
// consumption contract.
//
// # WebSocket implementation
//
// The shipped implementation speaks websocket: a dialer with handshake
// timeout, a single read pump, mutex-serialized writes with deadlines,
// and ping/pong keepalive that terminates the transport when the peer
// goes quiet. The hub end dials; the agent end wraps an accepted
// connection with NewFromConn.
package transport
