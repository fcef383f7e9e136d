// ABOUTME: Transport and Dialer interfaces plus shared errors and tuning config.
// ABOUTME: Implementations deliver frames losslessly and in order until Done fires.

package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by Send after the transport has terminated.
	ErrClosed = errors.New("transport: closed")

	// ErrStale terminates a transport whose peer stopped answering
	// keepalive probes.
	ErrStale = errors.New("transport: peer stopped responding")
)

// Transport is one bidirectional frame channel to an agent.
type Transport interface {
	// Send writes a single frame. Writes are serialized internally.
	Send(ctx context.Context, frame []byte) error

	// Frames delivers inbound frames in arrival order.
	Frames() <-chan []byte

	// Close terminates the transport locally. Idempotent.
	Close() error

	// Done closes when the transport is terminated, locally or by loss.
	Done() <-chan struct{}

	// Err reports the terminal cause after Done; nil means local Close.
	Err() error
}

// Dialer opens transports to agent endpoints.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Transport, error)
}

// Config tunes the websocket transport.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	BufferSize       int
}

// DefaultConfig returns the standard transport tuning.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     20 * time.Second,
		PongTimeout:      60 * time.Second,
		BufferSize:       64,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = def.PongTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	return c
}
