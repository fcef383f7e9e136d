// ABOUTME: WebSocket implementation of the Transport interface using gorilla/websocket.
// ABOUTME: Single read pump, serialized writes, ping/pong staleness detection.

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer opens websocket transports.
type WebSocketDialer struct {
	cfg    Config
	logger *slog.Logger
}

// NewWebSocketDialer builds a dialer, filling zero config fields with
// defaults.
func NewWebSocketDialer(cfg Config, logger *slog.Logger) *WebSocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketDialer{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "transport"),
	}
}

// Dial connects to endpoint and returns a live transport.
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", endpoint, err)
	}

	d.logger.Debug("websocket connected", "endpoint", endpoint)
	return NewFromConn(conn, d.cfg, d.logger), nil
}

var _ Dialer = (*WebSocketDialer)(nil)

type wsTransport struct {
	cfg    Config
	logger *slog.Logger
	conn   *websocket.Conn

	frames chan []byte
	done   chan struct{}

	writeMu sync.Mutex

	mu       sync.RWMutex
	termErr  error
	lastPong time.Time

	closeOnce sync.Once
}

// NewFromConn wraps an established websocket connection. Both ends of
// the protocol use this: the hub after dialing, an agent after upgrading.
func NewFromConn(conn *websocket.Conn, cfg Config, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &wsTransport{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		conn:     conn,
		frames:   make(chan []byte, cfg.withDefaults().BufferSize),
		done:     make(chan struct{}),
		lastPong: time.Now(),
	}

	conn.SetPingHandler(func(data string) error {
		t.touch()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	conn.SetPongHandler(func(string) error {
		t.touch()
		return nil
	})

	go t.readLoop()
	go t.keepaliveLoop()

	return t
}

func (t *wsTransport) touch() {
	t.mu.Lock()
	t.lastPong = time.Now()
	t.mu.Unlock()
}

func (t *wsTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (t *wsTransport) Frames() <-chan []byte {
	return t.frames
}

func (t *wsTransport) Done() <-chan struct{} {
	return t.done
}

func (t *wsTransport) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.termErr
}

// Close terminates locally with a normal close frame.
func (t *wsTransport) Close() error {
	t.terminate(nil, true)
	return nil
}

// terminate shuts the transport exactly once. sendClose is set on local
// close so the peer sees a clean goodbye instead of a dropped socket.
func (t *wsTransport) terminate(err error, sendClose bool) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.termErr = err
		t.mu.Unlock()

		if sendClose {
			t.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
		}
		close(t.done)
		t.conn.Close()
	})
}

// readLoop is the only reader. Inbound frames block rather than drop:
// every frame may carry a response some caller is waiting on.
func (t *wsTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				// Local close; the read error is just the socket dying.
			default:
				t.logger.Debug("transport read failed", "error", err)
				t.terminate(fmt.Errorf("reading frame: %w", err), false)
			}
			return
		}

		select {
		case t.frames <- data:
		case <-t.done:
			return
		}
	}
}

// keepaliveLoop pings the peer and terminates the transport when pongs
// stop arriving.
func (t *wsTransport) keepaliveLoop() {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := t.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				t.logger.Debug("keepalive ping failed", "error", err)
			}

			t.mu.RLock()
			last := t.lastPong
			t.mu.RUnlock()

			if time.Since(last) > t.cfg.PongTimeout {
				t.logger.Warn("peer stopped answering keepalives", "last_pong", last)
				t.terminate(ErrStale, false)
				return
			}
		}
	}
}

var _ Transport = (*wsTransport)(nil)
