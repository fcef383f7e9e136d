// ABOUTME: Message router — request id issuance and notification dispatch.
// ABOUTME: Response correlation itself lives in each Connection's pending map.

package agent

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// NotificationHandler receives one unsolicited agent notification.
// Handlers run synchronously on the connection's read pump; slow work
// belongs in the handler's own goroutine.
type NotificationHandler func(agentID, method string, params json.RawMessage)

// SubscribeAll registers for every method when passed as the method
// argument of Subscribe.
const SubscribeAll = "*"

type subscription struct {
	id string
	fn NotificationHandler
}

// Router issues request ids and fans unsolicited notifications out to a
// per-method ordered subscriber list. One Router serves every connection
// in a hub; it is constructed with the orchestrator and torn down with
// it. Notifications with no subscriber are dropped, never buffered.
type Router struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string][]subscription
}

// NewRouter builds an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger: logger.With("component", "router"),
		subs:   make(map[string][]subscription),
	}
}

// NewRequestID issues a fresh correlation id. UUIDs keep ids unique
// across every connection so a response can never land on the wrong
// pending entry.
func (r *Router) NewRequestID() string {
	return uuid.New().String()
}

// Subscribe registers fn for notifications of the given method, or for
// all methods when method is SubscribeAll. Handlers for one method run
// in subscription order. The returned function removes the subscription.
func (r *Router) Subscribe(method string, fn NotificationHandler) func() {
	id := uuid.New().String()

	r.mu.Lock()
	r.subs[method] = append(r.subs[method], subscription{id: id, fn: fn})
	r.mu.Unlock()

	r.logger.Debug("notification subscriber added", "method", method, "sub_id", id)

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.subs[method]
		for i, s := range list {
			if s.id == id {
				r.subs[method] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(r.subs[method]) == 0 {
			delete(r.subs, method)
		}
	}
}

// Dispatch delivers a notification to the method's subscribers, then to
// the wildcard subscribers. Handlers are invoked synchronously outside
// the router's lock.
func (r *Router) Dispatch(agentID, method string, params json.RawMessage) {
	r.mu.RLock()
	targets := make([]NotificationHandler, 0, len(r.subs[method])+len(r.subs[SubscribeAll]))
	for _, s := range r.subs[method] {
		targets = append(targets, s.fn)
	}
	for _, s := range r.subs[SubscribeAll] {
		targets = append(targets, s.fn)
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		r.logger.Debug("notification dropped, no subscriber",
			"agent_id", agentID,
			"method", method)
		return
	}

	for _, fn := range targets {
		fn(agentID, method, params)
	}
}
