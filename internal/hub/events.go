// ABOUTME: In-memory fan-out broadcaster for hub status events
// ABOUTME: Per-subscriber buffered channels, non-blocking publish, drop-on-full

package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rookery-hq/rookery/internal/agent"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// EventType names the hub's event streams.
type EventType string

const (
	EventConnectionState EventType = "connectionStateChanged"
	EventHealthChanged   EventType = "healthChanged"
	EventNotification    EventType = "notification"
)

// Event is one hub occurrence. AgentID and At are always set; the rest
// depends on Type: state fields for connectionStateChanged, health
// fields for healthChanged, Method/Params for notification.
type Event struct {
	Type    EventType
	AgentID string
	At      time.Time

	FromState agent.State
	ToState   agent.State

	FromHealth agent.Health
	ToHealth   agent.Health

	Method string
	Params json.RawMessage
}

// Broadcaster provides in-memory pub/sub for hub events. Subscribers
// register per event type and receive events as they occur. Publishing
// never blocks: slow subscribers lose events rather than stalling the
// connection pumps that emit them.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[EventType]map[string]chan Event
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[EventType]map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events of one type. Returns the receive
// channel and a subscription id. The subscription is cleaned up when
// ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, eventType EventType) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[eventType]; !ok {
		b.subscribers[eventType] = make(map[string]chan Event)
	}
	b.subscribers[eventType][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "event_type", string(eventType), "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(eventType, subID)
	}()

	return ch, subID
}

// Publish sends an event to every subscriber of its type.
// Non-blocking: the event is dropped for subscribers whose channels are
// full.
func (b *Broadcaster) Publish(event Event) {
	// Sends stay under the read lock: they never block, and Unsubscribe
	// closes channels only under the write lock, so a racing close can
	// never panic a publish.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"event_type", string(event.Type),
				"agent_id", event.AgentID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(eventType EventType, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[eventType]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, eventType)
	}

	b.logger.Debug("subscriber removed", "event_type", string(eventType), "sub_id", subID)
}

// Close shuts down the broadcaster and closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, eventType)
	}

	b.logger.Debug("broadcaster closed")
}
