package node

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	EventTimeUpdated    = "time_updated"
	EventRoleChanged    = "role_changed"
	EventActionStored   = "action_stored"
	EventActionFired    = "action_fired"
	EventActionsDeleted = "actions_deleted"
)

// Event is a node state change.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// TimeData accompanies EventTimeUpdated.
type TimeData struct {
	UTC      time.Time `json:"utc"`
	Millis   uint64    `json:"millis"`
	Timezone int8      `json:"timezone"`
}

// DeletedData accompanies EventActionsDeleted.
type DeletedData struct {
	Mask uint32 `json:"mask"`
}

// EventHandler receives events. Handlers run on the node's event loop and
// must not block or call back into Node.Do.
type EventHandler func(Event)

// EventBus fans node events out to subscribers.
type EventBus struct {
	mu     sync.RWMutex
	byType map[string]map[uint64]EventHandler
	all    map[uint64]EventHandler
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		byType: make(map[string]map[uint64]EventHandler),
		all:    make(map[uint64]EventHandler),
		logger: logger,
	}
}

// On subscribes to one event type. The returned func unsubscribes.
func (b *EventBus) On(eventType string, h EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	subs := b.byType[eventType]
	if subs == nil {
		subs = make(map[uint64]EventHandler)
		b.byType[eventType] = subs
	}
	subs[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.byType[eventType], id)
	}
}

// OnAll subscribes to every event type.
func (b *EventBus) OnAll(h EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.all[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
}

// Emit delivers ev synchronously. A panicking handler is logged and skipped.
func (b *EventBus) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	targets := make([]EventHandler, 0, len(b.byType[ev.Type])+len(b.all))
	for _, h := range b.byType[ev.Type] {
		targets = append(targets, h)
	}
	for _, h := range b.all {
		targets = append(targets, h)
	}
	b.mu.RUnlock()

	for _, h := range targets {
		b.deliver(h, ev)
	}
}

func (b *EventBus) deliver(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "type", ev.Type, "panic", r)
		}
	}()
	h(ev)
}
