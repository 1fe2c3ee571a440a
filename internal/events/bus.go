package events

import "sync"

// EventName identifies a notification emitted by the engine.
type EventName string

const (
	EventVersionSaved   EventName = "version-saved"
	EventVersionDeleted EventName = "version-deleted"
	EventVersionUpdated EventName = "version-updated"
	EventHistoryDeleted EventName = "history-deleted"
)

// Handler receives event arguments. The first argument is always the
// note ID for the events above.
type Handler func(args ...interface{})

// Bus is a minimal in-process event notification API matching the host
// contract: On, Off, Trigger.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[EventName]map[int]Handler
	logger   *Logger
}

// NewBus creates an event bus.
func NewBus(logger *Logger) *Bus {
	return &Bus{
		handlers: make(map[EventName]map[int]Handler),
		logger:   logger.WithField("component", "event_bus"),
	}
}

// On registers a handler and returns a subscription ID for Off.
func (b *Bus) On(name EventName, h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	if b.handlers[name] == nil {
		b.handlers[name] = make(map[int]Handler)
	}
	b.handlers[name][b.nextID] = h
	return b.nextID
}

// Off removes a subscription.
func (b *Bus) Off(name EventName, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if hs, ok := b.handlers[name]; ok {
		delete(hs, id)
		if len(hs) == 0 {
			delete(b.handlers, name)
		}
	}
}

// Trigger invokes all handlers for an event synchronously. Handlers
// registered or removed during dispatch do not affect this dispatch.
func (b *Bus) Trigger(name EventName, args ...interface{}) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[name]))
	for _, h := range b.handlers[name] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	b.logger.WithFields(map[string]interface{}{
		"event":    string(name),
		"handlers": len(hs),
	}).Debug("Triggering event")

	for _, h := range hs {
		h(args...)
	}
}
