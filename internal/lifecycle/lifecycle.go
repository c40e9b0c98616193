// Package lifecycle carries app-lifecycle and connectivity transitions to the
// components that care about them. The host app publishes events here instead
// of each component registering its own platform listeners.
package lifecycle

import (
	"sync"

	"github.com/tapcrew/brewpass/core/internal/logging"
)

// Event is an app-lifecycle or connectivity transition.
type Event string

const (
	EventForeground Event = "foreground"
	EventBackground Event = "background"
	EventOnline     Event = "online"
	EventOffline    Event = "offline"
)

// Bus fans lifecycle events out to subscribers and tracks the current
// connectivity state.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	online bool
	closed bool
}

// NewBus creates a Bus. Connectivity starts online; the host app publishes
// EventOffline early if the device starts without a network.
func NewBus() *Bus {
	return &Bus{online: true}
}

// Subscribe returns a channel receiving every subsequent event. The channel
// is buffered; a slow subscriber drops events rather than blocking the
// publisher.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 8)
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers an event to all subscribers and updates connectivity
// state for online/offline events.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	switch event {
	case EventOnline:
		b.online = true
	case EventOffline:
		b.online = false
	}
	subs := make([]chan Event, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	logging.Debug("Lifecycle event", map[string]interface{}{"event": string(event)})

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// IsOnline reports the last known connectivity state.
func (b *Bus) IsOnline() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.online
}

// Close closes all subscriber channels. Publish becomes a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
