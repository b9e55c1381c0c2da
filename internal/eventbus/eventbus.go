// Package eventbus is the intra-process emitter for sync milestones.
// Listeners run in registration order; a misbehaving listener's failure
// is isolated from the emitter.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog"
)

// Event names.
const (
	InitialSyncComplete = "initial-sync-complete"
	TailSyncComplete    = "tail-sync-complete"
	RangePersisted      = "range-persisted"
)

// RangePersistedPayload is the payload of a range-persisted event. It
// is an advancement hint, not a contiguous progress marker: consumers
// must not assume heights between events are durable, only that
// [Start,End] itself is.
type RangePersistedPayload struct {
	Start, End uint64
}

// Listener is invoked with an event's payload (nil for events with none).
type Listener func(payload any)

// Bus is a registration-ordered, panic-isolated emitter.
type Bus struct {
	mu        sync.Mutex
	listeners map[string][]Listener
	logger    zerolog.Logger
}

// New creates an empty bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		listeners: make(map[string][]Listener),
		logger:    logger.With().Str("component", "event_bus").Logger(),
	}
}

// On registers a listener for event, invoked in registration order.
func (b *Bus) On(event string, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[event] = append(b.listeners[event], l)
}

// Emit calls every listener registered for event, in registration order.
// A listener that panics is isolated (logged and skipped) and never
// aborts delivery to the remaining listeners.
func (b *Bus) Emit(event string, payload any) {
	b.mu.Lock()
	listeners := make([]Listener, len(b.listeners[event]))
	copy(listeners, b.listeners[event])
	b.mu.Unlock()

	for _, l := range listeners {
		b.callSafely(event, l, payload)
	}
}

func (b *Bus) callSafely(event string, l Listener, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event", event).
				Interface("panic", r).
				Msg("event listener panicked, isolated from emitter")
		}
	}()
	l(payload)
}
