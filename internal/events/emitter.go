// Package events publishes fire-and-forget domain events.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Event is the envelope published on the bus.
type Event struct {
	Topic      string          `json:"topic"`
	TenantID   string          `json:"tenantId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// Listener observes events in process.
type Listener func(Event)

// Emitter publishes events to the event bus and to in-process listeners.
// Failures are logged and never returned; no listener is required.
type Emitter struct {
	bus domain.EventBus

	mu        sync.RWMutex
	listeners []Listener
}

// NewEmitter creates an emitter. bus may be nil.
func NewEmitter(bus domain.EventBus) *Emitter {
	return &Emitter{bus: bus}
}

// Listen registers an in-process listener.
func (e *Emitter) Listen(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Emit publishes data under topic for tenantID.
func (e *Emitter) Emit(ctx context.Context, tenantID, topic string, data any) {
	if e == nil {
		return
	}
	if tenantID == "" {
		tenantID = domain.SystemTenantID
	}

	raw, err := json.Marshal(data)
	if err != nil {
		slog.Warn("failed to encode event", "topic", topic, "error", err)
		return
	}

	evt := Event{
		Topic:      topic,
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		Data:       raw,
	}

	e.mu.RLock()
	listeners := e.listeners
	e.mu.RUnlock()

	for _, l := range listeners {
		e.notify(l, evt)
	}

	if e.bus == nil {
		return
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("failed to encode event envelope", "topic", topic, "error", err)
		return
	}
	if err := e.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		slog.Warn("failed to publish event",
			"topic", topic,
			"tenant_id", tenantID,
			"error", err,
		)
	}
}

func (e *Emitter) notify(l Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event listener panicked", "topic", evt.Topic, "panic", r)
		}
	}()
	l(evt)
}
