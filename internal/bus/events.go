// Package bus is the in-process audit feed: turn outcomes and settings
// changes are published here and kept in a bounded history for the API.
package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event types.
const (
	TurnAllowed    = "turn.allowed"
	TurnWarned     = "turn.warned"
	TurnBlocked    = "turn.blocked"
	TurnFailed     = "turn.failed"
	TurnRejected   = "turn.rejected"
	PolicyUpdated  = "policy.updated"
	PolicyReloaded = "policy.reloaded"

	// All subscribes to every event type.
	All = "*"
)

const defaultHistory = 500

// Event is one audit record. Fields that do not apply to Type are empty.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Model     string    `json:"model,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Time      time.Time `json:"time"`
}

type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
}

type Config struct {
	// History is how many events Recent can return. Default 500.
	History int
	Logger  *slog.Logger
}

// EventBus dispatches events synchronously to subscribers and remembers the
// latest ones.
type EventBus struct {
	mu         sync.RWMutex
	subs       map[string][]subscription
	nextID     int
	history    []Event
	maxHistory int
	now        func() time.Time
	logger     *slog.Logger
}

func New(cfg Config) *EventBus {
	if cfg.History <= 0 {
		cfg.History = defaultHistory
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &EventBus{
		subs:       make(map[string][]subscription),
		maxHistory: cfg.History,
		now:        time.Now,
		logger:     cfg.Logger,
	}
}

// Subscribe registers handler for eventType, or for every type with All.
// The returned id is passed to Unsubscribe.
func (b *EventBus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := eventType + "#" + strconv.Itoa(b.nextID)
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler})
	return id
}

func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, subs := range b.subs {
		for i, s := range subs {
			if s.id == id {
				b.subs[t] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish records e and calls the matching handlers in order. A panicking
// handler is logged and does not stop the others.
func (b *EventBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.Lock()
	if len(b.history) >= b.maxHistory {
		copy(b.history, b.history[1:])
		b.history = b.history[:len(b.history)-1]
	}
	b.history = append(b.history, e)
	handlers := make([]subscription, 0, len(b.subs[e.Type])+len(b.subs[All]))
	handlers = append(handlers, b.subs[e.Type]...)
	handlers = append(handlers, b.subs[All]...)
	b.mu.Unlock()

	for _, s := range handlers {
		b.dispatch(s, e)
	}
}

func (b *EventBus) dispatch(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "event", e.Type, "handler", s.id, "panic", r)
		}
	}()
	s.handler(e)
}

// Recent returns up to limit of the newest events of eventType (All for
// any), oldest first. limit <= 0 means the whole history.
func (b *EventBus) Recent(eventType string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for i := len(b.history) - 1; i >= 0; i-- {
		e := b.history[i]
		if eventType != All && eventType != "" && e.Type != eventType {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.history)
}
