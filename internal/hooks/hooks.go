// Package hooks implements a small synchronous post-transition registry.
// Handlers run synchronously, in-process, immediately after the
// authoritative rename, with per-hook failure isolation; a handler may
// safely call back into the Store since it fires after the Store's lock
// is released.
package hooks

import (
	"log/slog"
	"sync"
)

// Event is the payload delivered to a registered Handler. Kind matches the
// Event Log's kind field (task.created, task.transitioned, ...) so hooks
// and the event log stay in sync about vocabulary.
type Event struct {
	Kind    string
	TaskID  string
	Actor   string
	Payload map[string]interface{}
}

// Handler reacts to one Event. A Handler error is logged and isolated —
// it never aborts the triggering operation or other handlers for the
// same event.
type Handler func(Event) error

// Registry holds the handlers subscribed per event kind and fires them
// synchronously: kind-specific handlers first, then "*" handlers, each
// group in registration order.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]Handler)}
}

// Subscribe registers handler to run whenever an Event of the given kind
// fires. Use "*" to subscribe to every kind.
func (r *Registry) Subscribe(kind string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = append(r.handlers[kind], handler)
}

// Fire runs every handler subscribed to evt.Kind, then any "*" handlers,
// synchronously and each group in registration order. A handler's error is logged with
// the event it failed on and does not stop later handlers from running.
func (r *Registry) Fire(evt Event) {
	r.mu.RLock()
	specific := append([]Handler(nil), r.handlers[evt.Kind]...)
	wildcard := append([]Handler(nil), r.handlers["*"]...)
	r.mu.RUnlock()

	for _, h := range specific {
		if err := h(evt); err != nil {
			slog.Warn("hooks: handler failed", "kind", evt.Kind, "task_id", evt.TaskID, "error", err)
		}
	}
	for _, h := range wildcard {
		if err := h(evt); err != nil {
			slog.Warn("hooks: wildcard handler failed", "kind", evt.Kind, "task_id", evt.TaskID, "error", err)
		}
	}
}
