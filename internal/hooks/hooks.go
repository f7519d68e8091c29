// Package hooks dispatches parley lifecycle events to in-process subscribers
// such as the metrics collectors, the Kafka publisher and the presence mirror.
package hooks

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/soyeahso/parley/internal/logging"
)

// Event names for the hook system.
const (
	EventMessageCreated  = "message_created"
	EventReactionUpdated = "reaction_updated"
	EventCallStatus      = "call_status"
	EventUserOnline      = "user_online"
	EventUserOffline     = "user_offline"
	EventGatewayStart    = "gateway_start"
	EventGatewayStop     = "gateway_stop"
)

// AllEvents lists all known hook event names.
var AllEvents = []string{
	EventMessageCreated,
	EventReactionUpdated,
	EventCallStatus,
	EventUserOnline,
	EventUserOffline,
	EventGatewayStart,
	EventGatewayStop,
}

// Payload carries event data to hook handlers. Subject is the typed value the
// event is about (a domain.Message, domain.CallSession, ...); Data holds small
// scalar attributes.
type Payload struct {
	Event   string         `json:"event"`
	At      time.Time      `json:"at"`
	Subject any            `json:"subject,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Str returns a string attribute, or "" when missing.
func (p Payload) Str(key string) string {
	s, _ := p.Data[key].(string)
	return s
}

// Handler is a function that handles a hook event.
// Returning an error logs the failure but does not stop processing.
type Handler func(ctx context.Context, p Payload) error

// Manager manages hook registrations and dispatches events.
type Manager struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	inflight sync.WaitGroup
	now      func() time.Time
	log      *logging.Logger

	qmu    sync.Mutex
	queues map[string]*queue // async work per handler name
}

type namedHandler struct {
	name    string
	handler Handler
}

type job struct {
	ctx context.Context
	h   namedHandler
	p   Payload
}

// queue holds pending async jobs for one handler name. At most one drain
// goroutine runs per queue.
type queue struct {
	mu      sync.Mutex
	jobs    []job
	running bool
}

// NewManager creates a hook manager.
func NewManager(log *logging.Logger) *Manager {
	return &Manager{
		handlers: make(map[string][]namedHandler),
		queues:   make(map[string]*queue),
		now:      time.Now,
		log:      log.Sub("hooks"),
	}
}

// On registers a handler for the given event.
// The name identifies the handler for logging and for Off.
func (m *Manager) On(event, name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], namedHandler{name: name, handler: handler})
	m.log.Debug().Str("event", event).Str("handler", name).Msg("hook registered")
}

// OnEach registers the same handler for several events.
func (m *Manager) OnEach(events []string, name string, handler Handler) {
	for _, e := range events {
		m.On(e, name, handler)
	}
}

// Off removes all handlers with the given name from the event.
func (m *Manager) Off(event, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[event] = slices.DeleteFunc(m.handlers[event], func(h namedHandler) bool {
		return h.name == name
	})
}

func (m *Manager) snapshot(event string) []namedHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.handlers[event])
}

// Emit dispatches an event to all registered handlers synchronously, in
// registration order. Errors are logged and do not stop later handlers.
func (m *Manager) Emit(ctx context.Context, event string, subject any, data map[string]any) {
	handlers := m.snapshot(event)
	if len(handlers) == 0 {
		return
	}

	p := Payload{Event: event, At: m.now(), Subject: subject, Data: data}
	for _, h := range handlers {
		m.run(ctx, h, p, "hook handler error")
	}
}

// EmitAsync queues an event for every registered handler and returns
// immediately. Handlers registered under the same name run one at a time in
// the order events were emitted, across all events; handlers with different
// names run concurrently. Wait blocks until queued work has finished.
func (m *Manager) EmitAsync(ctx context.Context, event string, subject any, data map[string]any) {
	handlers := m.snapshot(event)
	if len(handlers) == 0 {
		return
	}

	p := Payload{Event: event, At: m.now(), Subject: subject, Data: data}
	for _, h := range handlers {
		m.enqueue(job{ctx: ctx, h: h, p: p})
	}
}

func (m *Manager) enqueue(j job) {
	m.qmu.Lock()
	q := m.queues[j.h.name]
	if q == nil {
		q = &queue{}
		m.queues[j.h.name] = q
	}
	m.qmu.Unlock()

	m.inflight.Add(1)
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	start := !q.running
	q.running = true
	q.mu.Unlock()

	if start {
		go m.drain(q)
	}
}

// drain runs queued jobs until the queue is empty, then exits.
func (m *Manager) drain(q *queue) {
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		j := q.jobs[0]
		q.jobs[0] = job{}
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		m.run(j.ctx, j.h, j.p, "async hook handler error")
		m.inflight.Done()
	}
}

func (m *Manager) run(ctx context.Context, h namedHandler, p Payload, msg string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("event", p.Event).Str("handler", h.name).Msg("hook handler panicked")
		}
	}()
	if err := h.handler(ctx, p); err != nil {
		m.log.Warn().
			Err(err).
			Str("event", p.Event).
			Str("handler", h.name).
			Msg(msg)
	}
}

// Wait blocks until every handler queued by EmitAsync has returned.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// Count returns the number of handlers registered for an event.
func (m *Manager) Count(event string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[event])
}

// Events returns the sorted list of events that have at least one handler.
func (m *Manager) Events() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]string, 0, len(m.handlers))
	for event, handlers := range m.handlers {
		if len(handlers) > 0 {
			events = append(events, event)
		}
	}
	slices.Sort(events)
	return events
}
