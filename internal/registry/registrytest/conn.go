// Package registrytest provides an in-memory registry.Conn for tests.
package registrytest

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrClosed is returned by Emit once the connection is marked failing.
var ErrClosed = errors.New("connection closed")

// Event is one recorded emit. Payload is the JSON encoding of what was sent.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Conn records every event emitted to it.
type Conn struct {
	id   string
	user string

	mu     sync.Mutex
	events []Event
	fail   bool
}

// NewConn returns a conn with the given id owned by user.
func NewConn(id, user string) *Conn {
	return &Conn{id: id, user: user}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.user }

// Emit records the event, or fails when SetFailing(true) was called.
func (c *Conn) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return ErrClosed
	}
	c.events = append(c.events, Event{Name: event, Payload: data})
	return nil
}

// SetFailing makes subsequent emits fail.
func (c *Conn) SetFailing(fail bool) {
	c.mu.Lock()
	c.fail = fail
	c.mu.Unlock()
}

// Events returns a copy of everything emitted so far.
func (c *Conn) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Named returns the emitted events with the given name.
func (c *Conn) Named(name string) []Event {
	var out []Event
	for _, e := range c.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Last returns the most recent event, if any.
func (c *Conn) Last() (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return Event{}, false
	}
	return c.events[len(c.events)-1], true
}

// Reset discards recorded events.
func (c *Conn) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}
