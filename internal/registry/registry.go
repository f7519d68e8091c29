// Package registry tracks live connections per user and per room.
package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/soyeahso/parley/internal/logging"
)

// Conn is a live transport connection owned by one user.
type Conn interface {
	ID() string
	UserID() string
	// Emit queues an event for delivery. It must not block on the network.
	Emit(event string, payload any) error
}

// UserRoom returns the room every connection of userID joins on register.
func UserRoom(userID string) string { return "user:" + userID }

// ConversationRoom returns the room for a conversation key.
func ConversationRoom(conversationID string) string { return "conv:" + conversationID }

// UnregisterFunc is called after a connection has been removed. last is true
// when the user has no remaining connections.
type UnregisterFunc func(conn Conn, last bool)

type entry struct {
	conn  Conn
	rooms map[string]struct{}
}

type subscriber struct {
	id   uint64
	name string
	fn   UnregisterFunc
}

// Registry maps users to their live connections and rooms to their members.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry          // connID → entry
	users map[string]map[string]Conn // userID → connID → Conn
	rooms map[string]map[string]Conn // room → connID → Conn

	subMu  sync.Mutex
	subs   []subscriber
	nextID uint64

	onEmitFailure func(event string, err error)
	log           *logging.Logger
}

// New creates an empty registry.
func New(log *logging.Logger) *Registry {
	return &Registry{
		conns: make(map[string]*entry),
		users: make(map[string]map[string]Conn),
		rooms: make(map[string]map[string]Conn),
		log:   log.Sub("registry"),
	}
}

// OnEmitFailure sets a callback invoked for every failed Emit. Used for metrics.
func (r *Registry) OnEmitFailure(fn func(event string, err error)) {
	r.onEmitFailure = fn
}

// Register adds a connection and joins it to its user room. first is true
// when the user had no other connection. Registering the same connection
// twice is a no-op and reports false.
func (r *Registry) Register(c Conn) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.ID()]; ok {
		return false
	}
	r.conns[c.ID()] = &entry{conn: c, rooms: make(map[string]struct{})}

	byUser := r.users[c.UserID()]
	if byUser == nil {
		byUser = make(map[string]Conn)
		r.users[c.UserID()] = byUser
	}
	byUser[c.ID()] = c
	r.joinLocked(c, UserRoom(c.UserID()))

	r.log.Info().Str("connId", c.ID()).Str("user", c.UserID()).Int("userConns", len(byUser)).Msg("connection registered")
	return len(byUser) == 1
}

// Unregister removes a connection from every room it joined, then notifies
// subscribers. Unknown connections are ignored.
func (r *Registry) Unregister(c Conn) {
	r.mu.Lock()
	e, ok := r.conns[c.ID()]
	if !ok {
		r.mu.Unlock()
		return
	}
	for room := range e.rooms {
		r.leaveLocked(c, room)
	}
	delete(r.conns, c.ID())

	last := false
	if byUser := r.users[c.UserID()]; byUser != nil {
		delete(byUser, c.ID())
		if len(byUser) == 0 {
			delete(r.users, c.UserID())
			last = true
		}
	}
	r.mu.Unlock()

	r.log.Info().Str("connId", c.ID()).Str("user", c.UserID()).Bool("last", last).Msg("connection unregistered")

	for _, s := range r.subscribers() {
		s.fn(c, last)
	}
}

// OnUnregister subscribes fn to connection removals. The returned cancel
// function releases the subscription and is safe to call more than once.
func (r *Registry) OnUnregister(name string, fn UnregisterFunc) (cancel func()) {
	r.subMu.Lock()
	r.nextID++
	id := r.nextID
	r.subs = append(r.subs, subscriber{id: id, name: name, fn: fn})
	r.subMu.Unlock()

	r.log.Debug().Str("subscriber", name).Msg("unregister subscriber added")

	var once sync.Once
	return func() {
		once.Do(func() {
			r.subMu.Lock()
			defer r.subMu.Unlock()
			for i, s := range r.subs {
				if s.id == id {
					r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (r *Registry) subscribers() []subscriber {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	return append([]subscriber(nil), r.subs...)
}

// Join adds a registered connection to a room. It reports false for
// connections that are not registered.
func (r *Registry) Join(c Conn, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID()]; !ok {
		return false
	}
	r.joinLocked(c, room)
	return true
}

// Leave removes a connection from a room. Leaving the user room is refused.
func (r *Registry) Leave(c Conn, room string) {
	if room == UserRoom(c.UserID()) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(c, room)
}

func (r *Registry) joinLocked(c Conn, room string) {
	members := r.rooms[room]
	if members == nil {
		members = make(map[string]Conn)
		r.rooms[room] = members
	}
	members[c.ID()] = c
	r.conns[c.ID()].rooms[room] = struct{}{}
}

func (r *Registry) leaveLocked(c Conn, room string) {
	if members := r.rooms[room]; members != nil {
		delete(members, c.ID())
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if e := r.conns[c.ID()]; e != nil {
		delete(e.rooms, room)
	}
}

// ConnectionsFor returns a snapshot of the user's live connections, ordered
// by connection id.
func (r *Registry) ConnectionsFor(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sorted(r.users[userID])
}

// Members returns a snapshot of the connections joined to room.
func (r *Registry) Members(room string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sorted(r.rooms[room])
}

// Rooms returns the rooms a connection has joined, excluding its user room.
func (r *Registry) Rooms(c Conn) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.conns[c.ID()]
	if e == nil {
		return nil
	}
	var out []string
	for room := range e.rooms {
		if !strings.HasPrefix(room, "user:") {
			out = append(out, room)
		}
	}
	sort.Strings(out)
	return out
}

// All returns every registered connection, sorted by id.
func (r *Registry) All() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := make(map[string]Conn, len(r.conns))
	for id, e := range r.conns {
		m[id] = e.conn
	}
	return sorted(m)
}

// Online reports whether the user has at least one live connection.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Users returns the number of users with at least one connection.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Emit delivers event to each distinct connection in conns once. Delivery
// errors are logged and counted, never returned. It returns the number of
// connections the event was queued for.
func (r *Registry) Emit(conns []Conn, event string, payload any) int {
	seen := make(map[string]struct{}, len(conns))
	sent := 0
	for _, c := range conns {
		if _, dup := seen[c.ID()]; dup {
			continue
		}
		seen[c.ID()] = struct{}{}

		if err := c.Emit(event, payload); err != nil {
			r.log.Warn().Err(err).Str("connId", c.ID()).Str("user", c.UserID()).Str("event", event).Msg("emit failed")
			if r.onEmitFailure != nil {
				r.onEmitFailure(event, err)
			}
			continue
		}
		sent++
	}
	return sent
}

// EmitToUsers delivers event once to every connection of the given users.
func (r *Registry) EmitToUsers(event string, payload any, userIDs ...string) int {
	var conns []Conn
	for _, u := range userIDs {
		conns = append(conns, r.ConnectionsFor(u)...)
	}
	return r.Emit(conns, event, payload)
}

func sorted(m map[string]Conn) []Conn {
	out := make([]Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
