// Package typing tracks which users are typing in which conversation.
package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/soyeahso/parley/internal/clock"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/registry"
)

// EventUserTyping is emitted on every typing state change.
const EventUserTyping = "user_typing"

// Update is the user_typing payload.
type Update struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

type key struct {
	conversation string
	user         string
}

type state struct {
	gen   uint64
	timer clock.Timer
}

// Tracker holds in-memory typing flags that expire on their own.
type Tracker struct {
	mu     sync.Mutex
	states map[key]*state
	gen    uint64

	reg    *registry.Registry
	clock  clock.Clock
	expiry time.Duration
	cancel func()
	log    *logging.Logger
}

// NewTracker creates a tracker that clears flags after expiry without a
// refresh, and clears every flag of a user whose last connection leaves.
func NewTracker(reg *registry.Registry, clk clock.Clock, expiry time.Duration, log *logging.Logger) *Tracker {
	t := &Tracker{
		states: make(map[key]*state),
		reg:    reg,
		clock:  clk,
		expiry: expiry,
		log:    log.Sub("typing"),
	}
	t.cancel = reg.OnUnregister("typing", func(c registry.Conn, last bool) {
		if last {
			t.ClearUser(c.UserID())
		}
	})
	return t
}

// SetTyping records a typing flag and broadcasts it to the conversation.
// true starts or refreshes the expiry timer; false clears the flag and is
// ignored when the user was not typing.
func (t *Tracker) SetTyping(conversationID, userID string, isTyping bool) {
	k := key{conversationID, userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, active := t.states[k]
	if !isTyping {
		if !active {
			return
		}
		st.timer.Stop()
		delete(t.states, k)
		t.broadcast(k, false)
		return
	}

	if active {
		st.timer.Stop()
	} else {
		st = &state{}
		t.states[k] = st
	}
	t.gen++
	gen := t.gen
	st.gen = gen
	st.timer = t.clock.AfterFunc(t.expiry, func() { t.expire(k, gen) })
	t.broadcast(k, true)
}

func (t *Tracker) expire(k key, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[k]
	if !ok || st.gen != gen {
		return
	}
	delete(t.states, k)
	t.log.Debug().Str("conversation", k.conversation).Str("user", k.user).Msg("typing expired")
	t.broadcast(k, false)
}

// ClearUser drops every typing flag held by userID, broadcasting a clear for each.
func (t *Tracker) ClearUser(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var keys []key
	for k := range t.states {
		if k.user == userID {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].conversation < keys[j].conversation })

	for _, k := range keys {
		t.states[k].timer.Stop()
		delete(t.states, k)
		t.broadcast(k, false)
	}
}

// IsTyping reports whether the user currently has a live flag.
func (t *Tracker) IsTyping(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.states[key{conversationID, userID}]
	return ok
}

// Close stops every timer and releases the registry subscription.
func (t *Tracker) Close() {
	t.cancel()
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, st := range t.states {
		st.timer.Stop()
		delete(t.states, k)
	}
}

// broadcast sends to the conversation room, skipping the typer's own
// connections. Called with t.mu held so emits for one key keep their order.
func (t *Tracker) broadcast(k key, isTyping bool) {
	var targets []registry.Conn
	for _, c := range t.reg.Members(registry.ConversationRoom(k.conversation)) {
		if c.UserID() != k.user {
			targets = append(targets, c)
		}
	}
	t.reg.Emit(targets, EventUserTyping, Update{
		ConversationID: k.conversation,
		UserID:         k.user,
		IsTyping:       isTyping,
	})
}
