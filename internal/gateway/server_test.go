package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/parley/internal/auth"
	"github.com/soyeahso/parley/internal/blob"
	"github.com/soyeahso/parley/internal/call"
	"github.com/soyeahso/parley/internal/chat"
	"github.com/soyeahso/parley/internal/clock"
	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/history"
	"github.com/soyeahso/parley/internal/hooks"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/metrics"
	"github.com/soyeahso/parley/internal/registry"
	"github.com/soyeahso/parley/internal/store"
	"github.com/soyeahso/parley/internal/typing"
	"github.com/soyeahso/parley/internal/version"
)

const testToken = "test-token-123"

type testEnv struct {
	srv   *Server
	ts    *httptest.Server
	reg   *registry.Registry
	hooks *hooks.Manager
	calls *call.Engine
	clock *clock.Fake
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Defaults()
	cfg.Gateway.Auth = config.GatewayAuth{Mode: auth.ModeToken, Token: testToken}
	cfg.Gateway.RateLimit = config.GatewayRateLimit{}
	for _, m := range mutate {
		m(&cfg)
	}

	log := logging.New(nil, "silent")
	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := registry.New(log)
	h := hooks.NewManager(log)
	rec := history.NewRecorder(db, log)
	engine := call.NewEngine(reg, rec, h, clk, call.Options{
		RingTimeout:     cfg.Calls.RingTimeout(),
		MaxParticipants: cfg.Calls.MaxParticipants,
	}, log)
	rec.SetActiveChecker(engine)
	tracker := typing.NewTracker(reg, clk, cfg.Typing.Expiry(), log)
	verifier, err := auth.NewVerifier(cfg.Gateway.Auth)
	require.NoError(t, err)
	blobs, err := blob.NewLocal(t.TempDir(), "", cfg.Blob.MaxBytes, log)
	require.NoError(t, err)

	srv := New(cfg, Deps{
		Registry: reg,
		Router:   chat.NewRouter(db, reg, h, chat.Options{MaxContentLength: cfg.Chat.MaxContentLength}, log),
		Typing:   tracker,
		Calls:    engine,
		History:  rec,
		Auth:     verifier,
		Blobs:    blobs,
		Hooks:    h,
		Metrics:  metrics.New(),
	}, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
		srv.Close()
		tracker.Close()
		h.Wait()
	})
	return &testEnv{srv: srv, ts: ts, reg: reg, hooks: h, calls: engine, clock: clk}
}

// wsClient is a test peer that buffers events while waiting for responses.
type wsClient struct {
	t      *testing.T
	conn   *websocket.Conn
	hello  HelloOK
	events []Frame
	nextID int
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
}

func (e *testEnv) dial(t *testing.T, user string) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &wsClient{t: t, conn: conn}
	challenge := c.read()
	require.Equal(t, EventChallenge, challenge.Event)

	req, err := NewRequest("connect-1", MethodConnect, ConnectParams{
		MinProtocol: version.ProtocolVersion,
		MaxProtocol: version.ProtocolVersion,
		Client:      ClientInfo{ID: "test-client", Version: "1.0.0", Platform: "linux"},
		Auth:        &ConnectAuth{Token: testToken, UserID: user},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	res := c.read()
	require.NotNil(t, res.OK)
	require.True(t, *res.OK, "handshake failed: %+v", res.Error)
	require.NoError(t, json.Unmarshal(res.Payload, &c.hello))
	return c
}

func (c *wsClient) read() Frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f Frame
	require.NoError(c.t, c.conn.ReadJSON(&f))
	return f
}

// call sends a request and returns its response, buffering any events that
// arrive first.
func (c *wsClient) call(method string, params any) Frame {
	c.t.Helper()
	c.nextID++
	id := "req-" + strconv.Itoa(c.nextID)
	req, err := NewRequest(id, method, params)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(req))
	for {
		f := c.read()
		if f.Type == FrameTypeEvent {
			c.events = append(c.events, f)
			continue
		}
		require.Equal(c.t, id, f.ID)
		return f
	}
}

// ok calls method and decodes a successful payload into out.
func (c *wsClient) ok(method string, params, out any) {
	c.t.Helper()
	res := c.call(method, params)
	require.NotNil(c.t, res.OK)
	require.True(c.t, *res.OK, "%s failed: %+v", method, res.Error)
	if out != nil {
		require.NoError(c.t, json.Unmarshal(res.Payload, out))
	}
}

// fail calls method and returns its error.
func (c *wsClient) fail(method string, params any) *ErrorShape {
	c.t.Helper()
	res := c.call(method, params)
	require.NotNil(c.t, res.OK)
	require.False(c.t, *res.OK)
	require.NotNil(c.t, res.Error)
	return res.Error
}

// event returns the next event named name, decoding its payload into out.
func (c *wsClient) event(name string, out any) Frame {
	c.t.Helper()
	for i, f := range c.events {
		if f.Event == name {
			c.events = append(c.events[:i:i], c.events[i+1:]...)
			c.decode(f, out)
			return f
		}
	}
	for {
		f := c.read()
		if f.Type == FrameTypeEvent && f.Event == name {
			c.decode(f, out)
			return f
		}
		c.events = append(c.events, f)
	}
}

func (c *wsClient) decode(f Frame, out any) {
	c.t.Helper()
	if out != nil {
		require.NoError(c.t, json.Unmarshal(f.Payload, out))
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	// Public endpoint only returns status.
	assert.Empty(t, health.Version)
}

func TestNotFoundEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/nonexistent")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketHandshakeSuccess(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Calls.ICEServers = []config.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}}
	})

	c := env.dial(t, "alice")
	assert.Equal(t, version.ProtocolVersion, c.hello.Protocol)
	assert.NotEmpty(t, c.hello.Server.ConnID)
	assert.Equal(t, "alice", c.hello.User.ID)
	assert.Contains(t, c.hello.Features.Methods, "send_message")
	assert.Contains(t, c.hello.Features.Methods, "call_signal")
	assert.Contains(t, c.hello.Features.Events, call.EventIncomingCall)
	assert.Equal(t, int64(45000), c.hello.Policy.RingTimeoutMs)
	assert.Equal(t, int64(3000), c.hello.Policy.TypingExpiryMs)
	assert.Greater(t, c.hello.Policy.MaxPayload, 0)
	require.Len(t, c.hello.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, c.hello.ICEServers[0].URLs)

	assert.True(t, env.reg.Online("alice"))
}

func handshakeError(t *testing.T, env *testEnv, frame any) *ErrorShape {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL(), nil)
	require.NoError(t, err)
	defer conn.Close()

	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))
	require.NoError(t, conn.WriteJSON(frame))

	var res Frame
	require.NoError(t, conn.ReadJSON(&res))
	require.NotNil(t, res.OK)
	assert.False(t, *res.OK)
	require.NotNil(t, res.Error)
	return res.Error
}

func TestWebSocketHandshakeWrongToken(t *testing.T) {
	env := newTestEnv(t)
	req, _ := NewRequest("req-1", MethodConnect, ConnectParams{
		MinProtocol: 1,
		MaxProtocol: 1,
		Auth:        &ConnectAuth{Token: "wrong-token", UserID: "alice"},
	})
	assert.Equal(t, CodeUnauthorized, handshakeError(t, env, req).Code)
}

func TestWebSocketHandshakeRequiresUser(t *testing.T) {
	env := newTestEnv(t)
	req, _ := NewRequest("req-1", MethodConnect, ConnectParams{
		MinProtocol: 1,
		MaxProtocol: 1,
		Auth:        &ConnectAuth{Token: testToken},
	})
	assert.Equal(t, CodeUnauthorized, handshakeError(t, env, req).Code)
}

func TestWebSocketHandshakeExpectsConnect(t *testing.T) {
	env := newTestEnv(t)
	req, _ := NewRequest("req-1", "health", nil)
	assert.Equal(t, CodeProtocol, handshakeError(t, env, req).Code)
}

func TestWebSocketHandshakeProtocolMismatch(t *testing.T) {
	env := newTestEnv(t)
	req, _ := NewRequest("req-1", MethodConnect, ConnectParams{
		MinProtocol: version.ProtocolVersion + 1,
		MaxProtocol: version.ProtocolVersion + 2,
		Auth:        &ConnectAuth{Token: testToken, UserID: "alice"},
	})
	assert.Equal(t, CodeProtocol, handshakeError(t, env, req).Code)
}

func TestWebSocketRPCHealth(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "alice")

	var health HealthResponse
	c.ok("health", nil, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, version.Version, health.Version)
	assert.Equal(t, 1, health.Connections)
	assert.Equal(t, 1, health.Users)
}

func TestWebSocketRPCUnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "alice")

	assert.Equal(t, CodeMethodNotFound, c.fail("nonexistent.method", nil).Code)
}

func TestWebSocketRPCInvalidParams(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "alice")

	assert.Equal(t, CodeInvalidParams, c.fail("send_message", "not an object").Code)
}

func TestWebSocketRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Gateway.RateLimit = config.GatewayRateLimit{PerSecond: 0.001, Burst: 1}
	})
	c := env.dial(t, "alice")

	c.ok("health", nil, nil)
	shape := c.fail("health", nil)
	assert.Equal(t, CodeRateLimited, shape.Code)
	assert.True(t, shape.Retryable)
}

func TestSendMessageFansOutToBothParticipants(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")
	aliceTab := env.dial(t, "alice")
	bob := env.dial(t, "bob")
	carol := env.dial(t, "carol")

	var sent domain.Message
	alice.ok("send_message", map[string]any{"receiver_id": "bob", "type": "text", "content": "hi bob"}, &sent)
	assert.Equal(t, "alice:bob", sent.ConversationID)
	assert.NotEmpty(t, sent.ID)

	for _, c := range []*wsClient{alice, aliceTab, bob} {
		var got domain.Message
		f := c.event(chat.EventNewMessage, &got)
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, "hi bob", got.Content)
		assert.Greater(t, f.Seq, int64(0))
	}

	carol.ok("health", nil, nil)
	assert.Empty(t, carol.events)
}

func TestSendMessageValidation(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")

	assert.Equal(t, CodeInvalidParams, alice.fail("send_message", map[string]any{"type": "text", "content": "x"}).Code)
	assert.Equal(t, CodeInvalidParams, alice.fail("send_message", map[string]any{"receiver_id": "bob", "type": "text"}).Code)
	assert.Equal(t, CodeInvalidParams, alice.fail("send_message", map[string]any{
		"receiver_id": "bob", "type": "text", "content": "x", "reply_to_id": "missing",
	}).Code)
}

func TestListMessagesOverWebSocket(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")
	carol := env.dial(t, "carol")

	for _, text := range []string{"one", "two", "three"} {
		alice.ok("send_message", map[string]any{"receiver_id": "bob", "type": "text", "content": text}, nil)
	}

	var page chat.PageResult
	bob.ok("list_messages", map[string]any{"peer_id": "alice", "limit": 2}, &page)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "one", page.Messages[0].Content)
	require.NotEmpty(t, page.NextCursor)

	cursor := page.NextCursor
	page = chat.PageResult{}
	bob.ok("list_messages", map[string]any{"conversation_id": "alice:bob", "after": cursor}, &page)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "three", page.Messages[0].Content)
	assert.Empty(t, page.NextCursor)

	assert.Equal(t, CodeNotFound, carol.fail("list_messages", map[string]any{"conversation_id": "alice:bob"}).Code)
}

func TestReactionsOverWebSocket(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")
	carol := env.dial(t, "carol")

	var msg domain.Message
	alice.ok("send_message", map[string]any{"receiver_id": "bob", "type": "text", "content": "react"}, &msg)

	bob.ok("add_reaction", map[string]any{"message_id": msg.ID, "reaction": "love"}, nil)
	var upd chat.ReactionUpdate
	alice.event(chat.EventReactionUpdated, &upd)
	assert.Equal(t, msg.ID, upd.MessageID)
	require.Len(t, upd.Reactions, 1)
	assert.Equal(t, domain.ReactionLove, upd.Reactions[0].Kind)

	assert.Equal(t, CodeInvalidParams, bob.fail("add_reaction", map[string]any{"message_id": msg.ID, "reaction": "meh"}).Code)
	assert.Equal(t, CodeNotFound, carol.fail("add_reaction", map[string]any{"message_id": msg.ID, "reaction": "like"}).Code)

	bob.ok("remove_reaction", map[string]any{"message_id": msg.ID}, &upd)
	assert.Nil(t, upd.Reaction)
	assert.Empty(t, upd.Reactions)
}

func TestTypingReachesJoinedPeer(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	bob.ok("join_conversation", map[string]any{"peer_id": "alice"}, nil)
	alice.ok("typing", map[string]any{"receiver_id": "bob", "is_typing": true}, nil)

	var upd typing.Update
	bob.event(typing.EventUserTyping, &upd)
	assert.Equal(t, "alice:bob", upd.ConversationID)
	assert.Equal(t, "alice", upd.UserID)
	assert.True(t, upd.IsTyping)

	env.clock.Advance(3 * time.Second)
	bob.event(typing.EventUserTyping, &upd)
	assert.False(t, upd.IsTyping)

	// alice never joined, so she sees nothing of her own typing.
	alice.ok("health", nil, nil)
	assert.Empty(t, alice.events)
}

func TestJoinConversationRejectsOutsiders(t *testing.T) {
	env := newTestEnv(t)
	carol := env.dial(t, "carol")

	assert.Equal(t, CodeNotFound, carol.fail("join_conversation", map[string]any{"conversation_id": "alice:bob"}).Code)
	assert.Equal(t, CodeInvalidParams, carol.fail("join_conversation", map[string]any{"conversation_id": "bob:alice"}).Code)
	assert.Equal(t, CodeInvalidParams, carol.fail("join_conversation", map[string]any{}).Code)
}

func TestCallFlowOverWebSocket(t *testing.T) {
	env := newTestEnv(t)
	caller := env.dial(t, "1")
	callee := env.dial(t, "2")

	var sess domain.CallSession
	caller.ok("call_signal", map[string]any{
		"to": "2", "type": "video", "session_description": map[string]any{"type": "offer", "sdp": "v=0"},
	}, &sess)
	assert.Equal(t, domain.CallRinging, sess.Status)

	var incoming call.IncomingCall
	callee.event(call.EventIncomingCall, &incoming)
	assert.Equal(t, sess.ID, incoming.SessionID)
	assert.Equal(t, "1", incoming.From)
	assert.Equal(t, domain.CallVideo, incoming.Type)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(incoming.SessionDescription))

	callee.ok("call_answer", map[string]any{
		"session_id": sess.ID, "session_description": map[string]any{"type": "answer", "sdp": "v=0"},
	}, &sess)
	assert.Equal(t, domain.CallConnecting, sess.Status)

	var answer call.Description
	caller.event(call.EventCallAnswered, &answer)
	assert.Equal(t, "2", answer.From)
	assert.JSONEq(t, `{"type":"answer","sdp":"v=0"}`, string(answer.SessionDescription))

	caller.ok("ice_candidate", map[string]any{"session_id": sess.ID, "to": "2", "candidate": map[string]any{"candidate": "c1"}}, nil)
	var cand call.Candidate
	callee.event(call.EventICECandidate, &cand)
	assert.JSONEq(t, `{"candidate":"c1"}`, string(cand.Candidate))

	caller.ok("call_connected", map[string]any{"session_id": sess.ID, "peer_id": "2"}, nil)
	callee.ok("call_connected", map[string]any{"session_id": sess.ID, "peer_id": "1"}, &sess)
	assert.Equal(t, domain.CallOngoing, sess.Status)
	caller.event(call.EventCallConnected, nil)

	callee.ok("call_end", map[string]any{"session_id": sess.ID}, &sess)
	assert.Equal(t, domain.CallEnded, sess.Status)
	assert.Equal(t, domain.ReasonHangup, sess.EndReason)

	var closed call.Closed
	caller.event(call.EventCallEnded, &closed)
	assert.Equal(t, sess.ID, closed.SessionID)
	assert.Equal(t, "2", closed.From)
	assert.Equal(t, domain.ReasonHangup, closed.Reason)
	assert.False(t, env.calls.Active(sess.ID))
}

func TestCallSignalGlare(t *testing.T) {
	env := newTestEnv(t)
	low := env.dial(t, "1")
	high := env.dial(t, "2")

	var first domain.CallSession
	low.ok("call_signal", map[string]any{"to": "2", "type": "voice", "session_description": map[string]any{}}, &first)

	shape := high.fail("call_signal", map[string]any{"to": []string{"1"}, "type": "voice", "session_description": map[string]any{}})
	assert.Equal(t, CodeGlare, shape.Code)
	details, ok := shape.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(domain.CallRejected), details["status"])
	assert.Equal(t, string(domain.ReasonGlare), details["end_reason"])

	assert.True(t, env.calls.Active(first.ID))
}

func TestCallSignalAlreadyActive(t *testing.T) {
	env := newTestEnv(t)
	caller := env.dial(t, "1")
	env.dial(t, "2")

	caller.ok("call_signal", map[string]any{"to": "2", "type": "voice"}, nil)
	assert.Equal(t, CodeCallAlreadyActive, caller.fail("call_signal", map[string]any{"to": "2", "type": "voice"}).Code)
}

func TestCallRingTimeoutOverWebSocket(t *testing.T) {
	env := newTestEnv(t)
	caller := env.dial(t, "1")
	callee := env.dial(t, "2")

	var sess domain.CallSession
	caller.ok("call_signal", map[string]any{"to": "2", "type": "voice"}, &sess)
	callee.event(call.EventIncomingCall, nil)

	env.clock.Advance(45 * time.Second)

	var closed call.Closed
	caller.event(call.EventCallEnded, &closed)
	assert.Equal(t, domain.ReasonTimeout, closed.Reason)
	callee.event(call.EventCallEnded, &closed)
	assert.Equal(t, domain.ReasonTimeout, closed.Reason)
	assert.False(t, env.calls.Active(sess.ID))
}

func TestCallRejectOverWebSocket(t *testing.T) {
	env := newTestEnv(t)
	caller := env.dial(t, "1")
	callee := env.dial(t, "2")

	var sess domain.CallSession
	caller.ok("call_signal", map[string]any{"to": "2", "type": "voice"}, &sess)
	callee.ok("call_reject", map[string]any{"session_id": sess.ID}, &sess)
	assert.Equal(t, domain.CallRejected, sess.Status)

	var closed call.Closed
	caller.event(call.EventCallRejected, &closed)
	assert.Equal(t, "2", closed.From)
	assert.Equal(t, domain.ReasonRejected, closed.Reason)
}

func TestCallEndByPeer(t *testing.T) {
	env := newTestEnv(t)
	caller := env.dial(t, "1")
	env.dial(t, "2")

	var sess domain.CallSession
	caller.ok("call_signal", map[string]any{"to": "2", "type": "voice"}, &sess)
	caller.ok("call_end", map[string]any{"to": "2"}, &sess)
	assert.True(t, sess.Status.Terminal())

	assert.Equal(t, CodeNotFound, caller.fail("call_end", map[string]any{"to": "2"}).Code)
	assert.Equal(t, CodeInvalidParams, caller.fail("call_end", map[string]any{}).Code)
}

func TestDisconnectFailsRingingCall(t *testing.T) {
	env := newTestEnv(t)
	caller := env.dial(t, "1")
	callee := env.dial(t, "2")

	var sess domain.CallSession
	caller.ok("call_signal", map[string]any{"to": "2", "type": "voice"}, &sess)
	callee.event(call.EventIncomingCall, nil)

	require.NoError(t, callee.conn.Close())

	var closed call.Closed
	caller.event(call.EventCallEnded, &closed)
	assert.Equal(t, sess.ID, closed.SessionID)
	assert.Equal(t, domain.ReasonDisconnected, closed.Reason)
}

func TestPresenceHooks(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	var seen []string
	record := func(_ context.Context, p hooks.Payload) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, p.Event+":"+p.Str("user_id"))
		return nil
	}
	env.hooks.On(hooks.EventUserOnline, "test", record)
	env.hooks.On(hooks.EventUserOffline, "test", record)

	first := env.dial(t, "alice")
	second := env.dial(t, "alice")
	second.ok("health", nil, nil)
	env.hooks.Wait()
	require.NoError(t, second.conn.Close())
	require.Eventually(t, func() bool { return len(env.reg.ConnectionsFor("alice")) == 1 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, first.conn.Close())
	require.Eventually(t, func() bool { return !env.reg.Online("alice") }, 3*time.Second, 10*time.Millisecond)

	env.hooks.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"user_online:alice", "user_offline:alice"}, seen)
}

func TestPresenceHooksAlternateOnReconnect(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	var seen []string
	env.hooks.OnEach([]string{hooks.EventUserOnline, hooks.EventUserOffline}, "test", func(_ context.Context, p hooks.Payload) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, p.Event)
		return nil
	})

	const rounds = 20
	for i := 0; i < rounds; i++ {
		c := env.dial(t, "alice")
		require.NoError(t, c.conn.Close())
		require.Eventually(t, func() bool { return !env.reg.Online("alice") }, 3*time.Second, 5*time.Millisecond)
	}

	env.hooks.Wait()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2*rounds)
	for i, ev := range seen {
		want := hooks.EventUserOnline
		if i%2 == 1 {
			want = hooks.EventUserOffline
		}
		assert.Equal(t, want, ev, "event %d", i)
	}
}

func TestResolveBindAddr(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.GatewayConfig
		want string
	}{
		{"loopback", config.GatewayConfig{Port: 7788, Bind: "loopback"}, "127.0.0.1:7788"},
		{"lan", config.GatewayConfig{Port: 7788, Bind: "lan"}, "0.0.0.0:7788"},
		{"auto", config.GatewayConfig{Port: 7788, Bind: "auto"}, "0.0.0.0:7788"},
		{"custom", config.GatewayConfig{Port: 9000, Bind: "custom", CustomBindHost: "10.0.0.5"}, "10.0.0.5:9000"},
		{"custom without host", config.GatewayConfig{Port: 9000, Bind: "custom"}, "0.0.0.0:9000"},
		{"unknown", config.GatewayConfig{Port: 7788, Bind: "bogus"}, "127.0.0.1:7788"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveBindAddr(tt.cfg))
		})
	}
}

func TestServerMethods(t *testing.T) {
	env := newTestEnv(t)
	methods := env.srv.Methods()
	assert.Contains(t, methods, "health")
	assert.Contains(t, methods, "call_end")
	assert.IsIncreasing(t, methods)
}
