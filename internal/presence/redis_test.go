package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/soyeahso/parley/internal/hooks"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	value []byte
	ttl   time.Duration
}

type fakeRedis struct {
	mu      sync.Mutex
	keys    map[string]entry
	err     error
	pingErr error
	closed  bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{keys: make(map[string]entry)}
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.keys[key] = entry{value: value.([]byte), ttl: ttl}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.keys[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(e.value), nil)
}

func (f *fakeRedis) Ping(context.Context) *redis.StatusCmd {
	if f.pingErr != nil {
		return redis.NewStatusResult("", f.pingErr)
	}
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeRedis) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRedis) get(key string) (entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.keys[key]
	return e, ok
}

func newMirror(f *fakeRedis) *Mirror {
	m := New(f, "test", time.Minute, "node-1", logging.New(nil, "silent"))
	m.now = func() time.Time { return time.Unix(1700000000, 0) }
	return m
}

func TestKey(t *testing.T) {
	m := New(newFakeRedis(), "", time.Minute, "", logging.New(nil, "silent"))
	assert.Equal(t, "parley:presence:42", m.Key("42"))
}

func TestOnlineOffline(t *testing.T) {
	f := newFakeRedis()
	m := newMirror(f)
	ctx := context.Background()

	require.NoError(t, m.SetOnline(ctx, "42"))
	e, ok := f.get("test:presence:42")
	require.True(t, ok)
	assert.Equal(t, time.Minute, e.ttl)
	var s Status
	require.NoError(t, json.Unmarshal(e.value, &s))
	assert.Equal(t, Status{Status: StatusOnline, LastSeen: 1700000000, Instance: "node-1"}, s)
	assert.Equal(t, []string{"42"}, m.Online())

	got, err := m.Lookup(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, got.Status)

	require.NoError(t, m.SetOffline(ctx, "42"))
	e, _ = f.get("test:presence:42")
	assert.Zero(t, e.ttl)
	assert.Empty(t, m.Online())

	got, err = m.Lookup(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, got.Status)
}

func TestLookupUnknownUser(t *testing.T) {
	m := newMirror(newFakeRedis())
	got, err := m.Lookup(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, got.Status)
}

func TestRefresh(t *testing.T) {
	f := newFakeRedis()
	m := newMirror(f)
	ctx := context.Background()
	require.NoError(t, m.SetOnline(ctx, "1"))
	require.NoError(t, m.SetOnline(ctx, "2"))

	f.mu.Lock()
	f.keys = make(map[string]entry)
	f.mu.Unlock()

	require.NoError(t, m.Refresh(ctx))
	_, ok1 := f.get("test:presence:1")
	_, ok2 := f.get("test:presence:2")
	assert.True(t, ok1)
	assert.True(t, ok2)

	f.err = errors.New("connection refused")
	assert.ErrorContains(t, m.Refresh(ctx), "connection refused")
}

func TestSubscribe(t *testing.T) {
	f := newFakeRedis()
	m := newMirror(f)
	h := hooks.NewManager(logging.New(nil, "silent"))
	m.Subscribe(h)

	h.Emit(context.Background(), hooks.EventUserOnline, nil, map[string]any{"user_id": "9"})
	_, ok := f.get("test:presence:9")
	assert.True(t, ok)

	h.Emit(context.Background(), hooks.EventUserOffline, nil, map[string]any{"user_id": "9"})
	e, _ := f.get("test:presence:9")
	var s Status
	require.NoError(t, json.Unmarshal(e.value, &s))
	assert.Equal(t, StatusOffline, s.Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	m := newMirror(newFakeRedis())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestInitAsPlugin(t *testing.T) {
	log := logging.New(nil, "silent")
	f := newFakeRedis()
	h := hooks.NewManager(log)
	reg := plugin.NewRegistry(h, log)
	require.NoError(t, reg.Register(newMirror(f)))
	require.NoError(t, reg.InitAll(context.Background()))

	h.Emit(context.Background(), hooks.EventUserOnline, nil, map[string]any{"user_id": "5"})
	_, ok := f.get("test:presence:5")
	assert.True(t, ok)

	reg.CloseAll()
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.True(t, f.closed)
}

func TestInitFailsWhenUnreachable(t *testing.T) {
	f := newFakeRedis()
	f.pingErr = errors.New("dial tcp: connection refused")
	m := newMirror(f)
	h := hooks.NewManager(logging.New(nil, "silent"))

	err := m.Init(context.Background(), plugin.API{Hooks: h})
	assert.ErrorContains(t, err, "connection refused")
	assert.Zero(t, h.Count(hooks.EventUserOnline))
	require.NoError(t, m.Close())
}

func TestRapidConnectDisconnectLeavesUsersOffline(t *testing.T) {
	f := newFakeRedis()
	m := newMirror(f)
	h := hooks.NewManager(logging.New(nil, "silent"))
	m.Subscribe(h)

	for i := 0; i < 2000; i++ {
		data := map[string]any{"user_id": fmt.Sprintf("%d", i)}
		h.EmitAsync(context.Background(), hooks.EventUserOnline, nil, data)
		h.EmitAsync(context.Background(), hooks.EventUserOffline, nil, data)
	}
	h.Wait()

	assert.Empty(t, m.Online())
	for i := 0; i < 2000; i++ {
		s, err := m.Lookup(context.Background(), fmt.Sprintf("%d", i))
		require.NoError(t, err)
		assert.Equal(t, StatusOffline, s.Status)
	}
}
