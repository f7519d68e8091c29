// Package presence mirrors which users are online into Redis so services
// outside parley can check reachability.
//
// Keys are "<prefix>:presence:<user>" holding a small JSON document. Online
// keys carry a TTL and are refreshed while the user stays connected, so a
// crashed instance does not leave users online forever.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/hooks"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/plugin"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Client is the subset of *redis.Client used by the mirror.
type Client interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Status is the stored value of a presence key.
type Status struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"`
	Instance string `json:"instance,omitempty"`
}

var _ plugin.Plugin = (*Mirror)(nil)

// Mirror writes presence changes to Redis.
type Mirror struct {
	client   Client
	prefix   string
	ttl      time.Duration
	instance string
	now      func() time.Time
	log      *logging.Logger

	// wmu orders membership changes with their Redis writes so a refresh
	// never rewrites a key that went offline after the refresh started.
	wmu sync.Mutex

	mu     sync.Mutex
	online map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedis connects a mirror to the configured Redis server.
func NewRedis(cfg config.RedisConfig, instance string, log *logging.Logger) *Mirror {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return New(client, cfg.Prefix, cfg.TTL(), instance, log)
}

// New creates a mirror over an existing client.
func New(client Client, prefix string, ttl time.Duration, instance string, log *logging.Logger) *Mirror {
	if prefix == "" {
		prefix = "parley"
	}
	return &Mirror{
		client:   client,
		prefix:   prefix,
		ttl:      ttl,
		instance: instance,
		now:      time.Now,
		log:      log.Sub("presence"),
		online:   make(map[string]struct{}),
	}
}

// Key returns the Redis key for a user.
func (m *Mirror) Key(userID string) string {
	return fmt.Sprintf("%s:presence:%s", m.prefix, userID)
}

// Ping checks the connection.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// ID names the mirror as a plugin.
func (m *Mirror) ID() string { return "presence" }

// Init checks the connection, subscribes to presence hooks and starts the
// TTL refresh loop. The loop stops on Close.
func (m *Mirror) Init(ctx context.Context, api plugin.API) error {
	if err := m.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	m.Subscribe(api.Hooks)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel, m.done = cancel, done
	m.mu.Unlock()
	go func() {
		defer close(done)
		m.Run(runCtx)
	}()
	return nil
}

// Subscribe mirrors user_online and user_offline hook events.
func (m *Mirror) Subscribe(h *hooks.Manager) {
	h.On(hooks.EventUserOnline, "presence", func(ctx context.Context, p hooks.Payload) error {
		return m.SetOnline(ctx, p.Str("user_id"))
	})
	h.On(hooks.EventUserOffline, "presence", func(ctx context.Context, p hooks.Payload) error {
		return m.SetOffline(ctx, p.Str("user_id"))
	})
}

// SetOnline marks a user online with the configured TTL.
func (m *Mirror) SetOnline(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	m.wmu.Lock()
	defer m.wmu.Unlock()
	m.mu.Lock()
	m.online[userID] = struct{}{}
	m.mu.Unlock()
	return m.write(ctx, userID, StatusOnline, m.ttl)
}

// SetOffline marks a user offline. Offline keys do not expire.
func (m *Mirror) SetOffline(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	m.wmu.Lock()
	defer m.wmu.Unlock()
	m.mu.Lock()
	delete(m.online, userID)
	m.mu.Unlock()
	return m.write(ctx, userID, StatusOffline, 0)
}

// Lookup reads a user's mirrored status. Users never seen are offline.
func (m *Mirror) Lookup(ctx context.Context, userID string) (Status, error) {
	raw, err := m.client.Get(ctx, m.Key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Status{Status: StatusOffline}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("reading presence of %s: %w", userID, err)
	}
	var s Status
	if err := json.Unmarshal(raw, &s); err != nil {
		return Status{}, fmt.Errorf("decoding presence of %s: %w", userID, err)
	}
	return s, nil
}

// Online returns the users this instance currently reports online.
func (m *Mirror) Online() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.online))
	for u := range m.online {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Refresh rewrites every online key, extending its TTL.
func (m *Mirror) Refresh(ctx context.Context) error {
	var firstErr error
	for _, u := range m.Online() {
		if err := m.refreshOne(ctx, u); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Mirror) refreshOne(ctx context.Context, userID string) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	m.mu.Lock()
	_, online := m.online[userID]
	m.mu.Unlock()
	if !online {
		return nil
	}
	return m.write(ctx, userID, StatusOnline, m.ttl)
}

// Run refreshes online keys at half the TTL until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) {
	interval := m.ttl / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil {
				m.log.Warn().Err(err).Msg("presence refresh failed")
			}
		}
	}
}

// Close stops the refresh loop and releases the Redis client.
func (m *Mirror) Close() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return m.client.Close()
}

func (m *Mirror) write(ctx context.Context, userID, status string, ttl time.Duration) error {
	data, err := json.Marshal(Status{Status: status, LastSeen: m.now().Unix(), Instance: m.instance})
	if err != nil {
		return err
	}
	if err := m.client.Set(ctx, m.Key(userID), data, ttl).Err(); err != nil {
		return fmt.Errorf("writing presence of %s: %w", userID, err)
	}
	m.log.Debug().Str("user", userID).Str("status", status).Msg("presence mirrored")
	return nil
}
