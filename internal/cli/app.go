package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/soyeahso/parley/internal/auth"
	"github.com/soyeahso/parley/internal/blob"
	"github.com/soyeahso/parley/internal/call"
	"github.com/soyeahso/parley/internal/chat"
	"github.com/soyeahso/parley/internal/clock"
	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/events"
	"github.com/soyeahso/parley/internal/gateway"
	"github.com/soyeahso/parley/internal/history"
	"github.com/soyeahso/parley/internal/hooks"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/metrics"
	"github.com/soyeahso/parley/internal/plugin"
	"github.com/soyeahso/parley/internal/presence"
	"github.com/soyeahso/parley/internal/registry"
	"github.com/soyeahso/parley/internal/store"
	"github.com/soyeahso/parley/internal/typing"
)

// app is a fully wired parley process.
type app struct {
	log     *logging.Logger
	db      *store.DB
	hooks   *hooks.Manager
	typing  *typing.Tracker
	calls   *call.Engine
	srv     *gateway.Server
	plugins *plugin.Registry
}

func newApp(ctx context.Context, cfg config.Config, paths config.Paths, log *logging.Logger) (*app, error) {
	a := &app{log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	db, err := store.Open(paths.Database(cfg.Storage), log)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.db = db

	verifier, err := auth.NewVerifier(cfg.Gateway.Auth)
	if err != nil {
		return nil, err
	}

	if cfg.Blob.Local.Dir == "" {
		cfg.Blob.Local.Dir = paths.Attachments
	}
	blobs, err := blob.New(ctx, cfg.Blob, paths.Data, log)
	if err != nil {
		return nil, fmt.Errorf("opening attachment store: %w", err)
	}

	a.hooks = hooks.NewManager(log)
	reg := registry.New(log)
	clk := clock.Real()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		m.Subscribe(a.hooks)
		reg.OnEmitFailure(m.EmitFailed)
	}

	recorder := history.NewRecorder(db, log)
	a.calls = call.NewEngine(reg, recorder, a.hooks, clk, call.Options{
		RingTimeout:     cfg.Calls.RingTimeout(),
		ConnectTimeout:  cfg.Calls.ConnectTimeout(),
		MaxParticipants: cfg.Calls.MaxParticipants,
	}, log)
	recorder.SetActiveChecker(a.calls)

	a.typing = typing.NewTracker(reg, clk, cfg.Typing.Expiry(), log)
	router := chat.NewRouter(db, reg, a.hooks, chat.Options{
		MaxContentLength: cfg.Chat.MaxContentLength,
		DefaultPageSize:  cfg.Chat.HistoryPageSize,
	}, log)

	a.plugins = plugin.NewRegistry(a.hooks, log)
	instance := instanceID()
	if cfg.Events.Kafka != nil {
		a.plugins.Register(events.NewKafka(*cfg.Events.Kafka, instance, log))
		log.Info().Strs("brokers", cfg.Events.Kafka.Brokers).Str("topic", cfg.Events.Kafka.Topic).Msg("kafka event publishing enabled")
	}
	if cfg.Presence.Redis != nil {
		a.plugins.Register(presence.NewRedis(*cfg.Presence.Redis, instance, log))
		log.Info().Str("addr", cfg.Presence.Redis.Addr).Msg("redis presence mirror enabled")
	}
	if err := a.plugins.InitAll(ctx); err != nil {
		return nil, err
	}

	a.srv = gateway.New(cfg, gateway.Deps{
		Registry: reg,
		Router:   router,
		Typing:   a.typing,
		Calls:    a.calls,
		History:  recorder,
		Auth:     verifier,
		Blobs:    blobs,
		Hooks:    a.hooks,
		Metrics:  m,
	}, log)

	if m != nil {
		m.GaugeFunc("connections", "Open WebSocket connections.", func() float64 { return float64(reg.Count()) })
		m.GaugeFunc("users_online", "Users with at least one connection.", func() float64 { return float64(reg.Users()) })
		m.GaugeFunc("calls_active", "Live call sessions.", func() float64 { return float64(a.calls.ActiveCount()) })
	}

	ok = true
	return a, nil
}

// Run serves until ctx is cancelled.
func (a *app) Run(ctx context.Context) error {
	return a.srv.Start(ctx)
}

// Close releases everything newApp acquired, in reverse order.
func (a *app) Close() {
	if a.srv != nil {
		a.srv.Close()
	}
	if a.typing != nil {
		a.typing.Close()
	}
	if a.calls != nil {
		a.calls.Close()
	}
	if a.hooks != nil {
		a.hooks.Wait()
	}
	if a.plugins != nil {
		a.plugins.CloseAll()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// instanceID names this process in published events and presence records.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "parley"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}
