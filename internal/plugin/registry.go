package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/soyeahso/parley/internal/hooks"
	"github.com/soyeahso/parley/internal/logging"
)

// Registry manages plugin lifecycle.
type Registry struct {
	mu      sync.Mutex
	plugins map[string]Plugin
	order   []string // registration order
	started []string // initialized plugins, in init order
	hooks   *hooks.Manager
	log     *logging.Logger
}

// NewRegistry creates a plugin registry.
func NewRegistry(hm *hooks.Manager, log *logging.Logger) *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
		hooks:   hm,
		log:     log.Sub("plugins"),
	}
}

// Register adds a plugin to the registry without initializing it.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[p.ID()]; exists {
		return fmt.Errorf("plugin already registered: %s", p.ID())
	}
	r.plugins[p.ID()] = p
	r.order = append(r.order, p.ID())
	r.log.Debug().Str("id", p.ID()).Msg("plugin registered")
	return nil
}

// InitAll initializes registered plugins in registration order and stops at
// the first failure. Plugins initialized before the failure stay started and
// are released by CloseAll.
func (r *Registry) InitAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		if r.isStarted(id) {
			continue
		}
		api := API{Hooks: r.hooks, Log: r.log.Sub(id)}
		if err := r.plugins[id].Init(ctx, api); err != nil {
			return fmt.Errorf("init plugin %s: %w", id, err)
		}
		r.started = append(r.started, id)
		r.log.Info().Str("id", id).Msg("plugin started")
	}
	return nil
}

// CloseAll closes started plugins in reverse init order. Plugins that were
// registered but never initialized are closed too, so their clients are
// released.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	closed := make(map[string]bool, len(r.order))
	closeOne := func(id string) {
		if closed[id] {
			return
		}
		closed[id] = true
		if err := r.plugins[id].Close(); err != nil {
			r.log.Error().Err(err).Str("id", id).Msg("plugin close error")
		}
	}
	for i := len(r.started) - 1; i >= 0; i-- {
		closeOne(r.started[i])
	}
	for i := len(r.order) - 1; i >= 0; i-- {
		closeOne(r.order[i])
	}
	r.started = nil
	r.plugins = make(map[string]Plugin)
	r.order = nil
}

// Get returns a plugin by ID, or nil if not found.
func (r *Registry) Get(id string) Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plugins[id]
}

// Info reports each registered plugin and whether it is running.
func (r *Registry) Info() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, Info{ID: id, Started: r.isStarted(id)})
	}
	return out
}

func (r *Registry) isStarted(id string) bool {
	for _, s := range r.started {
		if s == id {
			return true
		}
	}
	return false
}

// Info holds summary data about a plugin.
type Info struct {
	ID      string `json:"id"`
	Started bool   `json:"started"`
}
