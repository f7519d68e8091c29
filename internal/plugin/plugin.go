// Package plugin manages the lifecycle of optional integrations that attach
// to the hook bus, such as the Kafka event publisher and the Redis presence
// mirror.
package plugin

import (
	"context"

	"github.com/soyeahso/parley/internal/hooks"
	"github.com/soyeahso/parley/internal/logging"
)

// Plugin is an integration started after the core is wired and stopped
// before it is torn down.
type Plugin interface {
	// ID returns a unique identifier for the plugin (e.g., "kafka").
	ID() string

	// Init subscribes to hooks and starts any background work. Work started
	// here must stop when Close is called.
	Init(ctx context.Context, api API) error

	// Close stops background work and releases resources.
	Close() error
}

// API is what a plugin receives at Init.
type API struct {
	Hooks *hooks.Manager
	Log   *logging.Logger
}
