package runtime

import (
	"context"
	"net/http"

	"github.com/InsulaLabs/drift/config"
	"github.com/InsulaLabs/drift/models"
	"github.com/InsulaLabs/drift/publisher"
)

type SeaIF interface {
	RT_Throw(ctx context.Context, message string) (models.Bottle, error)
	RT_Pick(ctx context.Context) (models.Bottle, error)
	RT_PingStore(ctx context.Context) error
}

type EventIF interface {
	RT_Publish(ctx context.Context, channel, event string, payload any, opts ...publisher.Option) error
	RT_RealtimeEnabled() bool
}

// PluginRuntimeIF is everything a plugin may reach: the sea, the
// realtime publisher and read-only configuration.
type PluginRuntimeIF interface {
	RT_IsRunning() bool
	RT_GetConfig() *config.Daemon

	SeaIF
	EventIF
}

// PluginImplError aborts mounting when returned from Init.
type PluginImplError struct {
	Err error
}

func (e *PluginImplError) Error() string {
	return e.Err.Error()
}

func (e *PluginImplError) Unwrap() error {
	return e.Err
}

type PluginRoute struct {
	Path    string
	Limit   float64 // requests per second per remote address, 0 for none
	Burst   int
	Handler http.Handler
}

/*
Plugins are mounted to:
	/plugin-name

and each of their routes to

	/plugin-name/route-path

Routes must not repeat the plugin name in their path.
*/
type Plugin interface {

	// Unique among the mounted plugins.
	GetName() string

	// Called once when the plugin is mounted, before any request.
	Init(prif PluginRuntimeIF) *PluginImplError

	// Routes and their rate limits. Called after Init.
	GetRoutes() []PluginRoute
}
