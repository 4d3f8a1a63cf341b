package runtime

import (
	"context"

	"github.com/InsulaLabs/drift/bottles"
	"github.com/InsulaLabs/drift/config"
	"github.com/InsulaLabs/drift/models"
	"github.com/InsulaLabs/drift/publisher"
)

// ------------------------------------------------------------
// PluginRuntimeIF implementation
// ------------------------------------------------------------

var _ PluginRuntimeIF = &Runtime{}

func (r *Runtime) RT_IsRunning() bool {
	return r.appCtx.Err() == nil
}

func (r *Runtime) RT_GetConfig() *config.Daemon {
	return r.cfg
}

func (r *Runtime) RT_Throw(ctx context.Context, message string) (models.Bottle, error) {
	if r.sea == nil {
		return models.Bottle{}, bottles.ErrNotConfigured
	}
	return r.sea.Throw(ctx, message)
}

func (r *Runtime) RT_Pick(ctx context.Context) (models.Bottle, error) {
	if r.sea == nil {
		return models.Bottle{}, bottles.ErrNotConfigured
	}
	return r.sea.Pick(ctx)
}

func (r *Runtime) RT_PingStore(ctx context.Context) error {
	if r.storeClient == nil {
		return bottles.ErrNotConfigured
	}
	return r.storeClient.Ping(ctx)
}

func (r *Runtime) RT_Publish(ctx context.Context, channel, event string, payload any, opts ...publisher.Option) error {
	return r.pub.Publish(ctx, channel, event, payload, opts...)
}

func (r *Runtime) RT_RealtimeEnabled() bool {
	return r.pub.Enabled()
}
