package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/InsulaLabs/drift/bottles"
	"github.com/InsulaLabs/drift/config"
	"github.com/InsulaLabs/drift/db/core"
	"github.com/InsulaLabs/drift/db/tkv"
	"github.com/InsulaLabs/drift/limiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoPlugin struct {
	name    string
	initErr error
	prif    PluginRuntimeIF
	limit   float64
	burst   int
}

func (p *echoPlugin) GetName() string { return p.name }

func (p *echoPlugin) Init(prif PluginRuntimeIF) *PluginImplError {
	if p.initErr != nil {
		return &PluginImplError{Err: p.initErr}
	}
	p.prif = prif
	return nil
}

func (p *echoPlugin) GetRoutes() []PluginRoute {
	return []PluginRoute{
		{Path: "echo", Limit: p.limit, Burst: p.burst, Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(r.URL.Path))
		})},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func bareConfig() *config.Daemon {
	cfg := config.GenerateConfig()
	cfg.API.Binding = "127.0.0.1:0"
	cfg.Store = config.Store{}
	cfg.Relay = config.Relay{}
	return cfg
}

func TestWithPluginMountsRoutes(t *testing.T) {
	rt, err := FromConfig(context.Background(), testLogger(), bareConfig())
	require.NoError(t, err)
	t.Cleanup(rt.Stop)

	p := &echoPlugin{name: "echo"}
	require.NoError(t, rt.WithPlugin(p))
	require.NotNil(t, p.prif)

	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/echo/echo", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/echo/echo", rec.Body.String())

	assert.Error(t, rt.WithPlugin(&echoPlugin{name: "echo"}), "duplicate names are rejected")
}

func TestWithPluginInitFailure(t *testing.T) {
	rt, err := FromConfig(context.Background(), testLogger(), bareConfig())
	require.NoError(t, err)
	t.Cleanup(rt.Stop)

	boom := errors.New("boom")
	err = rt.WithPlugin(&echoPlugin{name: "broken", initErr: boom})
	assert.ErrorIs(t, err, boom)

	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/broken/echo", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPluginRoutesAreRateLimited(t *testing.T) {
	rt, err := FromConfig(context.Background(), testLogger(), bareConfig())
	require.NoError(t, err)
	t.Cleanup(rt.Stop)
	require.NoError(t, rt.WithPlugin(&echoPlugin{name: "limited", limit: 0.001, burst: 1}))

	get := func() int {
		req := httptest.NewRequest(http.MethodGet, "/limited/echo", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		rt.Handler().ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, get())
	assert.Equal(t, http.StatusTooManyRequests, get())
}

func TestUnconfiguredDependenciesDegrade(t *testing.T) {
	rt, err := FromConfig(context.Background(), testLogger(), bareConfig())
	require.NoError(t, err)
	t.Cleanup(rt.Stop)

	_, err = rt.RT_Throw(context.Background(), "hello")
	assert.ErrorIs(t, err, bottles.ErrNotConfigured)
	_, err = rt.RT_Pick(context.Background())
	assert.ErrorIs(t, err, bottles.ErrNotConfigured)
	assert.ErrorIs(t, rt.RT_PingStore(context.Background()), bottles.ErrNotConfigured)

	assert.False(t, rt.RT_RealtimeEnabled())
	assert.NoError(t, rt.RT_Publish(context.Background(), "public-bottles", "bottle-thrown", map[string]string{}))
}

func TestSeaThroughRuntime(t *testing.T) {
	lists, err := tkv.New(tkv.Config{Logger: testLogger(), BadgerLogLevel: slog.LevelError, InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { lists.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	kv, err := core.New(ctx, testLogger(), core.Options{Token: "secret", RateLimit: limiter.Rule{}}, lists)
	require.NoError(t, err)
	srv := httptest.NewServer(kv.Handler())
	t.Cleanup(srv.Close)

	cfg := bareConfig()
	cfg.Store.URL = srv.URL
	cfg.Store.Token = "secret"
	rt, err := FromConfig(ctx, testLogger(), cfg)
	require.NoError(t, err)
	t.Cleanup(rt.Stop)

	require.NoError(t, rt.RT_PingStore(ctx))
	thrown, err := rt.RT_Throw(ctx, "message in a bottle")
	require.NoError(t, err)
	picked, err := rt.RT_Pick(ctx)
	require.NoError(t, err)
	assert.Equal(t, thrown, picked)
	assert.True(t, rt.RT_IsRunning())
}

func TestRunStartsAndStops(t *testing.T) {
	cfg := bareConfig()
	cfg.Store.Token = "secret"
	cfg.Store.Local = config.LocalStore{Enabled: true, Binding: "127.0.0.1:0", InMemory: true}
	cfg.Relay.AppID, cfg.Relay.Key, cfg.Relay.Secret = "drift", "key", "secret"
	cfg.Relay.Local = config.LocalRelay{Enabled: true, Binding: "127.0.0.1:0"}

	rt, err := FromConfig(context.Background(), testLogger(), cfg)
	require.NoError(t, err)
	require.NoError(t, rt.WithPlugin(&echoPlugin{name: "echo"}))

	done := make(chan error, 1)
	go func() { done <- rt.Run() }()

	time.Sleep(100 * time.Millisecond)
	assert.ErrorIs(t, rt.WithPlugin(&echoPlugin{name: "late"}), ErrAlreadyStarted)
	rt.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
	assert.False(t, rt.RT_IsRunning())
}

func TestNewGeneratesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "driftd.yaml")
	rt, err := New([]string{"--new-cfg", path}, "driftd.yaml")
	require.NoError(t, err)
	assert.Nil(t, rt)

	loaded, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.GenerateConfig().API.Binding, loaded.API.Binding)
}

func TestNewRejectsMissingConfig(t *testing.T) {
	_, err := New([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, "")
	assert.ErrorIs(t, err, config.ErrConfigFileUnreadable)
}

func TestNewStopCancelsRuntime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driftd.yaml")
	require.NoError(t, writeGeneratedConfig(path))

	rt, err := New([]string{"--config", path}, "")
	require.NoError(t, err)
	require.NotNil(t, rt)

	stopped := make(chan struct{})
	go func() {
		rt.Wait()
		close(stopped)
	}()
	rt.Stop()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Stop")
	}
	assert.ErrorIs(t, rt.appCtx.Err(), context.Canceled)
}

func TestParentCancelStopsRuntime(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	rt, err := FromConfig(parent, testLogger(), bareConfig())
	require.NoError(t, err)
	t.Cleanup(rt.Stop)

	cancel()
	select {
	case <-rt.appCtx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("runtime context outlived its parent")
	}
}
