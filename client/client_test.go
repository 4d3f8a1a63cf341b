package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/InsulaLabs/drift/config"
	"github.com/InsulaLabs/drift/db/core"
	"github.com/InsulaLabs/drift/db/tkv"
	bottlesplugin "github.com/InsulaLabs/drift/plugins/bottles"
	statusplugin "github.com/InsulaLabs/drift/plugins/status"
	"github.com/InsulaLabs/drift/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// newTestAPI wires the daemon in-process: badger lists behind the kv
// server, and the runtime with the bottles and status plugins.
func newTestAPI(t *testing.T, withStore bool, bottlesLimit config.RateLimiterConfig) *Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := config.GenerateConfig()
	cfg.Relay = config.Relay{}
	cfg.Store = config.Store{}
	cfg.RateLimiters.Bottles = bottlesLimit

	if withStore {
		lists, err := tkv.New(tkv.Config{Logger: testLogger(), BadgerLogLevel: slog.LevelError, InMemory: true})
		require.NoError(t, err)
		t.Cleanup(func() { lists.Close() })
		kv, err := core.New(ctx, testLogger(), core.Options{Token: "token"}, lists)
		require.NoError(t, err)
		kvSrv := httptest.NewServer(kv.Handler())
		t.Cleanup(kvSrv.Close)
		cfg.Store.URL, cfg.Store.Token = kvSrv.URL, "token"
	}

	rt, err := runtime.FromConfig(ctx, testLogger(), cfg)
	require.NoError(t, err)
	require.NoError(t, rt.WithPlugin(bottlesplugin.New(testLogger())))
	require.NoError(t, rt.WithPlugin(statusplugin.New(testLogger())))

	api := httptest.NewServer(rt.Handler())
	t.Cleanup(api.Close)

	c, err := NewClient(&Config{Endpoint: api.URL, Logger: testLogger(), Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(&Config{})
	assert.ErrorIs(t, err, ErrMissingURL)
	_, err = NewClient(&Config{Endpoint: "ftp://example.com"})
	assert.Error(t, err)
}

func TestThrowAndPick(t *testing.T) {
	c := newTestAPI(t, true, config.RateLimiterConfig{})
	ctx := context.Background()

	_, err := c.Pick(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	receipt, err := c.Throw(ctx, "hello from the client")
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.ID)
	assert.NotZero(t, receipt.Timestamp)

	bottle, err := c.Pick(ctx)
	require.NoError(t, err)
	assert.Equal(t, receipt.ID, bottle.ID)
	assert.Equal(t, "hello from the client", bottle.Message)
	assert.Equal(t, receipt.Timestamp, bottle.Timestamp)
}

func TestThrowValidation(t *testing.T) {
	c := newTestAPI(t, true, config.RateLimiterConfig{})

	_, err := c.Throw(context.Background(), "   ")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "Invalid message", apiErr.Title)
}

func TestSeaUnavailable(t *testing.T) {
	c := newTestAPI(t, false, config.RateLimiterConfig{})

	_, err := c.Throw(context.Background(), "nobody is listening")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "DEGRADED", health.Status)
	assert.Equal(t, "unconfigured", health.Store)
	assert.False(t, health.Realtime)
}

func TestStatus(t *testing.T) {
	c := newTestAPI(t, true, config.RateLimiterConfig{})

	up, err := c.Uptime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "OK", up.Status)

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "OK", health.Status)
	assert.Equal(t, "ok", health.Store)
}

func TestRateLimited(t *testing.T) {
	c := newTestAPI(t, true, config.RateLimiterConfig{Limit: 0.01, Burst: 1})
	ctx := context.Background()

	_, err := c.Throw(ctx, "first")
	require.NoError(t, err)

	_, err = c.Throw(ctx, "second")
	var rl *ErrRateLimited
	require.True(t, errors.As(err, &rl))
	assert.Greater(t, rl.RetryAfter, time.Duration(0))
	assert.Equal(t, 1, rl.Burst)
}

func TestFollowsRedirects(t *testing.T) {
	target := newTestAPI(t, true, config.RateLimiterConfig{})
	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.baseURL.String()+r.URL.Path[1:], http.StatusTemporaryRedirect)
	}))
	t.Cleanup(front.Close)

	c, err := NewClient(&Config{Endpoint: front.URL, Logger: testLogger()})
	require.NoError(t, err)

	receipt, err := c.Throw(context.Background(), "redirected")
	require.NoError(t, err)
	bottle, err := c.Pick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, receipt.ID, bottle.ID)
}
