package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/InsulaLabs/drift/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAppID  = "drift"
	testKey    = "app-key"
	testSecret = "app-secret"
)

func newTestRelay(t *testing.T, mutate func(*Config)) *httptest.Server {
	t.Helper()
	cfg := Config{AppID: testAppID, Key: testKey, Secret: testSecret}
	if mutate != nil {
		mutate(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r, err := New(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(r.Handler())
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, key string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/app/" + key
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	f := readFrame(t, conn)
	require.Equal(t, protocol.EventConnectionEstablished, f.Event)
	var est protocol.ConnectionEstablished
	require.NoError(t, json.Unmarshal(protocol.UnwrapData(f.Data), &est))
	require.NotEmpty(t, est.SocketID)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f protocol.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func subscribe(t *testing.T, conn *websocket.Conn, channel string) protocol.Frame {
	t.Helper()
	data, _ := json.Marshal(protocol.SubscribeData{Channel: channel})
	require.NoError(t, conn.WriteJSON(protocol.Frame{Event: protocol.EventSubscribe, Data: data}))
	return readFrame(t, conn)
}

func signedPost(t *testing.T, srv *httptest.Server, path string, secret string, v any) *http.Response {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	q := protocol.SignRequest(testKey, secret, http.MethodPost, path, body, time.Now())
	resp, err := http.Post(srv.URL+path+"?"+q.Encode(), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSubscribeAndReceive(t *testing.T) {
	srv := newTestRelay(t, nil)
	conn := dial(t, srv, testKey)

	f := subscribe(t, conn, "public-bottles")
	require.Equal(t, protocol.EventInternalSubscriptionSucceeded, f.Event)
	assert.Equal(t, "public-bottles", f.Channel)

	resp := signedPost(t, srv, "/apps/drift/events", testSecret, protocol.PublishRequest{
		Name:     "bottle-thrown",
		Channels: []string{"public-bottles"},
		Data:     `{"bottleId":"b1"}`,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f = readFrame(t, conn)
	assert.Equal(t, "bottle-thrown", f.Event)
	assert.Equal(t, "public-bottles", f.Channel)
	assert.JSONEq(t, `{"bottleId":"b1"}`, string(protocol.UnwrapData(f.Data)))
}

func TestBatchEvents(t *testing.T) {
	srv := newTestRelay(t, nil)
	conn := dial(t, srv, testKey)
	subscribe(t, conn, "public-a")

	resp := signedPost(t, srv, "/apps/drift/batch_events", testSecret, protocol.BatchRequest{
		Batch: []protocol.BatchEvent{
			{Channel: "public-b", Name: "skip", Data: `{}`},
			{Channel: "public-a", Name: "first", Data: `{"n":1}`},
			{Channel: "public-a", Name: "second", Data: `{"n":2}`},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "first", readFrame(t, conn).Event)
	assert.Equal(t, "second", readFrame(t, conn).Event)
}

func TestSubscriptionErrors(t *testing.T) {
	t.Run("invalid channel", func(t *testing.T) {
		srv := newTestRelay(t, nil)
		conn := dial(t, srv, testKey)
		f := subscribe(t, conn, "no spaces allowed")
		require.Equal(t, protocol.EventSubscriptionError, f.Event)

		var data protocol.SubscriptionErrorData
		require.NoError(t, json.Unmarshal(protocol.UnwrapData(f.Data), &data))
		assert.Equal(t, http.StatusBadRequest, data.Status)
	})

	t.Run("channel limit", func(t *testing.T) {
		srv := newTestRelay(t, func(c *Config) { c.MaxChannelsPerConnection = 1 })
		conn := dial(t, srv, testKey)
		require.Equal(t, protocol.EventInternalSubscriptionSucceeded, subscribe(t, conn, "public-one").Event)

		f := subscribe(t, conn, "public-two")
		require.Equal(t, protocol.EventSubscriptionError, f.Event)
		var data protocol.SubscriptionErrorData
		require.NoError(t, json.Unmarshal(protocol.UnwrapData(f.Data), &data))
		assert.Equal(t, http.StatusTooManyRequests, data.Status)
	})

	t.Run("unknown key", func(t *testing.T) {
		srv := newTestRelay(t, nil)
		conn := dial(t, srv, "not-the-key")
		f := subscribe(t, conn, "public-bottles")
		require.Equal(t, protocol.EventSubscriptionError, f.Event)
		var data protocol.SubscriptionErrorData
		require.NoError(t, json.Unmarshal(protocol.UnwrapData(f.Data), &data))
		assert.Equal(t, http.StatusUnauthorized, data.Status)
	})
}

func TestPingPong(t *testing.T) {
	srv := newTestRelay(t, nil)
	conn := dial(t, srv, testKey)
	require.NoError(t, conn.WriteJSON(protocol.Frame{Event: protocol.EventPing, Data: json.RawMessage(`{}`)}))
	assert.Equal(t, protocol.EventPong, readFrame(t, conn).Event)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	srv := newTestRelay(t, nil)
	conn := dial(t, srv, testKey)
	subscribe(t, conn, "public-a")
	subscribe(t, conn, "public-b")

	data, _ := json.Marshal(protocol.SubscribeData{Channel: "public-a"})
	require.NoError(t, conn.WriteJSON(protocol.Frame{Event: protocol.EventUnsubscribe, Data: data}))

	// Ping round trip orders the unsubscribe before the publish.
	require.NoError(t, conn.WriteJSON(protocol.Frame{Event: protocol.EventPing}))
	require.Equal(t, protocol.EventPong, readFrame(t, conn).Event)

	signedPost(t, srv, "/apps/drift/events", testSecret, protocol.PublishRequest{
		Name: "gone", Channels: []string{"public-a"}, Data: `{}`,
	})
	signedPost(t, srv, "/apps/drift/events", testSecret, protocol.PublishRequest{
		Name: "kept", Channels: []string{"public-b"}, Data: `{}`,
	})
	assert.Equal(t, "kept", readFrame(t, conn).Event)
}

func TestPublishRejections(t *testing.T) {
	srv := newTestRelay(t, nil)
	ok := protocol.PublishRequest{Name: "e", Channels: []string{"public-a"}, Data: `{}`}

	resp := signedPost(t, srv, "/apps/drift/events", "wrong-secret", ok)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = signedPost(t, srv, "/apps/other/events", testSecret, ok)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = signedPost(t, srv, "/apps/drift/events", testSecret,
		protocol.PublishRequest{Name: "e", Channels: []string{"bad name"}, Data: `{}`})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Post(srv.URL+"/apps/drift/events", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMaxConnections(t *testing.T) {
	srv := newTestRelay(t, func(c *Config) { c.MaxConnections = 1 })
	dial(t, srv, testKey)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/app/" + testKey
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
