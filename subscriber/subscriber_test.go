package subscriber

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/InsulaLabs/drift/protocol"
	"github.com/InsulaLabs/drift/publisher"
	"github.com/InsulaLabs/drift/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type harness struct {
	srv *httptest.Server
	pub *publisher.Publisher
	m   *Manager
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r, err := relay.New(ctx, quietLogger(), relay.Config{AppID: "drift", Key: "key", Secret: "secret"})
	require.NoError(t, err)
	srv := httptest.NewServer(r.Handler())

	m := New(Config{URL: srv.URL, Key: "key", MinBackoff: 10 * time.Millisecond, Logger: quietLogger()})
	t.Cleanup(func() {
		m.Close()
		cancel()
		srv.Close()
	})

	return &harness{
		srv: srv,
		pub: publisher.New(publisher.Config{URL: srv.URL, AppID: "drift", Key: "key", Secret: "secret", Logger: quietLogger()}),
		m:   m,
	}
}

func (h *harness) publish(t *testing.T, channel, event string, payload any) {
	t.Helper()
	require.NoError(t, h.pub.Publish(context.Background(), channel, event, payload))
}

func waitSubscribed(t *testing.T, ch *Channel) {
	t.Helper()
	require.Eventually(t, func() bool { return ch.State() == Subscribed }, waitFor, tick)
}

// recorder collects handler payloads in delivery order.
type recorder struct {
	mu   sync.Mutex
	got  []string
	wake chan struct{}
}

func newRecorder() *recorder {
	return &recorder{wake: make(chan struct{}, 64)}
}

func (r *recorder) handle(data json.RawMessage) {
	r.mu.Lock()
	r.got = append(r.got, string(data))
	r.mu.Unlock()
	r.wake <- struct{}{}
}

func (r *recorder) values() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func (r *recorder) waitN(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.values()) >= n }, waitFor, tick)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	a := h.m.Subscribe("public-bottles")
	b := h.m.Subscribe("public-bottles")
	assert.Same(t, a, b)
	assert.NotSame(t, a, h.m.Subscribe("public-other"))
}

func TestSucceededBeforeEvent(t *testing.T) {
	h := newHarness(t)
	ch := h.m.Subscribe("public-bottles")

	var (
		mu          sync.Mutex
		order       []string
		connected   = make(chan struct{})
		gotBottle   = make(chan json.RawMessage, 1)
		connectOnce sync.Once
	)
	ch.Bind(protocol.EventSubscriptionSucceeded, func(json.RawMessage) {
		mu.Lock()
		order = append(order, "succeeded")
		mu.Unlock()
		connectOnce.Do(func() { close(connected) })
	})
	ch.Bind("bottle-thrown", func(data json.RawMessage) {
		mu.Lock()
		order = append(order, "bottle-thrown")
		mu.Unlock()
		gotBottle <- data
	})

	select {
	case <-connected:
	case <-time.After(waitFor):
		t.Fatal("subscription never succeeded")
	}
	assert.Equal(t, Connected, h.m.State())
	assert.Equal(t, Subscribed, ch.State())
	assert.NoError(t, ch.Err())

	h.publish(t, "public-bottles", "bottle-thrown", map[string]string{"bottleId": "b1"})

	select {
	case data := <-gotBottle:
		assert.JSONEq(t, `{"bottleId":"b1"}`, string(data))
	case <-time.After(waitFor):
		t.Fatal("event never arrived")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"succeeded", "bottle-thrown"}, order)
}

func TestTwoBindingsThenUnbindOne(t *testing.T) {
	h := newHarness(t)
	ch := h.m.Subscribe("public-feed")

	first, second := newRecorder(), newRecorder()
	b1 := ch.Bind("update", first.handle)
	ch.Bind("update", second.handle)
	waitSubscribed(t, ch)

	h.publish(t, "public-feed", "update", map[string]int{"n": 1})
	first.waitN(t, 1)
	second.waitN(t, 1)

	ch.Unbind(b1)
	ch.Unbind(b1) // idempotent

	h.publish(t, "public-feed", "update", map[string]int{"n": 2})
	second.waitN(t, 2)
	assert.Len(t, first.values(), 1)
	assert.JSONEq(t, `{"n":2}`, second.values()[1])
	assert.Same(t, ch, h.m.Subscribe("public-feed"), "channel stays live while a binding remains")
}

func TestEventsArriveInOrder(t *testing.T) {
	h := newHarness(t)
	ch := h.m.Subscribe("public-seq")
	rec := newRecorder()
	ch.Bind("n", rec.handle)
	waitSubscribed(t, ch)

	for i := 0; i < 20; i++ {
		h.publish(t, "public-seq", "n", i)
	}
	rec.waitN(t, 20)
	for i, v := range rec.values() {
		assert.Equal(t, json.RawMessage(mustJSON(i)), json.RawMessage(v))
	}
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func TestLastUnbindReleasesChannel(t *testing.T) {
	h := newHarness(t)
	ch := h.m.Subscribe("public-temp")
	b := ch.Bind("x", func(json.RawMessage) {})
	waitSubscribed(t, ch)

	b.Unbind()
	fresh := h.m.Subscribe("public-temp")
	assert.NotSame(t, ch, fresh)
	waitSubscribed(t, fresh)
}

func TestUnbindFromInsideHandler(t *testing.T) {
	h := newHarness(t)
	ch := h.m.Subscribe("public-once")
	keep := ch.Bind("keep", func(json.RawMessage) {})
	defer keep.Unbind()

	fired := make(chan struct{}, 4)
	var self atomic.Pointer[Binding]
	self.Store(ch.Bind("tick", func(json.RawMessage) {
		ch.Unbind(self.Load())
		fired <- struct{}{}
	}))
	waitSubscribed(t, ch)

	h.publish(t, "public-once", "tick", 1)
	select {
	case <-fired:
	case <-time.After(waitFor):
		t.Fatal("handler never ran")
	}

	// a later event proves the reader is not stuck and the binding is gone
	rec := newRecorder()
	ch.Bind("tick", rec.handle)
	h.publish(t, "public-once", "tick", 2)
	rec.waitN(t, 1)
	assert.Len(t, fired, 0)
}

func TestSubscriptionErrorFailsChannel(t *testing.T) {
	h := newHarness(t)
	ch := h.m.Subscribe("not a valid name")

	errs := make(chan json.RawMessage, 1)
	ch.Bind(protocol.EventSubscriptionError, func(data json.RawMessage) { errs <- data })

	require.Eventually(t, func() bool { return ch.State() == Failed }, waitFor, tick)
	var subErr *SubscriptionError
	require.ErrorAs(t, ch.Err(), &subErr)
	assert.Equal(t, http.StatusBadRequest, subErr.Status)
}

func TestUnconfiguredManagerFailsChannels(t *testing.T) {
	m := New(Config{Logger: quietLogger()})
	defer m.Close()

	ch := m.Subscribe("public-bottles")
	assert.Equal(t, Failed, ch.State())
	assert.ErrorContains(t, ch.Err(), ErrNotConfigured.Error())
	assert.Equal(t, Initialized, m.State())
}

func TestCloseIsFinal(t *testing.T) {
	h := newHarness(t)
	ch := h.m.Subscribe("public-a")
	ch.Bind("e", func(json.RawMessage) {})
	waitSubscribed(t, ch)

	require.NoError(t, h.m.Close())
	require.NoError(t, h.m.Close())
	assert.Equal(t, Closed, h.m.State())
	assert.Equal(t, Failed, h.m.Subscribe("public-b").State())
}

func TestSharedReturnsSingleton(t *testing.T) {
	a := Shared(Config{Logger: quietLogger()})
	b := Shared(Config{URL: "http://ignored", Key: "ignored"})
	assert.Same(t, a, b)

	a.Close()
	c := Shared(Config{Logger: quietLogger()})
	assert.NotSame(t, a, c)
	c.Close()
}

func TestBindRacingLastUnbindStaysLive(t *testing.T) {
	h := newHarness(t)
	ch := h.m.Subscribe("public-churn")

	const workers = 8
	kept := make([]*Binding, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				ch.Bind("e", func(json.RawMessage) {}).Unbind()
			}
			kept[i] = ch.Bind("e", func(json.RawMessage) {})
		}()
	}
	wg.Wait()

	live := h.m.Subscribe("public-churn")
	for _, b := range kept {
		assert.Same(t, live, b.ch, "a held binding must sit on the managed channel")
	}
	waitSubscribed(t, live)

	// a stale success from the churn can arrive first, so retry until the
	// relay has processed the final subscribe
	got := make(chan json.RawMessage, 64)
	live.Bind("e", func(data json.RawMessage) { got <- data })
	require.Eventually(t, func() bool {
		h.publish(t, "public-churn", "e", 7)
		select {
		case data := <-got:
			return string(data) == "7"
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, waitFor, tick, "the relay still delivers to the surviving bindings")
}

func TestCloseFailsBoundChannels(t *testing.T) {
	h := newHarness(t)
	ch := h.m.Subscribe("public-a")
	errs := make(chan json.RawMessage, 1)
	ch.Bind(protocol.EventSubscriptionError, func(data json.RawMessage) { errs <- data })
	waitSubscribed(t, ch)

	require.NoError(t, h.m.Close())
	assert.Equal(t, Failed, ch.State())
	assert.ErrorContains(t, ch.Err(), "closed")
	select {
	case data := <-errs:
		assert.Contains(t, string(data), "closed")
	default:
		t.Fatal("no subscription error emitted on close")
	}
}

func TestConnectionDropEmitsPending(t *testing.T) {
	h := newHarness(t)
	ch := h.m.Subscribe("public-drop")
	pending := make(chan struct{}, 4)
	ch.Bind(protocol.EventSubscriptionPending, func(json.RawMessage) { pending <- struct{}{} })
	waitSubscribed(t, ch)

	h.m.mu.Lock()
	conn := h.m.conn
	h.m.mu.Unlock()
	require.NotNil(t, conn)
	conn.Close()

	select {
	case <-pending:
	case <-time.After(waitFor):
		t.Fatal("no pending event after the connection dropped")
	}
	waitSubscribed(t, ch)
}

func TestMalformedSubscriptionErrorKeepsText(t *testing.T) {
	m := New(Config{Logger: quietLogger()})
	defer m.Close()
	ch := newChannel(m, "public-x")
	m.channels[ch.name] = ch

	got := make(chan json.RawMessage, 2)
	ch.Bind(protocol.EventSubscriptionError, func(data json.RawMessage) { got <- data })

	frame, err := protocol.NewStringFrame(protocol.EventSubscriptionError, "public-x", "relay went away")
	require.NoError(t, err)
	m.dispatch(frame)

	assert.Equal(t, Failed, ch.State())
	var subErr *SubscriptionError
	require.ErrorAs(t, ch.Err(), &subErr)
	assert.Equal(t, "relay went away", subErr.Message)
	assert.Len(t, got, 1)
}
