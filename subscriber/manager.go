package subscriber

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/InsulaLabs/drift/protocol"
	"github.com/gorilla/websocket"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	handshakeTimeout  = 10 * time.Second
	writeWait         = 10 * time.Second

	// Slack on top of the relay's activity timeout before the socket is
	// considered dead. The relay pings well inside this window.
	readSlack = 60 * time.Second
)

var ErrNotConfigured = errors.New("realtime relay url and key are required")

type ConnectionState int

const (
	Initialized ConnectionState = iota
	Connecting
	Connected
	Unavailable
	Closed
)

func (s ConnectionState) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Unavailable:
		return "unavailable"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

type Config struct {
	URL        string // relay base url, http(s) or ws(s)
	Key        string
	SkipVerify bool
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

/*
Manager owns one relay connection shared by every subscription in the
process. The connection is dialled on the first Subscribe and kept alive
by a single reader goroutine, which is also the only place handlers run,
so events for a channel arrive in the order the relay sent them.
*/
type Manager struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	state    ConnectionState
	started  bool
	conn     *websocket.Conn
	connGen  uint64
	socketID string
	channels map[string]*Channel

	writeMu sync.Mutex
}

var (
	sharedMu sync.Mutex
	shared   *Manager
)

// Shared returns the process-wide manager. cfg is only used when the
// manager does not exist yet or the previous one was closed.
func Shared(cfg Config) *Manager {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil || shared.State() == Closed {
		shared = New(cfg)
	}
	return shared
}

func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.MinBackoff)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		logger:   cfg.Logger.WithGroup("subscriber"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    Initialized,
		channels: make(map[string]*Channel),
	}
	if !m.configured() {
		m.logger.Warn("Relay url or key missing, subscriptions will fail")
	}
	return m
}

func (m *Manager) configured() bool {
	return m.cfg.URL != "" && m.cfg.Key != ""
}

func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SocketID is the relay assigned id of the current connection, or "".
func (m *Manager) SocketID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.socketID
}

func (m *Manager) setState(s ConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Closed {
		return
	}
	if m.state != s {
		m.logger.Debug("Connection state changed", "from", m.state.String(), "to", s.String())
	}
	m.state = s
}

/*
Subscribe returns the channel for name, creating it and asking the relay
for it when it is not already live. Repeated calls with the same name
return the same *Channel until it is released.
*/
func (m *Manager) Subscribe(name string) *Channel {
	m.mu.Lock()
	if ch, ok := m.channels[name]; ok {
		m.mu.Unlock()
		return ch
	}

	ch := newChannel(m, name)
	if m.state == Closed || !m.configured() {
		msg := "subscription manager is closed"
		if !m.configured() {
			msg = ErrNotConfigured.Error()
		}
		ch.fail(&SubscriptionError{Message: msg})
		m.mu.Unlock()
		return ch
	}

	m.channels[name] = ch
	if !m.started {
		m.started = true
		go m.run()
	}
	if m.conn != nil {
		m.sendSubscribe(m.conn, m.connGen, ch)
	}
	m.mu.Unlock()
	return ch
}

// readopt puts a released channel back under management, or returns the
// channel that replaced it. It returns nil once the manager is closed.
func (m *Manager) readopt(ch *Channel) *Channel {
	m.mu.Lock()
	if live, ok := m.channels[ch.name]; ok {
		m.mu.Unlock()
		return live
	}
	if m.state == Closed {
		m.mu.Unlock()
		return nil
	}
	m.channels[ch.name] = ch
	ch.reset()
	if m.conn != nil {
		m.sendSubscribe(m.conn, m.connGen, ch)
	}
	m.mu.Unlock()
	return ch
}

// release forgets a channel whose last binding went away. A Bind that
// lands between the caller's Unbind and here keeps the channel alive.
func (m *Manager) release(ch *Channel) {
	m.mu.Lock()
	if m.channels[ch.name] != ch {
		m.mu.Unlock()
		return
	}
	ch.mu.Lock()
	if len(ch.bindings) > 0 {
		ch.mu.Unlock()
		m.mu.Unlock()
		return
	}
	ch.released = true
	ch.mu.Unlock()
	delete(m.channels, ch.name)
	if m.conn != nil {
		if err := m.writeFrame(m.conn, protocol.EventUnsubscribe, protocol.SubscribeData{Channel: ch.name}); err != nil {
			m.logger.Warn("Failed to send unsubscribe", "channel", ch.name, "error", err)
		}
	}
	m.mu.Unlock()
	m.logger.Debug("Channel released", "channel", ch.name)
}

// Close stops the reader, drops the connection and fails every channel.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return nil
	}
	m.state = Closed
	started := m.started
	conn := m.conn
	m.conn = nil
	orphaned := m.channels
	m.channels = make(map[string]*Channel)
	m.mu.Unlock()

	m.cancel()
	if conn != nil {
		m.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		conn.Close()
	}
	if started {
		<-m.done
	}

	// after the reader exits so no relay frame can race the failure
	closed := &SubscriptionError{Message: "subscription manager is closed"}
	data, _ := json.Marshal(protocol.SubscriptionErrorData{Type: "ClosedError", Error: closed.Message})
	for _, ch := range orphaned {
		ch.emit(protocol.EventSubscriptionPending, nil)
		ch.fail(closed)
		ch.emit(protocol.EventSubscriptionError, data)
	}
	m.logger.Info("Subscription manager closed", "channels", len(orphaned))
	return nil
}

func (m *Manager) run() {
	defer close(m.done)

	backoff := m.cfg.MinBackoff
	for {
		if m.ctx.Err() != nil {
			return
		}
		m.setState(Connecting)

		conn, err := m.dial()
		if err == nil {
			backoff = m.cfg.MinBackoff
			err = m.serve(conn)
		}
		if m.ctx.Err() != nil {
			return
		}

		m.setState(Unavailable)
		m.logger.Warn("Relay connection lost, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, m.cfg.MaxBackoff)
	}
}

func (m *Manager) socketURL() (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/app/" + url.PathEscape(m.cfg.Key)
	q := u.Query()
	q.Set("protocol", "7")
	q.Set("client", "drift-go")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *Manager) dial() (*websocket.Conn, error) {
	target, err := m.socketURL()
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: m.cfg.SkipVerify},
	}
	conn, resp, err := dialer.DialContext(m.ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay (status %s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return conn, nil
}

// serve owns conn until it fails. It returns the read error.
func (m *Manager) serve(conn *websocket.Conn) error {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var hello protocol.Frame
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	if hello.Event != protocol.EventConnectionEstablished {
		return fmt.Errorf("unexpected handshake event %q", hello.Event)
	}
	var est protocol.ConnectionEstablished
	if err := json.Unmarshal(protocol.UnwrapData(hello.Data), &est); err != nil {
		return fmt.Errorf("decode handshake: %w", err)
	}
	readTimeout := time.Duration(est.ActivityTimeout)*time.Second + readSlack

	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return context.Canceled
	}
	m.conn = conn
	m.connGen++
	gen := m.connGen
	m.socketID = est.SocketID
	m.state = Connected
	for _, ch := range m.channels {
		m.sendSubscribe(conn, gen, ch)
	}
	live := len(m.channels)
	m.mu.Unlock()

	m.logger.Info("Connected to relay", "socket_id", est.SocketID, "channels", live)
	defer func() {
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
			m.socketID = ""
		}
		waiting := make([]*Channel, 0, len(m.channels))
		for _, ch := range m.channels {
			ch.reset()
			waiting = append(waiting, ch)
		}
		m.mu.Unlock()

		for _, ch := range waiting {
			ch.emit(protocol.EventSubscriptionPending, nil)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		m.dispatch(frame)
	}
}

func (m *Manager) dispatch(frame protocol.Frame) {
	switch frame.Event {
	case protocol.EventPong:
		return
	case protocol.EventError:
		m.logger.Warn("Relay reported an error", "data", string(protocol.UnwrapData(frame.Data)))
		return
	}

	m.mu.Lock()
	ch, ok := m.channels[frame.Channel]
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("Frame for unknown channel dropped", "channel", frame.Channel, "event", frame.Event)
		return
	}

	data := protocol.UnwrapData(frame.Data)
	switch frame.Event {
	case protocol.EventInternalSubscriptionSucceeded:
		ch.succeed()
		ch.emit(protocol.EventSubscriptionSucceeded, data)
	case protocol.EventSubscriptionError:
		e := protocol.DecodeSubscriptionError(data)
		ch.fail(&SubscriptionError{Status: e.Status, Message: e.Error})
		m.logger.Warn("Subscription rejected", "channel", ch.name, "status", e.Status, "error", e.Error)
		ch.emit(protocol.EventSubscriptionError, data)
	default:
		ch.emit(frame.Event, data)
	}
}

// sendSubscribe sends at most one subscribe per channel per connection.
// Callers hold m.mu so subscribe and unsubscribe frames leave in the order
// the channel map changed.
func (m *Manager) sendSubscribe(conn *websocket.Conn, gen uint64, ch *Channel) {
	if !ch.markSent(gen) {
		return
	}
	if err := m.writeFrame(conn, protocol.EventSubscribe, protocol.SubscribeData{Channel: ch.name}); err != nil {
		m.logger.Warn("Failed to send subscribe", "channel", ch.name, "error", err)
	}
}

func (m *Manager) writeFrame(conn *websocket.Conn, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(protocol.Frame{Event: event, Data: data})
}
