package relay

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/InsulaLabs/drift/channels"
	"github.com/InsulaLabs/drift/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 4096                // Largest client frame, subscribe requests are tiny.
)

// One connected websocket and the channels it listens on. The channel set
// is guarded by the relay mutex.
type session struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	relay    *Relay
	knownKey bool
	channels map[string]struct{}
}

func (r *Relay) connectHandler(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	full := len(r.sessions) >= r.cfg.MaxConnections
	r.mu.RUnlock()
	if full {
		r.logger.Warn("Max connections reached, rejecting socket", "max", r.cfg.MaxConnections)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("Failed to upgrade websocket", "error", err)
		return
	}

	s := &session{
		id:       newSocketID(),
		conn:     conn,
		send:     make(chan []byte, r.cfg.SendBufferSize),
		relay:    r,
		knownKey: req.PathValue("key") == r.cfg.Key,
		channels: make(map[string]struct{}),
	}
	if !r.register(s) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
		conn.Close()
		return
	}
	if !s.knownKey {
		r.logger.Warn("Socket connected with unknown app key", "socket_id", s.id, "remote_addr", conn.RemoteAddr().String())
	}

	s.reply(protocol.EventConnectionEstablished, "", protocol.ConnectionEstablished{
		SocketID:        s.id,
		ActivityTimeout: int(r.cfg.ActivityTimeout / time.Second),
	})

	go s.writePump()
	go s.readPump()
}

// Socket ids follow the "<int>.<int>" shape pusher clients expect.
func newSocketID() string {
	u := uuid.New()
	return fmt.Sprintf("%d.%d", binary.BigEndian.Uint32(u[0:4]), binary.BigEndian.Uint32(u[4:8]))
}

// queue is a non-blocking send. It reports false when the buffer is full.
func (s *session) queue(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *session) reply(event, channel string, v any) {
	frame, err := protocol.NewFrame(event, channel, v)
	if err != nil {
		s.relay.logger.Error("Failed to encode frame", "event", event, "error", err)
		return
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		s.relay.logger.Error("Failed to encode frame", "event", event, "error", err)
		return
	}
	if !s.queue(raw) {
		s.relay.logger.Warn("Session send buffer full, reply dropped", "socket_id", s.id, "event", event)
	}
}

func (s *session) subscriptionError(channel string, status int, msg string) {
	s.reply(protocol.EventSubscriptionError, channel, protocol.SubscriptionErrorData{
		Type:   "SubscriptionError",
		Error:  msg,
		Status: status,
	})
}

func (s *session) handle(frame protocol.Frame) {
	switch frame.Event {
	case protocol.EventPing:
		s.reply(protocol.EventPong, "", struct{}{})

	case protocol.EventSubscribe:
		var data protocol.SubscribeData
		if err := json.Unmarshal(protocol.UnwrapData(frame.Data), &data); err != nil {
			s.subscriptionError("", http.StatusBadRequest, "malformed subscribe request")
			return
		}
		switch {
		case !s.knownKey:
			s.subscriptionError(data.Channel, http.StatusUnauthorized, "unknown app key")
		case !channels.Valid(data.Channel):
			s.subscriptionError(data.Channel, http.StatusBadRequest, "invalid channel name")
		default:
			if status := s.relay.subscribe(s, data.Channel); status != 0 {
				s.subscriptionError(data.Channel, status, "channel limit reached for this connection")
				return
			}
			s.relay.logger.Debug("Channel subscribed", "socket_id", s.id, "channel", data.Channel)
			s.reply(protocol.EventInternalSubscriptionSucceeded, data.Channel, struct{}{})
		}

	case protocol.EventUnsubscribe:
		var data protocol.SubscribeData
		if err := json.Unmarshal(protocol.UnwrapData(frame.Data), &data); err != nil {
			return
		}
		s.relay.unsubscribe(s, data.Channel)
		s.relay.logger.Debug("Channel unsubscribed", "socket_id", s.id, "channel", data.Channel)

	default:
		s.relay.logger.Debug("Ignoring client event", "socket_id", s.id, "event", frame.Event)
	}
}

func (s *session) readPump() {
	defer func() {
		s.relay.unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.relay.logger.Error("Websocket read error", "socket_id", s.id, "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame protocol.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.reply(protocol.EventError, "", protocol.ErrorData{Code: 4200, Message: "malformed frame"})
			continue
		}
		s.handle(frame)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.relay.logger.Error("Websocket write error", "socket_id", s.id, "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.relay.appCtx.Done():
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"))
			return
		}
	}
}
