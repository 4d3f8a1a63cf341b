package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultMaxConnections    = 1000
	defaultChannelsPerSocket = 100
	defaultActivityTimeout   = 120 * time.Second
	defaultSendBufferSize    = 256
	shutdownTimeout          = 5 * time.Second
)

type Config struct {
	AppID  string
	Key    string
	Secret string

	Binding string
	TLSCert string
	TLSKey  string

	MaxConnections           int
	MaxChannelsPerConnection int
	ActivityTimeout          time.Duration
	SendBufferSize           int
	ReadBufferSize           int
	WriteBufferSize          int
}

/*
Relay is a small pusher compatible fan-out hub. Clients hold a websocket
on /app/{key} and subscribe to channels, publishers POST signed events to
/apps/{appId}/events and every subscribed socket gets a copy. Delivery is
best effort: a socket whose send buffer is full misses the frame.
*/
type Relay struct {
	appCtx   context.Context
	logger   *slog.Logger
	cfg      Config
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[*session]struct{}
	channels map[string]map[*session]struct{}
}

func New(ctx context.Context, logger *slog.Logger, cfg Config) (*Relay, error) {
	if cfg.AppID == "" || cfg.Key == "" || cfg.Secret == "" {
		return nil, errors.New("relay requires an app id, key and secret")
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.MaxChannelsPerConnection <= 0 {
		cfg.MaxChannelsPerConnection = defaultChannelsPerSocket
	}
	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = defaultActivityTimeout
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaultSendBufferSize
	}

	r := &Relay{
		appCtx: ctx,
		logger: logger.WithGroup("relay"),
		cfg:    cfg,
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			// Browsers connect from arbitrary origins, the app key gates use.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now:      time.Now,
		sessions: make(map[*session]struct{}),
		channels: make(map[string]map[*session]struct{}),
	}

	r.mux.HandleFunc("GET /app/{key}", r.connectHandler)
	r.mux.HandleFunc("POST /apps/{appId}/events", r.eventsHandler)
	r.mux.HandleFunc("POST /apps/{appId}/batch_events", r.batchEventsHandler)
	return r, nil
}

func (r *Relay) Handler() http.Handler {
	return r.mux
}

// Run serves on the configured binding until the app context ends.
func (r *Relay) Run() {
	srv := &http.Server{
		Addr:    r.cfg.Binding,
		Handler: r.mux,
	}

	go func() {
		<-r.appCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("Relay shutdown error", "error", err)
		}
	}()

	tlsEnabled := r.cfg.TLSCert != "" && r.cfg.TLSKey != ""
	r.logger.Info("Starting relay", "listen_addr", r.cfg.Binding, "app_id", r.cfg.AppID, "tls_enabled", tlsEnabled)

	var err error
	if tlsEnabled {
		srv.TLSConfig = &tls.Config{}
		err = srv.ListenAndServeTLS(r.cfg.TLSCert, r.cfg.TLSKey)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		r.logger.Error("Relay server error", "error", err)
	}

	// Hijacked websockets are not tracked by Shutdown.
	r.mu.RLock()
	for s := range r.sessions {
		s.conn.Close()
	}
	r.mu.RUnlock()
	r.logger.Info("Relay stopped")
}

// Stats reports the number of open sockets and occupied channels.
func (r *Relay) Stats() (connections int, channels int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), len(r.channels)
}

func (r *Relay) register(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) >= r.cfg.MaxConnections {
		return false
	}
	r.sessions[s] = struct{}{}
	r.logger.Info("Session registered", "socket_id", s.id, "connections", len(r.sessions))
	return true
}

func (r *Relay) unregister(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s]; !ok {
		return
	}
	for name := range s.channels {
		r.removeFromChannel(name, s)
	}
	delete(r.sessions, s)
	close(s.send)
	r.logger.Info("Session unregistered", "socket_id", s.id, "connections", len(r.sessions))
}

// subscribe must be called without r.mu held. It returns the status code
// of the failure, or 0.
func (r *Relay) subscribe(s *session, name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := s.channels[name]; ok {
		return 0
	}
	if len(s.channels) >= r.cfg.MaxChannelsPerConnection {
		return http.StatusTooManyRequests
	}
	s.channels[name] = struct{}{}
	if _, ok := r.channels[name]; !ok {
		r.channels[name] = make(map[*session]struct{})
	}
	r.channels[name][s] = struct{}{}
	return 0
}

func (r *Relay) unsubscribe(s *session, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeFromChannel(name, s)
}

// removeFromChannel expects r.mu to be held for writing.
func (r *Relay) removeFromChannel(name string, s *session) {
	delete(s.channels, name)
	members, ok := r.channels[name]
	if !ok {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(r.channels, name)
	}
}

// deliver queues a frame on every session subscribed to channel except
// the one whose id equals excludeSocket. It returns how many sessions
// accepted the frame.
func (r *Relay) deliver(channel string, frame []byte, excludeSocket string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for s := range r.channels[channel] {
		if excludeSocket != "" && s.id == excludeSocket {
			continue
		}
		if s.queue(frame) {
			delivered++
		} else {
			r.logger.Warn("Session send buffer full, frame dropped", "socket_id", s.id, "channel", channel)
		}
	}
	return delivered
}
