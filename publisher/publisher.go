package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/InsulaLabs/drift/protocol"
)

const defaultTimeout = 5 * time.Second

const (
	EnvURL    = "DRIFT_RELAY_URL"
	EnvAppID  = "DRIFT_RELAY_APP_ID"
	EnvKey    = "DRIFT_RELAY_KEY"
	EnvSecret = "DRIFT_RELAY_SECRET"
)

// TransportError is returned when an event could not be handed to the
// relay. StatusCode is 0 when no response was received.
type TransportError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("publish failed: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("publish failed (status %d): %s", e.StatusCode, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type Config struct {
	URL    string // relay base url, e.g. http://localhost:6001
	AppID  string
	Key    string
	Secret string

	Timeout time.Duration
	Logger  *slog.Logger
}

type Publisher struct {
	cfg        Config
	enabled    bool
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*publishOptions)

type publishOptions struct {
	silent   bool
	socketID string
}

// WithSilent logs failures at warn level instead of returning them.
func WithSilent() Option {
	return func(o *publishOptions) { o.silent = true }
}

// WithExcludeSocket skips delivery to the socket that caused the event.
func WithExcludeSocket(socketID string) Option {
	return func(o *publishOptions) { o.socketID = socketID }
}

// Item is one entry of a PublishBatch call.
type Item struct {
	Channel string
	Event   string
	Payload any
}

/*
New never fails. A publisher missing any credential is built disabled:
it warns once here and every Publish afterwards is a silent no-op, so a
service without realtime configured keeps working.
*/
func New(cfg Config) *Publisher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	p := &Publisher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger.WithGroup("publisher"),
		now:        time.Now,
	}

	var missing []string
	for name, v := range map[string]string{"url": cfg.URL, "app_id": cfg.AppID, "key": cfg.Key, "secret": cfg.Secret} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		p.logger.Warn("Relay credentials missing, realtime events are disabled", "missing", missing)
		return p
	}
	p.enabled = true
	return p
}

var (
	defaultOnce sync.Once
	defaultPub  *Publisher
)

// Default returns the process-wide publisher, built from the environment
// on first use.
func Default() *Publisher {
	defaultOnce.Do(func() {
		defaultPub = New(Config{
			URL:    os.Getenv(EnvURL),
			AppID:  os.Getenv(EnvAppID),
			Key:    os.Getenv(EnvKey),
			Secret: os.Getenv(EnvSecret),
		})
	})
	return defaultPub
}

func (p *Publisher) Enabled() bool {
	return p.enabled
}

// Publish sends one event to one channel. The payload is JSON encoded and
// carried as a string inside the relay envelope.
func (p *Publisher) Publish(ctx context.Context, channel, event string, payload any, opts ...Option) error {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !p.enabled {
		return nil
	}

	err := p.send(ctx, channel, event, payload, o.socketID)
	if err != nil && o.silent {
		p.logger.Warn("Failed to publish event", "channel", channel, "event", event, "error", err)
		return nil
	}
	return err
}

// PublishBatch sends every item concurrently and waits for all of them.
// Failures are logged per item.
func (p *Publisher) PublishBatch(ctx context.Context, items []Item) {
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		go func(item Item) {
			defer wg.Done()
			p.Publish(ctx, item.Channel, item.Event, item.Payload, WithSilent())
		}(item)
	}
	wg.Wait()
}

func (p *Publisher) send(ctx context.Context, channel, event string, payload any, socketID string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return &TransportError{Message: "payload is not JSON serialisable", Err: err}
	}
	body, err := json.Marshal(protocol.PublishRequest{
		Name:     event,
		Channels: []string{channel},
		Data:     string(data),
		SocketID: socketID,
	})
	if err != nil {
		return &TransportError{Message: "could not encode request", Err: err}
	}

	path := "/apps/" + p.cfg.AppID + "/events"
	q := protocol.SignRequest(p.cfg.Key, p.cfg.Secret, http.MethodPost, path, body, p.now())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL+path+"?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return &TransportError{Message: "could not build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &TransportError{Message: "relay unreachable", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &TransportError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	p.logger.Debug("Event published", "channel", channel, "event", event)
	return nil
}
