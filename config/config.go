package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvStoreURL    = "DRIFT_STORE_URL"
	EnvStoreToken  = "DRIFT_STORE_TOKEN"
	EnvRelayAppID  = "DRIFT_RELAY_APP_ID"
	EnvRelayKey    = "DRIFT_RELAY_KEY"
	EnvRelaySecret = "DRIFT_RELAY_SECRET"
)

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second, 0 disables the limiter
	Burst int     `yaml:"burst"`
}

type RateLimiters struct {
	Bottles RateLimiterConfig `yaml:"bottles"`
	Status  RateLimiterConfig `yaml:"status"`
	Store   RateLimiterConfig `yaml:"store"`
}

type Logging struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

type API struct {
	Binding        string   `yaml:"binding"`
	TLS            TLS      `yaml:"tls"`
	TrustedProxies []string `yaml:"trustedProxies"`
}

type Queue struct {
	Key         string        `yaml:"key"`
	Capacity    int64         `yaml:"capacity"`
	TrimTimeout time.Duration `yaml:"trimTimeout"`
}

// LocalStore runs the bundled kv server in-process.
type LocalStore struct {
	Enabled  bool   `yaml:"enabled"`
	Binding  string `yaml:"binding"`
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"inMemory"`
	TLS      TLS    `yaml:"tls"`
}

type Store struct {
	URL        string        `yaml:"url"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	SkipVerify bool          `yaml:"skipVerify"`
	Local      LocalStore    `yaml:"local"`
}

type SessionsConfig struct {
	SendBufferSize           int           `yaml:"sendBufferSize"`
	WebSocketReadBufferSize  int           `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int           `yaml:"webSocketWriteBufferSize"`
	MaxConnections           int           `yaml:"maxConnections"`
	MaxChannelsPerConnection int           `yaml:"maxChannelsPerConnection"`
	ActivityTimeout          time.Duration `yaml:"activityTimeout"`
}

// LocalRelay runs the bundled pub/sub relay in-process.
type LocalRelay struct {
	Enabled  bool           `yaml:"enabled"`
	Binding  string         `yaml:"binding"`
	TLS      TLS            `yaml:"tls"`
	Sessions SessionsConfig `yaml:"sessions"`
}

type Relay struct {
	URL     string        `yaml:"url"` // base url publishers and subscribers reach the relay on
	AppID   string        `yaml:"appId"`
	Key     string        `yaml:"key"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
	Local   LocalRelay    `yaml:"local"`
}

type Daemon struct {
	Logging      Logging      `yaml:"logging"`
	API          API          `yaml:"api"`
	Queue        Queue        `yaml:"queue"`
	Store        Store        `yaml:"store"`
	Relay        Relay        `yaml:"relay"`
	RateLimiters RateLimiters `yaml:"rateLimiters"`
}

var (
	ErrConfigFileUnreadable      = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable  = errors.New("config file is unmarshallable")
	ErrAPIBindingMissing         = errors.New("api.binding is missing in config")
	ErrTLSMissing                = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrQueueKeyMissing           = errors.New("queue.key is missing in config")
	ErrQueueCapacityInvalid      = errors.New("queue.capacity must be greater than zero")
	ErrLocalStoreBindingMissing  = errors.New("store.local.binding is required when the local store is enabled")
	ErrLocalStoreDirMissing      = errors.New("store.local.dir is required unless store.local.inMemory is set")
	ErrLocalStoreTokenMissing    = errors.New("store.token is required when the local store is enabled")
	ErrLocalRelayBindingMissing  = errors.New("relay.local.binding is required when the local relay is enabled")
	ErrLocalRelayCredsMissing    = errors.New("relay appId, key and secret are required when the local relay is enabled")
	ErrRateLimiterBurstInvalid   = errors.New("rateLimiters burst must be at least 1 when a limit is set")
	ErrSessionsMaxConnsInvalid   = errors.New("relay.local.sessions.maxConnections must not be negative")
	ErrSessionsSendBufferInvalid = errors.New("relay.local.sessions.sendBufferSize must not be negative")
)

func LoadConfig(configFile string) (*Daemon, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Daemon
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv lets secrets come from the environment instead of the file.
// Non-empty variables win over file values.
func (cfg *Daemon) ApplyEnv(getenv func(string) string) {
	override := func(dst *string, name string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	override(&cfg.Store.URL, EnvStoreURL)
	override(&cfg.Store.Token, EnvStoreToken)
	override(&cfg.Relay.AppID, EnvRelayAppID)
	override(&cfg.Relay.Key, EnvRelayKey)
	override(&cfg.Relay.Secret, EnvRelaySecret)
}

/*
Validate rejects configurations the daemon cannot start with. Missing
store or relay credentials are allowed: the daemon runs with the sea or
the realtime events switched off and says so at startup.
*/
func (cfg *Daemon) Validate() error {
	if cfg.API.Binding == "" {
		return ErrAPIBindingMissing
	}
	for _, tls := range []TLS{cfg.API.TLS, cfg.Store.Local.TLS, cfg.Relay.Local.TLS} {
		if (tls.Cert == "") != (tls.Key == "") {
			return ErrTLSMissing
		}
	}

	if cfg.Queue.Key == "" {
		return ErrQueueKeyMissing
	}
	if cfg.Queue.Capacity <= 0 {
		return ErrQueueCapacityInvalid
	}

	if cfg.Store.Local.Enabled {
		if cfg.Store.Local.Binding == "" {
			return ErrLocalStoreBindingMissing
		}
		if cfg.Store.Local.Dir == "" && !cfg.Store.Local.InMemory {
			return ErrLocalStoreDirMissing
		}
		if cfg.Store.Token == "" {
			return ErrLocalStoreTokenMissing
		}
	}

	if cfg.Relay.Local.Enabled {
		if cfg.Relay.Local.Binding == "" {
			return ErrLocalRelayBindingMissing
		}
		if cfg.Relay.AppID == "" || cfg.Relay.Key == "" || cfg.Relay.Secret == "" {
			return ErrLocalRelayCredsMissing
		}
		if cfg.Relay.Local.Sessions.MaxConnections < 0 {
			return ErrSessionsMaxConnsInvalid
		}
		if cfg.Relay.Local.Sessions.SendBufferSize < 0 {
			return ErrSessionsSendBufferInvalid
		}
	}

	for _, rl := range []RateLimiterConfig{cfg.RateLimiters.Bottles, cfg.RateLimiters.Status, cfg.RateLimiters.Store} {
		if rl.Limit > 0 && rl.Burst < 1 {
			return ErrRateLimiterBurstInvalid
		}
	}
	return nil
}

// StoreConfigured reports whether the sea has a reachable store.
func (cfg *Daemon) StoreConfigured() bool {
	return cfg.Store.URL != "" && cfg.Store.Token != ""
}

// RelayConfigured reports whether realtime events can be published.
func (cfg *Daemon) RelayConfigured() bool {
	return cfg.Relay.URL != "" && cfg.Relay.AppID != "" && cfg.Relay.Key != "" && cfg.Relay.Secret != ""
}

// GenerateConfig returns a single host setup that runs the bundled store
// and relay next to the API.
func GenerateConfig() *Daemon {
	return &Daemon{
		Logging: Logging{Level: "info"},
		API: API{
			Binding: "127.0.0.1:8080",
		},
		Queue: Queue{
			Key:         "drift:sea",
			Capacity:    100,
			TrimTimeout: 5 * time.Second,
		},
		Store: Store{
			URL:     "http://127.0.0.1:8081",
			Token:   "please_change_this_store_token_!!!",
			Timeout: 10 * time.Second,
			Local: LocalStore{
				Enabled: true,
				Binding: "127.0.0.1:8081",
				Dir:     "data/drift",
			},
		},
		Relay: Relay{
			URL:     "http://127.0.0.1:6001",
			AppID:   "drift",
			Key:     "please_change_this_app_key",
			Secret:  "please_change_this_app_secret_!!!",
			Timeout: 5 * time.Second,
			Local: LocalRelay{
				Enabled: true,
				Binding: "127.0.0.1:6001",
				Sessions: SessionsConfig{
					SendBufferSize:           256,
					WebSocketReadBufferSize:  4096,
					WebSocketWriteBufferSize: 4096,
					MaxConnections:           1000,
					MaxChannelsPerConnection: 100,
					ActivityTimeout:          120 * time.Second,
				},
			},
		},
		RateLimiters: RateLimiters{
			Bottles: RateLimiterConfig{Limit: 5, Burst: 10},
			Status:  RateLimiterConfig{Limit: 10, Burst: 20},
			Store:   RateLimiterConfig{Limit: 200, Burst: 400},
		},
	}
}
