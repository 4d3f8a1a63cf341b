package runtime

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/InsulaLabs/drift/bottles"
	"github.com/InsulaLabs/drift/config"
	"github.com/InsulaLabs/drift/db/core"
	"github.com/InsulaLabs/drift/db/tkv"
	"github.com/InsulaLabs/drift/limiter"
	"github.com/InsulaLabs/drift/publisher"
	"github.com/InsulaLabs/drift/relay"
	"github.com/InsulaLabs/drift/store"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

const shutdownTimeout = 5 * time.Second

var ErrAlreadyStarted = errors.New("runtime already started")

// Runtime manages the execution of driftd: configuration, signals, the
// optional bundled store and relay, and the plugin API server.
type Runtime struct {
	appCtx    context.Context
	appCancel context.CancelFunc
	logger    *slog.Logger
	cfg       *config.Daemon

	currentLogLevel slog.Level

	mux     *http.ServeMux
	limits  *limiter.PerIP
	plugins map[string]Plugin

	storeClient *store.Client
	sea         *bottles.Sea
	pub         *publisher.Publisher

	mu        sync.Mutex
	startedAt time.Time
	servers   sync.WaitGroup
}

// New parses flags, loads the configuration and builds the runtime.
// It returns (nil, nil) after --new-cfg has written a config file.
func New(args []string, defaultConfigFile string) (*Runtime, error) {
	var configFile, genConfigFile string
	fs := flag.NewFlagSet("driftd", flag.ContinueOnError)
	fs.StringVar(&configFile, "config", defaultConfigFile, "Path to the daemon configuration file.")
	fs.StringVar(&genConfigFile, "new-cfg", "", "Generate a new configuration file to a given path.")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	bootLogger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "driftd")

	if genConfigFile != "" {
		if err := writeGeneratedConfig(genConfigFile); err != nil {
			return nil, err
		}
		bootLogger.Info("Successfully generated new configuration file", "path", genConfigFile)
		return nil, nil
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", configFile, err)
	}

	level := parseLevel(cfg.Logging.Level)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})).With("service", "driftd")

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("Received signal, initiating shutdown...", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	r, err := FromConfig(ctx, logger, cfg)
	if err != nil {
		cancel()
		return nil, err
	}
	// Stop releases the runtime context and the signal watcher.
	stopApp := r.appCancel
	r.appCancel = func() {
		stopApp()
		cancel()
	}
	r.currentLogLevel = level
	return r, nil
}

/*
FromConfig builds a runtime around an already loaded configuration. The
sea and the publisher are created here so plugins can use them from
Init; missing credentials leave them disabled rather than failing.
*/
func FromConfig(ctx context.Context, logger *slog.Logger, cfg *config.Daemon) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Runtime{
		appCtx:          ctx,
		appCancel:       cancel,
		logger:          logger,
		cfg:             cfg,
		currentLogLevel: parseLevel(cfg.Logging.Level),
		mux:             http.NewServeMux(),
		limits:          limiter.New(logger, nil, cfg.API.TrustedProxies),
		plugins:         make(map[string]Plugin),
	}

	if cfg.StoreConfigured() {
		client, err := store.New(store.Config{
			URL:        cfg.Store.URL,
			Token:      cfg.Store.Token,
			Timeout:    cfg.Store.Timeout,
			SkipVerify: cfg.Store.SkipVerify,
			Logger:     logger,
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create store client: %w", err)
		}
		r.storeClient = client

		r.sea, err = bottles.New(bottles.Config{
			Store:       client,
			Key:         cfg.Queue.Key,
			Capacity:    cfg.Queue.Capacity,
			TrimTimeout: cfg.Queue.TrimTimeout,
			Logger:      logger,
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create sea: %w", err)
		}
	} else {
		color.HiYellow("Store url or token missing: the sea is unavailable and bottle routes will answer 503")
		logger.Warn("Store not configured, sea disabled")
	}

	r.pub = publisher.New(publisher.Config{
		URL:     cfg.Relay.URL,
		AppID:   cfg.Relay.AppID,
		Key:     cfg.Relay.Key,
		Secret:  cfg.Relay.Secret,
		Timeout: cfg.Relay.Timeout,
		Logger:  logger,
	})
	if !r.pub.Enabled() {
		color.HiYellow("Relay credentials missing: realtime events are disabled")
	}

	return r, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "", "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	color.HiYellow("Unknown logging level: %s, defaulting to info", level)
	return slog.LevelInfo
}

func writeGeneratedConfig(path string) error {
	yamlData, err := yaml.Marshal(config.GenerateConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal generated config to YAML: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for config file %s: %w", path, err)
		}
	}
	if err := os.WriteFile(path, yamlData, 0644); err != nil {
		return fmt.Errorf("failed to write generated configuration to %s: %w", path, err)
	}
	return nil
}

// WithPlugin initialises p and mounts its routes under /<name>/.
func (r *Runtime) WithPlugin(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.startedAt.IsZero() {
		return ErrAlreadyStarted
	}

	name := p.GetName()
	if _, exists := r.plugins[name]; exists {
		return fmt.Errorf("plugin %s already mounted", name)
	}
	if err := p.Init(r); err != nil {
		r.logger.Error("Plugin failed to initialize", "plugin", name, "error", err)
		return err
	}

	for _, route := range p.GetRoutes() {
		path := "/" + name + "/" + strings.TrimPrefix(route.Path, "/")
		category := name + ":" + route.Path
		r.limits.Add(category, limiter.Rule{Limit: route.Limit, Burst: route.Burst})
		r.mux.Handle(path, r.limits.Middleware(route.Handler, category))
		r.logger.Info("Mounted plugin route", "plugin", name, "path", path, "limit", route.Limit, "burst", route.Burst)
	}
	r.plugins[name] = p
	return nil
}

// Handler is the API mux with every mounted plugin route.
func (r *Runtime) Handler() http.Handler {
	return r.mux
}

// Run starts the bundled services that are enabled, then serves the API
// until the runtime is stopped.
func (r *Runtime) Run() error {
	r.mu.Lock()
	if !r.startedAt.IsZero() {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.startedAt = time.Now()
	r.mu.Unlock()

	lists, err := r.startLocalStore()
	if err != nil {
		r.appCancel()
		return err
	}
	if err := r.startLocalRelay(); err != nil {
		r.appCancel()
		r.servers.Wait()
		closeLists(r.logger, lists)
		return err
	}

	srv := &http.Server{
		Addr:    r.cfg.API.Binding,
		Handler: r.mux,
	}
	go func() {
		<-r.appCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("API server shutdown error", "error", err)
		}
	}()

	tlsCfg := r.cfg.API.TLS
	r.logger.Info("Starting API server", "listen_addr", r.cfg.API.Binding, "tls_enabled", tlsCfg.Cert != "", "plugins", len(r.plugins))
	if tlsCfg.Cert != "" {
		srv.TLSConfig = &tls.Config{}
		err = srv.ListenAndServeTLS(tlsCfg.Cert, tlsCfg.Key)
	} else {
		err = srv.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		err = nil
	}
	if err != nil {
		r.logger.Error("API server error", "error", err)
	}

	r.appCancel()
	if r.sea != nil {
		r.sea.Close()
	}
	r.servers.Wait()
	closeLists(r.logger, lists)
	r.limits.Stop()
	r.logger.Info("Runtime has been shut down", "uptime", time.Since(r.startedAt).String())
	return err
}

func (r *Runtime) startLocalStore() (tkv.TKV, error) {
	local := r.cfg.Store.Local
	if !local.Enabled {
		return nil, nil
	}

	lists, err := tkv.New(tkv.Config{
		Logger:         r.logger,
		BadgerLogLevel: r.currentLogLevel,
		Directory:      local.Dir,
		InMemory:       local.InMemory,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open list store: %w", err)
	}

	kv, err := core.New(r.appCtx, r.logger, core.Options{
		Binding:        local.Binding,
		Token:          r.cfg.Store.Token,
		TLSCert:        local.TLS.Cert,
		TLSKey:         local.TLS.Key,
		TrustedProxies: r.cfg.API.TrustedProxies,
		RateLimit:      limiter.Rule{Limit: r.cfg.RateLimiters.Store.Limit, Burst: r.cfg.RateLimiters.Store.Burst},
	}, lists)
	if err != nil {
		closeLists(r.logger, lists)
		return nil, fmt.Errorf("failed to create kv server: %w", err)
	}

	r.servers.Add(1)
	go func() {
		defer r.servers.Done()
		kv.Run()
	}()
	return lists, nil
}

func (r *Runtime) startLocalRelay() error {
	local := r.cfg.Relay.Local
	if !local.Enabled {
		return nil
	}

	rl, err := relay.New(r.appCtx, r.logger, relay.Config{
		AppID:                    r.cfg.Relay.AppID,
		Key:                      r.cfg.Relay.Key,
		Secret:                   r.cfg.Relay.Secret,
		Binding:                  local.Binding,
		TLSCert:                  local.TLS.Cert,
		TLSKey:                   local.TLS.Key,
		MaxConnections:           local.Sessions.MaxConnections,
		MaxChannelsPerConnection: local.Sessions.MaxChannelsPerConnection,
		ActivityTimeout:          local.Sessions.ActivityTimeout,
		SendBufferSize:           local.Sessions.SendBufferSize,
		ReadBufferSize:           local.Sessions.WebSocketReadBufferSize,
		WriteBufferSize:          local.Sessions.WebSocketWriteBufferSize,
	})
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}

	r.servers.Add(1)
	go func() {
		defer r.servers.Done()
		rl.Run()
	}()
	return nil
}

func closeLists(logger *slog.Logger, lists tkv.TKV) {
	if lists == nil {
		return
	}
	if err := lists.Close(); err != nil {
		logger.Error("Failed to close list store", "error", err)
	}
}

// Stop gracefully shuts down the runtime by canceling its context.
func (r *Runtime) Stop() {
	r.logger.Info("Runtime stop requested.")
	r.appCancel()
}

// Wait blocks until the runtime context is cancelled.
func (r *Runtime) Wait() {
	<-r.appCtx.Done()
}

// Logger is the daemon logger, for plugins built by main.
func (r *Runtime) Logger() *slog.Logger {
	return r.logger
}

func (r *Runtime) GetConfig() *config.Daemon {
	return r.cfg
}
