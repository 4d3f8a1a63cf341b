package core

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/InsulaLabs/drift/db/tkv"
	"github.com/InsulaLabs/drift/limiter"
	"github.com/InsulaLabs/drift/models"
)

const (
	// Largest command body accepted. A bottle entry is at most a few KB.
	maxCommandBytes = 64 << 10

	shutdownTimeout = 5 * time.Second

	rateCategory = "commands"
)

type Options struct {
	Binding        string
	Token          string
	TLSCert        string
	TLSKey         string
	TrustedProxies []string
	RateLimit      limiter.Rule
}

/*
Core serves the list command protocol over HTTP. A request is a JSON
array naming the command and its arguments, for example
["LPUSH", "sea", "{...}"], and the reply is {"result": ...} or
{"error": "..."}.
*/
type Core struct {
	appCtx  context.Context
	logger  *slog.Logger
	opts    Options
	store   tkv.TKV
	mux     *http.ServeMux
	limits  *limiter.PerIP
	started time.Time
}

func New(ctx context.Context, logger *slog.Logger, opts Options, store tkv.TKV) (*Core, error) {
	if store == nil {
		return nil, errors.New("core requires a list store")
	}
	if opts.Token == "" {
		return nil, errors.New("core requires a bearer token")
	}

	logger = logger.WithGroup("core")
	c := &Core{
		appCtx: ctx,
		logger: logger,
		opts:   opts,
		store:  store,
		mux:    http.NewServeMux(),
		limits: limiter.New(logger, map[string]limiter.Rule{rateCategory: opts.RateLimit}, opts.TrustedProxies),
	}
	c.mux.Handle("/", c.limits.Middleware(http.HandlerFunc(c.commandHandler), rateCategory))
	return c, nil
}

// Handler exposes the routed mux, mainly for httptest servers.
func (c *Core) Handler() http.Handler {
	return c.mux
}

// Run blocks serving on the configured binding until the app context ends.
func (c *Core) Run() {
	srv := &http.Server{
		Addr:    c.opts.Binding,
		Handler: c.mux,
	}

	go func() {
		<-c.appCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("Server shutdown error", "error", err)
		}
	}()

	c.started = time.Now()
	tlsEnabled := c.opts.TLSCert != "" && c.opts.TLSKey != ""
	c.logger.Info("Starting kv command server", "listen_addr", c.opts.Binding, "tls_enabled", tlsEnabled)

	var err error
	if tlsEnabled {
		srv.TLSConfig = &tls.Config{}
		err = srv.ListenAndServeTLS(c.opts.TLSCert, c.opts.TLSKey)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		c.logger.Error("kv command server error", "error", err)
	}

	c.limits.Stop()
	c.logger.Info("kv command server stopped", "uptime", time.Since(c.started).String())
}

func (c *Core) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(c.opts.Token)) == 1
}

func writeResult(w http.ResponseWriter, status int, res models.CommandResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(res)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeResult(w, status, models.CommandResult{Error: msg})
}
