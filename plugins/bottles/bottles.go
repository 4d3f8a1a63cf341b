package bottles

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/InsulaLabs/drift/bottles"
	"github.com/InsulaLabs/drift/channels"
	"github.com/InsulaLabs/drift/models"
	"github.com/InsulaLabs/drift/publisher"
	"github.com/InsulaLabs/drift/runtime"
)

const (
	EventBottleThrown = "bottle-thrown"

	maxBodySize  = 16 * 1024
	pickAttempts = 3

	defaultLimit = 5
	defaultBurst = 10
)

// Topic is the public channel that announces new bottles.
var Topic = channels.Public("bottles")

type BottlesPlugin struct {
	logger *slog.Logger
	prif   runtime.PluginRuntimeIF

	limit float64
	burst int
}

var _ runtime.Plugin = &BottlesPlugin{}

func New(logger *slog.Logger) *BottlesPlugin {
	return &BottlesPlugin{
		logger: logger.WithGroup("bottles"),
	}
}

func (p *BottlesPlugin) GetName() string {
	return "bottles"
}

func (p *BottlesPlugin) Init(prif runtime.PluginRuntimeIF) *runtime.PluginImplError {
	p.prif = prif
	p.limit, p.burst = defaultLimit, defaultBurst
	if cfg := prif.RT_GetConfig(); cfg != nil {
		p.limit = cfg.RateLimiters.Bottles.Limit
		p.burst = cfg.RateLimiters.Bottles.Burst
	}
	return nil
}

func (p *BottlesPlugin) GetRoutes() []runtime.PluginRoute {
	// Mounted under /bottles by the runtime.
	return []runtime.PluginRoute{
		{Path: "sea", Handler: http.HandlerFunc(p.seaHandler), Limit: p.limit, Burst: p.burst},
	}
}

// / -------- routes --------
func (p *BottlesPlugin) seaHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	switch r.Method {
	case http.MethodPost:
		p.throwHandler(w, r)
	case http.MethodGet:
		p.pickHandler(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", r.Method+" is not supported")
	}
}

func (p *BottlesPlugin) throwHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid message", "failed to read request body")
		return
	}
	if len(body) > maxBodySize {
		writeError(w, http.StatusBadRequest, "Invalid message", "request body too large")
		return
	}

	var req models.ThrowRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid message", "request body must be a JSON object with a message")
		return
	}

	bottle, err := p.prif.RT_Throw(r.Context(), req.Message)
	switch {
	case err == nil:
	case errors.Is(err, bottles.ErrValidation):
		writeError(w, http.StatusBadRequest, "Invalid message", err.Error())
		return
	case errors.Is(err, bottles.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "Sea unavailable", err.Error())
		return
	default:
		p.logger.Error("Failed to throw bottle", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to throw bottle", err.Error())
		return
	}

	p.announce(bottle)
	writeJSON(w, http.StatusOK, models.ThrowResponse{Success: true, Bottle: bottle.Receipt()})
}

// announce runs after the write is durable. Publish failures never reach
// the thrower.
func (p *BottlesPlugin) announce(bottle models.Bottle) {
	if !p.prif.RT_RealtimeEnabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	event := models.BottleThrownEvent{BottleID: bottle.ID, Timestamp: bottle.Timestamp}
	if err := p.prif.RT_Publish(ctx, Topic, EventBottleThrown, event, publisher.WithSilent()); err != nil {
		p.logger.Debug("bottle-thrown announce failed", "bottle_id", bottle.ID, "error", err)
	}
}

func (p *BottlesPlugin) pickHandler(w http.ResponseWriter, r *http.Request) {
	var (
		bottle models.Bottle
		err    error
	)
	for attempt := 0; attempt < pickAttempts; attempt++ {
		bottle, err = p.prif.RT_Pick(r.Context())
		if !bottles.IsRetryable(err) {
			break
		}
		p.logger.Debug("Retrying pick", "attempt", attempt+1, "error", err)
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, models.PickResponse{Success: true, Bottle: bottle})
	case errors.Is(err, bottles.ErrEmpty):
		writeError(w, http.StatusNotFound, "No bottles in the sea", "the sea is empty, throw one first")
	case errors.Is(err, bottles.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "Sea unavailable", err.Error())
	default:
		p.logger.Error("Failed to pick bottle", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to pick bottle", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, title, message string) {
	writeJSON(w, status, models.ErrorResponse{Error: title, Message: message})
}
