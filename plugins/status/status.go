package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/InsulaLabs/drift/bottles"
	"github.com/InsulaLabs/drift/models"
	"github.com/InsulaLabs/drift/runtime"
)

const pingTimeout = 2 * time.Second

type StatusPlugin struct {
	logger *slog.Logger
	prif   runtime.PluginRuntimeIF

	startedAt time.Time
	limit     float64
	burst     int
}

var _ runtime.Plugin = &StatusPlugin{}

func New(logger *slog.Logger) *StatusPlugin {
	return &StatusPlugin{
		logger: logger.WithGroup("status"),
	}
}

func (p *StatusPlugin) GetName() string {
	return "status"
}

func (p *StatusPlugin) Init(prif runtime.PluginRuntimeIF) *runtime.PluginImplError {
	p.prif = prif
	p.startedAt = time.Now()
	p.limit, p.burst = 10, 10
	if cfg := prif.RT_GetConfig(); cfg != nil {
		p.limit = cfg.RateLimiters.Status.Limit
		p.burst = cfg.RateLimiters.Status.Burst
	}
	return nil
}

func (p *StatusPlugin) GetRoutes() []runtime.PluginRoute {
	/*
		Paths are relative, the runtime mounts them under /status.
	*/
	return []runtime.PluginRoute{
		{Path: "uptime", Handler: http.HandlerFunc(p.uptimeHandler), Limit: p.limit, Burst: p.burst},
		{Path: "health", Handler: http.HandlerFunc(p.healthHandler), Limit: p.limit, Burst: p.burst},
	}
}

// / -------- routes --------
func (p *StatusPlugin) uptimeHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.UptimeResponse{
		Status:    "OK",
		StartedAt: p.startedAt.Format(time.RFC3339),
		Uptime:    time.Since(p.startedAt).String(),
	})
}

func (p *StatusPlugin) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	resp := models.HealthResponse{
		Status:   "OK",
		Store:    "ok",
		Realtime: p.prif.RT_RealtimeEnabled(),
	}
	code := http.StatusOK

	err := p.prif.RT_PingStore(ctx)
	switch {
	case err == nil:
	case errors.Is(err, bottles.ErrNotConfigured):
		resp.Status = "DEGRADED"
		resp.Store = "unconfigured"
	default:
		p.logger.Warn("Store ping failed", "error", err)
		resp.Status = "DEGRADED"
		resp.Store = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
