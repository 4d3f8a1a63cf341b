package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/InsulaLabs/drift/channels"
	"github.com/InsulaLabs/drift/protocol"
)

const (
	maxPublishBytes     = 64 << 10
	maxChannelsPerEvent = 100
	maxEventsPerBatch   = 10
	maxEventNameLength  = 200
)

type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// authenticate reads the body and checks the app id and request signature.
// On failure the response has already been written.
func (r *Relay) authenticate(w http.ResponseWriter, req *http.Request) ([]byte, bool) {
	if req.PathValue("appId") != r.cfg.AppID {
		writeJSON(w, http.StatusNotFound, apiError{Error: "unknown app"})
		return nil, false
	}

	defer req.Body.Close()
	body, err := io.ReadAll(io.LimitReader(req.Body, maxPublishBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "could not read body"})
		return nil, false
	}
	if len(body) > maxPublishBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, apiError{Error: "request too large"})
		return nil, false
	}

	err = protocol.VerifyRequest(r.cfg.Key, r.cfg.Secret, req.Method, req.URL.Path, req.URL.Query(), body, r.now())
	if err != nil {
		r.logger.Warn("Rejected publish request", "path", req.URL.Path, "remote_addr", req.RemoteAddr, "error", err)
		status := http.StatusUnauthorized
		if errors.Is(err, protocol.ErrUnknownKey) {
			status = http.StatusForbidden
		}
		writeJSON(w, status, apiError{Error: err.Error()})
		return nil, false
	}
	return body, true
}

func validateEvent(name string, targets []string) error {
	if name == "" || len(name) > maxEventNameLength {
		return errors.New("event name is required and must be at most 200 bytes")
	}
	if len(targets) == 0 || len(targets) > maxChannelsPerEvent {
		return fmt.Errorf("between 1 and %d channels are required", maxChannelsPerEvent)
	}
	for _, ch := range targets {
		if !channels.Valid(ch) {
			return fmt.Errorf("invalid channel name %q", ch)
		}
	}
	return nil
}

func (r *Relay) publish(channel, name, data, excludeSocket string) error {
	frame, err := protocol.NewStringFrame(name, channel, data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	n := r.deliver(channel, raw, excludeSocket)
	r.logger.Debug("Event published", "channel", channel, "event", name, "delivered", n)
	return nil
}

func (r *Relay) eventsHandler(w http.ResponseWriter, req *http.Request) {
	body, ok := r.authenticate(w, req)
	if !ok {
		return
	}

	var p protocol.PublishRequest
	if err := json.Unmarshal(body, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid JSON body"})
		return
	}
	if err := validateEvent(p.Name, p.Channels); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}

	for _, ch := range p.Channels {
		if err := r.publish(ch, p.Name, p.Data, p.SocketID); err != nil {
			r.logger.Error("Failed to publish event", "channel", ch, "event", p.Name, "error", err)
			writeJSON(w, http.StatusInternalServerError, apiError{Error: "failed to publish"})
			return
		}
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (r *Relay) batchEventsHandler(w http.ResponseWriter, req *http.Request) {
	body, ok := r.authenticate(w, req)
	if !ok {
		return
	}

	var p protocol.BatchRequest
	if err := json.Unmarshal(body, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid JSON body"})
		return
	}
	if len(p.Batch) == 0 || len(p.Batch) > maxEventsPerBatch {
		writeJSON(w, http.StatusBadRequest, apiError{Error: fmt.Sprintf("between 1 and %d events are required", maxEventsPerBatch)})
		return
	}
	for _, ev := range p.Batch {
		if err := validateEvent(ev.Name, []string{ev.Channel}); err != nil {
			writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
			return
		}
	}

	for _, ev := range p.Batch {
		if err := r.publish(ev.Channel, ev.Name, ev.Data, ""); err != nil {
			r.logger.Error("Failed to publish batch event", "channel", ev.Channel, "event", ev.Name, "error", err)
			writeJSON(w, http.StatusInternalServerError, apiError{Error: "failed to publish"})
			return
		}
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
