package protocol

import (
	"encoding/json"
)

// Frame is a single message exchanged over a relay websocket.
// Server to client frames carry Data as a JSON encoded string, client
// to server frames carry Data as a plain JSON object.
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

const (
	EventConnectionEstablished = "pusher:connection_established"
	EventError                 = "pusher:error"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventSubscribe             = "pusher:subscribe"
	EventUnsubscribe           = "pusher:unsubscribe"

	// Sent by the relay once a subscribe handshake completes. Clients
	// re-emit it locally as EventSubscriptionSucceeded.
	EventInternalSubscriptionSucceeded = "pusher_internal:subscription_succeeded"

	// Local lifecycle events observable through channel bindings.
	EventSubscriptionSucceeded = "pusher:subscription_succeeded"
	EventSubscriptionError     = "pusher:subscription_error"

	// Emitted locally when the connection drops and the channel waits
	// for the next connection to resubscribe it. Never sent on the wire.
	EventSubscriptionPending = "drift:subscription_pending"
)

type ConnectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

type SubscribeData struct {
	Channel string `json:"channel"`
}

type SubscriptionErrorData struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Status int    `json:"status"`
}

/*
DecodeSubscriptionError reads a subscription_error payload. Payloads that
are not the expected object keep their text as the error message, a JSON
string contributing its contents.
*/
func DecodeSubscriptionError(data json.RawMessage) SubscriptionErrorData {
	var d SubscriptionErrorData
	if err := json.Unmarshal(data, &d); err == nil && d.Error != "" {
		return d
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return SubscriptionErrorData{Status: d.Status, Error: text}
	}
	return SubscriptionErrorData{Status: d.Status, Error: string(data)}
}

type ErrorData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// PublishRequest is the body of POST /apps/{appId}/events.
type PublishRequest struct {
	Name     string   `json:"name"`
	Channels []string `json:"channels"`
	Data     string   `json:"data"`
	SocketID string   `json:"socket_id,omitempty"`
}

type BatchEvent struct {
	Channel string `json:"channel"`
	Name    string `json:"name"`
	Data    string `json:"data"`
}

// BatchRequest is the body of POST /apps/{appId}/batch_events.
type BatchRequest struct {
	Batch []BatchEvent `json:"batch"`
}

// NewFrame builds a server frame whose data is the string encoding of v.
func NewFrame(event, channel string, v any) (Frame, error) {
	inner, err := json.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return NewStringFrame(event, channel, string(inner))
}

// NewStringFrame builds a server frame carrying an already encoded payload.
func NewStringFrame(event, channel, data string) (Frame, error) {
	outer, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Channel: channel, Data: outer}, nil
}

/*
UnwrapData strips one layer of string encoding from a frame payload.

If raw is a JSON string whose contents are themselves valid JSON the
contents are returned, otherwise raw is returned untouched. A string that
does not hold JSON is a legitimate payload and is kept as a JSON string.
*/
func UnwrapData(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || raw[0] != '"' {
		return raw
	}
	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return raw
	}
	if !json.Valid([]byte(inner)) {
		return raw
	}
	return json.RawMessage(inner)
}
