package protocol

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"name":"bottle-thrown"}`)
	path := "/apps/drift/events"

	q := SignRequest("key", "secret", http.MethodPost, path, body, now)
	require.NoError(t, VerifyRequest("key", "secret", http.MethodPost, path, q, body, now))

	t.Run("wrong secret", func(t *testing.T) {
		err := VerifyRequest("key", "other", http.MethodPost, path, q, body, now)
		assert.ErrorIs(t, err, ErrBadSignature)
	})
	t.Run("wrong key", func(t *testing.T) {
		err := VerifyRequest("nope", "secret", http.MethodPost, path, q, body, now)
		assert.ErrorIs(t, err, ErrUnknownKey)
	})
	t.Run("tampered body", func(t *testing.T) {
		err := VerifyRequest("key", "secret", http.MethodPost, path, q, []byte(`{}`), now)
		assert.ErrorIs(t, err, ErrBodyMismatch)
	})
	t.Run("stale", func(t *testing.T) {
		err := VerifyRequest("key", "secret", http.MethodPost, path, q, body, now.Add(time.Hour))
		assert.ErrorIs(t, err, ErrStaleTimestamp)
	})
	t.Run("other path", func(t *testing.T) {
		err := VerifyRequest("key", "secret", http.MethodPost, "/apps/drift/batch_events", q, body, now)
		assert.ErrorIs(t, err, ErrBadSignature)
	})
	t.Run("unsigned", func(t *testing.T) {
		q2 := SignRequest("key", "secret", http.MethodPost, path, body, now)
		q2.Del("auth_signature")
		err := VerifyRequest("key", "secret", http.MethodPost, path, q2, body, now)
		assert.ErrorIs(t, err, ErrMissingSignature)
	})
}

func TestNewFrameEncodesDataAsString(t *testing.T) {
	f, err := NewFrame("bottle-thrown", "public-bottles", map[string]string{"bottleId": "b1"})
	require.NoError(t, err)

	var s string
	require.NoError(t, json.Unmarshal(f.Data, &s))
	assert.JSONEq(t, `{"bottleId":"b1"}`, s)
	assert.JSONEq(t, `{"bottleId":"b1"}`, string(UnwrapData(f.Data)))
}

func TestUnwrapData(t *testing.T) {
	assert.JSONEq(t, `{"a":1}`, string(UnwrapData(json.RawMessage(`{"a":1}`))))
	assert.JSONEq(t, `{"a":1}`, string(UnwrapData(json.RawMessage(`"{\"a\":1}"`))))
	assert.Equal(t, `"hello"`, string(UnwrapData(json.RawMessage(`"hello"`))))
	assert.Equal(t, `"\"hello\""`, string(UnwrapData(json.RawMessage(`"\"\\\"hello\\\"\""`))), "only one layer is removed")
	assert.Nil(t, []byte(UnwrapData(nil)))
}

func TestDecodeSubscriptionError(t *testing.T) {
	tests := []struct {
		name string
		data string
		want SubscriptionErrorData
	}{
		{"object", `{"type":"SubscriptionError","error":"invalid channel name","status":400}`,
			SubscriptionErrorData{Type: "SubscriptionError", Error: "invalid channel name", Status: 400}},
		{"string", `"relay went away"`, SubscriptionErrorData{Error: "relay went away"}},
		{"status only", `{"status":401}`, SubscriptionErrorData{Error: `{"status":401}`, Status: 401}},
		{"garbage", `not json`, SubscriptionErrorData{Error: "not json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeSubscriptionError(json.RawMessage(tt.data)))
		})
	}
}
