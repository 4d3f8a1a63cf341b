package protocol

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

const (
	AuthVersion = "1.0"

	// MaxClockSkew bounds how far auth_timestamp may drift from the relay clock.
	MaxClockSkew = 600 * time.Second
)

var (
	ErrMissingSignature = errors.New("missing auth signature")
	ErrUnknownKey       = errors.New("unknown app key")
	ErrBadSignature     = errors.New("invalid auth signature")
	ErrStaleTimestamp   = errors.New("auth timestamp outside permitted window")
	ErrBodyMismatch     = errors.New("body md5 does not match")
)

// SignRequest returns the query parameters that authenticate a request
// to the relay publish API.
func SignRequest(key, secret, method, path string, body []byte, now time.Time) url.Values {
	q := url.Values{}
	q.Set("auth_key", key)
	q.Set("auth_timestamp", strconv.FormatInt(now.Unix(), 10))
	q.Set("auth_version", AuthVersion)
	q.Set("body_md5", bodyMD5(body))
	q.Set("auth_signature", signature(secret, method, path, q))
	return q
}

// VerifyRequest checks a signed request against the expected key and secret.
func VerifyRequest(key, secret, method, path string, query url.Values, body []byte, now time.Time) error {
	sig := query.Get("auth_signature")
	if sig == "" {
		return ErrMissingSignature
	}
	if query.Get("auth_key") != key {
		return ErrUnknownKey
	}

	ts, err := strconv.ParseInt(query.Get("auth_timestamp"), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStaleTimestamp, err)
	}
	if d := now.Sub(time.Unix(ts, 0)); d > MaxClockSkew || d < -MaxClockSkew {
		return ErrStaleTimestamp
	}

	if query.Get("body_md5") != bodyMD5(body) {
		return ErrBodyMismatch
	}

	unsigned := url.Values{}
	for k, v := range query {
		if k == "auth_signature" {
			continue
		}
		unsigned[k] = v
	}
	expected := signature(secret, method, path, unsigned)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrBadSignature
	}
	return nil
}

func signature(secret, method, path string, q url.Values) string {
	// url.Values.Encode sorts by key which gives the canonical form.
	toSign := method + "\n" + path + "\n" + q.Encode()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(toSign))
	return hex.EncodeToString(mac.Sum(nil))
}

func bodyMD5(body []byte) string {
	sum := md5.Sum(body)
	return hex.EncodeToString(sum[:])
}
