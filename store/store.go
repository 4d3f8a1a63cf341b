package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/InsulaLabs/drift/models"
	"github.com/pkg/errors"
)

const defaultTimeout = 10 * time.Second

var ErrNotConfigured = errors.New("kv store url and token are required")

// ErrServer is returned when the store answers with an error reply or a
// non-2xx status.
type ErrServer struct {
	Status  int
	Message string
}

func (e *ErrServer) Error() string {
	return fmt.Sprintf("kv store error (status %d): %s", e.Status, e.Message)
}

type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("kv store rate limited, retry after %s", e.RetryAfter)
}

type Config struct {
	URL        string
	Token      string
	Timeout    time.Duration
	SkipVerify bool
	Logger     *slog.Logger
}

// Client speaks the REST command protocol of an Upstash compatible store.
type Client struct {
	url        string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" || cfg.Token == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	logger := cfg.Logger.WithGroup("kv_client")
	if cfg.SkipVerify {
		logger.Warn("TLS verification is skipped for the kv store")
	}

	return &Client{
		url:   cfg.URL,
		token: cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.SkipVerify},
			},
		},
		logger: logger,
	}, nil
}

func (c *Client) do(ctx context.Context, target any, args ...any) error {
	body, err := json.Marshal(args)
	if err != nil {
		return errors.Wrap(err, "encode command")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	c.logger.Debug("Sending command", "command", args[0])

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "kv command %v", args[0])
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retry, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		c.logger.Warn("kv store rate limited", "command", args[0], "retry_after", retry)
		return &ErrRateLimited{RetryAfter: time.Duration(retry) * time.Second}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read reply")
	}

	var res models.CommandResult
	if err := json.Unmarshal(raw, &res); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &ErrServer{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return errors.Wrap(err, "decode reply")
	}
	if res.Error != "" || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := res.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		c.logger.Warn("kv store returned an error", "command", args[0], "status", resp.StatusCode, "error", msg)
		return &ErrServer{Status: resp.StatusCode, Message: msg}
	}

	if target == nil {
		return nil
	}
	if len(res.Result) == 0 {
		return &ErrServer{Status: resp.StatusCode, Message: "reply has no result"}
	}
	return errors.Wrap(json.Unmarshal(res.Result, target), "decode result")
}

// LPush prepends values to the list at key and returns the new length.
func (c *Client) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	args := make([]any, 0, len(values)+2)
	args = append(args, "LPUSH", key)
	for _, v := range values {
		args = append(args, v)
	}
	var n int64
	if err := c.do(ctx, &n, args...); err != nil {
		return 0, err
	}
	return n, nil
}

// LTrim keeps the inclusive range [start, stop].
func (c *Client) LTrim(ctx context.Context, key string, start, stop int64) error {
	var ok string
	return c.do(ctx, &ok, "LTRIM", key, strconv.FormatInt(start, 10), strconv.FormatInt(stop, 10))
}

func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	if err := c.do(ctx, &n, "LLEN", key); err != nil {
		return 0, err
	}
	return n, nil
}

// LIndex returns the element at idx. The bool is false when the store
// replied nil, meaning the index was out of range.
func (c *Client) LIndex(ctx context.Context, key string, idx int64) (string, bool, error) {
	var v *string
	if err := c.do(ctx, &v, "LINDEX", key, strconv.FormatInt(idx, 10)); err != nil {
		return "", false, err
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (c *Client) Ping(ctx context.Context) error {
	var pong string
	if err := c.do(ctx, &pong, "PING"); err != nil {
		return err
	}
	if pong != "PONG" {
		return &ErrServer{Status: http.StatusOK, Message: "unexpected ping reply " + pong}
	}
	return nil
}
