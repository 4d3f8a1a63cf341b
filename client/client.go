package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/InsulaLabs/drift/models"
)

const (
	defaultTimeout = 10 * time.Second
	maxRedirects   = 10
)

var (
	ErrEmpty      = errors.New("no bottles in the sea")
	ErrMissingURL = errors.New("endpoint cannot be empty")
)

// APIError is any non-2xx answer from the drift API.
type APIError struct {
	StatusCode int
	Title      string
	Message    string
}

func (e *APIError) Error() string {
	if e.Title == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server error (status %d): %s - %s", e.StatusCode, e.Title, e.Message)
}

// ErrRateLimited carries the server's Retry-After hint.
type ErrRateLimited struct {
	RetryAfter time.Duration
	Limit      float64
	Burst      int
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

type Config struct {
	Endpoint   string // e.g. http://127.0.0.1:8080
	SkipVerify bool
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Client is the API client for the drift bottles service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(cfg *Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, ErrMissingURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.WithGroup("drift_client")

	baseURL, err := url.Parse(strings.TrimSuffix(cfg.Endpoint, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint '%s': %w", cfg.Endpoint, err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("endpoint '%s' must be http or https", cfg.Endpoint)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.SkipVerify},
		},
		Timeout: timeout,
		// Redirects are followed by doRequest so the method and body survive them.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	logger.Debug("Drift client initialized", "base_url", baseURL.String(), "tls_skip_verify", cfg.SkipVerify)
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, target any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request body for %s %s: %w", method, path, err)
		}
	}

	reqURL := c.baseURL.ResolveReference(&url.URL{Path: path})
	for redirects := 0; redirects < maxRedirects; redirects++ {
		req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request %s %s: %w", method, reqURL, err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		c.logger.Debug("Sending request", "method", method, "url", reqURL.String(), "attempt", redirects+1)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request %s %s failed: %w", method, reqURL, err)
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return fmt.Errorf("redirect (status %d) missing Location header from %s", resp.StatusCode, reqURL)
			}
			next, err := reqURL.Parse(loc)
			if err != nil {
				return fmt.Errorf("failed to parse redirect Location '%s': %w", loc, err)
			}
			c.logger.Info("Request redirected", "from_url", reqURL.String(), "to_url", next.String(), "status_code", resp.StatusCode)
			reqURL = next
			continue
		}

		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return c.errorFromResponse(resp)
		}
		if target != nil {
			if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
				return fmt.Errorf("failed to decode response body for %s %s (status %d): %w", method, reqURL, resp.StatusCode, err)
			}
		}
		return nil
	}
	return fmt.Errorf("stopped after %d redirects, last URL: %s", maxRedirects, reqURL)
}

func (c *Client) errorFromResponse(resp *http.Response) error {
	c.logger.Debug("Received non-2xx status code", "url", resp.Request.URL.String(), "status_code", resp.StatusCode)

	if resp.StatusCode == http.StatusTooManyRequests {
		rl := &ErrRateLimited{}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			rl.RetryAfter = time.Duration(secs) * time.Second
		}
		rl.Limit, _ = strconv.ParseFloat(resp.Header.Get("X-RateLimit-Limit"), 64)
		rl.Burst, _ = strconv.Atoi(resp.Header.Get("X-RateLimit-Burst"))
		return rl
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err == nil {
		var er models.ErrorResponse
		if json.Unmarshal(body, &er) == nil {
			apiErr.Title, apiErr.Message = er.Error, er.Message
		}
	}
	if resp.StatusCode == http.StatusNotFound && apiErr.Title == "No bottles in the sea" {
		return fmt.Errorf("%w: %s", ErrEmpty, apiErr.Message)
	}
	return apiErr
}

// --- Sea Operations ---

// Throw stores a message in the sea and returns its receipt.
func (c *Client) Throw(ctx context.Context, message string) (models.BottleReceipt, error) {
	var resp models.ThrowResponse
	if err := c.doRequest(ctx, http.MethodPost, "bottles/sea", models.ThrowRequest{Message: message}, &resp); err != nil {
		return models.BottleReceipt{}, err
	}
	return resp.Bottle, nil
}

// Pick returns a random bottle. An empty sea yields ErrEmpty.
func (c *Client) Pick(ctx context.Context) (models.Bottle, error) {
	var resp models.PickResponse
	if err := c.doRequest(ctx, http.MethodGet, "bottles/sea", nil, &resp); err != nil {
		return models.Bottle{}, err
	}
	return resp.Bottle, nil
}

// --- Status Operations ---

func (c *Client) Uptime(ctx context.Context) (models.UptimeResponse, error) {
	var resp models.UptimeResponse
	err := c.doRequest(ctx, http.MethodGet, "status/uptime", nil, &resp)
	return resp, err
}

func (c *Client) Health(ctx context.Context) (models.HealthResponse, error) {
	var resp models.HealthResponse
	err := c.doRequest(ctx, http.MethodGet, "status/health", nil, &resp)
	return resp, err
}
