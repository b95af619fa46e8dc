// Package push delivers customer-service messages to a user through the
// platform's authorized send API.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrDelivery marks a failed push. APIError unwraps to it.
var ErrDelivery = errors.New("push: delivery failed")

// Error codes that mean the access token used for the call is no longer valid.
const (
	CodeInvalidCredential = 40001
	CodeInvalidToken      = 40014
	CodeTokenExpired      = 42001
)

// APIError is a non-zero errcode returned by the send endpoint.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("push: errcode %d: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return ErrDelivery }

// TokenExpired reports whether the error invalidates the access token.
func (e *APIError) TokenExpired() bool {
	switch e.Code {
	case CodeInvalidCredential, CodeInvalidToken, CodeTokenExpired:
		return true
	}
	return false
}

// Message is one outbound customer-service message. For non-text kinds
// Content carries the media id.
type Message struct {
	ToUser  string
	Kind    string
	Content string
}

// TokenSource supplies access tokens for the send API.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a Client.
type Config struct {
	BaseURL     string
	HTTPClient  HTTPClient
	Tokens      TokenSource
	MaxAttempts int // default 3
	Logger      *log.Logger
	Sleep       func(ctx context.Context, d time.Duration) error
}

// Client posts to {base}/cgi-bin/message/custom/send.
type Client struct {
	baseURL     *url.URL
	httpClient  HTTPClient
	tokens      TokenSource
	maxAttempts int
	logger      *log.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// New constructs a push client.
func New(cfg Config) (*Client, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("push: token source required")
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = "https://api.weixin.qq.com"
	}
	parsed, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid push base URL: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &Client{
		baseURL:     parsed,
		httpClient:  cfg.HTTPClient,
		tokens:      cfg.Tokens,
		maxAttempts: cfg.MaxAttempts,
		logger:      cfg.Logger,
		sleep:       cfg.Sleep,
	}, nil
}

// Deliver sends msg, retrying with exponential backoff (1s, 2s, ...). Every
// attempt fetches a fresh token; token-class errors invalidate the cached
// credential before the next attempt. It returns the number of attempts made.
func (c *Client) Deliver(ctx context.Context, msg Message) (int, error) {
	var last error
	attempts := 0
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, time.Duration(1<<(attempt-1))*time.Second); err != nil {
				last = err
				break
			}
		}
		attempts++
		err := c.Send(ctx, msg)
		if err == nil {
			return attempts, nil
		}
		last = err
		c.logf("push to %s failed (attempt %d/%d): %v", msg.ToUser, attempts, c.maxAttempts, err)

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.TokenExpired() {
			c.tokens.Invalidate()
		}
		if errors.Is(err, errUnsupportedKind) || errors.Is(err, errNoRecipient) {
			break
		}
	}
	c.logf("ERROR abandoning push to %s after %d attempt(s): %v", msg.ToUser, attempts, last)
	if errors.Is(last, ErrDelivery) {
		return attempts, last
	}
	return attempts, fmt.Errorf("%w: %w", ErrDelivery, last)
}

// Send performs a single delivery attempt with a freshly obtained token.
func (c *Client) Send(ctx context.Context, msg Message) error {
	payload, err := buildPayload(msg)
	if err != nil {
		return err
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: access token: %w", ErrDelivery, err)
	}

	endpoint := *c.baseURL
	endpoint.Path = strings.TrimSuffix(endpoint.Path, "/") + "/cgi-bin/message/custom/send"
	endpoint.RawQuery = url.Values{"access_token": {token}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", ErrDelivery, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: http %d", ErrDelivery, resp.StatusCode)
	}
	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrDelivery, err)
	}
	if result.ErrCode != 0 {
		return &APIError{Code: result.ErrCode, Message: result.ErrMsg}
	}
	return nil
}

// Malformed messages fail the same way on every attempt and are not retried.
var (
	errUnsupportedKind = fmt.Errorf("%w: unsupported message kind", ErrDelivery)
	errNoRecipient     = fmt.Errorf("%w: recipient required", ErrDelivery)
)

type mediaBody struct {
	MediaID string `json:"media_id"`
}

type textBody struct {
	Content string `json:"content"`
}

func buildPayload(msg Message) ([]byte, error) {
	if msg.ToUser == "" {
		return nil, errNoRecipient
	}
	kind := msg.Kind
	if kind == "" {
		kind = "text"
	}
	payload := map[string]any{
		"touser":  msg.ToUser,
		"msgtype": kind,
	}
	switch kind {
	case "text":
		payload["text"] = textBody{Content: msg.Content}
	case "image", "voice", "video":
		payload[kind] = mediaBody{MediaID: msg.Content}
	default:
		return nil, fmt.Errorf("%w %q", errUnsupportedKind, kind)
	}
	return json.Marshal(payload)
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
