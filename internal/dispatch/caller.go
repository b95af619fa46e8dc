package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrDownstream wraps transport and status failures of the downstream call.
var ErrDownstream = errors.New("dispatch: downstream call failed")

// Caller posts a mapped request to the downstream responder and returns the raw body.
type Caller interface {
	Call(ctx context.Context, endpoint string, request any) ([]byte, error)
}

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPCaller posts JSON and rejects non-2xx responses.
type HTTPCaller struct {
	client  HTTPClient
	headers map[string]string
}

// NewHTTPCaller builds a caller. A nil client gets a 60s timeout, which bounds
// abandoned calls after the adapter has stopped waiting on them.
func NewHTTPCaller(client HTTPClient, headers map[string]string) *HTTPCaller {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPCaller{client: client, headers: headers}
}

func (c *HTTPCaller) Call(ctx context.Context, endpoint string, request any) ([]byte, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encode downstream request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownstream, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownstream, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrDownstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, fmt.Errorf("%w: http %d: %s", ErrDownstream, resp.StatusCode, snippet)
	}
	return body, nil
}
