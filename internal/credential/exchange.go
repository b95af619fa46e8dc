package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultAPIBase is the platform API host used for token exchange and push.
const DefaultAPIBase = "https://api.weixin.qq.com"

// Application-level error codes returned by the token endpoint.
const (
	CodeSystemBusy   = -1
	CodeIPNotAllowed = 40164
	CodeAdminConfirm = 89503
)

// TokenResponse is the token endpoint payload. Either AccessToken or ErrCode is set.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
}

// Exchanger performs one credential exchange round trip. Transport failures
// are returned as errors; application-level failures are reported through
// the response's ErrCode.
type Exchanger interface {
	Exchange(ctx context.Context, id Identity) (TokenResponse, error)
}

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPExchanger calls GET {base}/cgi-bin/token.
type HTTPExchanger struct {
	baseURL    *url.URL
	httpClient HTTPClient
}

// NewHTTPExchanger constructs an exchanger against baseURL (DefaultAPIBase when empty).
func NewHTTPExchanger(baseURL string, httpClient HTTPClient) (*HTTPExchanger, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = DefaultAPIBase
	}
	parsed, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPExchanger{baseURL: parsed, httpClient: httpClient}, nil
}

func (e *HTTPExchanger) Exchange(ctx context.Context, id Identity) (TokenResponse, error) {
	endpoint := *e.baseURL
	endpoint.Path = strings.TrimSuffix(endpoint.Path, "/") + "/cgi-bin/token"
	q := url.Values{}
	q.Set("grant_type", "client_credential")
	q.Set("appid", id.AppID)
	q.Set("secret", id.AppSecret)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return TokenResponse{}, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return TokenResponse{}, fmt.Errorf("token endpoint http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out TokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return TokenResponse{}, fmt.Errorf("decode token response: %w", err)
	}
	return out, nil
}
