package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tokligence/wechat-bridge/internal/testutil"
)

type countingTokens struct {
	mu          sync.Mutex
	issued      int
	invalidated int
	err         error
}

func (c *countingTokens) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	c.issued++
	return fmt.Sprintf("tok-%d", c.issued), nil
}

func (c *countingTokens) Invalidate() {
	c.mu.Lock()
	c.invalidated++
	c.mu.Unlock()
}

type recordedCall struct {
	Token   string
	Payload map[string]any
}

func newRecordingServer(t *testing.T, replies []string) (*testutil.IPv4Server, func() []recordedCall) {
	t.Helper()
	var mu sync.Mutex
	var calls []recordedCall
	srv := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cgi-bin/message/custom/send" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		idx := len(calls)
		calls = append(calls, recordedCall{Token: r.URL.Query().Get("access_token"), Payload: payload})
		mu.Unlock()
		if idx >= len(replies) {
			idx = len(replies) - 1
		}
		_, _ = w.Write([]byte(replies[idx]))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recordedCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedCall(nil), calls...)
	}
}

func newTestClient(t *testing.T, srv *testutil.IPv4Server, tokens TokenSource) (*Client, *[]time.Duration) {
	t.Helper()
	var delays []time.Duration
	c, err := New(Config{
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Tokens:     tokens,
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return c, &delays
}

func TestDeliverTextPayload(t *testing.T) {
	srv, calls := newRecordingServer(t, []string{`{"errcode":0,"errmsg":"ok"}`})
	tokens := &countingTokens{}
	c, _ := newTestClient(t, srv, tokens)

	attempts, err := c.Deliver(context.Background(), Message{ToUser: "u1", Kind: "text", Content: "hello"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
	got := calls()
	want := []recordedCall{{
		Token: "tok-1",
		Payload: map[string]any{
			"touser":  "u1",
			"msgtype": "text",
			"text":    map[string]any{"content": "hello"},
		},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestDeliverMediaPayload(t *testing.T) {
	srv, calls := newRecordingServer(t, []string{`{"errcode":0}`})
	c, _ := newTestClient(t, srv, &countingTokens{})
	if _, err := c.Deliver(context.Background(), Message{ToUser: "u1", Kind: "image", Content: "MEDIA"}); err != nil {
		t.Fatal(err)
	}
	got := calls()[0].Payload
	want := map[string]any{"touser": "u1", "msgtype": "image", "image": map[string]any{"media_id": "MEDIA"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestDeliverRetriesWithFreshTokenAndInvalidates(t *testing.T) {
	srv, calls := newRecordingServer(t, []string{
		`{"errcode":42001,"errmsg":"access_token expired"}`,
		`{"errcode":0,"errmsg":"ok"}`,
	})
	tokens := &countingTokens{}
	c, delays := newTestClient(t, srv, tokens)

	attempts, err := c.Deliver(context.Background(), Message{ToUser: "u1", Content: "hi"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	got := calls()
	if got[0].Token == got[1].Token {
		t.Fatalf("expected a fresh token per attempt, both used %q", got[0].Token)
	}
	if tokens.invalidated != 1 {
		t.Fatalf("expected one invalidation, got %d", tokens.invalidated)
	}
	if diff := cmp.Diff([]time.Duration{time.Second}, *delays); diff != "" {
		t.Fatalf("delays mismatch: %s", diff)
	}
}

func TestDeliverAbandonsAfterMaxAttempts(t *testing.T) {
	srv, calls := newRecordingServer(t, []string{`{"errcode":45015,"errmsg":"response out of time limit"}`})
	tokens := &countingTokens{}
	c, delays := newTestClient(t, srv, tokens)

	attempts, err := c.Deliver(context.Background(), Message{ToUser: "u1", Content: "hi"})
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("expected ErrDelivery, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 45015 {
		t.Fatalf("expected APIError 45015, got %v", err)
	}
	if attempts != 3 || len(calls()) != 3 {
		t.Fatalf("expected 3 attempts, got %d (%d calls)", attempts, len(calls()))
	}
	if tokens.invalidated != 0 {
		t.Fatalf("non-token error must not invalidate")
	}
	if diff := cmp.Diff([]time.Duration{time.Second, 2 * time.Second}, *delays); diff != "" {
		t.Fatalf("delays mismatch: %s", diff)
	}
}

func TestDeliverWithoutToken(t *testing.T) {
	srv, calls := newRecordingServer(t, []string{`{"errcode":0}`})
	c, _ := newTestClient(t, srv, &countingTokens{err: errors.New("credential: unavailable")})
	attempts, err := c.Deliver(context.Background(), Message{ToUser: "u1", Content: "hi"})
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("expected ErrDelivery, got %v", err)
	}
	if attempts != 3 || len(calls()) != 0 {
		t.Fatalf("expected 3 attempts and no HTTP calls, got %d / %d", attempts, len(calls()))
	}
}

func TestDeliverRejectsUnsupportedKind(t *testing.T) {
	srv, calls := newRecordingServer(t, []string{`{"errcode":0}`})
	c, _ := newTestClient(t, srv, &countingTokens{})
	attempts, err := c.Deliver(context.Background(), Message{ToUser: "u1", Kind: "hologram", Content: "x"})
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("expected ErrDelivery, got %v", err)
	}
	if attempts != 1 || len(calls()) != 0 {
		t.Fatalf("expected one attempt without HTTP, got %d / %d", attempts, len(calls()))
	}
}

func TestDeliverWithoutRecipientIsNotRetried(t *testing.T) {
	srv, calls := newRecordingServer(t, []string{`{"errcode":0}`})
	c, delays := newTestClient(t, srv, &countingTokens{})
	attempts, err := c.Deliver(context.Background(), Message{Content: "hi"})
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("expected ErrDelivery, got %v", err)
	}
	if attempts != 1 || len(calls()) != 0 {
		t.Fatalf("expected one attempt without HTTP, got %d / %d", attempts, len(calls()))
	}
	if len(*delays) != 0 {
		t.Fatalf("no backoff expected, got %v", *delays)
	}
}

func TestAPIErrorTokenExpired(t *testing.T) {
	for _, code := range []int{40001, 40014, 42001} {
		if !(&APIError{Code: code}).TokenExpired() {
			t.Fatalf("code %d should be token-class", code)
		}
	}
	if (&APIError{Code: 45047}).TokenExpired() {
		t.Fatalf("45047 is not token-class")
	}
}
