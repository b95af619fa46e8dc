package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tokligence/wechat-bridge/internal/credential"
	"github.com/tokligence/wechat-bridge/internal/dispatch"
	"github.com/tokligence/wechat-bridge/internal/envelope"
	"github.com/tokligence/wechat-bridge/internal/message"
	"github.com/tokligence/wechat-bridge/internal/push"
	"github.com/tokligence/wechat-bridge/internal/signature"
)

const (
	testToken = "bridge-token"
	testAppID = "wx5823bf96d3bd56c7"
	testTS    = "1409659813"
	testNonce = "1372623149"
)

func testAESKey() string {
	raw := []byte("0123456789abcdef0123456789abcdef")
	return strings.TrimRight(base64.StdEncoding.EncodeToString(raw), "=")
}

type staticCredentials struct {
	available bool
	lastErr   string
}

func (c staticCredentials) Available() bool   { return c.available }
func (c staticCredentials) LastError() string { return c.lastErr }

type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []message.Message
	err  error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, msg message.Message) (*dispatch.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.msgs = append(d.msgs, msg)
	return &dispatch.Task{ID: fmt.Sprintf("task-%d", len(d.msgs))}, nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.msgs)
}

type countingRecorder struct {
	mu      sync.Mutex
	results []string
}

func (r *countingRecorder) ObserveInbound(result string) {
	r.mu.Lock()
	r.results = append(r.results, result)
	r.mu.Unlock()
}

func newTestHandler(t *testing.T, creds Credentials, d Dispatcher, rec Recorder) (*Handler, *envelope.Codec) {
	t.Helper()
	codec, err := envelope.New(testAESKey(), testAppID)
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	h, err := New(Config{
		Verifier:    signature.New(testToken),
		Codec:       codec,
		Credentials: creds,
		Dispatcher:  d,
		Recorder:    rec,
		Now:         func() time.Time { return time.Unix(1700000000, 0) },
		Nonce:       func() (string, error) { return "replynonce", nil },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h, codec
}

func plainQuery() Query {
	return Query{
		Signature: signature.Compute(testToken, testTS, testNonce),
		Timestamp: testTS,
		Nonce:     testNonce,
	}
}

const plainBody = `<xml><ToUserName><![CDATA[gh_bridge]]></ToUserName>
<FromUserName><![CDATA[u1]]></FromUserName>
<CreateTime>1700000000</CreateTime>
<MsgType><![CDATA[text]]></MsgType>
<Content><![CDATA[hi]]></Content>
<MsgId>1234567890</MsgId></xml>`

type mapperSpy struct {
	mu   sync.Mutex
	seen []map[string]any
	hit  chan struct{}
}

func (c *mapperSpy) Call(ctx context.Context, endpoint string, request any) ([]byte, error) {
	raw, _ := json.Marshal(request)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	c.mu.Lock()
	c.seen = append(c.seen, m)
	c.mu.Unlock()
	close(c.hit)
	return []byte(`{"content":"hello"}`), nil
}

type nopPusher struct{}

func (nopPusher) Deliver(ctx context.Context, msg push.Message) (int, error) { return 1, nil }

func TestHandlePlaintextScenario(t *testing.T) {
	spy := &mapperSpy{hit: make(chan struct{})}
	adapter, err := dispatch.New(dispatch.Config{
		Endpoint: "http://downstream.invalid",
		Caller:   spy,
		Pusher:   nopPusher{},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(adapter.Close)
	rec := &countingRecorder{}
	h, _ := newTestHandler(t, staticCredentials{available: true}, adapter, rec)

	out, err := h.Handle(context.Background(), plainQuery(), []byte(plainBody))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	reply, err := message.ParseString(out)
	if err != nil {
		t.Fatalf("reply does not parse: %v", err)
	}
	if reply.Content() != DefaultAckText || reply.ToUserName() != "u1" || reply.FromUserName() != "gh_bridge" {
		t.Fatalf("unexpected ack %v", reply.Fields())
	}

	select {
	case <-spy.hit:
	case <-time.After(5 * time.Second):
		t.Fatal("downstream was never called")
	}
	spy.mu.Lock()
	seen := spy.seen[0]
	spy.mu.Unlock()
	if seen["user_id"] != "u1" || seen["content"] != "hi" {
		t.Fatalf("mapper saw %#v", seen)
	}
	if len(rec.results) != 1 || rec.results[0] != ResultAccepted {
		t.Fatalf("unexpected recorder results %v", rec.results)
	}
}

func encryptedRequest(t *testing.T, codec *envelope.Codec, inner string) (Query, []byte) {
	t.Helper()
	cipherText, err := codec.Encrypt([]byte(inner))
	if err != nil {
		t.Fatal(err)
	}
	body := "<xml><ToUserName><![CDATA[gh_bridge]]></ToUserName><Encrypt><![CDATA[" + cipherText + "]]></Encrypt></xml>"
	q := plainQuery()
	q.EncryptType = "aes"
	q.MsgSignature = signature.New(testToken).Sign(cipherText, testTS, testNonce)
	return q, []byte(body)
}

func TestHandleEncryptedRoundTrip(t *testing.T) {
	d := &recordingDispatcher{}
	h, codec := newTestHandler(t, staticCredentials{available: true}, d, nil)
	q, body := encryptedRequest(t, codec, plainBody)

	out, err := h.Handle(context.Background(), q, body)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if d.count() != 1 || d.msgs[0].Content() != "hi" {
		t.Fatalf("dispatcher did not receive decrypted message")
	}

	wrapper, err := message.ParseString(out)
	if err != nil {
		t.Fatalf("wrapper: %v", err)
	}
	if wrapper.Get("TimeStamp") != "1700000000" || wrapper.Get("Nonce") != "replynonce" {
		t.Fatalf("unexpected wrapper fields %v", wrapper.Fields())
	}
	if !signature.New(testToken).VerifyMessage(wrapper.Get("MsgSignature"), wrapper.Get("TimeStamp"), wrapper.Get("Nonce"), wrapper.Encrypt()) {
		t.Fatalf("reply signature does not verify")
	}
	plain, err := codec.Decrypt(wrapper.Encrypt())
	if err != nil {
		t.Fatalf("decrypt reply: %v", err)
	}
	inner, err := message.Parse(plain)
	if err != nil {
		t.Fatal(err)
	}
	if inner.Content() != DefaultAckText || inner.ToUserName() != "u1" {
		t.Fatalf("unexpected inner reply %v", inner.Fields())
	}
}

func TestHandleTamperedSignatureRejectedBeforeDecrypt(t *testing.T) {
	d := &recordingDispatcher{}
	rec := &countingRecorder{}
	h, _ := newTestHandler(t, staticCredentials{available: true}, d, rec)

	// Ciphertext that would fail to decode: a mismatch error proves decrypt never ran.
	q := plainQuery()
	q.EncryptType = "aes"
	q.MsgSignature = strings.Repeat("0", 40)
	body := []byte("<xml><Encrypt><![CDATA[not-base64!!]]></Encrypt></xml>")

	_, err := h.Handle(context.Background(), q, body)
	if !errors.Is(err, signature.ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
	if errors.Is(err, envelope.ErrDecode) {
		t.Fatalf("decrypt must not run before verification")
	}
	if StatusFor(err) != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", StatusFor(err))
	}
	if d.count() != 0 {
		t.Fatalf("dispatcher must not be called")
	}
	if len(rec.results) != 1 || rec.results[0] != ResultSignature {
		t.Fatalf("unexpected recorder results %v", rec.results)
	}
}

func TestHandleRejections(t *testing.T) {
	codec, err := envelope.New(testAESKey(), testAppID)
	if err != nil {
		t.Fatal(err)
	}
	badQuery := plainQuery()
	badQuery.Signature = "deadbeef"

	encQ, _ := encryptedRequest(t, codec, plainBody)
	garbage := "not-base64!!"
	garbageQ := encQ
	garbageQ.MsgSignature = signature.New(testToken).Sign(garbage, testTS, testNonce)

	cases := []struct {
		name   string
		q      Query
		body   string
		want   error
		status int
	}{
		{name: "bad signature", q: badQuery, body: plainBody, want: signature.ErrMismatch, status: http.StatusForbidden},
		{name: "missing signature", q: Query{Timestamp: testTS, Nonce: testNonce}, body: plainBody, want: signature.ErrMismatch, status: http.StatusForbidden},
		{name: "malformed xml", q: plainQuery(), body: "<xml><Content>hi</xml>", want: message.ErrFormat, status: http.StatusBadRequest},
		{name: "missing encrypt", q: encQ, body: "<xml><ToUserName>x</ToUserName></xml>", want: message.ErrFormat, status: http.StatusBadRequest},
		{name: "undecodable ciphertext", q: garbageQ, body: "<xml><Encrypt>" + garbage + "</Encrypt></xml>", want: envelope.ErrDecode, status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &recordingDispatcher{}
			h, _ := newTestHandler(t, staticCredentials{available: true}, d, nil)
			_, err := h.Handle(context.Background(), tc.q, []byte(tc.body))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if got := StatusFor(err); got != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, got)
			}
			if d.count() != 0 {
				t.Fatalf("dispatcher must not be called")
			}
		})
	}
}

func TestHandleWithoutCredentialRepliesDirectly(t *testing.T) {
	d := &recordingDispatcher{}
	h, _ := newTestHandler(t, staticCredentials{lastErr: "40164: invalid ip"}, d, nil)
	out, err := h.Handle(context.Background(), plainQuery(), []byte(plainBody))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	reply, err := message.ParseString(out)
	if err != nil {
		t.Fatal(err)
	}
	want := "系统服务暂时不可用，请稍后再试。（access_token error: 40164: invalid ip）"
	if reply.Content() != want {
		t.Fatalf("got %q, want %q", reply.Content(), want)
	}
	if d.count() != 0 {
		t.Fatalf("nothing should be dispatched without a credential")
	}
}

type countingExchanger struct {
	calls atomic.Int64
}

func (e *countingExchanger) Exchange(ctx context.Context, id credential.Identity) (credential.TokenResponse, error) {
	n := e.calls.Add(1)
	return credential.TokenResponse{AccessToken: fmt.Sprintf("TOKEN-%d", n), ExpiresIn: 7200}, nil
}

func TestHandleRecoversLostCredential(t *testing.T) {
	ex := &countingExchanger{}
	store, err := credential.New(credential.Config{
		Exchanger: ex,
		Sleep:     func(context.Context, time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatalf("credential.New: %v", err)
	}
	id := credential.Identity{AppID: testAppID, AppSecret: "secret"}
	if _, err := store.Refresh(context.Background(), id); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	// A push answered 42001 on its last attempt.
	store.Invalidate()

	d := &recordingDispatcher{}
	h, err := New(Config{
		Verifier:    signature.New(testToken),
		Credentials: store,
		Recover:     store.For(id).Token,
		Dispatcher:  d,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := h.Handle(context.Background(), plainQuery(), []byte(plainBody))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	reply, _ := message.ParseString(out)
	if !strings.HasPrefix(reply.Content(), "系统服务暂时不可用") || d.count() != 0 {
		t.Fatalf("first message should get the no-credential reply, got %q dispatched=%d", reply.Content(), d.count())
	}

	deadline := time.Now().Add(2 * time.Second)
	for !store.Available() {
		if time.Now().After(deadline) {
			t.Fatalf("credential was not recovered, exchanges=%d", ex.calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	out, err = h.Handle(context.Background(), plainQuery(), []byte(plainBody))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	reply, _ = message.ParseString(out)
	if reply.Content() != DefaultAckText || d.count() != 1 {
		t.Fatalf("expected ack and dispatch after recovery, got %q dispatched=%d", reply.Content(), d.count())
	}
	if got := ex.calls.Load(); got != 2 {
		t.Fatalf("expected 2 exchanges, got %d", got)
	}
}

func TestHandleDispatchRejectionRepliesBusy(t *testing.T) {
	d := &recordingDispatcher{err: dispatch.ErrQueueFull}
	h, _ := newTestHandler(t, staticCredentials{available: true}, d, nil)
	out, err := h.Handle(context.Background(), plainQuery(), []byte(plainBody))
	if err != nil {
		t.Fatalf("dispatch failures must not surface: %v", err)
	}
	reply, _ := message.ParseString(out)
	if reply.Content() != dispatch.DefaultUnavailableText {
		t.Fatalf("unexpected reply %q", reply.Content())
	}
}

func TestVerifyEchoesChallenge(t *testing.T) {
	h, _ := newTestHandler(t, staticCredentials{available: true}, &recordingDispatcher{}, nil)
	q := plainQuery()
	q.EchoStr = "echo-123"
	got, err := h.Verify(q)
	if err != nil || got != "echo-123" {
		t.Fatalf("Verify() = %q, %v", got, err)
	}
	q.Nonce = "other"
	if _, err := h.Verify(q); !errors.Is(err, signature.ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}

func TestQueryFromValues(t *testing.T) {
	v, _ := url.ParseQuery("signature=s&timestamp=t&nonce=n&msg_signature=m&encrypt_type=AES&echostr=e")
	q := QueryFromValues(v)
	if q != (Query{Signature: "s", Timestamp: "t", Nonce: "n", MsgSignature: "m", EncryptType: "AES", EchoStr: "e"}) {
		t.Fatalf("unexpected query %+v", q)
	}
	if !q.Encrypted() {
		t.Fatalf("encrypt_type=AES should enable encrypted mode")
	}
}

func TestStatusForUnknownError(t *testing.T) {
	if StatusFor(nil) != http.StatusOK {
		t.Fatal("nil should map to 200")
	}
	if StatusFor(errors.New("boom")) != http.StatusInternalServerError {
		t.Fatal("unknown errors should map to 500")
	}
}
