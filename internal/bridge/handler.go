// Package bridge implements the inbound webhook pipeline: authenticate,
// decrypt, parse, hand off to dispatch, and answer synchronously.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tokligence/wechat-bridge/internal/dispatch"
	"github.com/tokligence/wechat-bridge/internal/envelope"
	"github.com/tokligence/wechat-bridge/internal/message"
	"github.com/tokligence/wechat-bridge/internal/signature"
)

// Default reply texts.
const (
	DefaultAckText          = "AI处理中..."
	DefaultNoCredentialText = "系统服务暂时不可用，请稍后再试。（access_token error: %s）"
)

// Query holds the out-of-band request parameters.
type Query struct {
	Signature    string
	Timestamp    string
	Nonce        string
	MsgSignature string
	EncryptType  string
	EchoStr      string
}

// QueryFromValues reads the webhook query parameters.
func QueryFromValues(v url.Values) Query {
	return Query{
		Signature:    v.Get("signature"),
		Timestamp:    v.Get("timestamp"),
		Nonce:        v.Get("nonce"),
		MsgSignature: v.Get("msg_signature"),
		EncryptType:  v.Get("encrypt_type"),
		EchoStr:      v.Get("echostr"),
	}
}

// Encrypted reports whether the body carries an Encrypt envelope.
func (q Query) Encrypted() bool {
	return strings.EqualFold(strings.TrimSpace(q.EncryptType), "aes")
}

// Credentials reports whether a push credential is currently held.
type Credentials interface {
	Available() bool
	LastError() string
}

// DefaultRecoveryTimeout bounds one background credential recovery.
const DefaultRecoveryTimeout = 30 * time.Second

// Dispatcher queues a decoded message for asynchronous handling.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg message.Message) (*dispatch.Task, error)
}

// Recorder receives one observation per inbound request.
type Recorder interface {
	ObserveInbound(result string)
}

// Inbound results reported to the Recorder.
const (
	ResultAccepted     = "accepted"
	ResultSignature    = "rejected_signature"
	ResultDecode       = "rejected_decode"
	ResultFormat       = "rejected_format"
	ResultNoCredential = "no_credential"
	ResultBusy         = "busy"
)

// Config configures a Handler.
type Config struct {
	Verifier    *signature.Verifier
	Codec       *envelope.Codec // nil disables encrypted mode
	Credentials Credentials
	// Recover obtains a fresh token after the credential was lost. It runs in
	// the background, at most one at a time.
	Recover         func(ctx context.Context) (string, error)
	RecoveryTimeout time.Duration
	Dispatcher      Dispatcher

	AckText          string
	NoCredentialText string // format with one %s for the last credential error
	BusyText         string

	Recorder Recorder
	Logger   *log.Logger
	LogLevel string
	Now      func() time.Time
	Nonce    func() (string, error)
}

// Handler runs the inbound pipeline. It is safe for concurrent use.
type Handler struct {
	verifier   *signature.Verifier
	codec      *envelope.Codec
	creds      Credentials
	recoverFn  func(ctx context.Context) (string, error)
	recoverTTL time.Duration
	recovering atomic.Bool
	dispatcher Dispatcher
	ackText    string
	noCredText string
	busyText   string
	recorder   Recorder
	logger     *log.Logger
	logLevel   string
	now        func() time.Time
	nonce      func() (string, error)
}

// New validates cfg and returns a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("bridge: signature verifier required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("bridge: credential store required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("bridge: dispatcher required")
	}
	if cfg.AckText == "" {
		cfg.AckText = DefaultAckText
	}
	if cfg.NoCredentialText == "" {
		cfg.NoCredentialText = DefaultNoCredentialText
	}
	if cfg.BusyText == "" {
		cfg.BusyText = dispatch.DefaultUnavailableText
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Nonce == nil {
		cfg.Nonce = func() (string, error) { return envelope.RandomString(10) }
	}
	return &Handler{
		verifier:   cfg.Verifier,
		codec:      cfg.Codec,
		creds:      cfg.Credentials,
		recoverFn:  cfg.Recover,
		recoverTTL: cfg.RecoveryTimeout,
		dispatcher: cfg.Dispatcher,
		ackText:    cfg.AckText,
		noCredText: cfg.NoCredentialText,
		busyText:   cfg.BusyText,
		recorder:   cfg.Recorder,
		logger:     cfg.Logger,
		logLevel:   strings.ToLower(strings.TrimSpace(cfg.LogLevel)),
		now:        cfg.Now,
		nonce:      cfg.Nonce,
	}, nil
}

// Verify answers the endpoint verification handshake by echoing echostr.
func (h *Handler) Verify(q Query) (string, error) {
	if !h.verifier.Verify(q.Signature, q.Timestamp, q.Nonce) {
		return "", signature.ErrMismatch
	}
	return q.EchoStr, nil
}

// Handle authenticates and decodes body, queues it for dispatch and returns
// the synchronous reply document. Rejections are returned as errors wrapping
// signature.ErrMismatch, envelope.ErrDecode or message.ErrFormat; dispatch
// failures never are.
func (h *Handler) Handle(ctx context.Context, q Query, body []byte) (string, error) {
	msg, err := h.decode(q, body)
	if err != nil {
		h.observe(resultFor(err))
		return "", err
	}

	var text string
	switch {
	case !h.creds.Available():
		// Nothing could be pushed later, so say so now.
		h.logf("no access token, answering %s directly: %s", msg.FromUserName(), h.creds.LastError())
		text = fmt.Sprintf(h.noCredText, h.creds.LastError())
		h.observe(ResultNoCredential)
		h.recoverCredential()
	default:
		task, err := h.dispatcher.Dispatch(ctx, msg)
		if err != nil {
			h.logf("dispatch rejected message from %s: %v", msg.FromUserName(), err)
			text = h.busyText
			h.observe(ResultBusy)
		} else {
			h.debugf("message %s from %s queued as task %s", msg.MsgID(), msg.FromUserName(), task.ID)
			text = h.ackText
			h.observe(ResultAccepted)
		}
	}

	reply, err := message.Build(message.KindText, text, msg.ToUserName(), msg.FromUserName())
	if err != nil {
		return "", err
	}
	if !q.Encrypted() {
		return reply, nil
	}
	return h.seal(reply)
}

// recoverCredential starts a background refresh unless one is running. The
// current message still gets the no-credential reply.
func (h *Handler) recoverCredential() {
	if h.recoverFn == nil || !h.recovering.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer h.recovering.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), h.recoverTTL)
		defer cancel()
		if _, err := h.recoverFn(ctx); err != nil {
			h.logf("credential recovery failed: %v", err)
			return
		}
		h.logf("credential recovered")
	}()
}

// decode runs every check that can reject the request. Signatures are
// verified before any decryption is attempted.
func (h *Handler) decode(q Query, body []byte) (message.Message, error) {
	if q.Signature != "" || !q.Encrypted() {
		if !h.verifier.Verify(q.Signature, q.Timestamp, q.Nonce) {
			return message.Message{}, signature.ErrMismatch
		}
	}
	outer, err := message.Parse(body)
	if err != nil {
		return message.Message{}, err
	}
	if !q.Encrypted() {
		return outer, nil
	}

	encrypted := outer.Encrypt()
	if encrypted == "" {
		return message.Message{}, fmt.Errorf("%w: missing Encrypt field", message.ErrFormat)
	}
	if !h.verifier.VerifyMessage(q.MsgSignature, q.Timestamp, q.Nonce, encrypted) {
		return message.Message{}, signature.ErrMismatch
	}
	if h.codec == nil {
		return message.Message{}, fmt.Errorf("%w: encrypted mode is not configured", envelope.ErrDecode)
	}
	plain, err := h.codec.Decrypt(encrypted)
	if err != nil {
		return message.Message{}, err
	}
	return message.Parse(plain)
}

func (h *Handler) seal(reply string) (string, error) {
	encrypted, err := h.codec.Encrypt([]byte(reply))
	if err != nil {
		return "", err
	}
	nonce, err := h.nonce()
	if err != nil {
		return "", err
	}
	ts := strconv.FormatInt(h.now().Unix(), 10)
	return message.BuildEncrypted(message.EncryptedReply{
		Encrypt:      encrypted,
		MsgSignature: h.verifier.Sign(encrypted, ts, nonce),
		TimeStamp:    ts,
		Nonce:        nonce,
	}), nil
}

// StatusFor maps a Handle/Verify error to the HTTP status returned to the platform.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, signature.ErrMismatch):
		return http.StatusForbidden
	case errors.Is(err, envelope.ErrDecode), errors.Is(err, message.ErrFormat):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func resultFor(err error) string {
	switch {
	case errors.Is(err, signature.ErrMismatch):
		return ResultSignature
	case errors.Is(err, envelope.ErrDecode):
		return ResultDecode
	default:
		return ResultFormat
	}
}

func (h *Handler) observe(result string) {
	if h.recorder != nil {
		h.recorder.ObserveInbound(result)
	}
}

func (h *Handler) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}

func (h *Handler) debugf(format string, args ...any) {
	if h.logger != nil && h.logLevel == "debug" {
		h.logger.Printf("DEBUG "+format, args...)
	}
}
