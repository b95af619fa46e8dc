package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tokligence/wechat-bridge/internal/snapshot"
)

// DefaultSkew is the early-refresh margin applied to every expiry check.
const DefaultSkew = 300 * time.Second

// ErrUnavailable is returned when no valid credential could be obtained.
var ErrUnavailable = errors.New("credential: unavailable")

// APIError is an application-level failure reported by the token endpoint.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Transient reports whether the error is worth retrying within a refresh cycle.
func (e *APIError) Transient() bool { return e.Code == CodeSystemBusy }

// Identity is the application id/secret pair a credential is issued for.
type Identity struct {
	AppID     string
	AppSecret string
}

// Fingerprint identifies the credentials without revealing the secret.
func (id Identity) Fingerprint() string {
	sum := sha256.Sum256([]byte(id.AppID + ":" + id.AppSecret))
	return hex.EncodeToString(sum[:16])
}

// Credential is a value copy of the cached access token.
type Credential struct {
	Token       string
	ExpiresAt   time.Time
	AppID       string
	Fingerprint string
}

// Stats counts exchange activity for diagnostics and metrics.
type Stats struct {
	Exchanges       int64
	Refreshes       int64
	FailedRefreshes int64
}

// Config configures a Store.
type Config struct {
	Exchanger  Exchanger
	Snapshot   snapshot.Store // optional
	Skew       time.Duration  // default 300s
	MaxRetries int            // default 3
	Logger     *log.Logger
	Now        func() time.Time
	// Sleep waits between retries; it returns early with ctx.Err() on cancellation.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Store obtains, caches, persists and refreshes the access credential. It is
// the single writer of the credential; callers only ever receive token strings
// or value copies.
//
// Concurrent refreshes for the same identity are coalesced: the first caller
// performs the exchange and the others wait for its result. Refreshes for any
// identity are additionally serialized by refreshMu.
type Store struct {
	exchanger  Exchanger
	snapshot   snapshot.Store
	skew       time.Duration
	maxRetries int
	logger     *log.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	mu        sync.RWMutex
	cred      Credential
	lastError string
	failures  int

	refreshMu sync.Mutex
	group     singleflight.Group

	exchanges       atomic.Int64
	refreshes       atomic.Int64
	failedRefreshes atomic.Int64
}

// New constructs a Store. Exactly one Store should exist per process; the
// composition root shares it by reference.
func New(cfg Config) (*Store, error) {
	if cfg.Exchanger == nil {
		return nil, errors.New("credential: exchanger required")
	}
	if cfg.Skew <= 0 {
		cfg.Skew = DefaultSkew
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &Store{
		exchanger:  cfg.Exchanger,
		snapshot:   cfg.Snapshot,
		skew:       cfg.Skew,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger,
		now:        cfg.Now,
		sleep:      cfg.Sleep,
	}, nil
}

// Get returns the cached token while it is valid for id, refreshing otherwise.
func (s *Store) Get(ctx context.Context, id Identity) (string, error) {
	if token, ok := s.cached(id); ok {
		return token, nil
	}
	return s.refresh(ctx, id, false)
}

// Refresh forces a credential exchange for id. Callers that arrive while a
// refresh for the same identity is in flight share its result.
func (s *Store) Refresh(ctx context.Context, id Identity) (string, error) {
	return s.refresh(ctx, id, true)
}

// Invalidate drops the cached token so the next Get performs a refresh.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred.Token = ""
	s.cred.ExpiresAt = time.Time{}
}

// Available reports whether a token is currently cached.
func (s *Store) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred.Token != ""
}

// Snapshot returns a copy of the cached credential for diagnostics.
func (s *Store) Snapshot() Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred
}

// LastError returns the most recent refresh failure, formatted as "code: message".
func (s *Store) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// Stats returns exchange counters.
func (s *Store) Stats() Stats {
	return Stats{
		Exchanges:       s.exchanges.Load(),
		Refreshes:       s.refreshes.Load(),
		FailedRefreshes: s.failedRefreshes.Load(),
	}
}

// Restore loads the persisted snapshot. It is adopted only when it was issued
// for id and still has the skew margin of headroom; otherwise it is discarded
// and false is returned.
func (s *Store) Restore(ctx context.Context, id Identity) (bool, error) {
	if s.snapshot == nil {
		return false, nil
	}
	rec, err := s.snapshot.Load(ctx)
	if errors.Is(err, snapshot.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load credential snapshot: %w", err)
	}
	if rec.Fingerprint != id.Fingerprint() {
		s.logf("discarding credential snapshot: issued for a different app identity (app_id=%s)", rec.AppID)
		return false, nil
	}
	if rec.Token == "" || !s.now().Before(rec.ExpiresAt.Add(-s.skew)) {
		s.logf("discarding credential snapshot: expired at %s", rec.ExpiresAt.Format(time.RFC3339))
		return false, nil
	}
	s.mu.Lock()
	s.cred = Credential{Token: rec.Token, ExpiresAt: rec.ExpiresAt, AppID: rec.AppID, Fingerprint: rec.Fingerprint}
	s.mu.Unlock()
	s.logf("restored credential snapshot valid until %s", rec.ExpiresAt.Format(time.RFC3339))
	return true, nil
}

func (s *Store) cached(id Identity) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.validLocked(id) {
		return s.cred.Token, true
	}
	return "", false
}

func (s *Store) validLocked(id Identity) bool {
	return s.cred.Token != "" &&
		s.cred.Fingerprint == id.Fingerprint() &&
		s.now().Before(s.cred.ExpiresAt.Add(-s.skew))
}

func (s *Store) refresh(ctx context.Context, id Identity, force bool) (string, error) {
	ch := s.group.DoChan(id.Fingerprint(), func() (any, error) {
		// Waiters may give up on their own context; the flight itself runs to completion.
		return s.exchangeWithRetry(context.WithoutCancel(ctx), id, force)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Store) exchangeWithRetry(ctx context.Context, id Identity, force bool) (string, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if !force {
		// A flight that finished just before this one may already have refreshed.
		if token, ok := s.cached(id); ok {
			return token, nil
		}
	}
	s.refreshes.Add(1)

	var last error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		s.exchanges.Add(1)
		resp, err := s.exchanger.Exchange(ctx, id)
		if err == nil && resp.AccessToken != "" {
			return s.adopt(ctx, id, resp), nil
		}

		transient := true
		if err != nil {
			last = err
			s.logf("token request failed (attempt %d/%d): %v", attempt+1, s.maxRetries, err)
		} else {
			code := resp.ErrCode
			if code == 0 {
				code = CodeSystemBusy
			}
			msg := resp.ErrMsg
			if msg == "" {
				msg = "unknown error"
			}
			apiErr := &APIError{Code: code, Message: msg}
			last = apiErr
			transient = apiErr.Transient()
			switch apiErr.Code {
			case CodeSystemBusy:
				s.logf("token endpoint busy (attempt %d/%d): %s", attempt+1, s.maxRetries, msg)
			case CodeIPNotAllowed:
				s.logf("ERROR server IP is not on the platform allow-list: %s", msg)
			case CodeAdminConfirm:
				s.logf("CRITICAL administrator must confirm API access for this IP: %s", msg)
			default:
				s.logf("ERROR token exchange rejected: %s", apiErr)
			}
		}
		s.recordError(last)
		if !transient {
			break
		}
		wait := time.Duration(1<<attempt) * time.Second
		if err := s.sleep(ctx, wait); err != nil {
			last = err
			break
		}
	}
	return "", s.fail(last)
}

func (s *Store) adopt(ctx context.Context, id Identity, resp TokenResponse) string {
	now := s.now()
	cred := Credential{
		Token:       resp.AccessToken,
		ExpiresAt:   now.Add(time.Duration(resp.ExpiresIn) * time.Second),
		AppID:       id.AppID,
		Fingerprint: id.Fingerprint(),
	}
	s.mu.Lock()
	s.cred = cred
	s.failures = 0
	s.mu.Unlock()
	s.logf("access token refreshed, valid until %s", cred.ExpiresAt.Format("2006-01-02 15:04:05"))

	if s.snapshot != nil {
		rec := snapshot.Record{
			Token:       cred.Token,
			ExpiresAt:   cred.ExpiresAt,
			AppID:       cred.AppID,
			Fingerprint: cred.Fingerprint,
			SavedAt:     now.UTC(),
		}
		if err := s.snapshot.Save(ctx, rec); err != nil {
			s.logf("persist credential snapshot failed: %v", err)
		}
	}
	return cred.Token
}

func (s *Store) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err.Error()
}

func (s *Store) fail(last error) error {
	s.failedRefreshes.Add(1)
	s.mu.Lock()
	s.failures++
	failures := s.failures
	s.mu.Unlock()
	if failures >= s.maxRetries {
		s.logf("CRITICAL access token refresh failed %d times in a row", failures)
	}
	if last == nil {
		return ErrUnavailable
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, last)
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
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

// Source binds a Store to one identity for callers that only need a token.
type Source struct {
	store *Store
	id    Identity
}

// For returns a token source for id backed by s.
func (s *Store) For(id Identity) *Source {
	return &Source{store: s, id: id}
}

// Token returns a currently valid token, refreshing if needed.
func (src *Source) Token(ctx context.Context) (string, error) {
	return src.store.Get(ctx, src.id)
}

// Invalidate drops the cached token.
func (src *Source) Invalidate() { src.store.Invalidate() }

// Identity returns the bound identity.
func (src *Source) Identity() Identity { return src.id }
