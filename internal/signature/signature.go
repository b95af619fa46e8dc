package signature

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log"
	"sort"
	"strings"
)

// ErrMismatch is returned when a presented signature does not match the recomputed one.
var ErrMismatch = errors.New("signature: mismatch")

// Verifier validates and produces the platform's sorted SHA-1 signatures.
// It holds only the shared secret token and is safe for concurrent use.
type Verifier struct {
	token  string
	logger *log.Logger
}

// New creates a Verifier for the shared secret token.
func New(token string) *Verifier {
	return &Verifier{token: token}
}

// SetLogger attaches a logger used for mismatch diagnostics.
func (v *Verifier) SetLogger(logger *log.Logger) {
	v.logger = logger
}

// Compute sorts the parts lexicographically, concatenates them and returns
// the hex encoded SHA-1 digest. The result does not depend on argument order.
func Compute(parts ...string) string {
	sorted := append([]string(nil), parts...)
	sort.Strings(sorted)
	sum := sha1.Sum([]byte(strings.Join(sorted, "")))
	return hex.EncodeToString(sum[:])
}

// Verify checks a request signature over {token, timestamp, nonce}.
func (v *Verifier) Verify(signature, timestamp, nonce string) bool {
	return v.check(signature, Compute(v.token, timestamp, nonce))
}

// VerifyMessage checks an encrypted-envelope signature over
// {token, timestamp, nonce, encrypt}.
func (v *Verifier) VerifyMessage(msgSignature, timestamp, nonce, encrypt string) bool {
	return v.check(msgSignature, v.Sign(encrypt, timestamp, nonce))
}

// Sign produces the signature for an outbound encrypted payload.
func (v *Verifier) Sign(payload, timestamp, nonce string) string {
	return Compute(v.token, timestamp, nonce, payload)
}

func (v *Verifier) check(presented, expected string) bool {
	presented = strings.ToLower(strings.TrimSpace(presented))
	ok := subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
	if !ok && v.logger != nil {
		v.logger.Printf("WARN invalid signature: expected=%s received=%s", expected, presented)
	}
	return ok
}
