package signature

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestComputeOrderInvariant(t *testing.T) {
	want := Compute("token", "1700000000", "nonce")
	perms := [][]string{
		{"token", "nonce", "1700000000"},
		{"1700000000", "token", "nonce"},
		{"nonce", "1700000000", "token"},
	}
	for _, p := range perms {
		if got := Compute(p...); got != want {
			t.Fatalf("Compute(%v) = %s, want %s", p, got, want)
		}
	}
}

func TestComputeKnownDigest(t *testing.T) {
	// sha1("abc") with parts already sorted.
	if got := Compute("b", "a", "c"); got != "a9993e364706816aba3e25717850c26c9cd0d89d" {
		t.Fatalf("unexpected digest %s", got)
	}
}

func TestVerify(t *testing.T) {
	v := New("secret")
	sig := Compute("secret", "123", "abc")

	tests := []struct {
		name      string
		signature string
		timestamp string
		nonce     string
		want      bool
	}{
		{name: "valid", signature: sig, timestamp: "123", nonce: "abc", want: true},
		{name: "upper case hex", signature: strings.ToUpper(sig), timestamp: "123", nonce: "abc", want: true},
		{name: "tampered timestamp", signature: sig, timestamp: "124", nonce: "abc", want: false},
		{name: "tampered signature", signature: "0" + sig[1:], timestamp: "123", nonce: "abc", want: false},
		{name: "empty", signature: "", timestamp: "123", nonce: "abc", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.Verify(tt.signature, tt.timestamp, tt.nonce); got != tt.want {
				t.Fatalf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSignAndVerifyMessage(t *testing.T) {
	v := New("secret")
	sig := v.Sign("ciphertext", "123", "abc")
	if sig != Compute("abc", "ciphertext", "secret", "123") {
		t.Fatalf("Sign must be order invariant over its inputs")
	}
	if !v.VerifyMessage(sig, "123", "abc", "ciphertext") {
		t.Fatal("expected message signature to verify")
	}
	if v.VerifyMessage(sig, "123", "abc", "other") {
		t.Fatal("expected mismatch for different payload")
	}
}

func TestMismatchIsLogged(t *testing.T) {
	var buf bytes.Buffer
	v := New("secret")
	v.SetLogger(log.New(&buf, "", 0))
	v.Verify("bad", "1", "2")
	if !strings.Contains(buf.String(), "invalid signature") {
		t.Fatalf("expected diagnostic, got %q", buf.String())
	}
}
