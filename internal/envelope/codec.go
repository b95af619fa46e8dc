package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	keySize     = 32
	randomSize  = 16
	lengthSize  = 4
	padBlock    = 32
	alphanumSet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var (
	// ErrDecode reports a malformed ciphertext, padding or payload layout.
	ErrDecode = errors.New("envelope: decode failed")
	// ErrInvalidKey reports an encoding key that does not decode to 32 bytes.
	ErrInvalidKey = errors.New("envelope: invalid encoding key")
	// ErrAppIDMismatch reports a payload encrypted for a different application.
	ErrAppIDMismatch = fmt.Errorf("%w: app id mismatch", ErrDecode)
)

// Codec encrypts and decrypts platform envelopes with AES-256-CBC.
//
// The IV is the first 16 bytes of the key. That is the platform convention and
// is required for interoperability. A new cipher.BlockMode is created per call
// so no chaining state is shared between invocations.
type Codec struct {
	key   []byte
	iv    []byte
	appID string
}

// New decodes the 43-character encoding key and prepares a Codec for appID.
func New(encodingAESKey, appID string) (*Codec, error) {
	key, err := base64.StdEncoding.DecodeString(restorePadding(strings.TrimSpace(encodingAESKey)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: decoded %d bytes, want %d", ErrInvalidKey, len(key), keySize)
	}
	return &Codec{key: key, iv: append([]byte(nil), key[:aes.BlockSize]...), appID: appID}, nil
}

// AppID returns the application identifier appended to every payload.
func (c *Codec) AppID() string { return c.appID }

// Decrypt recovers the message body carried by a base64 ciphertext.
func (c *Codec) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(restorePadding(unwrap(ciphertext)))
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDecode, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of %d", ErrDecode, len(raw), aes.BlockSize)
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(plain, raw)

	plain, err = unpad(plain)
	if err != nil {
		return nil, err
	}
	if len(plain) < randomSize+lengthSize {
		return nil, fmt.Errorf("%w: payload too short (%d bytes)", ErrDecode, len(plain))
	}
	size := binary.BigEndian.Uint32(plain[randomSize : randomSize+lengthSize])
	rest := plain[randomSize+lengthSize:]
	if uint64(size) > uint64(len(rest)) {
		return nil, fmt.Errorf("%w: declared length %d exceeds remaining %d bytes", ErrDecode, size, len(rest))
	}
	body := rest[:size]
	if appID := string(rest[size:]); appID != c.appID {
		return nil, fmt.Errorf("%w: got %q", ErrAppIDMismatch, appID)
	}
	return append([]byte(nil), body...), nil
}

// Encrypt wraps plaintext in the random|length|body|appid layout, pads it to a
// 32-byte boundary and returns the base64 ciphertext.
func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	prefix, err := RandomString(randomSize)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	buf.Grow(randomSize + lengthSize + len(plaintext) + len(c.appID) + padBlock)
	buf.WriteString(prefix)
	var size [lengthSize]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(plaintext)))
	buf.Write(size[:])
	buf.Write(plaintext)
	buf.WriteString(c.appID)

	padded := pad(buf.Bytes())
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// pad appends PKCS#7 padding for a 32-byte block. An already aligned input
// receives a full extra block.
func pad(b []byte) []byte {
	n := padBlock - len(b)%padBlock
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n < 1 || n > padBlock || n > len(b) {
		return nil, fmt.Errorf("%w: padding length %d out of range", ErrDecode, n)
	}
	return b[:len(b)-n], nil
}

func restorePadding(s string) string {
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	return s
}

// unwrap removes surrounding whitespace and a CDATA section, if any.
func unwrap(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<![CDATA[") && strings.HasSuffix(s, "]]>") {
		s = strings.TrimSpace(s[len("<![CDATA[") : len(s)-len("]]>")])
	}
	return s
}

// RandomString returns n random alphanumeric characters from crypto/rand.
func RandomString(n int) (string, error) {
	max := big.NewInt(int64(len(alphanumSet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("envelope: random: %w", err)
		}
		out[i] = alphanumSet[idx.Int64()]
	}
	return string(out), nil
}
