// Package encryption protects direct message bodies at rest with AES-256-GCM.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/hkdf"
)

const (
	blobVersion = 0x01
	keySize     = 32
	ivSize      = 12
	hkdfInfo    = "fedcore direct message encryption v1"
)

// Placeholder replaces entries of a batch that could not be decrypted.
const Placeholder = "[message could not be decrypted]"

var ErrEmptySecret = errors.New("encryption secret is empty")

// DecryptionError is returned when a blob is malformed or fails authentication.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return "decrypt: " + e.Reason + ": " + e.Err.Error()
	}
	return "decrypt: " + e.Reason
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// Cipher encrypts and decrypts message blobs. It is safe for concurrent use.
type Cipher struct {
	aead   cipher.AEAD
	legacy cipher.AEAD // nil unless legacy blobs are accepted
	rand   io.Reader
}

// Option customizes a Cipher.
type Option func(*Cipher)

// WithLegacyDecrypt accepts blobs written by the previous format, which has no
// version byte and uses the raw secret padded with '0' as key.
func WithLegacyDecrypt(secret string) Option {
	return func(c *Cipher) {
		aead, err := newGCM(legacyKey(secret))
		if err == nil {
			c.legacy = aead
		}
	}
}

// WithRandom replaces the IV source. Tests only.
func WithRandom(r io.Reader) Option {
	return func(c *Cipher) {
		c.rand = r
	}
}

// New derives the message key from secret with HKDF-SHA256.
func New(secret string, opts ...Option) (*Cipher, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	c := &Cipher{aead: aead, rand: rand.Reader}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	return cipher.NewGCM(block)
}

func legacyKey(secret string) []byte {
	if len(secret) >= keySize {
		return []byte(secret[:keySize])
	}
	return []byte(secret + strings.Repeat("0", keySize-len(secret)))
}

// Encrypt returns base64(version || iv || ciphertext || tag). A fresh IV is
// drawn for every call.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	out := make([]byte, 1+ivSize, 1+ivSize+len(plaintext)+c.aead.Overhead())
	out[0] = blobVersion
	iv := out[1 : 1+ivSize]
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	out = c.aead.Seal(out, iv, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (c *Cipher) Decrypt(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", &DecryptionError{Reason: "invalid base64", Err: err}
	}

	if len(raw) >= 1+ivSize+c.aead.Overhead() && raw[0] == blobVersion {
		plain, err := c.open(c.aead, raw[1:])
		if err == nil {
			return plain, nil
		}
		if c.legacy == nil {
			return "", &DecryptionError{Reason: "authentication failed", Err: err}
		}
	}

	// a legacy blob may start with 0x01 by chance, GCM authentication decides
	if c.legacy != nil && len(raw) >= ivSize+c.legacy.Overhead() {
		plain, err := c.open(c.legacy, raw)
		if err == nil {
			return plain, nil
		}
		return "", &DecryptionError{Reason: "authentication failed", Err: err}
	}

	if len(raw) < 1+ivSize+c.aead.Overhead() {
		return "", &DecryptionError{Reason: "blob too short"}
	}
	return "", &DecryptionError{Reason: "unknown blob version"}
}

func (c *Cipher) open(aead cipher.AEAD, ivAndCiphertext []byte) (string, error) {
	iv, ct := ivAndCiphertext[:ivSize], ivAndCiphertext[ivSize:]
	plain, err := aead.Open(nil, iv, ct, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// DecryptBatch decrypts blobs independently. Entries that fail are replaced
// with Placeholder and logged; the result has the same length as blobs.
func (c *Cipher) DecryptBatch(blobs []string) []string {
	out := make([]string, len(blobs))
	for i, blob := range blobs {
		plain, err := c.Decrypt(blob)
		if err != nil {
			log.Warn().Str("component", "encryption").Int("index", i).Err(err).Msg("Could not decrypt message")
			out[i] = Placeholder
			continue
		}
		out[i] = plain
	}
	return out
}
