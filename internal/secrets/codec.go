// Package secrets encrypts values stored at rest (credential blobs, key lists).
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	versionPrefix = "v1:"
	hkdfInfo      = "contractai/secrets/v1"
)

// DecryptError reports malformed or tampered ciphertext.
type DecryptError struct {
	Reason string
	Err    error
}

func (e *DecryptError) Error() string {
	if e.Err != nil {
		return "decrypt: " + e.Reason + ": " + e.Err.Error()
	}
	return "decrypt: " + e.Reason
}

func (e *DecryptError) Unwrap() error { return e.Err }

// Decrypter is the read side used by the credential parser and key pool.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
	DecryptJSON(ciphertext string, v any) error
}

// Codec is an AES-256-GCM codec keyed from a configured secret via HKDF.
type Codec struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewCodec derives the data key from secret. The secret must not be empty.
func NewCodec(secret string) (*Codec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("secrets: encryption key is empty")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("secrets: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Codec{aead: aead, rand: rand.Reader}, nil
}

// Encrypt seals plaintext as "v1:" + base64(nonce||ciphertext).
func (c *Codec) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return versionPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// EncryptJSON marshals v and encrypts the result.
func (c *Codec) EncryptJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return c.Encrypt(string(b))
}

func (c *Codec) Decrypt(ciphertext string) (string, error) {
	ciphertext = strings.TrimSpace(ciphertext)
	if !strings.HasPrefix(ciphertext, versionPrefix) {
		return "", &DecryptError{Reason: "unknown format"}
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, versionPrefix))
	if err != nil {
		return "", &DecryptError{Reason: "bad encoding", Err: err}
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return "", &DecryptError{Reason: "ciphertext too short"}
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", &DecryptError{Reason: "authentication failed", Err: err}
	}
	return string(plain), nil
}

// DecryptJSON decrypts and unmarshals into v.
func (c *Codec) DecryptJSON(ciphertext string, v any) error {
	plain, err := c.Decrypt(ciphertext)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(plain), v); err != nil {
		return &DecryptError{Reason: "decrypted value is not JSON", Err: err}
	}
	return nil
}
