package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// NonceSize is the size of the GCM nonce prefixed to every sealed blob.
const NonceSize = 12

var (
	// ErrTooShort is returned when a blob cannot even hold a nonce.
	ErrTooShort = errors.New("ciphertext too short")
	// ErrAuthFailed is returned when the GCM tag does not verify (wrong key or tampered data).
	ErrAuthFailed = errors.New("decryption failed: authentication tag mismatch")
	// ErrMalformedEnvelope is returned when an envelope is not valid base64.
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// Cipher seals and opens relay payloads. It holds no mutable state and is
// safe for concurrent use.
type Cipher struct {
	aead        cipher.AEAD
	fingerprint string
}

// NewCipher builds a cipher from an operator secret, see NormalizeKey.
func NewCipher(secret string) (*Cipher, error) {
	return NewCipherFromKey(NormalizeKey(secret))
}

// NewCipherFromKey builds a cipher from an already normalized 32 byte key.
func NewCipherFromKey(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size %d, want %d", len(key), KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	sum := sha256.Sum256(key)
	return &Cipher{
		aead:        aead,
		fingerprint: hex.EncodeToString(sum[:4]),
	}, nil
}

// Fingerprint identifies the key in logs without revealing it.
func (c *Cipher) Fingerprint() string {
	return c.fingerprint
}

// Encrypt returns nonce ‖ ciphertext ‖ tag using a fresh random nonce.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt.
func (c *Cipher) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < NonceSize {
		return nil, ErrTooShort
	}

	plaintext, err := c.aead.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// EncryptJSON serializes v and returns the sealed bytes as padded standard base64.
func (c *Cipher) EncryptJSON(v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	sealed, err := c.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptJSON opens a base64 envelope and unmarshals the plaintext into v.
func (c *Cipher) DecryptJSON(envelope string, v any) error {
	plaintext, err := c.DecryptString(envelope)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}

// DecryptString opens a base64 envelope and returns the raw plaintext.
func (c *Cipher) DecryptString(envelope string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return c.Decrypt(sealed)
}
