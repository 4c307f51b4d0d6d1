// Package crypto implements the symmetric envelope protecting backend server
// secrets (arguments, environment values, headers) at rest.
//
// Tokens are XChaCha20-Poly1305 sealed and laid out as
// version || nonce || ciphertext+tag, base64-encoded for a text column.
// A fresh random nonce is drawn per call; the envelope holds no lock and is
// safe for concurrent use.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// envelopeVersion is the current token layout version. Unknown versions are
// rejected on decrypt so the layout can evolve without silent corruption.
const envelopeVersion = 0x01

// ErrDecrypt is returned when a token cannot be opened: tampered ciphertext,
// a wrong key, or a truncated token. The cause is deliberately not detailed
// further to avoid leaking key material into logs.
var ErrDecrypt = errors.New("unable to decrypt token")

// ErrUnknownVersion is returned when a token carries an unrecognized
// envelope version.
var ErrUnknownVersion = errors.New("unknown envelope version")

// Envelope encrypts and decrypts short secrets with a process-lifetime key.
type Envelope struct {
	key []byte
}

// NewEnvelope derives the envelope key from the configured key material.
// The material is hashed so operators may supply a passphrase of any length.
func NewEnvelope(keyMaterial string) (*Envelope, error) {
	if keyMaterial == "" {
		return nil, errors.New("encryption key cannot be empty")
	}
	sum := sha256.Sum256([]byte(keyMaterial))
	return &Envelope{key: sum[:]}, nil
}

// Encrypt seals plaintext and returns a base64 token.
func (e *Envelope) Encrypt(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return "", fmt.Errorf("failed to construct AEAD: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	token := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	token = append(token, envelopeVersion)
	token = append(token, nonce...)
	token = aead.Seal(token, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(token), nil
}

// Decrypt opens a base64 token produced by Encrypt.
func (e *Envelope) Decrypt(token string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(raw) < 1 {
		return nil, ErrDecrypt
	}
	if raw[0] != envelopeVersion {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownVersion, raw[0])
	}

	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to construct AEAD: %w", err)
	}
	if len(raw) < 1+aead.NonceSize() {
		return nil, ErrDecrypt
	}

	nonce := raw[1 : 1+aead.NonceSize()]
	ciphertext := raw[1+aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// EncryptString seals a string secret.
func (e *Envelope) EncryptString(plaintext string) (string, error) {
	return e.Encrypt([]byte(plaintext))
}

// DecryptString opens a token into a string secret.
func (e *Envelope) DecryptString(token string) (string, error) {
	plaintext, err := e.Decrypt(token)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
