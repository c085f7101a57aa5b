// Package crypto provides the message encryption codec.
//
// Message text is never stored in the clear. The codec is injected into the
// message service at construction so tests can substitute a fake.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/quietmind/quietmind/internal/domain"
)

// Codec encrypts and decrypts message text.
type Codec interface {
	// Encrypt seals plaintext and returns the nonce (IV) and ciphertext.
	// The authentication tag is appended to the ciphertext.
	Encrypt(plaintext string) (nonce, ciphertext []byte, err error)

	// Decrypt opens ciphertext produced by Encrypt. Authentication failure
	// returns an error matching domain.ErrDecryption.
	Decrypt(nonce, ciphertext []byte) (string, error)
}

// KeySize is the required encryption key length in bytes (AES-256).
const KeySize = 32

// AESGCM is an AES-256-GCM Codec.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM creates a codec from a 32-byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce.
func (c *AESGCM) Encrypt(plaintext string) ([]byte, []byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return nonce, ciphertext, nil
}

// Decrypt opens ciphertext. Any tampering or key mismatch fails
// authentication and surfaces as domain.ErrDecryption.
func (c *AESGCM) Decrypt(nonce, ciphertext []byte) (string, error) {
	if len(nonce) != c.aead.NonceSize() {
		return "", fmt.Errorf("%w: bad nonce length %d", domain.ErrDecryption, len(nonce))
	}
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return string(plaintext), nil
}
