package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/quietmind/quietmind/internal/domain"
)

func testKey() []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestRoundTrip(t *testing.T) {
	codec, err := NewAESGCM(testKey())
	if err != nil {
		t.Fatalf("NewAESGCM failed: %v", err)
	}

	nonce, ciphertext, err := codec.Encrypt("i had a rough day")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	got, err := codec.Decrypt(nonce, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if got != "i had a rough day" {
		t.Errorf("roundtrip mismatch: got %q", got)
	}
}

func TestNoncesAreFresh(t *testing.T) {
	codec, err := NewAESGCM(testKey())
	if err != nil {
		t.Fatalf("NewAESGCM failed: %v", err)
	}

	n1, c1, err := codec.Encrypt("same text")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	n2, c2, err := codec.Encrypt("same text")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if bytes.Equal(n1, n2) {
		t.Error("two encryptions reused a nonce")
	}
	if bytes.Equal(c1, c2) {
		t.Error("two encryptions of the same text produced identical ciphertext")
	}
}

func TestTamperedCiphertextFailsAsDecryptionError(t *testing.T) {
	codec, err := NewAESGCM(testKey())
	if err != nil {
		t.Fatalf("NewAESGCM failed: %v", err)
	}

	nonce, ciphertext, err := codec.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	ciphertext[0] ^= 0xff
	_, err = codec.Decrypt(nonce, ciphertext)
	if !errors.Is(err, domain.ErrDecryption) {
		t.Errorf("expected ErrDecryption, got %v", err)
	}
}

func TestBadNonceFailsAsDecryptionError(t *testing.T) {
	codec, err := NewAESGCM(testKey())
	if err != nil {
		t.Fatalf("NewAESGCM failed: %v", err)
	}

	_, ciphertext, err := codec.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	_, err = codec.Decrypt([]byte{0x01}, ciphertext)
	if !errors.Is(err, domain.ErrDecryption) {
		t.Errorf("expected ErrDecryption for short nonce, got %v", err)
	}
}

func TestKeyLengthEnforced(t *testing.T) {
	if _, err := NewAESGCM([]byte("short")); err == nil {
		t.Error("expected error for short key")
	}
}
