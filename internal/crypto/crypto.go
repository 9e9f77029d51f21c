// internal/crypto/crypto.go
// Package crypto implements per-blob authenticated encryption for cached
// studies and sealed-box protection for the stored PACS password.
//
// Key material is exported alongside each ciphertext and stored in the same
// object store record. Store compromise therefore equals data compromise;
// the threat model is "no plaintext studies on disk", not resistance to a
// local attacker holding the store.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"

	errordefs "github.com/photonic-rad/photonic-agent/internal/errors"
)

const (
	// KeySize is the symmetric key length: 256 bits.
	KeySize = 32
	// IVSize is the GCM nonce length: 96 bits.
	IVSize = 12
	// sealNonceSize is the secretbox nonce length.
	sealNonceSize = 24
)

// Sealed is the result of encrypting one payload. A fresh random key and IV
// are generated per call; the pair must never be reused.
type Sealed struct {
	Ciphertext []byte // AES-256-GCM ciphertext with appended tag
	Key        []byte // Random 256-bit key
	IV         []byte // Random 96-bit nonce
	Size       int64  // Plaintext size in bytes
}

// Encrypt encrypts plaintext under a fresh random key and IV using
// AES-256-GCM. The returned Sealed carries everything needed to decrypt.
func Encrypt(plaintext []byte) (*Sealed, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	return &Sealed{
		Ciphertext: aead.Seal(nil, iv, plaintext, nil),
		Key:        key,
		IV:         iv,
		Size:       int64(len(plaintext)),
	}, nil
}

// Decrypt recovers the plaintext from a ciphertext/key/IV tuple. It fails
// with a PH_DECRYPTION error if the tuple is inconsistent or the ciphertext
// was tampered with; corrupted data is never returned.
func Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, errordefs.Newf(errordefs.PH_DECRYPTION, "invalid key length %d", len(key))
	}
	if len(iv) != IVSize {
		return nil, errordefs.Newf(errordefs.PH_DECRYPTION, "invalid IV length %d", len(iv))
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, errordefs.New(errordefs.PH_DECRYPTION, "ciphertext authentication failed", "")
	}
	return plaintext, nil
}

// newGCM builds the AEAD for a 256-bit key.
func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

// SealPassword protects a password at rest under the agent's seal key using
// a NaCl secretbox. The random nonce is prepended to the box.
func SealPassword(password []byte, sealKey *[KeySize]byte) ([]byte, error) {
	var nonce [sealNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], password, &nonce, sealKey), nil
}

// OpenPassword recovers a password sealed by SealPassword. It fails with a
// PH_DECRYPTION error on tampering or a wrong seal key.
func OpenPassword(sealed []byte, sealKey *[KeySize]byte) ([]byte, error) {
	if len(sealed) < sealNonceSize {
		return nil, errordefs.New(errordefs.PH_DECRYPTION, "sealed password too short", "")
	}
	var nonce [sealNonceSize]byte
	copy(nonce[:], sealed[:sealNonceSize])

	password, ok := secretbox.Open(nil, sealed[sealNonceSize:], &nonce, sealKey)
	if !ok {
		return nil, errordefs.New(errordefs.PH_DECRYPTION, "sealed password authentication failed", "")
	}
	return password, nil
}
