// Package crypto provides tests for blob encryption and password sealing.
package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	errordefs "github.com/photonic-rad/photonic-agent/internal/errors"
)

// TestEncryptDecryptRoundTrip verifies decrypt(encrypt(P)) == P.
func TestEncryptDecryptRoundTrip(t *testing.T) {
	payload := []byte("opaque dicom archive bytes")

	sealed, err := Encrypt(payload)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if sealed.Size != int64(len(payload)) {
		t.Errorf("Sealed.Size = %d, want %d", sealed.Size, len(payload))
	}
	if len(sealed.Key) != KeySize {
		t.Errorf("key length = %d, want %d", len(sealed.Key), KeySize)
	}
	if len(sealed.IV) != IVSize {
		t.Errorf("IV length = %d, want %d", len(sealed.IV), IVSize)
	}
	if bytes.Contains(sealed.Ciphertext, payload) {
		t.Error("ciphertext contains the plaintext")
	}

	got, err := Decrypt(sealed.Ciphertext, sealed.Key, sealed.IV)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Decrypt() = %q, want %q", got, payload)
	}
}

// TestEncryptFreshKeyPerCall verifies each call draws new key material.
func TestEncryptFreshKeyPerCall(t *testing.T) {
	payload := []byte("same payload")

	a, err := Encrypt(payload)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	b, err := Encrypt(payload)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if bytes.Equal(a.Key, b.Key) {
		t.Error("two Encrypt() calls produced the same key")
	}
	if bytes.Equal(a.IV, b.IV) {
		t.Error("two Encrypt() calls produced the same IV")
	}
	if bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Error("two Encrypt() calls produced the same ciphertext")
	}
}

// TestDecryptWrongKey verifies decryption with a wrong key fails with a
// DECRYPTION error rather than returning corrupted data.
func TestDecryptWrongKey(t *testing.T) {
	sealed, err := Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	wrongKey := make([]byte, KeySize)
	if _, err := rand.Read(wrongKey); err != nil {
		t.Fatal(err)
	}

	_, err = Decrypt(sealed.Ciphertext, wrongKey, sealed.IV)
	if err == nil {
		t.Fatal("Decrypt() with wrong key succeeded")
	}
	if !errors.Is(err, errordefs.New(errordefs.PH_DECRYPTION, "", "")) {
		t.Errorf("Decrypt() error code = %v, want PH_DECRYPTION", errordefs.CodeOf(err))
	}
}

// TestDecryptTamperedCiphertext verifies a flipped ciphertext bit is caught.
func TestDecryptTamperedCiphertext(t *testing.T) {
	sealed, err := Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	sealed.Ciphertext[0] ^= 0x01
	if _, err := Decrypt(sealed.Ciphertext, sealed.Key, sealed.IV); err == nil {
		t.Error("Decrypt() accepted tampered ciphertext")
	}
}

// TestDecryptBadLengths verifies malformed key/IV sizes are rejected.
func TestDecryptBadLengths(t *testing.T) {
	sealed, err := Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := Decrypt(sealed.Ciphertext, sealed.Key[:16], sealed.IV); err == nil {
		t.Error("Decrypt() accepted a short key")
	}
	if _, err := Decrypt(sealed.Ciphertext, sealed.Key, sealed.IV[:8]); err == nil {
		t.Error("Decrypt() accepted a short IV")
	}
}

// TestSealOpenPassword verifies the sealed-box round trip for credentials.
func TestSealOpenPassword(t *testing.T) {
	var sealKey [KeySize]byte
	if _, err := rand.Read(sealKey[:]); err != nil {
		t.Fatal(err)
	}

	sealed, err := SealPassword([]byte("hunter2"), &sealKey)
	if err != nil {
		t.Fatalf("SealPassword() error = %v", err)
	}
	if bytes.Contains(sealed, []byte("hunter2")) {
		t.Error("sealed box contains the plaintext password")
	}

	opened, err := OpenPassword(sealed, &sealKey)
	if err != nil {
		t.Fatalf("OpenPassword() error = %v", err)
	}
	if string(opened) != "hunter2" {
		t.Errorf("OpenPassword() = %q, want %q", opened, "hunter2")
	}

	var wrongKey [KeySize]byte
	if _, err := rand.Read(wrongKey[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenPassword(sealed, &wrongKey); err == nil {
		t.Error("OpenPassword() succeeded with the wrong seal key")
	}
}
