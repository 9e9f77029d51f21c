// Package cred persists PACS credentials on disk with the password sealed
// under a machine-local key, so a copied credentials file is useless without
// the key material.
package cred

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/photonic-rad/photonic-agent/internal/crypto"
	errordefs "github.com/photonic-rad/photonic-agent/internal/errors"
)

const fileMode = 0o600

// File stores credentials as JSON with a sealed password.
type File struct {
	path    string
	sealKey [crypto.KeySize]byte
}

// stored is the on-disk representation.
type stored struct {
	Username       string `json:"username"`
	SealedPassword string `json:"sealed_password"`
}

// NewFile creates a credentials store at path. The seal secret is stretched
// to the secretbox key size; it must stay stable across restarts.
func NewFile(path, sealSecret string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("credentials path is empty")
	}
	if sealSecret == "" {
		return nil, fmt.Errorf("seal secret is empty")
	}
	f := &File{path: path}
	f.sealKey = sha256.Sum256([]byte(sealSecret))
	return f, nil
}

// Save seals the password and writes the credentials file, creating parent
// directories as needed.
func (f *File) Save(username, password string) error {
	sealed, err := crypto.SealPassword([]byte(password), &f.sealKey)
	if err != nil {
		return fmt.Errorf("failed to seal password: %w", err)
	}

	data, err := json.MarshalIndent(stored{
		Username:       username,
		SealedPassword: base64.StdEncoding.EncodeToString(sealed),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}
	if err := os.WriteFile(f.path, data, fileMode); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	return nil
}

// Credentials implements pacs.CredentialsProvider by reading and unsealing
// the stored credentials.
func (f *File) Credentials(ctx context.Context) (string, string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", errordefs.New(errordefs.PH_AUTH, "no credentials on file", "")
		}
		return "", "", fmt.Errorf("failed to read credentials file: %w", err)
	}

	var s stored
	if err := json.Unmarshal(data, &s); err != nil {
		return "", "", fmt.Errorf("invalid credentials file: %w", err)
	}

	sealed, err := base64.StdEncoding.DecodeString(s.SealedPassword)
	if err != nil {
		return "", "", fmt.Errorf("invalid sealed password encoding: %w", err)
	}

	password, err := crypto.OpenPassword(sealed, &f.sealKey)
	if err != nil {
		return "", "", err
	}
	return s.Username, string(password), nil
}

// Delete removes the credentials file. Missing files are not an error.
func (f *File) Delete() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credentials file: %w", err)
	}
	return nil
}
