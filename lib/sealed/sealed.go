// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"filippo.io/age"

	"github.com/bureau-foundation/matrix-e2ee/lib/secret"
)

// Identity is an age x25519 identity. The private half stays in a
// secret.Buffer; Recipient is the public half and safe to log.
type Identity struct {
	PrivateKey *secret.Buffer
	Recipient  string
}

// Close releases the private key memory. Idempotent.
func (i *Identity) Close() error {
	if i == nil || i.PrivateKey == nil {
		return nil
	}
	return i.PrivateKey.Close()
}

// GenerateIdentity creates a new x25519 identity.
func GenerateIdentity() (*Identity, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	privateKey, err := secret.NewFromString(identity.String())
	if err != nil {
		return nil, fmt.Errorf("protecting age identity: %w", err)
	}
	return &Identity{
		PrivateKey: privateKey,
		Recipient:  identity.Recipient().String(),
	}, nil
}

// ParseIdentity validates privateKey (AGE-SECRET-KEY-1… form) and
// derives its recipient. privateKey is borrowed, not closed.
func ParseIdentity(privateKey *secret.Buffer) (*Identity, error) {
	parsed, err := age.ParseX25519Identity(privateKey.Reveal())
	if err != nil {
		return nil, fmt.Errorf("invalid age identity: %w", err)
	}
	clone, err := privateKey.Clone()
	if err != nil {
		return nil, err
	}
	return &Identity{PrivateKey: clone, Recipient: parsed.Recipient().String()}, nil
}

// LoadOrCreateIdentity reads the identity at path. If the file does not
// exist, a new identity is generated and written with mode 0600. The
// caller must Close the returned Identity.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	privateKey, err := secret.ReadFromPath(path)
	if err == nil {
		defer privateKey.Close()
		return ParseIdentity(privateKey)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading age identity %s: %w", path, err)
	}

	identity, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		identity.Close()
		return nil, fmt.Errorf("creating identity directory: %w", err)
	}
	// O_EXCL: two processes racing to create the identity must not
	// silently overwrite each other's key.
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		identity.Close()
		if errors.Is(err, fs.ErrExist) {
			return LoadOrCreateIdentity(path)
		}
		return nil, fmt.Errorf("creating age identity %s: %w", path, err)
	}
	_, writeErr := file.Write(identity.PrivateKey.Bytes())
	if writeErr == nil {
		_, writeErr = file.Write([]byte("\n"))
	}
	closeErr := file.Close()
	if writeErr != nil || closeErr != nil {
		identity.Close()
		os.Remove(path)
		return nil, fmt.Errorf("writing age identity %s: %w", path, errors.Join(writeErr, closeErr))
	}
	return identity, nil
}

// Seal encrypts plaintext to recipient (age1… form).
func Seal(plaintext []byte, recipient string) ([]byte, error) {
	parsed, err := age.ParseX25519Recipient(recipient)
	if err != nil {
		return nil, fmt.Errorf("parsing recipient %q: %w", recipient, err)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, parsed)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return ciphertext.Bytes(), nil
}

// Open decrypts ciphertext with identity. The plaintext is returned in
// a secret.Buffer the caller must Close.
func Open(ciphertext []byte, identity *Identity) (*secret.Buffer, error) {
	parsed, err := age.ParseX25519Identity(identity.PrivateKey.Reveal())
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), parsed)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("decrypted plaintext is empty")
	}
	return secret.NewFromBytes(plaintext)
}
