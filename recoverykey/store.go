// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package recoverykey

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/matrix-e2ee/lib/clock"
	"github.com/bureau-foundation/matrix-e2ee/lib/codec"
	"github.com/bureau-foundation/matrix-e2ee/lib/sealed"
	"github.com/bureau-foundation/matrix-e2ee/lib/secret"
	"github.com/bureau-foundation/matrix-e2ee/lib/statefile"
)

// KeySize is the length of a decoded secret storage key.
const KeySize = 32

// ErrInvalidRecoveryKey is returned when an encoded key is not valid
// base64 or does not decode to KeySize bytes. Nothing is written when
// it is returned.
var ErrInvalidRecoveryKey = errors.New("recoverykey: invalid recovery key")

const recordVersion = 1

// record is the on-disk form, sealed before it touches the filesystem.
type record struct {
	Version   uint8  `cbor:"1,keyasint"`
	KeyID     string `cbor:"2,keyasint,omitempty"`
	Key       []byte `cbor:"3,keyasint"`
	CreatedAt int64  `cbor:"4,keyasint"`
}

// storedKey is the in-memory form.
type storedKey struct {
	keyID     string
	key       *secret.Buffer
	createdAt time.Time
}

// Config configures a Store.
type Config struct {
	// Path is the sealed record file.
	Path string

	// IdentityPath is the age identity that seals the record. Default:
	// Path + ".identity".
	IdentityPath string

	// Clock stamps new records. Default: clock.Real().
	Clock clock.Clock

	// Logger is used for structured logging. Default: slog.Default().
	Logger *slog.Logger
}

// Store holds at most one recovery key. It is safe for concurrent use.
type Store struct {
	path     string
	identity *sealed.Identity
	clock    clock.Clock
	logger   *slog.Logger

	// writeMu serializes file writes with the in-memory swap so the
	// record on disk and current always name the same key.
	writeMu sync.Mutex

	mu      sync.Mutex
	current *storedKey
}

// Summary describes the stored key without its material.
type Summary struct {
	Stored    bool      `json:"stored"`
	KeyID     string    `json:"key_id,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// StoreRequest is the input to StoreEncodedRecoveryKey.
type StoreRequest struct {
	// EncodedPrivateKey is the base64 key. Borrowed, not closed.
	EncodedPrivateKey *secret.Buffer

	// KeyID is the secret storage key id the key unlocks. A record
	// without one never satisfies a secret storage lookup.
	KeyID string
}

// Open loads (or creates) the sealing identity and any existing
// record. The caller must Close the Store.
func Open(config Config) (*Store, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("recoverykey: Path is required")
	}
	identityPath := config.IdentityPath
	if identityPath == "" {
		identityPath = config.Path + ".identity"
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	identity, err := sealed.LoadOrCreateIdentity(identityPath)
	if err != nil {
		return nil, fmt.Errorf("recoverykey: %w", err)
	}

	store := &Store{
		path:     config.Path,
		identity: identity,
		clock:    config.Clock,
		logger:   config.Logger,
	}
	if err := store.Load(); err != nil {
		identity.Close()
		return nil, err
	}
	return store, nil
}

// Load re-reads the record from disk, replacing the in-memory copy. A
// missing file leaves the store empty.
func (s *Store) Load() error {
	ciphertext, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.replace(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("recoverykey: reading %s: %w", s.path, err)
	}

	plaintext, err := sealed.Open(ciphertext, s.identity)
	if err != nil {
		return fmt.Errorf("recoverykey: opening %s: %w", s.path, err)
	}
	defer plaintext.Close()

	var decoded record
	if err := codec.Unmarshal(plaintext.Bytes(), &decoded); err != nil {
		return fmt.Errorf("recoverykey: decoding record: %w", err)
	}
	defer secret.Zero(decoded.Key)
	if decoded.Version != recordVersion {
		return fmt.Errorf("recoverykey: unsupported record version %d", decoded.Version)
	}
	if len(decoded.Key) != KeySize {
		return fmt.Errorf("recoverykey: stored key is %d bytes, want %d", len(decoded.Key), KeySize)
	}

	key, err := secret.NewFromBytes(decoded.Key)
	if err != nil {
		return err
	}
	s.replace(&storedKey{
		keyID:     decoded.KeyID,
		key:       key,
		createdAt: time.UnixMilli(decoded.CreatedAt).UTC(),
	})
	return nil
}

// StoreEncodedRecoveryKey decodes request.EncodedPrivateKey and
// persists it, replacing any previous record. On error nothing is
// written and the previous record stays in place.
func (s *Store) StoreEncodedRecoveryKey(ctx context.Context, request StoreRequest) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	if request.EncodedPrivateKey == nil {
		return Summary{}, fmt.Errorf("%w: no key supplied", ErrInvalidRecoveryKey)
	}
	key, err := DecodeKey(request.EncodedPrivateKey)
	if err != nil {
		return Summary{}, err
	}
	return s.storeKey(request.KeyID, key)
}

// StoreKey persists an already-decoded key. key is cloned, not
// retained.
func (s *Store) StoreKey(keyID string, key *secret.Buffer) (Summary, error) {
	if key == nil || key.Len() != KeySize {
		return Summary{}, fmt.Errorf("%w: key must be %d bytes", ErrInvalidRecoveryKey, KeySize)
	}
	clone, err := key.Clone()
	if err != nil {
		return Summary{}, err
	}
	return s.storeKey(keyID, clone)
}

// storeKey takes ownership of key.
func (s *Store) storeKey(keyID string, key *secret.Buffer) (Summary, error) {
	createdAt := s.clock.Now().UTC().Truncate(time.Millisecond)

	plaintext, err := codec.Marshal(record{
		Version:   recordVersion,
		KeyID:     keyID,
		Key:       key.Bytes(),
		CreatedAt: createdAt.UnixMilli(),
	})
	if err != nil {
		key.Close()
		return Summary{}, fmt.Errorf("recoverykey: encoding record: %w", err)
	}
	ciphertext, err := sealed.Seal(plaintext, s.identity.Recipient)
	secret.Zero(plaintext)
	if err != nil {
		key.Close()
		return Summary{}, fmt.Errorf("recoverykey: sealing record: %w", err)
	}
	s.writeMu.Lock()
	if err := statefile.WriteAtomic(s.path, ciphertext); err != nil {
		s.writeMu.Unlock()
		key.Close()
		return Summary{}, fmt.Errorf("recoverykey: %w", err)
	}
	stored := &storedKey{keyID: keyID, key: key, createdAt: createdAt}
	s.replace(stored)
	s.writeMu.Unlock()

	s.logger.Info("stored recovery key",
		"key_id", keyID,
		"created_at", createdAt,
	)
	return stored.summary(), nil
}

// Summary returns the key id and creation time of the stored key.
func (s *Store) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Summary{}
	}
	return s.current.summary()
}

// Clear removes the stored key from memory and disk.
func (s *Store) Clear() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.replace(nil)
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("recoverykey: removing %s: %w", s.path, err)
	}
	s.logger.Info("cleared stored recovery key")
	return nil
}

// DeriveKey derives a statefile sealing key for purpose from the
// store's age identity. Crypto snapshots are sealed with it so they are
// unreadable without the same identity file.
func (s *Store) DeriveKey(purpose string) (*secret.Buffer, error) {
	return statefile.DeriveKey(s.identity.PrivateKey, purpose)
}

// Close releases key material. Idempotent.
func (s *Store) Close() error {
	s.replace(nil)
	return s.identity.Close()
}

// CryptoCallbacks returns the secret storage resolver handed to the
// crypto backend.
func (s *Store) CryptoCallbacks() *Callbacks {
	return &Callbacks{store: s}
}

// replace swaps the current key, closing the old buffer.
func (s *Store) replace(next *storedKey) {
	s.mu.Lock()
	previous := s.current
	s.current = next
	s.mu.Unlock()
	if previous != nil {
		previous.key.Close()
	}
}

func (k *storedKey) summary() Summary {
	return Summary{Stored: true, KeyID: k.keyID, CreatedAt: k.createdAt}
}

// Callbacks resolves secret storage keys for the crypto backend.
type Callbacks struct {
	store *Store
}

// GetSecretStorageKey returns the stored key if its id is in keyIDs.
// The returned buffer is a copy the caller must Close. When no stored
// key matches it returns "", nil, nil: a key is never handed out for an
// id it was not verified against.
func (c *Callbacks) GetSecretStorageKey(ctx context.Context, keyIDs []string, secretName string) (string, *secret.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	current := c.store.current
	if current == nil || current.keyID == "" || !slices.Contains(keyIDs, current.keyID) {
		c.store.logger.Debug("no stored recovery key for secret storage request",
			"secret_name", secretName,
			"requested_key_ids", keyIDs,
		)
		return "", nil, nil
	}
	clone, err := current.key.Clone()
	if err != nil {
		return "", nil, err
	}
	return current.keyID, clone, nil
}

// DecodeKey decodes a base64 recovery key (standard or URL alphabet,
// padded or not, whitespace ignored) into a KeySize secret buffer. The
// caller must Close the result.
func DecodeKey(encoded *secret.Buffer) (*secret.Buffer, error) {
	compact := removeSpace(encoded.Bytes())
	defer secret.Zero(compact)
	if len(compact) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidRecoveryKey)
	}

	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(compact))+1)
	for _, encoding := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		n, err := encoding.Decode(decoded, compact)
		if err != nil {
			continue
		}
		if n != KeySize {
			secret.Zero(decoded)
			return nil, fmt.Errorf("%w: decodes to %d bytes, want %d", ErrInvalidRecoveryKey, n, KeySize)
		}
		key, err := secret.NewFromBytes(decoded[:n])
		secret.Zero(decoded)
		return key, err
	}
	secret.Zero(decoded)
	return nil, fmt.Errorf("%w: not valid base64", ErrInvalidRecoveryKey)
}

func removeSpace(data []byte) []byte {
	compact := make([]byte, 0, len(data))
	for _, b := range data {
		if b == ' ' || b == '\t' || b == '\n' || b == '\r' {
			continue
		}
		compact = append(compact, b)
	}
	return compact
}
