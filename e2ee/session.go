// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/matrix-e2ee/lib/clock"
	"github.com/bureau-foundation/matrix-e2ee/lib/secret"
	"github.com/bureau-foundation/matrix-e2ee/lib/statefile"
	"github.com/bureau-foundation/matrix-e2ee/messaging"
	"github.com/bureau-foundation/matrix-e2ee/recoverykey"
)

// snapshotKeyPurpose names the statefile key derived from the recovery
// store identity for sealing crypto snapshots.
const snapshotKeyPurpose = "bureau-e2ee crypto-state v1"

// RetryConfig tunes the decrypt retry backoff. The retry cap is fixed.
type RetryConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// SyncConfig configures Session.Run.
type SyncConfig struct {
	// Timeout is the server-side long-poll timeout. Default: 30s.
	Timeout time.Duration

	// Filter is a filter id or inline JSON filter.
	Filter string

	// MaxBackoff caps the wait between failed polls. The wait starts
	// at one second and doubles. Default: 30s.
	MaxBackoff time.Duration
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// Homeserver is the authenticated client-server API. Required.
	Homeserver Homeserver

	// EncryptionEnabled turns the crypto backend on. When false the
	// session still routes plaintext sync traffic and every crypto
	// operation returns ErrCryptoUnavailable.
	EncryptionEnabled bool

	// NewBackend constructs the crypto backend at Start. Required when
	// EncryptionEnabled.
	NewBackend BackendFactory

	// Password authorizes cross-signing uploads and forced resets.
	// Optional. Borrowed: the caller closes it after Stop.
	Password *secret.Buffer

	// RecoveryKeys stores the recovery key and resolves secret storage
	// lookups. Optional; without it recovery keys cannot be applied and
	// snapshots cannot be sealed. Borrowed.
	RecoveryKeys *recoverykey.Store

	// SnapshotPath is the crypto-state snapshot file. Empty disables
	// snapshots.
	SnapshotPath string

	// SnapshotInterval is the period of background snapshot writes.
	// Default: DefaultSnapshotInterval.
	SnapshotInterval time.Duration

	// SnapshotCompression is applied to snapshot payloads.
	SnapshotCompression statefile.Compression

	// SealSnapshots encrypts snapshots with a key derived from the
	// recovery store identity. Requires RecoveryKeys.
	SealSnapshots bool

	Retry RetryConfig
	Sync  SyncConfig

	// Clock drives retries, snapshots, and sync backoff. Default:
	// clock.Real().
	Clock clock.Clock

	// Logger is used for structured logging. Default: slog.Default().
	Logger *slog.Logger
}

// VerificationStatus is the own device's verification and backup state.
type VerificationStatus struct {
	EncryptionEnabled    bool          `json:"encryption_enabled"`
	Verified             bool          `json:"verified"`
	UserID               string        `json:"user_id"`
	DeviceID             string        `json:"device_id"`
	BackupVersion        string        `json:"backup_version,omitempty"`
	Backup               *BackupStatus `json:"backup,omitempty"`
	RecoveryKeyStored    bool          `json:"recovery_key_stored"`
	RecoveryKeyCreatedAt *time.Time    `json:"recovery_key_created_at,omitempty"`
	RecoveryKeyID        string        `json:"recovery_key_id,omitempty"`
}

// BootstrapRequest configures BootstrapOwnDeviceVerification.
type BootstrapRequest struct {
	// ForceResetCrossSigning replaces the cross-signing identity.
	ForceResetCrossSigning bool
}

// BootstrapResult reports BootstrapOwnDeviceVerification. An incomplete
// bootstrap is a result, not an error.
type BootstrapResult struct {
	Success              bool                    `json:"success"`
	Error                string                  `json:"error,omitempty"`
	Verification         VerificationStatus      `json:"verification"`
	CrossSigning         CrossSigningPublication `json:"cross_signing"`
	PendingVerifications int                     `json:"pending_verifications"`
	CryptoBootstrap      BootstrapOutcome        `json:"crypto_bootstrap"`
}

// RecoveryKeyResult reports VerifyWithRecoveryKey.
type RecoveryKeyResult struct {
	Success         bool                `json:"success"`
	Error           string              `json:"error,omitempty"`
	KeyID           string              `json:"key_id"`
	BackupKeyLoaded bool                `json:"backup_key_loaded"`
	OwnDeviceSigned bool                `json:"own_device_signed"`
	Verification    *VerificationStatus `json:"verification,omitempty"`
}

type sessionState int

const (
	sessionNew sessionState = iota
	sessionStarted
	sessionStopped
)

// cryptoState is everything that exists only while the backend runs.
type cryptoState struct {
	backend      Backend
	caps         capabilities
	bootstrapper *Bootstrapper
	backup       *BackupHealth
}

// Session is the E2EE facade for one account and device. It owns the
// crypto backend, the decrypt retry bridge, the verification registry,
// and the snapshot persister, and fans notifications out to
// subscribers.
type Session struct {
	config     SessionConfig
	homeserver Homeserver
	clock      clock.Clock
	logger     *slog.Logger

	bridge        *DecryptBridge
	verifications *VerificationManager

	// crypto is nil unless the backend is running.
	crypto atomic.Pointer[cryptoState]

	mu        sync.Mutex
	state     sessionState
	snapshots *snapshotPersister
	detach    []func()

	subscribersMu  sync.RWMutex
	subscribers    map[uint64]Handler
	nextSubscriber uint64

	// syncMu guards the sync position and the joined room set.
	syncMu      sync.Mutex
	sinceToken  string
	joinedRooms map[string]struct{}
}

// NewSession validates config and returns an unstarted session.
func NewSession(config SessionConfig) (*Session, error) {
	if config.Homeserver == nil {
		return nil, fmt.Errorf("e2ee: SessionConfig.Homeserver is required")
	}
	if config.EncryptionEnabled && config.NewBackend == nil {
		return nil, fmt.Errorf("e2ee: SessionConfig.NewBackend is required when encryption is enabled")
	}
	if config.SealSnapshots && config.SnapshotPath != "" && config.RecoveryKeys == nil {
		return nil, fmt.Errorf("e2ee: sealed snapshots require SessionConfig.RecoveryKeys")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	session := &Session{
		config:      config,
		homeserver:  config.Homeserver,
		clock:       config.Clock,
		logger:      config.Logger,
		subscribers: make(map[uint64]Handler),
		joinedRooms: make(map[string]struct{}),
	}
	bridge, err := NewDecryptBridge(BridgeConfig{
		Decrypt:   session.decryptEvent,
		Emit:      session.emit,
		Clock:     config.Clock,
		BaseDelay: config.Retry.BaseDelay,
		MaxDelay:  config.Retry.MaxDelay,
		Logger:    config.Logger.With("component", "decrypt-bridge"),
	})
	if err != nil {
		return nil, err
	}
	session.bridge = bridge
	session.verifications = NewVerificationManager(config.Clock, config.Logger)
	return session, nil
}

// Start resolves the account identity and, with encryption enabled,
// constructs the backend, imports the last snapshot, attaches backend
// listeners, and writes the first snapshot. A failed first snapshot
// write is logged, not returned. Start on a started session is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case sessionStarted:
		return nil
	case sessionStopped:
		return ErrSessionStopped
	}

	if err := s.homeserver.ResolveIdentity(ctx); err != nil {
		return fmt.Errorf("e2ee: resolving account identity: %w", err)
	}
	logger := s.logger.With("user_id", s.homeserver.UserID(), "device_id", s.homeserver.DeviceID())

	if !s.config.EncryptionEnabled {
		s.state = sessionStarted
		logger.Info("session started with encryption disabled")
		return nil
	}

	dependencies := BackendDependencies{
		Homeserver: s.homeserver,
		Logger:     s.logger.With("component", "crypto-backend"),
	}
	if s.config.RecoveryKeys != nil {
		dependencies.SecretStorage = s.config.RecoveryKeys.CryptoCallbacks()
	}
	backend, err := s.config.NewBackend(dependencies)
	if err != nil {
		return fmt.Errorf("e2ee: constructing crypto backend: %w", err)
	}
	caps := discoverCapabilities(backend)

	var snapshotKey *secret.Buffer
	if s.config.SnapshotPath != "" && s.config.SealSnapshots {
		snapshotKey, err = s.config.RecoveryKeys.DeriveKey(snapshotKeyPurpose)
		if err != nil {
			backend.Close()
			return fmt.Errorf("e2ee: deriving snapshot key: %w", err)
		}
	}
	if s.config.SnapshotPath != "" && caps.importer != nil {
		if err := restoreSnapshot(ctx, s.config.SnapshotPath, snapshotKey, caps.importer, logger); err != nil {
			if snapshotKey != nil {
				snapshotKey.Close()
			}
			backend.Close()
			return err
		}
	}

	crypto := &cryptoState{
		backend:      backend,
		caps:         caps,
		bootstrapper: NewBootstrapper(backend, s.homeserver, s.config.Password, s.logger),
	}
	crypto.backup = NewBackupHealth(backend, s.homeserver, func(ctx context.Context, encoded *secret.Buffer) error {
		_, err := s.storeRecoveryKey(ctx, crypto, encoded)
		return err
	}, s.clock, s.logger)
	s.crypto.Store(crypto)

	if caps.keyNotifier != nil {
		s.detach = append(s.detach, caps.keyNotifier.NotifyKeyAvailability(func() {
			s.bridge.RetryPending(context.Background())
		}))
	}
	if caps.decryptNotify != nil {
		s.detach = append(s.detach, caps.decryptNotify.NotifyDecrypted(s.bridge.HandleDecrypted))
	}

	switch {
	case s.config.SnapshotPath != "" && caps.exporter != nil:
		s.snapshots = newSnapshotPersister(snapshotConfig{
			Path:        s.config.SnapshotPath,
			Exporter:    caps.exporter,
			Compression: s.config.SnapshotCompression,
			Key:         snapshotKey,
			Interval:    s.config.SnapshotInterval,
			Clock:       s.clock,
			Logger:      s.logger,
		})
		if err := s.snapshots.start(ctx); err != nil {
			logger.Warn("initial crypto snapshot failed", "error", err)
		}
	case snapshotKey != nil:
		snapshotKey.Close()
	}

	s.state = sessionStarted
	logger.Info("session started with encryption enabled")
	return nil
}

// Stop cancels pending decrypt retries, detaches backend listeners,
// stops the snapshot ticker, writes a final snapshot, and closes the
// backend. The returned error is the final flush or close failure;
// callers may ignore it. Stop is permanent.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == sessionStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = sessionStopped
	crypto := s.crypto.Swap(nil)
	snapshots := s.snapshots
	s.snapshots = nil
	detach := s.detach
	s.detach = nil
	s.mu.Unlock()

	s.bridge.Stop()
	for _, detachListener := range detach {
		detachListener()
	}
	s.verifications.Clear()

	var errs []error
	if snapshots != nil {
		if err := snapshots.stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if crypto != nil {
		if err := crypto.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("e2ee: closing crypto backend: %w", err))
		}
	}
	s.logger.Info("session stopped")
	return errors.Join(errs...)
}

// Subscribe registers handler for the event stream and returns a
// function that removes it.
func (s *Session) Subscribe(handler Handler) func() {
	s.subscribersMu.Lock()
	id := s.nextSubscriber
	s.nextSubscriber++
	s.subscribers[id] = handler
	s.subscribersMu.Unlock()

	return func() {
		s.subscribersMu.Lock()
		delete(s.subscribers, id)
		s.subscribersMu.Unlock()
	}
}

func (s *Session) emit(notification Notification) {
	s.subscribersMu.RLock()
	ids := make([]uint64, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.subscribers[id])
	}
	s.subscribersMu.RUnlock()

	for _, handler := range handlers {
		handler(notification)
	}
}

func (s *Session) requireCrypto() (*cryptoState, error) {
	crypto := s.crypto.Load()
	if crypto == nil {
		return nil, ErrCryptoUnavailable
	}
	return crypto, nil
}

func (s *Session) decryptEvent(ctx context.Context, event messaging.Event) (messaging.Event, error) {
	crypto, err := s.requireCrypto()
	if err != nil {
		return messaging.Event{}, err
	}
	return crypto.backend.DecryptEvent(ctx, event)
}

// OwnDeviceVerificationStatus reports whether this device is verified,
// the backup status, and the stored recovery key summary. With
// encryption disabled it reports EncryptionEnabled false and no error.
func (s *Session) OwnDeviceVerificationStatus(ctx context.Context) (VerificationStatus, error) {
	status := VerificationStatus{
		EncryptionEnabled: s.config.EncryptionEnabled,
		UserID:            s.homeserver.UserID(),
		DeviceID:          s.homeserver.DeviceID(),
	}
	if s.config.RecoveryKeys != nil {
		summary := s.config.RecoveryKeys.Summary()
		status.RecoveryKeyStored = summary.Stored
		status.RecoveryKeyID = summary.KeyID
		if summary.Stored {
			createdAt := summary.CreatedAt
			status.RecoveryKeyCreatedAt = &createdAt
		}
	}

	crypto := s.crypto.Load()
	if crypto == nil {
		if !s.config.EncryptionEnabled {
			return status, nil
		}
		return status, ErrCryptoUnavailable
	}

	status.Verified = isTrue(ownDeviceVerified(ctx, crypto.backend, s.homeserver, s.logger))
	backup, err := crypto.backup.Status(ctx)
	if err != nil {
		return status, err
	}
	status.Backup = &backup
	status.BackupVersion = backup.ServerVersion
	return status, nil
}

// BootstrapOwnDeviceVerification bootstraps cross-signing, secret
// storage, and key backup, then reports the resulting state. When the
// device is still unverified and the backend can start an interactive
// verification, one is requested and tracked.
func (s *Session) BootstrapOwnDeviceVerification(ctx context.Context, request BootstrapRequest) (BootstrapResult, error) {
	crypto, err := s.requireCrypto()
	if err != nil {
		return BootstrapResult{}, err
	}

	outcome, err := crypto.bootstrapper.Bootstrap(ctx, BootstrapOptions{
		ForceResetCrossSigning: request.ForceResetCrossSigning,
	})
	if err != nil {
		return BootstrapResult{CryptoBootstrap: outcome}, err
	}

	if !isTrue(outcome.OwnDeviceVerified) && crypto.caps.verifier != nil {
		if _, err := s.verifications.RequestOwnDeviceVerification(ctx, crypto.caps.verifier, s.homeserver.UserID()); err != nil {
			s.logger.Debug("requesting own device verification failed", "error", err)
		}
	}

	result := BootstrapResult{
		Success:         outcome.Ready(),
		Error:           outcome.Error,
		CrossSigning:    outcome.Publication,
		CryptoBootstrap: outcome,
	}
	status, err := s.OwnDeviceVerificationStatus(ctx)
	if err != nil {
		result.Success = false
		result.Error = joinMessages(result.Error, "reading verification status: "+err.Error())
	}
	result.Verification = status
	result.PendingVerifications = s.verifications.Pending()
	return result, nil
}

// RestoreRoomKeyBackup restores room keys from the server backup and
// retries pending decryptions on success.
func (s *Session) RestoreRoomKeyBackup(ctx context.Context, options RestoreOptions) (RestoreResult, error) {
	crypto, err := s.requireCrypto()
	if err != nil {
		return RestoreResult{}, err
	}
	result := crypto.backup.Restore(ctx, options)
	if result.Success {
		s.bridge.RetryPending(ctx)
	}
	return result, nil
}

// VerifyWithRecoveryKey checks encoded against the account's default
// secret storage key, stores it, loads the backup key, signs this
// device, and retries pending decryptions. A malformed or mismatched
// key returns an error and changes nothing; later step failures are
// reported in the result.
func (s *Session) VerifyWithRecoveryKey(ctx context.Context, encoded *secret.Buffer) (RecoveryKeyResult, error) {
	crypto, err := s.requireCrypto()
	if err != nil {
		return RecoveryKeyResult{}, err
	}
	keyID, err := s.storeRecoveryKey(ctx, crypto, encoded)
	if err != nil {
		return RecoveryKeyResult{}, err
	}

	result := RecoveryKeyResult{KeyID: keyID}
	var problems []string
	if crypto.caps.keyLoader != nil {
		if err := crypto.caps.keyLoader.LoadBackupKeyFromSecretStorage(ctx); err != nil {
			problems = append(problems, "loading backup key: "+err.Error())
		} else {
			result.BackupKeyLoaded = true
		}
	}
	if crypto.caps.deviceSigner != nil {
		if err := crypto.caps.deviceSigner.CrossSignOwnDevice(ctx); err != nil {
			problems = append(problems, "signing own device: "+err.Error())
		} else {
			result.OwnDeviceSigned = true
		}
	}

	s.bridge.RetryPending(ctx)

	status, err := s.OwnDeviceVerificationStatus(ctx)
	if err != nil {
		problems = append(problems, "reading verification status: "+err.Error())
	} else {
		result.Verification = &status
		if !status.Verified {
			problems = append(problems, "own device is not verified after applying the recovery key")
		}
	}
	result.Success = len(problems) == 0
	result.Error = joinMessages(problems...)
	return result, nil
}

// storeRecoveryKey validates encoded against the default secret
// storage key and stores it under that key's id.
func (s *Session) storeRecoveryKey(ctx context.Context, crypto *cryptoState, encoded *secret.Buffer) (string, error) {
	if s.config.RecoveryKeys == nil {
		return "", fmt.Errorf("%w: no recovery key store configured", ErrCapabilityUnavailable)
	}
	key, err := recoverykey.DecodeKey(encoded)
	if err != nil {
		return "", err
	}
	defer key.Close()

	keyID, err := s.homeserver.SecretStorageDefaultKeyID(ctx)
	if err != nil {
		return "", fmt.Errorf("e2ee: reading default secret storage key: %w", err)
	}
	if keyID == "" {
		return "", fmt.Errorf("e2ee: account has no default secret storage key")
	}

	if crypto.caps.validator != nil {
		valid, err := crypto.caps.validator.ValidateSecretStorageKey(ctx, keyID, key)
		if err != nil {
			return "", fmt.Errorf("e2ee: validating recovery key: %w", err)
		}
		if !valid {
			return "", fmt.Errorf("%w (key id %s)", ErrRecoveryKeyMismatch, keyID)
		}
	}

	if _, err := s.config.RecoveryKeys.StoreKey(keyID, key); err != nil {
		return "", err
	}
	return keyID, nil
}

// RoomKeyBackupStatus returns the current backup status.
func (s *Session) RoomKeyBackupStatus(ctx context.Context) (BackupStatus, error) {
	crypto, err := s.requireCrypto()
	if err != nil {
		return BackupStatus{}, err
	}
	return crypto.backup.Status(ctx)
}

// RequestOwnDeviceVerification starts and tracks an interactive
// verification with the account's other devices.
func (s *Session) RequestOwnDeviceVerification(ctx context.Context) (Verification, error) {
	crypto, err := s.requireCrypto()
	if err != nil {
		return Verification{}, err
	}
	return s.verifications.RequestOwnDeviceVerification(ctx, crypto.caps.verifier, s.homeserver.UserID())
}

// Verifications returns the session's verification registry. The
// backend's verification event handling updates phases through it.
func (s *Session) Verifications() *VerificationManager {
	return s.verifications
}

// ListVerifications returns the tracked verification requests.
func (s *Session) ListVerifications() []Verification {
	return s.verifications.List()
}

// PendingVerifications returns the number of open verification
// requests.
func (s *Session) PendingVerifications() int {
	return s.verifications.Pending()
}

// PendingDecryptions returns the number of events awaiting a retry.
func (s *Session) PendingDecryptions() int {
	return s.bridge.PendingCount()
}

func joinMessages(messages ...string) string {
	var nonEmpty []string
	for _, message := range messages {
		if message != "" {
			nonEmpty = append(nonEmpty, message)
		}
	}
	return strings.Join(nonEmpty, "; ")
}
