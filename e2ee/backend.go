// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"log/slog"

	"github.com/bureau-foundation/matrix-e2ee/lib/secret"
	"github.com/bureau-foundation/matrix-e2ee/messaging"
)

// Homeserver is the slice of the client-server API the orchestration
// calls directly. *messaging.DirectSession satisfies it.
type Homeserver interface {
	UserID() string
	DeviceID() string

	// ResolveIdentity fills a missing user or device id via whoami.
	ResolveIdentity(ctx context.Context) error

	QueryKeys(ctx context.Context, userIDs ...string) (*messaging.KeysQueryResponse, error)

	// KeyBackupVersion returns nil, nil when the server has no backup.
	KeyBackupVersion(ctx context.Context) (*messaging.KeyBackupVersion, error)

	// SecretStorageDefaultKeyID returns "" when no default key is set.
	SecretStorageDefaultKeyID(ctx context.Context) (string, error)

	Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error)

	// Request issues an authenticated request. Backends use it for the
	// uploads they own (device keys, signatures, backup sessions).
	Request(ctx context.Context, method, endpoint string, options messaging.RequestOptions) ([]byte, error)
}

// SecretStorageKeys resolves secret storage keys for the backend.
// *recoverykey.Callbacks satisfies it. A nil buffer with a nil error
// means no key is available for any of keyIDs.
type SecretStorageKeys interface {
	GetSecretStorageKey(ctx context.Context, keyIDs []string, secretName string) (string, *secret.Buffer, error)
}

// UploadAuthenticator runs an upload that may need user-interactive
// auth. makeRequest performs the upload with the given auth dict (nil
// on the first try) and returns the server's error, which carries the
// UIA challenge on a 401.
type UploadAuthenticator func(ctx context.Context, makeRequest func(auth map[string]any) error) error

// CrossSigningBootstrapOptions configures Backend.BootstrapCrossSigning.
type CrossSigningBootstrapOptions struct {
	// SetupNewCrossSigning discards the existing identity and
	// publishes fresh master, self-signing, and user-signing keys.
	SetupNewCrossSigning bool

	// AuthenticateUpload wraps the signing key upload.
	AuthenticateUpload UploadAuthenticator
}

// SecretStorageBootstrapOptions configures Backend.BootstrapSecretStorage.
type SecretStorageBootstrapOptions struct {
	// SetupNewKeyBackup asks the backend to create a backup as part of
	// secret storage setup. The bootstrapper leaves it false and
	// creates backups itself so creation stays idempotent.
	SetupNewKeyBackup bool
}

// CrossSigningStatus is the backend's view of the local identity.
type CrossSigningStatus struct {
	// Ready reports that the identity exists, is trusted, and its
	// private keys are usable on this device.
	Ready bool

	// PrivateKeysCached reports that the self-signing and user-signing
	// private keys are cached locally.
	PrivateKeysCached bool
}

// DeviceTrust reports how a device is verified. Any one flag is enough
// to consider the device verified.
type DeviceTrust struct {
	LocallyVerified      bool
	CrossSigningVerified bool
	SignedByOwner        bool
}

// Verified reports whether any trust path holds.
func (t DeviceTrust) Verified() bool {
	return t.LocallyVerified || t.CrossSigningVerified || t.SignedByOwner
}

// LocalBackupState is the backend's local backup state.
type LocalBackupState struct {
	// ActiveVersion is the backup version the backend uploads to, ""
	// when backup is inactive.
	ActiveVersion string

	// DecryptionKeyCached is nil when the backend cannot tell.
	DecryptionKeyCached *bool
}

// BackupTrust is the backend's evaluation of a server backup version.
// Nil fields are unknown.
type BackupTrust struct {
	Trusted              *bool
	MatchesDecryptionKey *bool
}

// RestoreCounts reports a key backup restore.
type RestoreCounts struct {
	Imported int
	Total    int
}

// Backend is the crypto engine. Every method may suspend on network or
// storage I/O. Optional features are the separate interfaces below.
type Backend interface {
	BootstrapCrossSigning(ctx context.Context, options CrossSigningBootstrapOptions) error
	BootstrapSecretStorage(ctx context.Context, options SecretStorageBootstrapOptions) error
	CrossSigningStatus(ctx context.Context) (CrossSigningStatus, error)
	DeviceTrust(ctx context.Context, userID, deviceID string) (DeviceTrust, error)
	BackupState(ctx context.Context) (LocalBackupState, error)
	CheckBackupTrust(ctx context.Context, version *messaging.KeyBackupVersion) (BackupTrust, error)
	RestoreKeyBackup(ctx context.Context, version string) (RestoreCounts, error)

	// DecryptEvent returns the cleartext event. An error means the
	// keys are not (yet) available.
	DecryptEvent(ctx context.Context, event messaging.Event) (messaging.Event, error)

	Close() error
}

// SecretStorageKeyLoader loads the backup decryption key from secret
// storage, resolving the storage key through SecretStorageKeys.
type SecretStorageKeyLoader interface {
	LoadBackupKeyFromSecretStorage(ctx context.Context) error
}

// BackupCreator creates a new server-side room key backup and returns
// its version.
type BackupCreator interface {
	CreateKeyBackup(ctx context.Context) (string, error)
}

// OwnDeviceSigner signs this device with the local self-signing key.
type OwnDeviceSigner interface {
	CrossSignOwnDevice(ctx context.Context) error
}

// VerificationRequest is what a backend reports for a new request.
type VerificationRequest struct {
	TransactionID string
	OtherDeviceID string
	Methods       []string
}

// VerificationRequester starts an interactive self-verification with
// the account's other devices.
type VerificationRequester interface {
	RequestOwnDeviceVerification(ctx context.Context) (VerificationRequest, error)
}

// KeyAvailabilityNotifier signals that new key material (a backup key
// loaded from secret storage, an imported room key) may make failed
// events decryptable. The returned function detaches the listener.
type KeyAvailabilityNotifier interface {
	NotifyKeyAvailability(listener func()) func()
}

// DecryptionNotifier reports events the backend decrypted on its own,
// for example after a late room key arrives. The returned function
// detaches the listener.
type DecryptionNotifier interface {
	NotifyDecrypted(listener func(encrypted, decrypted messaging.Event)) func()
}

// StateExporter serializes the backend's crypto state. The blob is
// opaque to this package.
type StateExporter interface {
	ExportState(ctx context.Context) ([]byte, error)
}

// StateImporter restores state written by StateExporter.
type StateImporter interface {
	ImportState(ctx context.Context, blob []byte) error
}

// SecretStorageKeyValidator checks a candidate key against the key
// description stored in account data.
type SecretStorageKeyValidator interface {
	ValidateSecretStorageKey(ctx context.Context, keyID string, key *secret.Buffer) (bool, error)
}

// SyncProcessor consumes the crypto-relevant parts of a sync response
// (to-device messages, device list changes, one-time key counts).
type SyncProcessor interface {
	ProcessSync(ctx context.Context, response *messaging.SyncResponse) error
}

// BackendDependencies is what a backend factory receives.
type BackendDependencies struct {
	Homeserver    Homeserver
	SecretStorage SecretStorageKeys
	Logger        *slog.Logger
}

// BackendFactory constructs the backend at session start.
type BackendFactory func(dependencies BackendDependencies) (Backend, error)

// capabilities caches the optional interfaces of one backend.
type capabilities struct {
	keyLoader     SecretStorageKeyLoader
	backupCreator BackupCreator
	deviceSigner  OwnDeviceSigner
	verifier      VerificationRequester
	keyNotifier   KeyAvailabilityNotifier
	decryptNotify DecryptionNotifier
	exporter      StateExporter
	importer      StateImporter
	validator     SecretStorageKeyValidator
	syncProcessor SyncProcessor
}

func discoverCapabilities(backend Backend) capabilities {
	var caps capabilities
	caps.keyLoader, _ = backend.(SecretStorageKeyLoader)
	caps.backupCreator, _ = backend.(BackupCreator)
	caps.deviceSigner, _ = backend.(OwnDeviceSigner)
	caps.verifier, _ = backend.(VerificationRequester)
	caps.keyNotifier, _ = backend.(KeyAvailabilityNotifier)
	caps.decryptNotify, _ = backend.(DecryptionNotifier)
	caps.exporter, _ = backend.(StateExporter)
	caps.importer, _ = backend.(StateImporter)
	caps.validator, _ = backend.(SecretStorageKeyValidator)
	caps.syncProcessor, _ = backend.(SyncProcessor)
	return caps
}
