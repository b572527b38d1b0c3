// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/matrix-e2ee/lib/clock"
	"github.com/bureau-foundation/matrix-e2ee/lib/secret"
)

// BackupStatus combines local and server room key backup state. It is
// computed per query and never cached. Nil tri-state fields are
// unknown.
type BackupStatus struct {
	// ServerVersion is the server's current backup version, "" when
	// the server has none.
	ServerVersion string `json:"server_version,omitempty"`

	// ActiveVersion is the version this device backs up to, "" when
	// backup is inactive locally.
	ActiveVersion string `json:"active_version,omitempty"`

	Trusted              *bool `json:"trusted"`
	MatchesDecryptionKey *bool `json:"matches_decryption_key"`
	DecryptionKeyCached  *bool `json:"decryption_key_cached"`

	// KeyLoadAttempted reports that Status tried to load the backup
	// key from secret storage.
	KeyLoadAttempted bool   `json:"key_load_attempted"`
	KeyLoadError     string `json:"key_load_error,omitempty"`
}

// BackupIssueCode classifies a BackupStatus.
type BackupIssueCode string

const (
	BackupIssueMissingServerBackup BackupIssueCode = "missing-server-backup"
	BackupIssueKeyLoadFailed       BackupIssueCode = "key-load-failed"
	BackupIssueKeyNotLoaded        BackupIssueCode = "key-not-loaded"
	BackupIssueKeyMismatch         BackupIssueCode = "key-mismatch"
	BackupIssueUntrustedSignature  BackupIssueCode = "untrusted-signature"
	BackupIssueInactive            BackupIssueCode = "inactive"
	BackupIssueIndeterminate       BackupIssueCode = "indeterminate"
	BackupIssueOK                  BackupIssueCode = "ok"
)

// BackupIssue is the diagnosis of a BackupStatus.
type BackupIssue struct {
	Code    BackupIssueCode `json:"code"`
	Message string          `json:"message"`
}

// ResolveBackupIssue classifies status. The checks run in a fixed
// priority order: a missing server backup outranks every local key
// problem, since there is nothing to load when nothing exists.
func ResolveBackupIssue(status BackupStatus) BackupIssue {
	keyNotCached := isFalse(status.DecryptionKeyCached)

	switch {
	case status.ServerVersion == "":
		return BackupIssue{BackupIssueMissingServerBackup, "no room key backup exists on the server"}
	case keyNotCached && status.KeyLoadError != "":
		return BackupIssue{BackupIssueKeyLoadFailed,
			"backup decryption key could not be loaded from secret storage: " + status.KeyLoadError}
	case keyNotCached && status.KeyLoadAttempted:
		return BackupIssue{BackupIssueKeyNotLoaded,
			"backup decryption key is not loaded on this device (secret storage did not return a key)"}
	case keyNotCached:
		return BackupIssue{BackupIssueKeyNotLoaded, "backup decryption key is not loaded on this device"}
	case isTrue(status.DecryptionKeyCached) && isFalse(status.MatchesDecryptionKey):
		return BackupIssue{BackupIssueKeyMismatch,
			"backup decryption key on this device does not match the server backup"}
	case isFalse(status.Trusted):
		return BackupIssue{BackupIssueUntrustedSignature, "server backup signature is not trusted by this device"}
	case isTrue(status.Trusted) && status.ActiveVersion == "":
		return BackupIssue{BackupIssueInactive, "server backup is trusted but not active on this device"}
	case status.Trusted == nil || status.MatchesDecryptionKey == nil || status.DecryptionKeyCached == nil:
		return BackupIssue{BackupIssueIndeterminate, "room key backup state could not be fully determined"}
	default:
		return BackupIssue{BackupIssueOK, "room key backup is healthy"}
	}
}

// Issue classifies the status with ResolveBackupIssue.
func (s BackupStatus) Issue() BackupIssue {
	return ResolveBackupIssue(s)
}

// RestoreFailure names why a restore did not run.
type RestoreFailure string

const (
	RestoreFailureNothingToRestore RestoreFailure = "nothing-to-restore"
	RestoreFailureKeyUnavailable   RestoreFailure = "key-unavailable"
	RestoreFailureRestoreFailed    RestoreFailure = "restore-failed"
)

// RestoreOptions configures Restore.
type RestoreOptions struct {
	// RecoveryKey is applied before restoring when set. Borrowed.
	RecoveryKey *secret.Buffer
}

// RestoreResult reports a restore. Failures are values, not errors.
type RestoreResult struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Reason  RestoreFailure `json:"reason,omitempty"`

	BackupVersion           string     `json:"backup_version,omitempty"`
	Imported                int        `json:"imported"`
	Total                   int        `json:"total"`
	LoadedFromSecretStorage bool       `json:"loaded_from_secret_storage"`
	RestoredAt              *time.Time `json:"restored_at,omitempty"`

	// Backup is the status after the restore, nil if it could not be
	// read.
	Backup *BackupStatus `json:"backup,omitempty"`
}

// RecoveryKeyApplier stores a recovery key and makes it available to
// the backend's secret storage lookups.
type RecoveryKeyApplier func(ctx context.Context, encoded *secret.Buffer) error

// BackupHealth reports on and restores the room key backup.
type BackupHealth struct {
	backend    Backend
	caps       capabilities
	homeserver Homeserver
	clock      clock.Clock
	logger     *slog.Logger

	// applyRecoveryKey handles RestoreOptions.RecoveryKey. Nil means
	// a supplied key cannot be used.
	applyRecoveryKey RecoveryKeyApplier
}

// NewBackupHealth returns a BackupHealth. apply may be nil.
func NewBackupHealth(backend Backend, homeserver Homeserver, apply RecoveryKeyApplier, clk clock.Clock, logger *slog.Logger) *BackupHealth {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BackupHealth{
		backend:          backend,
		caps:             discoverCapabilities(backend),
		homeserver:       homeserver,
		clock:            clk,
		logger:           logger,
		applyRecoveryKey: apply,
	}
}

// Status builds a BackupStatus. When the decryption key is not cached
// and the backend can load it from secret storage, one load is tried
// first. Backend introspection failures leave fields unknown; a failed
// server query is returned.
func (h *BackupHealth) Status(ctx context.Context) (BackupStatus, error) {
	var status BackupStatus

	server, err := h.homeserver.KeyBackupVersion(ctx)
	if err != nil {
		return status, fmt.Errorf("e2ee: reading server backup version: %w", err)
	}

	h.readLocal(ctx, &status)
	if !isTrue(status.DecryptionKeyCached) && h.caps.keyLoader != nil {
		status.KeyLoadAttempted = true
		if err := h.caps.keyLoader.LoadBackupKeyFromSecretStorage(ctx); err != nil {
			status.KeyLoadError = err.Error()
			h.logger.Debug("loading backup key from secret storage failed", "error", err)
		}
		h.readLocal(ctx, &status)
	}

	if server == nil {
		return status, nil
	}
	status.ServerVersion = server.Version

	trust, err := h.backend.CheckBackupTrust(ctx, server)
	if err != nil {
		h.logger.Debug("checking backup trust failed", "backup_version", server.Version, "error", err)
		return status, nil
	}
	status.Trusted = trust.Trusted
	status.MatchesDecryptionKey = trust.MatchesDecryptionKey
	return status, nil
}

// readLocal fills the local fields, leaving them unknown on error.
func (h *BackupHealth) readLocal(ctx context.Context, status *BackupStatus) {
	local, err := h.backend.BackupState(ctx)
	if err != nil {
		h.logger.Debug("reading local backup state failed", "error", err)
		status.ActiveVersion = ""
		status.DecryptionKeyCached = nil
		return
	}
	status.ActiveVersion = local.ActiveVersion
	status.DecryptionKeyCached = local.DecryptionKeyCached
}

// Restore imports every room key in the server backup. It never
// silently does nothing: when no key is cached and none can be loaded,
// or the server has no backup, the result says so.
func (h *BackupHealth) Restore(ctx context.Context, options RestoreOptions) RestoreResult {
	if options.RecoveryKey != nil {
		if h.applyRecoveryKey == nil {
			return restoreFailure(RestoreFailureKeyUnavailable, "a recovery key was supplied but cannot be applied")
		}
		if err := h.applyRecoveryKey(ctx, options.RecoveryKey); err != nil {
			return restoreFailure(RestoreFailureKeyUnavailable, "applying recovery key: "+err.Error())
		}
	}

	cached := h.keyCached(ctx)
	if !cached && h.caps.keyLoader == nil {
		return restoreFailure(RestoreFailureKeyUnavailable,
			"backup decryption key is not cached and the crypto backend cannot load it from secret storage")
	}

	server, err := h.homeserver.KeyBackupVersion(ctx)
	if err != nil {
		return restoreFailure(RestoreFailureRestoreFailed, "reading server backup version: "+err.Error())
	}
	if server == nil {
		return restoreFailure(RestoreFailureNothingToRestore, "no room key backup exists on the server")
	}

	var result RestoreResult
	result.BackupVersion = server.Version

	if !cached {
		if err := h.caps.keyLoader.LoadBackupKeyFromSecretStorage(ctx); err != nil {
			failed := restoreFailure(RestoreFailureKeyUnavailable,
				"backup decryption key could not be loaded from secret storage: "+err.Error())
			failed.BackupVersion = server.Version
			return failed
		}
		if !h.keyCached(ctx) {
			failed := restoreFailure(RestoreFailureKeyUnavailable,
				"backup decryption key is not loaded on this device (secret storage did not return a key)")
			failed.BackupVersion = server.Version
			return failed
		}
		result.LoadedFromSecretStorage = true
	}

	counts, err := h.backend.RestoreKeyBackup(ctx, server.Version)
	if err != nil {
		result.Reason = RestoreFailureRestoreFailed
		result.Error = "restoring key backup: " + err.Error()
		return result
	}

	restoredAt := h.clock.Now().UTC()
	result.Success = true
	result.Imported = counts.Imported
	result.Total = counts.Total
	result.RestoredAt = &restoredAt
	h.logger.Info("restored room key backup",
		"backup_version", server.Version,
		"imported", counts.Imported,
		"total", counts.Total,
	)

	if status, err := h.Status(ctx); err == nil {
		result.Backup = &status
	}
	return result
}

func (h *BackupHealth) keyCached(ctx context.Context) bool {
	local, err := h.backend.BackupState(ctx)
	return err == nil && isTrue(local.DecryptionKeyCached)
}

func restoreFailure(reason RestoreFailure, message string) RestoreResult {
	return RestoreResult{Reason: reason, Error: message}
}

func isTrue(value *bool) bool  { return value != nil && *value }
func isFalse(value *bool) bool { return value != nil && !*value }
