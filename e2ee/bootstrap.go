// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/matrix-e2ee/lib/secret"
	"github.com/bureau-foundation/matrix-e2ee/messaging"
)

// BootstrapOptions configures one Bootstrap call.
type BootstrapOptions struct {
	// ForceResetCrossSigning replaces the cross-signing identity on
	// the first attempt. It rotates the published keys.
	ForceResetCrossSigning bool

	// Strict aborts an attempt at the first failing step and makes
	// Bootstrap return ErrBootstrapIncomplete when the final outcome
	// is not ready.
	Strict bool
}

// CrossSigningPublication reports which of the account's
// cross-signing keys /keys/query returns.
type CrossSigningPublication struct {
	Master      bool `json:"master"`
	SelfSigning bool `json:"self_signing"`
	UserSigning bool `json:"user_signing"`
	Published   bool `json:"published"`
}

// BootstrapOutcome is the state after Bootstrap.
type BootstrapOutcome struct {
	CrossSigningReady     bool                    `json:"cross_signing_ready"`
	CrossSigningPublished bool                    `json:"cross_signing_published"`
	Publication           CrossSigningPublication `json:"publication"`

	// OwnDeviceVerified is nil when the backend could not report the
	// device's trust.
	OwnDeviceVerified *bool `json:"own_device_verified"`

	// ForcedReset reports that a cross-signing reset ran.
	ForcedReset bool `json:"forced_reset"`

	// BackupCreated reports that this call created the server backup.
	BackupCreated bool   `json:"backup_created"`
	BackupVersion string `json:"backup_version,omitempty"`

	// Error describes failed steps of the last attempt.
	Error string `json:"error,omitempty"`

	// statusKnown and publicationKnown are false when reading the
	// cross-signing status or the published keys failed.
	statusKnown      bool
	publicationKnown bool
}

// Ready reports whether cross-signing is ready, published, and
// vouching for this device.
func (o BootstrapOutcome) Ready() bool {
	return o.CrossSigningReady && o.CrossSigningPublished &&
		o.OwnDeviceVerified != nil && *o.OwnDeviceVerified
}

// needsReset reports whether the outcome shows a broken identity that
// a reset can repair. Only a state that was read and found wrong
// counts; a failed read is not evidence.
func (o BootstrapOutcome) needsReset() bool {
	switch {
	case o.statusKnown && !o.CrossSigningReady:
		return true
	case o.publicationKnown && !o.CrossSigningPublished:
		return true
	default:
		return o.OwnDeviceVerified != nil && !*o.OwnDeviceVerified
	}
}

// Bootstrapper sets up cross-signing, secret storage, and room key
// backup for the session's own device.
type Bootstrapper struct {
	backend    Backend
	caps       capabilities
	homeserver Homeserver

	// password authorizes cross-signing uploads and, when present, a
	// forced reset. Borrowed from the session.
	password *secret.Buffer

	logger *slog.Logger
}

// NewBootstrapper returns a Bootstrapper. password may be nil.
func NewBootstrapper(backend Backend, homeserver Homeserver, password *secret.Buffer, logger *slog.Logger) *Bootstrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrapper{
		backend:    backend,
		caps:       discoverCapabilities(backend),
		homeserver: homeserver,
		password:   password,
		logger:     logger,
	}
}

// Bootstrap runs one bootstrap attempt and evaluates it. When the
// result shows a broken identity and a password is configured, it runs
// a second attempt with a forced cross-signing reset in strict mode.
// Step failures are reported in the outcome; the returned error is
// ErrBootstrapIncomplete (strict only) or a context error.
func (b *Bootstrapper) Bootstrap(ctx context.Context, options BootstrapOptions) (BootstrapOutcome, error) {
	outcome, err := b.attempt(ctx, options.ForceResetCrossSigning, options.Strict)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return outcome, ctxErr
	}
	if err != nil {
		outcome.Error = err.Error()
	}

	if !outcome.Ready() && !options.ForceResetCrossSigning && outcome.needsReset() {
		if b.password == nil {
			b.logger.Warn("cross-signing bootstrap incomplete and no password configured, not resetting",
				"cross_signing_ready", outcome.CrossSigningReady,
				"cross_signing_published", outcome.CrossSigningPublished,
				"own_device_verified", formatTriState(outcome.OwnDeviceVerified),
			)
			if outcome.Error == "" {
				outcome.Error = "cross-signing is not ready and no password is configured to reset it"
			}
		} else {
			b.logger.Info("forcing cross-signing reset",
				"cross_signing_ready", outcome.CrossSigningReady,
				"cross_signing_published", outcome.CrossSigningPublished,
				"own_device_verified", formatTriState(outcome.OwnDeviceVerified),
			)
			first := outcome
			outcome, err = b.attempt(ctx, true, true)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return outcome, ctxErr
			}
			outcome.BackupCreated = outcome.BackupCreated || first.BackupCreated
			if outcome.BackupVersion == "" {
				outcome.BackupVersion = first.BackupVersion
			}
			if err != nil {
				outcome.Error = err.Error()
			}
		}
	}

	if !outcome.Ready() && outcome.Error == "" {
		outcome.Error = describeIncomplete(outcome)
	}
	if options.Strict && !outcome.Ready() {
		return outcome, fmt.Errorf("%w: %s", ErrBootstrapIncomplete, outcome.Error)
	}
	return outcome, nil
}

// attempt runs the bootstrap steps and evaluates the result. In strict
// mode the first failing step ends the steps; the evaluation still
// runs.
func (b *Bootstrapper) attempt(ctx context.Context, forceReset, strict bool) (BootstrapOutcome, error) {
	outcome := BootstrapOutcome{ForcedReset: forceReset}
	errs := b.runSteps(ctx, &outcome, forceReset, strict)
	errs = append(errs, b.evaluate(ctx, &outcome)...)
	return outcome, errors.Join(errs...)
}

func (b *Bootstrapper) runSteps(ctx context.Context, outcome *BootstrapOutcome, forceReset, strict bool) []error {
	var errs []error
	fail := func(step string, err error) bool {
		errs = append(errs, fmt.Errorf("%s: %w", step, err))
		return strict
	}

	err := b.backend.BootstrapCrossSigning(ctx, CrossSigningBootstrapOptions{
		SetupNewCrossSigning: forceReset,
		AuthenticateUpload:   b.authenticator(),
	})
	if err != nil && fail("bootstrapping cross-signing", err) {
		return errs
	}

	if err := b.backend.BootstrapSecretStorage(ctx, SecretStorageBootstrapOptions{}); err != nil && fail("bootstrapping secret storage", err) {
		return errs
	}

	version, created, err := b.ensureKeyBackup(ctx)
	if err != nil && fail("ensuring key backup", err) {
		return errs
	}
	outcome.BackupVersion = version
	outcome.BackupCreated = created

	// Best effort: a device the self-signing key cannot sign yet is
	// caught by the evaluation.
	if b.caps.deviceSigner != nil {
		if err := b.caps.deviceSigner.CrossSignOwnDevice(ctx); err != nil {
			b.logger.Debug("cross-signing own device failed", "error", err)
		}
	}
	return errs
}

// evaluate reads back the cross-signing state. A failed read leaves
// that part of the outcome unknown instead of false.
func (b *Bootstrapper) evaluate(ctx context.Context, outcome *BootstrapOutcome) []error {
	var errs []error

	status, err := b.backend.CrossSigningStatus(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("reading cross-signing status: %w", err))
	} else {
		outcome.CrossSigningReady = status.Ready
		outcome.statusKnown = true
	}

	publication, err := QueryCrossSigningPublication(ctx, b.homeserver)
	if err != nil {
		errs = append(errs, fmt.Errorf("querying published cross-signing keys: %w", err))
	} else {
		outcome.Publication = publication
		outcome.CrossSigningPublished = publication.Published
		outcome.publicationKnown = true
	}

	outcome.OwnDeviceVerified = ownDeviceVerified(ctx, b.backend, b.homeserver, b.logger)
	return errs
}

// ensureKeyBackup creates a server backup only when the server has
// none and the backend can create one.
func (b *Bootstrapper) ensureKeyBackup(ctx context.Context) (string, bool, error) {
	existing, err := b.homeserver.KeyBackupVersion(ctx)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		return existing.Version, false, nil
	}
	if b.caps.backupCreator == nil {
		return "", false, nil
	}

	version, err := b.caps.backupCreator.CreateKeyBackup(ctx)
	if err != nil {
		return "", false, err
	}
	b.logger.Info("created room key backup", "backup_version", version)
	return version, true, nil
}

// authenticator answers a UIA challenge with the configured password.
func (b *Bootstrapper) authenticator() UploadAuthenticator {
	return func(ctx context.Context, makeRequest func(auth map[string]any) error) error {
		err := makeRequest(nil)
		if err == nil {
			return nil
		}
		challenge := messaging.UIAChallenge(err)
		if challenge == nil {
			return err
		}
		if b.password == nil {
			return fmt.Errorf("server requires interactive auth and no password is configured: %w", err)
		}
		if !challenge.SupportsPassword() {
			return fmt.Errorf("server offers no password auth flow: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return makeRequest(messaging.PasswordAuth(challenge.Session, b.homeserver.UserID(), b.password))
	}
}

// QueryCrossSigningPublication asks the server which of the account's
// cross-signing keys are published.
func QueryCrossSigningPublication(ctx context.Context, homeserver Homeserver) (CrossSigningPublication, error) {
	userID := homeserver.UserID()
	response, err := homeserver.QueryKeys(ctx, userID)
	if err != nil {
		return CrossSigningPublication{}, err
	}
	var publication CrossSigningPublication
	_, publication.Master = response.MasterKeys[userID]
	_, publication.SelfSigning = response.SelfSigningKeys[userID]
	_, publication.UserSigning = response.UserSigningKeys[userID]
	publication.Published = publication.Master && publication.SelfSigning && publication.UserSigning
	return publication, nil
}

// ownDeviceVerified returns nil when the backend cannot report trust.
func ownDeviceVerified(ctx context.Context, backend Backend, homeserver Homeserver, logger *slog.Logger) *bool {
	trust, err := backend.DeviceTrust(ctx, homeserver.UserID(), homeserver.DeviceID())
	if err != nil {
		logger.Debug("reading own device trust failed", "error", err)
		return nil
	}
	verified := trust.Verified()
	return &verified
}

func describeIncomplete(outcome BootstrapOutcome) string {
	switch {
	case !outcome.CrossSigningReady:
		return "cross-signing is not ready on this device"
	case !outcome.CrossSigningPublished:
		return "cross-signing keys are not published on the server"
	case outcome.OwnDeviceVerified == nil:
		return "own device verification state is unknown"
	default:
		return "own device is not verified by cross-signing"
	}
}

func formatTriState(value *bool) string {
	if value == nil {
		return "unknown"
	}
	if *value {
		return "true"
	}
	return "false"
}
