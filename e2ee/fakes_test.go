// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/matrix-e2ee/lib/clock"
	"github.com/bureau-foundation/matrix-e2ee/lib/secret"
	"github.com/bureau-foundation/matrix-e2ee/messaging"
)

var errNoKey = errors.New("unknown megolm session")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClock() *clock.FakeClock {
	return clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func boolPointer(value bool) *bool { return &value }

func encryptedEvent(roomID, eventID string) messaging.Event {
	return messaging.Event{
		EventID: eventID,
		RoomID:  roomID,
		Type:    messaging.EventTypeEncrypted,
		Sender:  "@bob:example.org",
		Content: map[string]any{"algorithm": "m.megolm.v1.aes-sha2", "ciphertext": "AwgA"},
	}
}

func decryptedEvent(encrypted messaging.Event, body string) messaging.Event {
	return messaging.Event{
		EventID: encrypted.EventID,
		RoomID:  encrypted.RoomID,
		Type:    messaging.EventTypeMessage,
		Sender:  encrypted.Sender,
		Content: map[string]any{"msgtype": "m.text", "body": body},
	}
}

// recorder collects notifications in emission order.
type recorder struct {
	mu            sync.Mutex
	notifications []Notification
}

func (r *recorder) emit(notification Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, notification)
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notifications...)
}

func (r *recorder) kinds() []NotificationKind {
	var kinds []NotificationKind
	for _, notification := range r.all() {
		kinds = append(kinds, notification.Kind)
	}
	return kinds
}

func (r *recorder) count(kind NotificationKind) int {
	count := 0
	for _, notification := range r.all() {
		if notification.Kind == kind {
			count++
		}
	}
	return count
}

// fakeHomeserver implements Homeserver in memory.
type fakeHomeserver struct {
	mu sync.Mutex

	userID   string
	deviceID string

	backup           *messaging.KeyBackupVersion
	backupErr        error
	backupQueries    int
	published        bool
	queryErr         error
	defaultKeyID     string
	defaultKeyErr    error
	resolveCalls     int
	syncFunc         func(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error)
	requestEndpoints []string
}

func newFakeHomeserver() *fakeHomeserver {
	return &fakeHomeserver{userID: "@alice:example.org", deviceID: "ALICEDEV"}
}

func (h *fakeHomeserver) UserID() string   { return h.userID }
func (h *fakeHomeserver) DeviceID() string { return h.deviceID }

func (h *fakeHomeserver) ResolveIdentity(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resolveCalls++
	return nil
}

func (h *fakeHomeserver) QueryKeys(ctx context.Context, userIDs ...string) (*messaging.KeysQueryResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.queryErr != nil {
		return nil, h.queryErr
	}
	response := &messaging.KeysQueryResponse{
		MasterKeys:      map[string]messaging.CrossSigningKey{},
		SelfSigningKeys: map[string]messaging.CrossSigningKey{},
		UserSigningKeys: map[string]messaging.CrossSigningKey{},
	}
	if h.published {
		for _, userID := range userIDs {
			response.MasterKeys[userID] = messaging.CrossSigningKey{UserID: userID}
			response.SelfSigningKeys[userID] = messaging.CrossSigningKey{UserID: userID}
			response.UserSigningKeys[userID] = messaging.CrossSigningKey{UserID: userID}
		}
	}
	return response, nil
}

func (h *fakeHomeserver) KeyBackupVersion(ctx context.Context) (*messaging.KeyBackupVersion, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backupQueries++
	if h.backupErr != nil {
		return nil, h.backupErr
	}
	if h.backup == nil {
		return nil, nil
	}
	copied := *h.backup
	return &copied, nil
}

func (h *fakeHomeserver) setBackup(version string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if version == "" {
		h.backup = nil
		return
	}
	h.backup = &messaging.KeyBackupVersion{Version: version, Algorithm: "m.megolm_backup.v1.curve25519-aes-sha2"}
}

func (h *fakeHomeserver) setPublished(published bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.published = published
}

func (h *fakeHomeserver) SecretStorageDefaultKeyID(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.defaultKeyID, h.defaultKeyErr
}

func (h *fakeHomeserver) Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error) {
	if h.syncFunc == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return h.syncFunc(ctx, options)
}

func (h *fakeHomeserver) Request(ctx context.Context, method, endpoint string, options messaging.RequestOptions) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requestEndpoints = append(h.requestEndpoints, method+" "+endpoint)
	return []byte("{}"), nil
}

// fakeBackend implements only the core Backend interface. Wrap it in
// capableBackend to add the optional capabilities.
type fakeBackend struct {
	mu sync.Mutex

	homeserver *fakeHomeserver

	crossSigningCalls  []CrossSigningBootstrapOptions
	secretStorageCalls int
	crossSigningErr    error

	// ready is the cross-signing state; a reset sets it to
	// readyAfterReset and publishes keys when publishOnReset is set.
	ready           bool
	readyAfterReset bool
	publishOnReset  bool
	statusErr       error

	trust    DeviceTrust
	trustErr error

	activeVersion string
	keyCached     *bool
	stateErr      error

	backupTrust    BackupTrust
	backupTrustErr error

	restoreCounts RestoreCounts
	restoreErr    error
	restoreCalls  []string

	decrypt func(event messaging.Event) (messaging.Event, error)

	closed bool
}

func newFakeBackend(homeserver *fakeHomeserver) *fakeBackend {
	return &fakeBackend{homeserver: homeserver}
}

func (b *fakeBackend) BootstrapCrossSigning(ctx context.Context, options CrossSigningBootstrapOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.crossSigningCalls = append(b.crossSigningCalls, options)
	if options.SetupNewCrossSigning {
		b.ready = b.readyAfterReset
		if b.publishOnReset {
			b.homeserver.setPublished(true)
			b.trust = DeviceTrust{CrossSigningVerified: true}
		}
	}
	return b.crossSigningErr
}

func (b *fakeBackend) BootstrapSecretStorage(ctx context.Context, options SecretStorageBootstrapOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.secretStorageCalls++
	return nil
}

func (b *fakeBackend) CrossSigningStatus(ctx context.Context) (CrossSigningStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statusErr != nil {
		return CrossSigningStatus{}, b.statusErr
	}
	return CrossSigningStatus{Ready: b.ready, PrivateKeysCached: b.ready}, nil
}

func (b *fakeBackend) DeviceTrust(ctx context.Context, userID, deviceID string) (DeviceTrust, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trust, b.trustErr
}

func (b *fakeBackend) BackupState(ctx context.Context) (LocalBackupState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stateErr != nil {
		return LocalBackupState{}, b.stateErr
	}
	return LocalBackupState{ActiveVersion: b.activeVersion, DecryptionKeyCached: b.keyCached}, nil
}

func (b *fakeBackend) CheckBackupTrust(ctx context.Context, version *messaging.KeyBackupVersion) (BackupTrust, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backupTrust, b.backupTrustErr
}

func (b *fakeBackend) RestoreKeyBackup(ctx context.Context, version string) (RestoreCounts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.restoreCalls = append(b.restoreCalls, version)
	return b.restoreCounts, b.restoreErr
}

func (b *fakeBackend) DecryptEvent(ctx context.Context, event messaging.Event) (messaging.Event, error) {
	b.mu.Lock()
	decrypt := b.decrypt
	b.mu.Unlock()
	if decrypt == nil {
		return messaging.Event{}, errNoKey
	}
	return decrypt(event)
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBackend) crossSigningResets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	resets := 0
	for _, call := range b.crossSigningCalls {
		if call.SetupNewCrossSigning {
			resets++
		}
	}
	return resets
}

// capableBackend adds every optional capability to a fakeBackend.
type capableBackend struct {
	*fakeBackend

	// loadKey runs for LoadBackupKeyFromSecretStorage. Nil caches the
	// key.
	loadKey   func() error
	loadCalls int

	createCalls   int
	createVersion string

	signCalls int
	signErr   error

	verificationCalls int

	keyListeners     map[int]func()
	decryptListeners map[int]func(encrypted, decrypted messaging.Event)
	nextListener     int

	exported  chan []byte
	exportErr error
	state     []byte
	imported  [][]byte

	validKey bool

	processed int
}

func newCapableBackend(homeserver *fakeHomeserver) *capableBackend {
	return &capableBackend{
		fakeBackend:      newFakeBackend(homeserver),
		createVersion:    "1",
		keyListeners:     make(map[int]func()),
		decryptListeners: make(map[int]func(encrypted, decrypted messaging.Event)),
		exported:         make(chan []byte, 16),
		state:            []byte("olm-account-pickle"),
		validKey:         true,
	}
}

func (b *capableBackend) LoadBackupKeyFromSecretStorage(ctx context.Context) error {
	b.mu.Lock()
	b.loadCalls++
	load := b.loadKey
	b.mu.Unlock()
	if load != nil {
		return load()
	}
	b.mu.Lock()
	b.keyCached = boolPointer(true)
	listeners := make([]func(), 0, len(b.keyListeners))
	for _, listener := range b.keyListeners {
		listeners = append(listeners, listener)
	}
	b.mu.Unlock()
	for _, listener := range listeners {
		listener()
	}
	return nil
}

func (b *capableBackend) CreateKeyBackup(ctx context.Context) (string, error) {
	b.mu.Lock()
	b.createCalls++
	version := b.createVersion
	b.mu.Unlock()
	b.homeserver.setBackup(version)
	return version, nil
}

func (b *capableBackend) CrossSignOwnDevice(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signCalls++
	if b.signErr == nil && b.ready {
		b.trust.CrossSigningVerified = true
	}
	return b.signErr
}

func (b *capableBackend) RequestOwnDeviceVerification(ctx context.Context) (VerificationRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.verificationCalls++
	return VerificationRequest{OtherDeviceID: "OTHERDEV", Methods: []string{"m.sas.v1"}}, nil
}

func (b *capableBackend) NotifyKeyAvailability(listener func()) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextListener
	b.nextListener++
	b.keyListeners[id] = listener
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.keyListeners, id)
	}
}

func (b *capableBackend) NotifyDecrypted(listener func(encrypted, decrypted messaging.Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextListener
	b.nextListener++
	b.decryptListeners[id] = listener
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.decryptListeners, id)
	}
}

func (b *capableBackend) listenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.keyListeners) + len(b.decryptListeners)
}

func (b *capableBackend) ExportState(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exportErr != nil {
		return nil, b.exportErr
	}
	blob := append([]byte(nil), b.state...)
	select {
	case b.exported <- append([]byte(nil), blob...):
	default:
	}
	return blob, nil
}

func (b *capableBackend) ImportState(ctx context.Context, blob []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.imported = append(b.imported, append([]byte(nil), blob...))
	return nil
}

func (b *capableBackend) ValidateSecretStorageKey(ctx context.Context, keyID string, key *secret.Buffer) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.validKey && key.Len() == 32, nil
}

func (b *capableBackend) ProcessSync(ctx context.Context, response *messaging.SyncResponse) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processed++
	return nil
}

var (
	_ Backend                   = (*fakeBackend)(nil)
	_ SecretStorageKeyLoader    = (*capableBackend)(nil)
	_ BackupCreator             = (*capableBackend)(nil)
	_ OwnDeviceSigner           = (*capableBackend)(nil)
	_ VerificationRequester     = (*capableBackend)(nil)
	_ KeyAvailabilityNotifier   = (*capableBackend)(nil)
	_ DecryptionNotifier        = (*capableBackend)(nil)
	_ StateExporter             = (*capableBackend)(nil)
	_ StateImporter             = (*capableBackend)(nil)
	_ SecretStorageKeyValidator = (*capableBackend)(nil)
	_ SyncProcessor             = (*capableBackend)(nil)
	_ Homeserver                = (*fakeHomeserver)(nil)
	_ Homeserver                = (*messaging.DirectSession)(nil)
)

func requireNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
