// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// bureau-e2ee inspects and maintains the end-to-end encryption state of
// a Matrix account from the command line.
//
// Every command reads the same config file as the long-running client
// (--config, or the path in BUREAU_E2EE_CONFIG). Output is JSON on
// stdout; logs go to stderr as text on a terminal and JSON otherwise.
//
// This binary carries no crypto backend of its own: status and backup
// report what the homeserver publishes, the recovery-key commands
// manage the sealed key record the client's backend reads, and sync
// streams the plaintext notification feed.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/matrix-e2ee/e2ee"
	"github.com/bureau-foundation/matrix-e2ee/lib/config"
	"github.com/bureau-foundation/matrix-e2ee/lib/secret"
	"github.com/bureau-foundation/matrix-e2ee/messaging"
	"github.com/bureau-foundation/matrix-e2ee/recoverykey"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

// usageError is a command-line mistake. It exits with status 2.
type usageError struct {
	message string
}

func (e *usageError) Error() string { return e.message }

func (e *usageError) ExitCode() int { return 2 }

func usagef(format string, args ...any) error {
	return &usageError{message: fmt.Sprintf(format, args...)}
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	var configPath string
	var verbose bool

	flagSet := pflag.NewFlagSet("bureau-e2ee", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&configPath, "config", "", "config file (default: $"+config.EnvironmentVariable+")")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return &usageError{message: err.Error()}
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	remaining := flagSet.Args()
	if len(remaining) == 0 {
		printHelp(flagSet)
		return usagef("a command is required")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command, commandArgs := remaining[0], remaining[1:]
	switch command {
	case "status":
		return runStatus(ctx, cfg, logger, stdout)
	case "backup":
		return runBackup(ctx, cfg, logger, stdout)
	case "recovery-key":
		return runRecoveryKey(ctx, cfg, logger, commandArgs, stdout)
	case "sync":
		return runSync(ctx, cfg, logger, stdout)
	default:
		return usagef("unknown command %q", command)
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `bureau-e2ee inspects and maintains Matrix end-to-end encryption state.

Usage:
  bureau-e2ee [flags] <command> [args]

Commands:
  status                       own identity, cross-signing publication, backup and recovery key
  backup                       server room key backup and its health
  recovery-key store           store a recovery key (prompted, or --key-file)
  recovery-key show            describe the stored recovery key
  recovery-key clear           remove the stored recovery key
  sync                         stream room notifications as JSON lines

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}

// newLogger writes text to a terminal and JSON to anything else.
func newLogger(verbose bool) *slog.Logger {
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		options.Level = slog.LevelDebug
	}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openSession builds the authenticated homeserver session. The caller
// closes it.
func openSession(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*messaging.DirectSession, error) {
	token, err := secret.ReadFromPath(cfg.AccessTokenFile)
	if err != nil {
		return nil, fmt.Errorf("reading access token: %w", err)
	}
	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL:  cfg.HomeserverURL,
		RequestTimeout: cfg.RequestTimeout.Duration(),
		Logger:         logger,
	})
	if err != nil {
		token.Close()
		return nil, err
	}
	session, err := client.SessionFromToken(cfg.UserID, cfg.DeviceID, token)
	if err != nil {
		token.Close()
		return nil, err
	}
	if err := session.ResolveIdentity(ctx); err != nil {
		session.Close()
		return nil, fmt.Errorf("resolving identity: %w", err)
	}
	return session, nil
}

func openRecoveryStore(cfg *config.Config, logger *slog.Logger) (*recoverykey.Store, error) {
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}
	return recoverykey.Open(recoverykey.Config{
		Path:   cfg.Encryption.RecoveryKeyPath,
		Logger: logger,
	})
}

type statusReport struct {
	UserID       string                       `json:"user_id"`
	DeviceID     string                       `json:"device_id"`
	Encryption   bool                         `json:"encryption_enabled"`
	CrossSigning e2ee.CrossSigningPublication `json:"cross_signing"`
	Backup       backupReport                 `json:"backup"`
	RecoveryKey  *recoverykey.Summary         `json:"recovery_key,omitempty"`
}

type backupReport struct {
	Status  e2ee.BackupStatus           `json:"status"`
	Issue   e2ee.BackupIssue            `json:"issue"`
	Version *messaging.KeyBackupVersion `json:"version,omitempty"`
}

func runStatus(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) error {
	session, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	publication, err := e2ee.QueryCrossSigningPublication(ctx, session)
	if err != nil {
		return fmt.Errorf("querying cross-signing keys: %w", err)
	}
	backup, err := readBackup(ctx, session)
	if err != nil {
		return err
	}

	report := statusReport{
		UserID:       session.UserID(),
		DeviceID:     session.DeviceID(),
		Encryption:   cfg.EncryptionEnabled(),
		CrossSigning: publication,
		Backup:       backup,
	}
	if cfg.EncryptionEnabled() {
		store, err := openRecoveryStore(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		summary := store.Summary()
		report.RecoveryKey = &summary
	}
	return writeJSON(stdout, report)
}

func runBackup(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) error {
	session, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	backup, err := readBackup(ctx, session)
	if err != nil {
		return err
	}
	return writeJSON(stdout, backup)
}

// readBackup reports the server side of backup health. Local key state
// lives in the client's backend and is unknown here.
func readBackup(ctx context.Context, session *messaging.DirectSession) (backupReport, error) {
	version, err := session.KeyBackupVersion(ctx)
	if err != nil {
		return backupReport{}, fmt.Errorf("reading key backup version: %w", err)
	}
	var status e2ee.BackupStatus
	if version != nil {
		status.ServerVersion = version.Version
	}
	return backupReport{Status: status, Issue: status.Issue(), Version: version}, nil
}

func runRecoveryKey(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return usagef("recovery-key requires a subcommand: store, show, or clear")
	}
	if !cfg.EncryptionEnabled() {
		return fmt.Errorf("encryption is disabled in the config")
	}

	switch args[0] {
	case "store":
		return runRecoveryKeyStore(ctx, cfg, logger, args[1:], stdout)
	case "show":
		store, err := openRecoveryStore(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		return writeJSON(stdout, store.Summary())
	case "clear":
		store, err := openRecoveryStore(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		return store.Clear()
	default:
		return usagef("unknown recovery-key subcommand %q", args[0])
	}
}

func runRecoveryKeyStore(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string, stdout io.Writer) error {
	var keyFile, keyID string
	flagSet := pflag.NewFlagSet("recovery-key store", pflag.ContinueOnError)
	flagSet.StringVar(&keyFile, "key-file", "", `read the key from this file ("-" for stdin) instead of prompting`)
	flagSet.StringVar(&keyID, "key-id", "", "secret storage key id (default: the account's default key)")
	if err := flagSet.Parse(args); err != nil {
		return &usageError{message: err.Error()}
	}
	if flagSet.NArg() > 0 {
		return usagef("unexpected argument: %s", flagSet.Arg(0))
	}

	if keyID == "" {
		session, err := openSession(ctx, cfg, logger)
		if err != nil {
			return err
		}
		keyID, err = session.SecretStorageDefaultKeyID(ctx)
		session.Close()
		if err != nil {
			return fmt.Errorf("reading default secret storage key: %w", err)
		}
		if keyID == "" {
			return fmt.Errorf("the account has no default secret storage key; pass --key-id")
		}
	}

	encoded, err := readRecoveryKey(keyFile)
	if err != nil {
		return err
	}
	defer encoded.Close()

	store, err := openRecoveryStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	summary, err := store.StoreEncodedRecoveryKey(ctx, recoverykey.StoreRequest{
		EncodedPrivateKey: encoded,
		KeyID:             keyID,
	})
	if err != nil {
		return err
	}
	return writeJSON(stdout, summary)
}

// readRecoveryKey reads the encoded key from path, or prompts without
// echo when stdin is a terminal.
func readRecoveryKey(path string) (*secret.Buffer, error) {
	if path != "" {
		return secret.ReadFromPath(path)
	}
	descriptor := int(os.Stdin.Fd())
	if !term.IsTerminal(descriptor) {
		return secret.ReadLine(os.Stdin)
	}

	fmt.Fprint(os.Stderr, "Recovery key: ")
	data, err := term.ReadPassword(descriptor)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading recovery key: %w", err)
	}
	defer secret.Zero(data)
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("recovery key is empty")
	}
	return secret.NewFromBytes(trimmed)
}

func runSync(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) error {
	session, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	if cfg.EncryptionEnabled() {
		logger.Warn("no crypto backend in this binary; encrypted events are reported undecrypted")
	}
	e2eeSession, err := e2ee.NewSession(e2ee.SessionConfig{
		Homeserver: session,
		Retry: e2ee.RetryConfig{
			BaseDelay: cfg.DecryptRetry.BaseDelay.Duration(),
			MaxDelay:  cfg.DecryptRetry.MaxDelay.Duration(),
		},
		Sync: e2ee.SyncConfig{
			Timeout: cfg.Sync.Timeout.Duration(),
			Filter:  cfg.Sync.Filter,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(stdout)
	e2eeSession.Subscribe(func(notification e2ee.Notification) {
		if err := encoder.Encode(notification); err != nil {
			logger.Error("writing notification", "error", err)
		}
	})

	if err := e2eeSession.Start(ctx); err != nil {
		return err
	}
	runErr := e2eeSession.Run(ctx)
	stopErr := e2eeSession.Stop(context.Background())
	return errors.Join(runErr, stopErr)
}

func writeJSON(writer io.Writer, value any) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
