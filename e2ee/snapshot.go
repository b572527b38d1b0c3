// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/matrix-e2ee/lib/clock"
	"github.com/bureau-foundation/matrix-e2ee/lib/secret"
	"github.com/bureau-foundation/matrix-e2ee/lib/statefile"
)

// DefaultSnapshotInterval is the period of background snapshot writes.
const DefaultSnapshotInterval = 60 * time.Second

// snapshotPersister is the only writer of the crypto-state snapshot
// file. It writes once after start, on every tick, and once more on
// stop. The ticker and goroutine belong to one session.
type snapshotPersister struct {
	path     string
	exporter StateExporter
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger

	// options.Key is owned and closed by stop.
	options statefile.Options

	// writeMu serializes writes between the ticker and stop.
	writeMu sync.Mutex

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

type snapshotConfig struct {
	Path        string
	Exporter    StateExporter
	Compression statefile.Compression

	// Key seals the snapshot when non-nil. Ownership passes to the
	// persister.
	Key *secret.Buffer

	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

func newSnapshotPersister(config snapshotConfig) *snapshotPersister {
	if config.Interval <= 0 {
		config.Interval = DefaultSnapshotInterval
	}
	return &snapshotPersister{
		path:     config.Path,
		exporter: config.Exporter,
		clock:    config.Clock,
		interval: config.Interval,
		logger:   config.Logger,
		options: statefile.Options{
			Compression: config.Compression,
			Key:         config.Key,
		},
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// restoreSnapshot imports the snapshot at path into importer. A
// missing file is not an error.
func restoreSnapshot(ctx context.Context, path string, key *secret.Buffer, importer StateImporter, logger *slog.Logger) error {
	blob, info, err := statefile.Read(path, key)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("e2ee: reading crypto snapshot: %w", err)
	}
	defer secret.Zero(blob)

	if err := importer.ImportState(ctx, blob); err != nil {
		return fmt.Errorf("e2ee: importing crypto snapshot: %w", err)
	}
	logger.Info("restored crypto state snapshot",
		"path", path,
		"written_at", info.WrittenAt,
		"compression", info.Compression.String(),
		"sealed", info.Sealed,
	)
	return nil
}

// start writes the first snapshot and starts the periodic writer.
func (p *snapshotPersister) start(ctx context.Context) error {
	err := p.flush(ctx)
	ticker := p.clock.NewTicker(p.interval)
	go p.run(ticker)
	return err
}

func (p *snapshotPersister) run(ticker *clock.Ticker) {
	defer close(p.done)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopped:
			return
		case <-ticker.C:
			if err := p.flush(context.Background()); err != nil {
				p.logger.Warn("periodic crypto snapshot failed", "error", err)
			}
		}
	}
}

// stop halts the ticker, waits for an in-progress write, and writes
// the final snapshot. Later calls return nil.
func (p *snapshotPersister) stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopped)
		<-p.done
		err = p.flush(ctx)
		if p.options.Key != nil {
			p.options.Key.Close()
		}
	})
	return err
}

// flush exports the backend state and replaces the snapshot file.
func (p *snapshotPersister) flush(ctx context.Context) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	blob, err := p.exporter.ExportState(ctx)
	if err != nil {
		return fmt.Errorf("e2ee: exporting crypto state: %w", err)
	}
	defer secret.Zero(blob)

	options := p.options
	options.Now = p.clock.Now()
	if err := statefile.Write(p.path, blob, options); err != nil {
		return fmt.Errorf("e2ee: writing crypto snapshot: %w", err)
	}
	p.logger.Debug("wrote crypto state snapshot", "path", p.path, "bytes", len(blob))
	return nil
}
