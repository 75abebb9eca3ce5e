// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package inputpoller watches a drop folder for new files, moves each into
// a staging folder as soon as a poll lists it, and reports the staged path
// for admission into the storage manager. It does not check whether a
// writer still has the file open.
package inputpoller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// defaultPollInterval matches the Rust original's 100ms poll cadence.
const defaultPollInterval = 100 * time.Millisecond

// Poller watches watchDir for new files and moves them into stagingDir.
type Poller struct {
	watchDir     string
	stagingDir   string
	pollInterval time.Duration
	logger       *slog.Logger
	staged       chan string
}

// New constructs a Poller. pollInterval <= 0 uses the default 100ms cadence.
func New(watchDir, stagingDir string, pollInterval time.Duration, logger *slog.Logger) *Poller {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		watchDir:     watchDir,
		stagingDir:   stagingDir,
		pollInterval: pollInterval,
		logger:       logger,
		staged:       make(chan string, 64),
	}
}

// Staged is the channel of staged file paths ready for admission. Closed
// once Run returns.
func (p *Poller) Staged() <-chan string { return p.staged }

// Run enumerates any files already sitting in stagingDir (recovering from a
// previous crash mid-move), then polls watchDir at pollInterval until ctx is
// canceled, moving discovered files into stagingDir and reporting them.
func (p *Poller) Run(ctx context.Context) error {
	defer close(p.staged)

	if err := p.drainExistingStaged(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				p.logger.Error("inputpoller: poll failed", "err", err)
			}
		}
	}
}

func (p *Poller) drainExistingStaged(ctx context.Context) error {
	entries, err := os.ReadDir(p.stagingDir)
	if err != nil {
		return fmt.Errorf("inputpoller: reading staging dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(p.stagingDir, entry.Name())
		select {
		case p.staged <- path:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (p *Poller) pollOnce(ctx context.Context) error {
	entries, err := os.ReadDir(p.watchDir)
	if err != nil {
		return fmt.Errorf("reading watch dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		src := filepath.Join(p.watchDir, entry.Name())
		dst := filepath.Join(p.stagingDir, entry.Name())

		if err := os.Rename(src, dst); err != nil {
			p.logger.Error("inputpoller: failed to move file to staging", "path", src, "err", err)
			continue
		}

		select {
		case p.staged <- dst:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}
