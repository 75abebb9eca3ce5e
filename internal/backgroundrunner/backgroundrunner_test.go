// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backgroundrunner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leoftp-go/leoftp/internal/storagemanager"
	"github.com/leoftp-go/leoftp/internal/wire"
)

func makeSourceFile(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating source file: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncating source file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("closing source file: %v", err)
	}
	return path
}

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	r, err := New(t.TempDir(), Config{Storage: storagemanager.Config{NewFileChunkSize: 4}}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return r
}

func TestAddFileThenSessionEmitsChunks(t *testing.T) {
	r := newTestRunner(t)
	r.Send(AddFile{Path: makeSourceFile(t, 8)})

	out := make(chan *wire.Chunk, 16)
	done := make(chan struct{})
	r.Send(BeginSession{Out: out, Done: done})

	seenHeader := false
	seenParts := map[uint32]bool{}
	deadline := time.After(2 * time.Second)

	for len(seenParts) < 2 || !seenHeader {
		select {
		case chunk := <-out:
			if chunk.PartIndex().IsHeader() {
				seenHeader = true
			} else {
				seenParts[chunk.PartIndex().Index()] = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for chunks: header=%v parts=%v", seenHeader, seenParts)
		}
	}

	close(done)
}

func TestSessionEndsWhenDoneCloses(t *testing.T) {
	r := newTestRunner(t)
	r.Send(AddFile{Path: makeSourceFile(t, 4)})

	out := make(chan *wire.Chunk, 16)
	done := make(chan struct{})
	r.Send(BeginSession{Out: out, Done: done})

	// Drain at least one chunk to confirm the session actually started.
	select {
	case <-out:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first chunk")
	}

	close(done)

	// After ending, the runner should accept new waiting-state messages
	// (like AddFile) without deadlocking.
	time.Sleep(50 * time.Millisecond)
	r.Send(AddFile{Path: makeSourceFile(t, 4)})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestAddFileBufferedDuringSessionAppliedOnEnd(t *testing.T) {
	r := newTestRunner(t)
	r.Send(AddFile{Path: makeSourceFile(t, 4)})

	out := make(chan *wire.Chunk, 16)
	done := make(chan struct{})
	r.Send(BeginSession{Out: out, Done: done})

	select {
	case <-out:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first chunk")
	}

	// Queued while the session is active; should not be admitted yet, and
	// should not crash anything either way.
	r.Send(AddFile{Path: makeSourceFile(t, 4)})

	close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
