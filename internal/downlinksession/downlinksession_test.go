// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package downlinksession

import (
	"os"
	"path/filepath"
	"testing"

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

func newManager(t *testing.T) *storagemanager.Manager {
	t.Helper()
	m, err := storagemanager.New(t.TempDir(), storagemanager.Config{NewFileChunkSize: 4})
	if err != nil {
		t.Fatalf("storagemanager.New: %v", err)
	}
	return m
}

func TestNextChunkCyclesThroughAllParts(t *testing.T) {
	m := newManager(t)
	if err := m.AddFileFromPath(makeSourceFile(t, 10)); err != nil {
		t.Fatalf("AddFileFromPath: %v", err)
	}

	s := New(m)

	seen := make(map[string]int)
	// 3 parts + 1 header = 4 items; pull two full cycles worth.
	for i := 0; i < 8; i++ {
		chunk, err := s.NextChunk()
		if err != nil {
			t.Fatalf("NextChunk: %v", err)
		}
		if chunk == nil {
			t.Fatalf("expected a chunk at iteration %d, got none", i)
		}
		seen[chunk.PartIndex().String()]++
	}

	for part, count := range seen {
		if count != 2 {
			t.Fatalf("expected part %s to be seen exactly twice across two cycles, got %d", part, count)
		}
	}
}

func TestNextChunkSkipsAcknowledgedParts(t *testing.T) {
	m := newManager(t)
	if err := m.AddFileFromPath(makeSourceFile(t, 4)); err != nil {
		t.Fatalf("AddFileFromPath: %v", err)
	}
	files := m.IterFiles()
	fileID := files[0].Header().Id

	s := New(m)

	if err := s.ProcessControl(wire.ConfirmPart{
		FileId:    fileID,
		PartRange: wire.NewSingleFilePartIdRange(wire.Part(0)),
	}); err != nil {
		t.Fatalf("ProcessControl: %v", err)
	}

	for i := 0; i < 4; i++ {
		chunk, err := s.NextChunk()
		if err != nil {
			t.Fatalf("NextChunk: %v", err)
		}
		if chunk != nil && chunk.PartIndex().Equal(wire.Part(0)) {
			t.Fatal("expected the acknowledged part to never be emitted")
		}
	}
}

func TestNextChunkReturnsNilOnceFileIsGone(t *testing.T) {
	m := newManager(t)
	if err := m.AddFileFromPath(makeSourceFile(t, 4)); err != nil {
		t.Fatalf("AddFileFromPath: %v", err)
	}
	files := m.IterFiles()
	fileID := files[0].Header().Id

	s := New(m)

	if err := s.ProcessControl(wire.DeleteFile{FileId: fileID}); err != nil {
		t.Fatalf("ProcessControl(DeleteFile): %v", err)
	}

	chunk, err := s.NextChunk()
	if err != nil {
		t.Fatalf("NextChunk: %v", err)
	}
	if chunk != nil {
		t.Fatal("expected no chunk once the only file was deleted")
	}
}

func TestNextChunkEmptyQueueReturnsNil(t *testing.T) {
	m := newManager(t)
	s := New(m)

	chunk, err := s.NextChunk()
	if err != nil {
		t.Fatalf("NextChunk: %v", err)
	}
	if chunk != nil {
		t.Fatal("expected no chunk from an empty queue")
	}
}

func TestConfirmFileSentDecreasesPriority(t *testing.T) {
	m := newManager(t)
	if err := m.AddFileFromPath(makeSourceFile(t, 4)); err != nil {
		t.Fatalf("AddFileFromPath: %v", err)
	}
	files := m.IterFiles()
	fileID := files[0].Header().Id

	s := New(m)
	if err := s.ConfirmFileSent(fileID, wire.Part(0)); err != nil {
		t.Fatalf("ConfirmFileSent: %v", err)
	}

	f, ok := m.GetFile(fileID)
	if !ok {
		t.Fatal("expected file to still be tracked")
	}
	for _, p := range f.RemainingParts() {
		if p.Part.Equal(wire.Part(0)) && p.Priority >= 0 {
			t.Fatalf("expected part 0's priority to have decreased below 0, got %d", p.Priority)
		}
	}
}
