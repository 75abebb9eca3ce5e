// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package receiver

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/leoftp-go/leoftp/internal/wire"
)

type fakeArchiver struct {
	mu      sync.Mutex
	uploads []string
}

func (f *fakeArchiver) Upload(_ context.Context, localPath, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, name)
	return nil
}

func newTestReceiver(t *testing.T) *Receiver {
	t.Helper()
	r, err := New(filepath.Join(t.TempDir(), "work"), filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func sendWholeFile(t *testing.T, r *Receiver, id wire.FileId, name string, parts [][]byte) {
	t.Helper()

	header := wire.HeaderChunk{
		Id:           id,
		Name:         name,
		Date:         1,
		PartCount:    uint32(len(parts)),
		Size:         uint64(len(parts)) * 4,
		FilePartSize: 4,
	}
	if err := r.ReceiveChunk(wire.ChunkFromHeader(header)); err != nil {
		t.Fatalf("ReceiveChunk(header): %v", err)
	}

	for i, p := range parts {
		data := wire.DataChunk{FileId: id, Part: uint32(i), Data: p}
		if err := r.ReceiveChunk(wire.ChunkFromData(data)); err != nil {
			t.Fatalf("ReceiveChunk(part %d): %v", i, err)
		}
	}
}

func TestOutputFinishedFilesCallsArchiverWhenSet(t *testing.T) {
	r := newTestReceiver(t)
	archiver := &fakeArchiver{}
	r.SetArchiver(archiver)
	id := wire.NewFileId()

	sendWholeFile(t, r, id, "archived.bin", [][]byte{[]byte("abcd")})
	if err := r.OutputFinishedFiles(); err != nil {
		t.Fatalf("OutputFinishedFiles: %v", err)
	}

	archiver.mu.Lock()
	defer archiver.mu.Unlock()
	if len(archiver.uploads) != 1 || archiver.uploads[0] != "archived.bin" {
		t.Fatalf("expected exactly one upload for archived.bin, got %v", archiver.uploads)
	}
}

func TestReceiveChunkThenOutputAssemblesFile(t *testing.T) {
	r := newTestReceiver(t)
	id := wire.NewFileId()

	sendWholeFile(t, r, id, "report.txt", [][]byte{[]byte("abcd"), []byte("efgh")})

	if err := r.OutputFinishedFiles(); err != nil {
		t.Fatalf("OutputFinishedFiles: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(r.resultFolder, "report.txt"))
	if err != nil {
		t.Fatalf("reading output file: %v", err)
	}
	if string(content) != "abcdefgh" {
		t.Fatalf("expected concatenated content %q, got %q", "abcdefgh", content)
	}
}

func TestOutputFinishedFilesWaitsForAllParts(t *testing.T) {
	r := newTestReceiver(t)
	id := wire.NewFileId()

	header := wire.HeaderChunk{Id: id, Name: "partial.bin", Date: 1, PartCount: 2, Size: 8, FilePartSize: 4}
	if err := r.ReceiveChunk(wire.ChunkFromHeader(header)); err != nil {
		t.Fatalf("ReceiveChunk(header): %v", err)
	}
	if err := r.ReceiveChunk(wire.ChunkFromData(wire.DataChunk{FileId: id, Part: 0, Data: []byte("abcd")})); err != nil {
		t.Fatalf("ReceiveChunk(part 0): %v", err)
	}

	if err := r.OutputFinishedFiles(); err != nil {
		t.Fatalf("OutputFinishedFiles: %v", err)
	}

	if _, err := os.Stat(filepath.Join(r.resultFolder, "partial.bin")); err == nil {
		t.Fatal("expected output file to not exist until every part arrives")
	}
}

func TestUniqueOutputPathInsertsSuffixBeforeExtension(t *testing.T) {
	r := newTestReceiver(t)

	if err := os.WriteFile(filepath.Join(r.resultFolder, "report.pdf"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seeding collision file: %v", err)
	}

	got := uniqueOutputPath(r.resultFolder, "report.pdf")
	want := filepath.Join(r.resultFolder, "report (1).pdf")
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestDuplicateChunkAfterFinishIsStillConfirmedWithoutRewriting(t *testing.T) {
	r := newTestReceiver(t)
	id := wire.NewFileId()

	sendWholeFile(t, r, id, "done.bin", [][]byte{[]byte("abcd")})
	if err := r.OutputFinishedFiles(); err != nil {
		t.Fatalf("OutputFinishedFiles: %v", err)
	}

	// Drain the ledger from the initial send so we can isolate the
	// duplicate's effect below.
	r.IterControlMessages()

	dup := wire.DataChunk{FileId: id, Part: 0, Data: []byte("abcd")}
	if err := r.ReceiveChunk(wire.ChunkFromData(dup)); err != nil {
		t.Fatalf("ReceiveChunk(duplicate): %v", err)
	}

	msgs := r.IterControlMessages()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one confirmation for the duplicate, got %d", len(msgs))
	}
	if msgs[0].FileId != id {
		t.Fatalf("expected confirmation for %s, got %s", id, msgs[0].FileId)
	}
}

func TestIterControlMessagesCoalescesContiguousRanges(t *testing.T) {
	r := newTestReceiver(t)
	id := wire.NewFileId()

	sendWholeFile(t, r, id, "ranges.bin", [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")})

	msgs := r.IterControlMessages()
	if len(msgs) != 1 {
		t.Fatalf("expected header+4 contiguous parts to coalesce into 1 range, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].PartRange.From != wire.Header {
		t.Fatalf("expected range to start at Header, got %v", msgs[0].PartRange.From)
	}
	if msgs[0].PartRange.To != wire.Part(3) {
		t.Fatalf("expected range to end at Part(3), got %v", msgs[0].PartRange.To)
	}
}

func TestIterControlMessagesSplitsNonContiguousRanges(t *testing.T) {
	r := newTestReceiver(t)
	id := wire.NewFileId()

	header := wire.HeaderChunk{Id: id, Name: "sparse.bin", Date: 1, PartCount: 5, Size: 20, FilePartSize: 4}
	if err := r.ReceiveChunk(wire.ChunkFromHeader(header)); err != nil {
		t.Fatalf("ReceiveChunk(header): %v", err)
	}
	for _, part := range []uint32{0, 1, 3} {
		data := wire.DataChunk{FileId: id, Part: part, Data: []byte("abcd")}
		if err := r.ReceiveChunk(wire.ChunkFromData(data)); err != nil {
			t.Fatalf("ReceiveChunk(part %d): %v", part, err)
		}
	}

	msgs := r.IterControlMessages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 disjoint ranges (header+0..1, and 3), got %d: %+v", len(msgs), msgs)
	}
}

func TestIterControlMessagesDrainsLedger(t *testing.T) {
	r := newTestReceiver(t)
	id := wire.NewFileId()

	sendWholeFile(t, r, id, "drain.bin", [][]byte{[]byte("abcd")})

	if msgs := r.IterControlMessages(); len(msgs) == 0 {
		t.Fatal("expected at least one control message on first drain")
	}
	if msgs := r.IterControlMessages(); len(msgs) != 0 {
		t.Fatalf("expected ledger to be empty after draining, got %d messages", len(msgs))
	}
}
