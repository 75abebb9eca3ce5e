// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package receiver assembles incoming chunks back into files. Each file
// gets its own workdir under the configured root: a data/ subtree holding
// header.json plus one <i>.bin per received part, and (once complete) a
// finished marker so late duplicate chunks are still recognized and
// confirmed without re-doing any work. Assembly removes the entire data/
// subtree, leaving only the finished marker behind.
package receiver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/leoftp-go/leoftp/internal/wire"
)

// Archiver uploads a finished file's local copy to durable off-host
// storage. Archival failure is logged and never blocks marking the file
// finished on the local filesystem, which remains the source of truth.
type Archiver interface {
	Upload(ctx context.Context, localPath, name string) error
}

const finishedMarkerName = "finished"
const headerFileName = "header.json"
const headerTmpFileName = "header.json.tmp"
const dataDirName = "data"

// Receiver assembles chunks into complete files and tracks which parts are
// ready to be confirmed back to the sender.
type Receiver struct {
	workdirFolder string
	resultFolder  string
	archiver      Archiver

	// ledger maps file id -> the set of part ids received but not yet
	// confirmed (duplicates collapse in the map; no receipt order is kept).
	ledger map[wire.FileId]*fileLedger
}

// SetArchiver enables best-effort off-host archival of every finished file.
// Pass nil to disable (the default).
func (r *Receiver) SetArchiver(a Archiver) {
	r.archiver = a
}

type fileLedger struct {
	parts map[wire.FilePartId]struct{}
}

// New constructs a Receiver rooted at workdirFolder (in-progress files) and
// resultFolder (completed output). Both are created if missing.
func New(workdirFolder, resultFolder string) (*Receiver, error) {
	if err := os.MkdirAll(workdirFolder, 0o755); err != nil {
		return nil, fmt.Errorf("receiver: creating workdir: %w", err)
	}
	if err := os.MkdirAll(resultFolder, 0o755); err != nil {
		return nil, fmt.Errorf("receiver: creating result folder: %w", err)
	}

	return &Receiver{
		workdirFolder: workdirFolder,
		resultFolder:  resultFolder,
		ledger:        make(map[wire.FileId]*fileLedger),
	}, nil
}

func (r *Receiver) fileFolder(id wire.FileId) string {
	return filepath.Join(r.workdirFolder, id.String())
}

func (r *Receiver) recordForConfirmation(id wire.FileId, part wire.FilePartId) {
	l, ok := r.ledger[id]
	if !ok {
		l = &fileLedger{parts: make(map[wire.FilePartId]struct{})}
		r.ledger[id] = l
	}
	l.parts[part] = struct{}{}
}

// ReceiveChunk absorbs one incoming chunk, writing it to the file's workdir
// and recording it for confirmation. Safe to call repeatedly with
// duplicates: writes are idempotent, and a chunk for an already-finished
// file is recorded for confirmation without touching the filesystem again.
func (r *Receiver) ReceiveChunk(chunk wire.Chunk) error {
	id := chunk.FileId()
	part := chunk.PartIndex()

	fileFolder := r.fileFolder(id)

	if isFileFinished(fileFolder) {
		r.recordForConfirmation(id, part)
		return nil
	}

	if err := os.MkdirAll(fileFolder, 0o755); err != nil {
		return fmt.Errorf("receiver: creating file folder for %s: %w", id, err)
	}

	switch {
	case chunk.Header != nil:
		if err := writeHeaderJSON(fileFolder, *chunk.Header); err != nil {
			return fmt.Errorf("receiver: writing header for %s: %w", id, err)
		}

	case chunk.Data != nil:
		if err := writePartData(fileFolder, chunk.Data.Part, chunk.Data.Data); err != nil {
			return fmt.Errorf("receiver: writing part %d of %s: %w", chunk.Data.Part, id, err)
		}

	default:
		return fmt.Errorf("receiver: chunk for %s has neither header nor data", id)
	}

	r.recordForConfirmation(id, part)
	return nil
}

func writeHeaderJSON(fileFolder string, header wire.HeaderChunk) error {
	dataDir := filepath.Join(fileFolder, dataDirName)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	tmpPath := filepath.Join(dataDir, headerTmpFileName)
	finalPath := filepath.Join(dataDir, headerFileName)

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating header json: %w", err)
	}
	if err := json.NewEncoder(f).Encode(headerJSON{
		Id:           header.Id.String(),
		Name:         header.Name,
		Date:         header.Date,
		PartCount:    header.PartCount,
		Size:         header.Size,
		FilePartSize: header.FilePartSize,
	}); err != nil {
		f.Close()
		return fmt.Errorf("encoding header json: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing header json: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing header json: %w", err)
	}
	return os.Rename(tmpPath, finalPath)
}

// headerJSON is the on-disk serialization of a HeaderChunk. FileId is
// carried by the workdir's own folder name too, but stored here as well so
// OutputFinishedFiles can read header.json in isolation.
type headerJSON struct {
	Id           string `json:"id"`
	Name         string `json:"name"`
	Date         int64  `json:"date"`
	PartCount    uint32 `json:"part_count"`
	Size         uint64 `json:"size"`
	FilePartSize uint32 `json:"file_part_size"`
}

func readHeaderJSON(fileFolder string) (headerJSON, error) {
	f, err := os.Open(filepath.Join(fileFolder, dataDirName, headerFileName))
	if err != nil {
		return headerJSON{}, err
	}
	defer f.Close()

	var h headerJSON
	if err := json.NewDecoder(f).Decode(&h); err != nil {
		return headerJSON{}, err
	}
	return h, nil
}

func writePartData(fileFolder string, part uint32, data []byte) error {
	dataDir := filepath.Join(fileFolder, dataDirName)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	partPath := filepath.Join(dataDir, strconv.FormatUint(uint64(part), 10)+".bin")
	return os.WriteFile(partPath, data, 0o644)
}

func isFileFinished(fileFolder string) bool {
	_, err := os.Stat(filepath.Join(fileFolder, finishedMarkerName))
	return err == nil
}

func isFileReadyToAssemble(fileFolder string) (headerJSON, bool, error) {
	header, err := readHeaderJSON(fileFolder)
	if err != nil {
		if os.IsNotExist(err) {
			return headerJSON{}, false, nil
		}
		return headerJSON{}, false, err
	}

	for i := uint32(0); i < header.PartCount; i++ {
		partPath := filepath.Join(fileFolder, dataDirName, strconv.FormatUint(uint64(i), 10)+".bin")
		if _, err := os.Stat(partPath); err != nil {
			return headerJSON{}, false, nil
		}
	}
	return header, true, nil
}

// OutputFinishedFiles scans every in-progress workdir; any whose header and
// every data part have arrived gets concatenated into resultFolder (with
// collision-free naming), marked finished, and has its now-redundant
// data/ subtree removed.
func (r *Receiver) OutputFinishedFiles() error {
	entries, err := os.ReadDir(r.workdirFolder)
	if err != nil {
		return fmt.Errorf("receiver: reading workdir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		fileFolder := filepath.Join(r.workdirFolder, entry.Name())
		if isFileFinished(fileFolder) {
			continue
		}

		header, ready, err := isFileReadyToAssemble(fileFolder)
		if err != nil {
			slog.Warn("receiver: failed to check completion", "folder", fileFolder, "err", err)
			continue
		}
		if !ready {
			continue
		}

		if err := r.writeFinishedFile(fileFolder, header); err != nil {
			slog.Error("receiver: failed to assemble finished file", "folder", fileFolder, "err", err)
			continue
		}
	}

	return nil
}

func (r *Receiver) writeFinishedFile(fileFolder string, header headerJSON) error {
	outputPath := uniqueOutputPath(r.resultFolder, header.Name)

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}

	for i := uint32(0); i < header.PartCount; i++ {
		partPath := filepath.Join(fileFolder, dataDirName, strconv.FormatUint(uint64(i), 10)+".bin")
		if err := appendPart(out, partPath); err != nil {
			out.Close()
			return fmt.Errorf("assembling part %d: %w", i, err)
		}
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("syncing output file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing output file: %w", err)
	}

	markerPath := filepath.Join(fileFolder, finishedMarkerName)
	if err := os.WriteFile(markerPath, nil, 0o644); err != nil {
		return fmt.Errorf("writing finished marker: %w", err)
	}

	if r.archiver != nil {
		if err := r.archiver.Upload(context.Background(), outputPath, header.Name); err != nil {
			slog.Error("receiver: archival upload failed; local copy remains the source of truth", "path", outputPath, "err", err)
		}
	}

	if err := os.RemoveAll(filepath.Join(fileFolder, dataDirName)); err != nil {
		slog.Warn("receiver: failed to clean up data subtree after completion", "folder", fileFolder, "err", err)
	}

	return nil
}

func appendPart(out io.Writer, partPath string) error {
	in, err := os.Open(partPath)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(out, in)
	return err
}

// uniqueOutputPath finds a collision-free path for name under folder,
// inserting " (n)" before the extension on collision (e.g. report.pdf ->
// "report (1).pdf"), matching the common Finder/Explorer convention.
func uniqueOutputPath(folder, name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	candidate := filepath.Join(folder, name)
	for i := 1; pathExists(candidate); i++ {
		candidate = filepath.Join(folder, fmt.Sprintf("%s (%d)%s", base, i, ext))
	}
	return candidate
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IterControlMessages drains the confirmation ledger, coalescing each
// file's recorded part ids into maximal contiguous inclusive ranges and
// yielding one ConfirmPart per range.
func (r *Receiver) IterControlMessages() []wire.ConfirmPart {
	var out []wire.ConfirmPart

	for id, l := range r.ledger {
		out = append(out, coalesceRanges(id, l.parts)...)
	}

	r.ledger = make(map[wire.FileId]*fileLedger)
	return out
}

func coalesceRanges(id wire.FileId, parts map[wire.FilePartId]struct{}) []wire.ConfirmPart {
	sorted := make([]wire.FilePartId, 0, len(parts))
	for p := range parts {
		sorted = append(sorted, p)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	var out []wire.ConfirmPart
	i := 0
	for i < len(sorted) {
		start := sorted[i]
		end := start
		j := i + 1
		for j < len(sorted) && isNextConsecutive(end, sorted[j]) {
			end = sorted[j]
			j++
		}
		out = append(out, wire.ConfirmPart{FileId: id, PartRange: wire.NewFilePartIdRange(start, end)})
		i = j
	}
	return out
}

// isNextConsecutive reports whether next immediately follows cur under the
// canonical wire ordering (Header, then Part(0), Part(1), ...).
func isNextConsecutive(cur, next wire.FilePartId) bool {
	return next.ToIndex() == cur.ToIndex()+1
}
