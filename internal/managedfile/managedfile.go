// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package managedfile implements the on-disk representation of a single
// file in flight on the sender side: its header, which parts remain
// unacknowledged and at what priority, and whether its data currently lives
// in one contiguous blob or split into one file per remaining part.
//
// A managed file folder looks like:
//
//	<folder>/
//	  header.bin   - the HeaderChunk, machine-readable
//	  mode.bin     - one byte: 0 contiguous, 1 split
//	  state.bin    - which parts remain, and their priority
//	  data.bin     - present in contiguous mode
//	  data/N.bin   - present in split mode, one file per remaining part
//
// Every mutation that touches disk goes through writeFileAtomic: write to a
// "-tmp" sibling, fsync, then rename. A process that crashes mid-write
// leaves the previous valid file (or none) in place; TryReadFromPath's
// repairs rely on that guarantee.
package managedfile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/leoftp-go/leoftp/internal/wire"
)

// ErrAlreadySplit is returned by TriggerSplit on a file already in split mode.
var ErrAlreadySplit = errors.New("managedfile: file is already split")

// File is a managed file on disk, tracking one in-flight transfer.
type File struct {
	folderPath string
	header     wire.HeaderChunk
	mode       Mode
	state      *state
}

// CreateNewFromHeader registers a new managed file at folderPath: it writes
// header.bin, mode.bin and a fresh state.bin, then moves dataPath in as
// data.bin. dataPath is consumed (renamed away) on success.
func CreateNewFromHeader(folderPath, dataPath string, header wire.HeaderChunk) (*File, error) {
	if err := os.MkdirAll(folderPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating managed file folder: %w", err)
	}

	headerPath := filepath.Join(folderPath, "header.bin")
	if err := writeFileAtomic(headerPath, func(f *os.File) error {
		body, err := wire.EncodeMessage(header)
		if err != nil {
			return err
		}
		_, err = f.Write(body)
		return err
	}); err != nil {
		return nil, fmt.Errorf("writing header.bin: %w", err)
	}

	modePath := filepath.Join(folderPath, "mode.bin")
	if err := writeFileAtomic(modePath, func(f *os.File) error {
		return writeMode(f, ModeContiguous)
	}); err != nil {
		return nil, fmt.Errorf("writing mode.bin: %w", err)
	}

	statePath := filepath.Join(folderPath, "state.bin")
	st, err := newStateFromPartCount(header.PartCount, statePath)
	if err != nil {
		return nil, fmt.Errorf("writing state.bin: %w", err)
	}

	if err := os.Rename(dataPath, filepath.Join(folderPath, "data.bin")); err != nil {
		return nil, fmt.Errorf("moving data file into place: %w", err)
	}

	return &File{
		folderPath: folderPath,
		header:     header,
		mode:       ModeContiguous,
		state:      st,
	}, nil
}

// TryReadFromPath loads a managed file folder written by a previous run,
// repairing or discarding it according to which interrupted step left it in
// an inconsistent state. Returns (nil, nil) when folderPath doesn't exist,
// isn't a managed file folder, or was corrupt beyond repair (in which case
// the folder is deleted).
func TryReadFromPath(folderPath string) (*File, error) {
	info, err := os.Stat(folderPath)
	if err != nil || !info.IsDir() {
		return nil, nil
	}

	cleanup := func() {
		if err := os.RemoveAll(folderPath); err != nil {
			slog.Error("managed file: failed to delete invalid folder", "path", folderPath, "err", err)
		}
	}

	headerPath := filepath.Join(folderPath, "header.bin")
	headerBytes, err := os.ReadFile(headerPath)
	if err != nil {
		slog.Warn("managed file: missing header.bin, deleting", "path", folderPath)
		cleanup()
		return nil, nil
	}
	headerMsg, err := wire.DecodeMessageBody(wire.TagHeaderChunk, headerBytes)
	if err != nil {
		slog.Warn("managed file: corrupt header.bin, deleting", "path", folderPath, "err", err)
		cleanup()
		return nil, nil
	}
	header := headerMsg.(wire.HeaderChunk)

	statePath := filepath.Join(folderPath, "state.bin")
	if _, err := os.Stat(statePath); err != nil {
		slog.Warn("managed file: missing state.bin, deleting", "path", folderPath)
		cleanup()
		return nil, nil
	}
	st, err := loadState(statePath)
	if err != nil {
		slog.Warn("managed file: corrupt state.bin, deleting", "path", folderPath, "err", err)
		cleanup()
		return nil, nil
	}

	modePath := filepath.Join(folderPath, "mode.bin")
	modeFile, err := os.Open(modePath)
	if err != nil {
		slog.Warn("managed file: missing mode.bin, deleting", "path", folderPath)
		cleanup()
		return nil, nil
	}
	mode, err := readMode(modeFile)
	modeFile.Close()
	if err != nil {
		slog.Warn("managed file: corrupt mode.bin, deleting", "path", folderPath, "err", err)
		cleanup()
		return nil, nil
	}

	shouldSplit := false

	switch mode {
	case ModeContiguous:
		dataPath := filepath.Join(folderPath, "data.bin")
		if _, err := os.Stat(dataPath); err != nil {
			slog.Warn("managed file: contiguous mode missing data.bin, deleting", "path", folderPath)
			cleanup()
			return nil, nil
		}

		if info, err := os.Stat(filepath.Join(folderPath, "data")); err == nil && info.IsDir() {
			slog.Warn("managed file: contiguous mode has a stray data folder, resuming split", "path", folderPath)
			shouldSplit = true
		}

	case ModeSplit:
		dataFolder := filepath.Join(folderPath, "data")
		info, err := os.Stat(dataFolder)
		if err != nil || !info.IsDir() {
			slog.Error("managed file: split mode missing data folder, deleting", "path", folderPath)
			cleanup()
			return nil, nil
		}

		dataBinPath := filepath.Join(folderPath, "data.bin")
		if _, err := os.Stat(dataBinPath); err == nil {
			slog.Warn("managed file: split mode has a stray data.bin, removing", "path", folderPath)
			if err := os.Remove(dataBinPath); err != nil {
				return nil, fmt.Errorf("removing stray data.bin: %w", err)
			}
		}

		entries, err := os.ReadDir(dataFolder)
		if err != nil {
			return nil, fmt.Errorf("reading data folder: %w", err)
		}

		foundParts := 0
		for _, entry := range entries {
			name := entry.Name()
			if !strings.HasSuffix(name, ".bin") {
				slog.Warn("managed file: non-.bin file in data folder, deleting", "path", filepath.Join(dataFolder, name))
				os.Remove(filepath.Join(dataFolder, name))
				continue
			}
			partName := strings.TrimSuffix(name, ".bin")

			part, ok := wire.FilePartIdFromString(partName)
			if !ok {
				slog.Warn("managed file: unparseable part filename, deleting", "path", filepath.Join(dataFolder, name))
				os.Remove(filepath.Join(dataFolder, name))
				continue
			}

			if !containsPart(st.remainingParts(), part) {
				os.Remove(filepath.Join(dataFolder, name))
			}

			foundParts++
		}

		if foundParts < st.remainingNonHeaderPartsLen() {
			slog.Error("managed file: data folder missing parts expected by state", "path", folderPath, "found", foundParts, "expected", st.remainingNonHeaderPartsLen())
			cleanup()
			return nil, nil
		}
	}

	f := &File{
		folderPath: folderPath,
		header:     header,
		mode:       mode,
		state:      st,
	}

	if shouldSplit {
		if err := f.TriggerSplit(); err != nil {
			return nil, fmt.Errorf("resuming interrupted split: %w", err)
		}
	}

	return f, nil
}

func containsPart(parts []statePart, id wire.FilePartId) bool {
	for _, p := range parts {
		if p.part.Equal(id) {
			return true
		}
	}
	return false
}

// Header returns the file's header chunk.
func (f *File) Header() wire.HeaderChunk { return f.header }

// FolderPath returns the managed file's root folder.
func (f *File) FolderPath() string { return f.folderPath }

// RemainingPart names an unacknowledged part and its current send priority.
type RemainingPart struct {
	Part     wire.FilePartId
	Priority int16
}

// RemainingParts reports every part id not yet acknowledged, alongside its
// current send priority.
func (f *File) RemainingParts() []RemainingPart {
	out := make([]RemainingPart, len(f.state.parts))
	for i, p := range f.state.parts {
		out[i] = RemainingPart{Part: p.part, Priority: p.priority}
	}
	return out
}

// IsFinished reports whether every part (including the header) has been
// acknowledged.
func (f *File) IsFinished() bool {
	return len(f.state.remainingParts()) == 0
}

// GetFilePart returns the wire chunk for part, or (nil, nil) if part has
// already been acknowledged and its data discarded.
func (f *File) GetFilePart(part wire.FilePartId) (*wire.Chunk, error) {
	if part.IsHeader() {
		c := wire.ChunkFromHeader(f.header)
		return &c, nil
	}

	if part.Index() >= f.header.PartCount {
		return nil, fmt.Errorf("managedfile: part index %d out of bounds (part count %d)", part.Index(), f.header.PartCount)
	}
	if !containsPart(f.state.remainingParts(), part) {
		return nil, nil
	}

	switch f.mode {
	case ModeContiguous:
		return f.readContiguousPart(part)
	case ModeSplit:
		return f.readSplitPart(part)
	default:
		return nil, fmt.Errorf("managedfile: unknown mode %v", f.mode)
	}
}

func (f *File) readContiguousPart(part wire.FilePartId) (*wire.Chunk, error) {
	path := filepath.Join(f.folderPath, "data.bin")
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening data.bin: %w", err)
	}
	defer file.Close()

	partSize := int64(f.header.FilePartSize)
	offset := int64(part.Index()) * partSize
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking data.bin: %w", err)
	}

	data, err := io.ReadAll(io.LimitReader(file, partSize))
	if err != nil {
		return nil, fmt.Errorf("reading part %d from data.bin: %w", part.Index(), err)
	}

	c := wire.ChunkFromData(wire.DataChunk{FileId: f.header.Id, Part: part.Index(), Data: data})
	return &c, nil
}

func (f *File) readSplitPart(part wire.FilePartId) (*wire.Chunk, error) {
	path := filepath.Join(f.folderPath, "data", part.String()+".bin")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading split part %d: %w", part.Index(), err)
	}

	c := wire.ChunkFromData(wire.DataChunk{FileId: f.header.Id, Part: part.Index(), Data: data})
	return &c, nil
}

// TriggerSplit copies every remaining body part out of data.bin into its own
// data/N.bin file, highest index first. data.bin is not truncated during the
// copy; it is removed only after mode.bin records split mode.
func (f *File) TriggerSplit() error {
	if f.mode == ModeSplit {
		return ErrAlreadySplit
	}

	dataFolder := filepath.Join(f.folderPath, "data")
	if err := os.MkdirAll(dataFolder, 0o755); err != nil {
		return fmt.Errorf("creating data folder: %w", err)
	}

	dataBinPath := filepath.Join(f.folderPath, "data.bin")
	file, err := os.Open(dataBinPath)
	if err != nil {
		return fmt.Errorf("opening data.bin: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat data.bin: %w", err)
	}
	fileLen := info.Size()

	var remaining []uint32
	for _, p := range f.state.remainingParts() {
		if !p.part.IsHeader() {
			remaining = append(remaining, p.part.Index())
		}
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i] > remaining[j] })

	partSize := int64(f.header.FilePartSize)
	for _, partID := range remaining {
		offset := int64(partID) * partSize
		max := offset + partSize
		if max > fileLen {
			return fmt.Errorf("managedfile: data.bin is smaller than expected for part %d", partID)
		}

		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("seeking data.bin: %w", err)
		}
		reader := io.LimitReader(file, partSize)

		partPath := filepath.Join(dataFolder, fmt.Sprintf("%d.bin", partID))
		if err := writeFileAtomic(partPath, func(out *os.File) error {
			_, err := io.Copy(out, reader)
			return err
		}); err != nil {
			return fmt.Errorf("writing split part %d: %w", partID, err)
		}
	}

	if err := f.setMode(ModeSplit); err != nil {
		return err
	}

	file.Close()
	if err := os.Remove(dataBinPath); err != nil {
		return fmt.Errorf("removing data.bin after split: %w", err)
	}

	return nil
}

func (f *File) setMode(m Mode) error {
	f.mode = m
	modePath := filepath.Join(f.folderPath, "mode.bin")
	if err := writeFileAtomic(modePath, func(out *os.File) error {
		return writeMode(out, m)
	}); err != nil {
		return fmt.Errorf("writing mode.bin: %w", err)
	}
	return nil
}

// DecreasePartPriority lowers part's send priority by one. Used once the
// part has been written to the wire: it has been sent at least once, so
// it's less urgent to resend before an ack arrives.
func (f *File) DecreasePartPriority(part wire.FilePartId) error {
	return f.state.modifyPartPriority(part, func(p int16) int16 { return p - 1 })
}

// SetAllPartsPriorities sets every remaining part's priority to the same
// value, in response to an incoming SetFilePriority control message.
func (f *File) SetAllPartsPriorities(priority int16) error {
	return f.state.setAllPartPriorities(priority)
}

// AcknowledgeFileParts marks every part within partRange as received,
// dropping their tracked state and reclaiming their on-disk data.
func (f *File) AcknowledgeFileParts(partRange wire.FilePartIdRangeInclusive) error {
	if err := f.state.filterRemainingParts(func(p statePart) bool {
		return !partRange.Contains(p.part)
	}); err != nil {
		return err
	}

	switch f.mode {
	case ModeContiguous:
		return f.shrinkContiguousData()
	case ModeSplit:
		return f.removeAcknowledgedSplitFiles(partRange)
	default:
		return fmt.Errorf("managedfile: unknown mode %v", f.mode)
	}
}

// shrinkContiguousData truncates data.bin so it covers exactly through the
// highest-numbered unacknowledged part; parts already acknowledged at the
// tail no longer occupy disk space.
func (f *File) shrinkContiguousData() error {
	var lastUnacknowledged *uint32
	for _, p := range f.state.remainingParts() {
		if p.part.IsHeader() {
			continue
		}
		i := p.part.Index()
		if lastUnacknowledged == nil || i > *lastUnacknowledged {
			idx := i
			lastUnacknowledged = &idx
		}
	}

	path := filepath.Join(f.folderPath, "data.bin")
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening data.bin: %w", err)
	}
	defer file.Close()

	var resultLen int64
	if lastUnacknowledged != nil {
		resultLen = (int64(*lastUnacknowledged) + 1) * int64(f.header.FilePartSize)
	}

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat data.bin: %w", err)
	}
	if info.Size() > resultLen {
		if err := file.Truncate(resultLen); err != nil {
			return fmt.Errorf("truncating data.bin: %w", err)
		}
	}

	return nil
}

func (f *File) removeAcknowledgedSplitFiles(partRange wire.FilePartIdRangeInclusive) error {
	partRange.IterParts(func(id wire.FilePartId) {
		if id.IsHeader() {
			return
		}
		path := filepath.Join(f.folderPath, "data", fmt.Sprintf("%d.bin", id.Index()))
		if _, err := os.Stat(path); err != nil {
			return
		}
		if err := os.Remove(path); err != nil {
			slog.Error("managed file: failed to delete acknowledged part", "part", id.Index(), "err", err)
		}
	})
	return nil
}

// Delete removes the entire managed file folder. The File must not be used
// afterwards.
func (f *File) Delete() error {
	return os.RemoveAll(f.folderPath)
}

// CalcRemainingDataSize estimates the bytes of file data still occupying
// disk for this file: every remaining body part at its full part size
// (the final part may in practice be shorter, but that's within noise for
// eviction accounting).
func (f *File) CalcRemainingDataSize() uint64 {
	var total uint64
	for _, p := range f.state.remainingParts() {
		if !p.part.IsHeader() {
			total += uint64(f.header.FilePartSize)
		}
	}
	return total
}

// ChunksSavedBySplitting reports how many whole part-sizes worth of disk
// space switching to split mode would currently reclaim: the gap between
// what a contiguous data.bin of this file's full remaining span occupies
// and what the remaining parts actually need.
func (f *File) ChunksSavedBySplitting() uint32 {
	if f.mode == ModeSplit {
		return 0
	}

	var maxPart uint32
	haveParts := false
	remaining := uint32(0)
	for _, p := range f.state.remainingParts() {
		if p.part.IsHeader() {
			continue
		}
		remaining++
		if !haveParts || p.part.Index() > maxPart {
			maxPart = p.part.Index()
			haveParts = true
		}
	}
	if !haveParts {
		return 0
	}

	span := maxPart + 1
	if span <= remaining {
		return 0
	}
	return span - remaining
}
