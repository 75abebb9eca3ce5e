// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package storagemanager owns every managed file waiting to be sent: it
// enumerates what's on disk at startup, admits new files, routes incoming
// control messages to the right file, and evicts the lowest-priority data
// when the storage folder grows past its configured limit.
package storagemanager

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/leoftp-go/leoftp/internal/managedfile"
	"github.com/leoftp-go/leoftp/internal/wire"
	"github.com/shirou/gopsutil/v3/disk"
)

// Config governs admission and eviction behavior.
type Config struct {
	// NewFileChunkSize is the FilePartSize used for newly admitted files.
	NewFileChunkSize uint32

	// MaxFolderSize caps the total remaining data size tracked by the
	// manager. Nil disables the cap.
	MaxFolderSize *uint64

	// SplitFileIfNChunksSaved triggers a contiguous-to-split conversion once
	// splitting a file would reclaim at least this many part-sizes worth of
	// disk space. Nil disables automatic splitting.
	SplitFileIfNChunksSaved *uint32

	// MinFreeBytes, when set, makes admission consult the underlying
	// filesystem's actual free space (via gopsutil) in addition to
	// MaxFolderSize: eviction runs whenever free space would drop below this
	// watermark, even if MaxFolderSize hasn't nominally been exceeded.
	MinFreeBytes *uint64
}

// Manager is the sender-side storage manager.
type Manager struct {
	path   string
	files  map[wire.FileId]*managedfile.File
	config Config
}

// New enumerates path for existing managed file folders (left over from a
// previous run) and adopts every valid one.
func New(path string, config Config) (*Manager, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading storage folder: %w", err)
	}

	files := make(map[wire.FileId]*managedfile.File)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		folderPath := filepath.Join(path, entry.Name())

		f, err := managedfile.TryReadFromPath(folderPath)
		if err != nil {
			slog.Warn("storage manager: failed to read managed file folder", "path", folderPath, "err", err)
			continue
		}
		if f == nil {
			// Folder was invalid or abandoned; TryReadFromPath already
			// cleaned it up.
			continue
		}
		files[f.Header().Id] = f
	}

	return &Manager{path: path, files: files, config: config}, nil
}

// GetFile returns the managed file with the given id, if tracked.
func (m *Manager) GetFile(id wire.FileId) (*managedfile.File, bool) {
	f, ok := m.files[id]
	return f, ok
}

// IterFiles returns every tracked managed file.
func (m *Manager) IterFiles() []*managedfile.File {
	out := make([]*managedfile.File, 0, len(m.files))
	for _, f := range m.files {
		out = append(out, f)
	}
	return out
}

// Part names one remaining part of a tracked file alongside its priority,
// for queueing and eviction purposes.
type Part struct {
	FileId   wire.FileId
	PartId   wire.FilePartId
	Priority int16
}

// IterRemainingStorageFileParts flattens every tracked file's remaining
// parts into a single slice.
func (m *Manager) IterRemainingStorageFileParts() []Part {
	var out []Part
	for _, f := range m.files {
		id := f.Header().Id
		for _, p := range f.RemainingParts() {
			out = append(out, Part{FileId: id, PartId: p.Part, Priority: p.Priority})
		}
	}
	return out
}

// ProcessControl routes an incoming control message to the file it
// addresses, ignoring messages for files this manager no longer tracks
// (common when a confirmation arrives after the file already finished).
func (m *Manager) ProcessControl(control wire.ControlMessage) error {
	switch c := control.(type) {
	case wire.ConfirmPart:
		f, ok := m.files[c.FileId]
		if !ok {
			slog.Info("storage manager: confirmation for untracked file", "file", c.FileId)
			return nil
		}
		if err := f.AcknowledgeFileParts(c.PartRange); err != nil {
			return fmt.Errorf("acknowledging parts: %w", err)
		}
		if f.IsFinished() {
			return m.deleteFileByID(c.FileId)
		}
		return nil

	case wire.DeleteFile:
		return m.deleteFileByID(c.FileId)

	case wire.SetFilePriority:
		f, ok := m.files[c.FileId]
		if !ok {
			slog.Info("storage manager: priority set for untracked file", "file", c.FileId)
			return nil
		}
		return f.SetAllPartsPriorities(c.Priority)

	default:
		return fmt.Errorf("storagemanager: unhandled control message type %T", control)
	}
}

func (m *Manager) deleteFileByID(id wire.FileId) error {
	f, ok := m.files[id]
	if !ok {
		slog.Info("storage manager: delete request for untracked file", "file", id)
		return nil
	}
	delete(m.files, id)
	if err := f.Delete(); err != nil {
		return fmt.Errorf("deleting managed file %s: %w", id, err)
	}
	return nil
}

// ConfirmFileSent decreases the priority of part in file id, in response to
// observing that part leave on the wire. Distinct from acknowledging a
// file, which removes its data entirely once the receiver confirms.
func (m *Manager) ConfirmFileSent(id wire.FileId, part wire.FilePartId) error {
	f, ok := m.files[id]
	if !ok {
		slog.Info("storage manager: sent confirmation for untracked file", "file", id)
		return nil
	}
	return f.DecreasePartPriority(part)
}

func (m *Manager) totalRemainingSize() uint64 {
	var total uint64
	for _, f := range m.files {
		total += f.CalcRemainingDataSize()
	}
	return total
}

// AddFileFromPath admits a new file at sourcePath into storage, evicting
// lower-priority data first if MaxFolderSize or MinFreeBytes would otherwise
// be violated.
func (m *Manager) AddFileFromPath(sourcePath string) error {
	header, err := generateFileHeaderFromPath(sourcePath, m.config.NewFileChunkSize)
	if err != nil {
		return fmt.Errorf("building header for %s: %w", sourcePath, err)
	}

	var limit *uint64
	if m.config.MaxFolderSize != nil {
		max := *m.config.MaxFolderSize
		if header.Size > max {
			return fmt.Errorf("storagemanager: file size %d exceeds max folder size %d", header.Size, max)
		}
		l := max - header.Size
		limit = &l
	}

	if m.config.MinFreeBytes != nil {
		if usage, err := disk.Usage(m.path); err != nil {
			slog.Warn("storage manager: failed to read disk usage, skipping free-space check", "path", m.path, "err", err)
		} else {
			needed := *m.config.MinFreeBytes + header.Size
			if usage.Free < needed {
				shortfall := needed - usage.Free
				total := m.totalRemainingSize()
				var diskLimit uint64
				if shortfall < total {
					diskLimit = total - shortfall
				}
				if limit == nil || diskLimit < *limit {
					limit = &diskLimit
				}
			}
		}
	}

	if limit != nil {
		if err := m.evictUntilSizeAtMost(*limit); err != nil {
			return fmt.Errorf("evicting to make room: %w", err)
		}
	}

	destPath := filepath.Join(m.path, header.Id.String())
	f, err := managedfile.CreateNewFromHeader(destPath, sourcePath, header)
	if err != nil {
		return fmt.Errorf("creating managed file: %w", err)
	}

	m.files[header.Id] = f
	return nil
}

// evictUntilSizeAtMost deletes the lowest-priority remaining parts across
// every tracked file until the total remaining data size is at most limit,
// splitting files along the way when doing so would reclaim enough space to
// be worth the extra bookkeeping.
func (m *Manager) evictUntilSizeAtMost(limit uint64) error {
	total := m.totalRemainingSize()

	items := m.IterRemainingStorageFileParts()
	sort.Slice(items, func(i, j int) bool {
		return CmpForDeletion(items[i], items[j]) < 0
	})

	deleted := 0
	for total > limit {
		if len(items) == 0 {
			break
		}
		item := items[0]
		items = items[1:]

		f, ok := m.files[item.FileId]
		if !ok {
			continue
		}

		fileSize := f.CalcRemainingDataSize()
		if err := f.AcknowledgeFileParts(wire.NewSingleFilePartIdRange(item.PartId)); err != nil {
			return fmt.Errorf("acknowledging part during eviction: %w", err)
		}
		deleted++

		if f.IsFinished() {
			if err := m.deleteFileByID(item.FileId); err != nil {
				return err
			}
			total = total - fileSize
			continue
		}

		if n := m.config.SplitFileIfNChunksSaved; n != nil {
			if f.ChunksSavedBySplitting() >= *n {
				if err := f.TriggerSplit(); err != nil {
					return fmt.Errorf("auto-splitting during eviction: %w", err)
				}
			}
		}

		total = total - fileSize + f.CalcRemainingDataSize()
	}

	slog.Warn("storage manager: evicted parts to respect max folder size", "parts_deleted", deleted, "limit", limit)
	return nil
}

// RunMaintenanceSweep re-checks the disk-usage/max-folder-size eviction
// trigger and opportunistically splits any file whose ChunksSavedBySplitting
// reaches the configured threshold, even absent active eviction pressure.
// Intended to be called periodically (§11.5) while no admission or eviction
// is already running, so contiguous files don't quietly waste disk between
// triggers.
func (m *Manager) RunMaintenanceSweep() error {
	if m.config.MaxFolderSize != nil {
		if err := m.evictUntilSizeAtMost(*m.config.MaxFolderSize); err != nil {
			return fmt.Errorf("maintenance sweep eviction: %w", err)
		}
	}

	if m.config.MinFreeBytes != nil {
		if usage, err := disk.Usage(m.path); err != nil {
			slog.Warn("storage manager: failed to read disk usage during maintenance sweep", "path", m.path, "err", err)
		} else if usage.Free < *m.config.MinFreeBytes {
			shortfall := *m.config.MinFreeBytes - usage.Free
			total := m.totalRemainingSize()
			var limit uint64
			if shortfall < total {
				limit = total - shortfall
			}
			if err := m.evictUntilSizeAtMost(limit); err != nil {
				return fmt.Errorf("maintenance sweep disk-space eviction: %w", err)
			}
		}
	}

	if n := m.config.SplitFileIfNChunksSaved; n != nil {
		for _, f := range m.files {
			if f.ChunksSavedBySplitting() >= *n {
				if err := f.TriggerSplit(); err != nil {
					return fmt.Errorf("maintenance sweep auto-split: %w", err)
				}
			}
		}
	}

	return nil
}

func generateFileHeaderFromPath(path string, partSize uint32) (wire.HeaderChunk, error) {
	info, err := os.Stat(path)
	if err != nil {
		return wire.HeaderChunk{}, fmt.Errorf("stat %s: %w", path, err)
	}

	size := uint64(info.Size())
	partCount := uint32(size / uint64(partSize))
	if size%uint64(partSize) != 0 {
		partCount++
	}

	return wire.HeaderChunk{
		Id:           wire.NewFileId(),
		Name:         filepath.Base(path),
		Date:         time.Now().UnixNano(),
		PartCount:    partCount,
		Size:         size,
		FilePartSize: partSize,
	}, nil
}

// CmpNormal orders two storage parts for sending: higher priority first,
// then header before body, then lower part index first. A positive result
// means a is sent before b.
func CmpNormal(a, b Part) int {
	if a.Priority != b.Priority {
		return int(a.Priority) - int(b.Priority)
	}

	aHeader, bHeader := a.PartId.IsHeader(), b.PartId.IsHeader()
	if aHeader != bHeader {
		if aHeader {
			return 1
		}
		return -1
	}
	if aHeader {
		return 0
	}

	return int(b.PartId.Index()) - int(a.PartId.Index())
}

// CmpForDeletion orders two storage parts for eviction, where a negative
// result means a is evicted before b: lower priority first, body parts
// before the header (so headers go last), then higher part index first, so
// a file's tail is evicted first and data.bin can shrink as it goes.
func CmpForDeletion(a, b Part) int {
	if a.Priority != b.Priority {
		return int(a.Priority) - int(b.Priority)
	}

	aHeader, bHeader := a.PartId.IsHeader(), b.PartId.IsHeader()
	if aHeader != bHeader {
		if aHeader {
			return 1
		}
		return -1
	}
	if aHeader {
		return 0
	}

	return int(b.PartId.Index()) - int(a.PartId.Index())
}
