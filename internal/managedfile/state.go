// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package managedfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/leoftp-go/leoftp/internal/wire"
)

// statePart is a single tracked part: its wire id and its current send
// priority. Higher priority is sent first; see the comparators in the
// storagemanager package.
type statePart struct {
	part     wire.FilePartId
	priority int16
}

const statePartRecordLen = 4 + 2 // u32 part index + i16 priority, little-endian

// state is the crash-recoverable record of which parts of a managed file
// still need to be sent, and at what priority. It mirrors its on-disk form
// at path on every mutation via an atomic rewrite.
type state struct {
	path   string
	parts  []statePart
}

// newStateFromPartCount creates path and writes a fresh state containing the
// header part plus one entry per body part, all at priority 0.
func newStateFromPartCount(partCount uint32, path string) (*state, error) {
	parts := make([]statePart, 0, partCount+1)
	parts = append(parts, statePart{part: wire.Header, priority: 0})
	for i := uint32(0); i < partCount; i++ {
		parts = append(parts, statePart{part: wire.Part(i), priority: 0})
	}

	s := &state{path: path, parts: parts}
	if err := s.rewrite(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadState reads a previously persisted state file in full.
func loadState(path string) (*state, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening state file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat state file: %w", err)
	}
	if info.Size()%statePartRecordLen != 0 {
		return nil, fmt.Errorf("managedfile: state file length %d is not a multiple of %d", info.Size(), statePartRecordLen)
	}

	count := info.Size() / statePartRecordLen
	parts := make([]statePart, 0, count)
	var rec [statePartRecordLen]byte
	for i := int64(0); i < count; i++ {
		if _, err := io.ReadFull(f, rec[:]); err != nil {
			return nil, fmt.Errorf("reading state record %d: %w", i, err)
		}
		idx := binary.LittleEndian.Uint32(rec[0:4])
		priority := int16(binary.LittleEndian.Uint16(rec[4:6]))
		parts = append(parts, statePart{part: wire.FilePartIdFromIndex(idx), priority: priority})
	}

	return &state{path: path, parts: parts}, nil
}

func (s *state) rewrite() error {
	return writeFileAtomic(s.path, func(f *os.File) error {
		for _, p := range s.parts {
			var rec [statePartRecordLen]byte
			binary.LittleEndian.PutUint32(rec[0:4], p.part.ToIndex())
			binary.LittleEndian.PutUint16(rec[4:6], uint16(p.priority))
			if _, err := f.Write(rec[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

// modifyPartPriority applies modify to the priority of the single tracked
// part matching id, persisting the change. A miss is logged, not an error:
// acknowledgements and priority updates can race with each other.
func (s *state) modifyPartPriority(id wire.FilePartId, modify func(int16) int16) error {
	for i := range s.parts {
		if s.parts[i].part.Equal(id) {
			s.parts[i].priority = modify(s.parts[i].priority)
			return s.rewrite()
		}
	}
	slog.Info("managed file: priority update for untracked part", "part", id.String())
	return nil
}

// setAllPartPriorities sets every tracked part (including the header) to
// priority.
func (s *state) setAllPartPriorities(priority int16) error {
	for i := range s.parts {
		s.parts[i].priority = priority
	}
	return s.rewrite()
}

// filterRemainingParts keeps only the parts for which keep returns true.
func (s *state) filterRemainingParts(keep func(statePart) bool) error {
	kept := s.parts[:0]
	for _, p := range s.parts {
		if keep(p) {
			kept = append(kept, p)
		}
	}
	s.parts = kept
	return s.rewrite()
}

func (s *state) remainingParts() []statePart {
	return s.parts
}

// remainingNonHeaderPartsLen counts tracked parts excluding the header.
func (s *state) remainingNonHeaderPartsLen() int {
	n := len(s.parts)
	for _, p := range s.parts {
		if p.part.IsHeader() {
			n--
		}
	}
	return n
}
