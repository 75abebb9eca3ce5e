// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package downlinksession implements a single pass over a storage manager's
// remaining parts: a cyclic, priority-ordered queue of chunks to emit. A
// session snapshots the queue once at construction and never re-sorts or
// re-admits new files mid-session; acknowledgements still take effect
// because the snapshot's stale entries are simply skipped when popped.
package downlinksession

import (
	"fmt"
	"sort"

	"github.com/leoftp-go/leoftp/internal/storagemanager"
	"github.com/leoftp-go/leoftp/internal/wire"
)

// Session sorts every remaining storage part once and cycles through them,
// emitting chunks for as long as the caller wants to keep sending.
type Session struct {
	storage *storagemanager.Manager
	queue   []storagemanager.Part
	index   int
}

// New snapshots storage's remaining parts into a cmp_normal-sorted cyclic
// queue. Adding new files to storage is not possible through a Session; that
// is the background runner's job at the session boundary.
func New(storage *storagemanager.Manager) *Session {
	queue := storage.IterRemainingStorageFileParts()
	sort.Slice(queue, func(i, j int) bool {
		return storagemanager.CmpNormal(queue[i], queue[j]) > 0
	})

	return &Session{storage: storage, queue: queue}
}

// ProcessControl delegates to the underlying storage manager. The snapshot
// queue is not mutated; any part it acknowledges away will simply be skipped
// the next time NextChunk cycles past it.
func (s *Session) ProcessControl(control wire.ControlMessage) error {
	return s.storage.ProcessControl(control)
}

// ConfirmFileSent delegates to the underlying storage manager, decreasing
// the priority of the part that was just written to the wire.
func (s *Session) ConfirmFileSent(id wire.FileId, part wire.FilePartId) error {
	return s.storage.ConfirmFileSent(id, part)
}

func (s *Session) nextItem() (storagemanager.Part, bool) {
	if len(s.queue) == 0 {
		return storagemanager.Part{}, false
	}

	item := s.queue[s.index]
	s.index++
	if s.index >= len(s.queue) {
		s.index = 0
	}
	return item, true
}

// NextChunk pops the next queued part, wrapping around the snapshot as
// needed, skipping any part whose file has since been deleted or whose part
// has since been acknowledged. Returns (nil, nil) once a full cycle yields
// nothing, meaning the session has nothing left to send right now.
func (s *Session) NextChunk() (*wire.Chunk, error) {
	for n := 0; n < len(s.queue); n++ {
		item, ok := s.nextItem()
		if !ok {
			return nil, nil
		}

		file, ok := s.storage.GetFile(item.FileId)
		if !ok {
			// File likely deleted due to an acknowledgement.
			continue
		}

		chunk, err := file.GetFilePart(item.PartId)
		if err != nil {
			return nil, fmt.Errorf("downlinksession: reading part %v of file %s: %w", item.PartId, item.FileId, err)
		}
		if chunk == nil {
			// Already acknowledged mid-session.
			continue
		}

		return chunk, nil
	}
	return nil, nil
}

// IntoStorageManager returns the underlying storage manager, for the
// background runner to keep using once this session ends.
func (s *Session) IntoStorageManager() *storagemanager.Manager {
	return s.storage
}
