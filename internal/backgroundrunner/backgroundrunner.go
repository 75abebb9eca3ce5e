// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package backgroundrunner owns the storage manager for the lifetime of the
// sender process and bounces it between two states: Waiting (idle, can
// admit new files and run the periodic maintenance sweep) and Session
// (actively emitting chunks to a connected receiver). Every interaction
// with storage goes through this single goroutine, so no mutex is needed
// around the storage manager itself.
package backgroundrunner

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/leoftp-go/leoftp/internal/downlinksession"
	"github.com/leoftp-go/leoftp/internal/storagemanager"
	"github.com/leoftp-go/leoftp/internal/wire"
)

// Message is the sealed set of events the runner accepts on its inbound
// channel.
type Message interface{ isMessage() }

// ControlMessage asks the runner to process an incoming wire control
// message against whichever storage state it currently owns.
type ControlMessage struct{ Control wire.ControlMessage }

func (ControlMessage) isMessage() {}

// ConfirmChunkSent marks a part as having left the wire, decreasing its
// send priority without deleting it. Distinct from acknowledging a file,
// which the receiver does via ControlMessage/ConfirmPart once it actually
// has the data.
type ConfirmChunkSent struct {
	FileId wire.FileId
	PartId wire.FilePartId
}

func (ConfirmChunkSent) isMessage() {}

// AddFile asks the runner to admit a new file at path. Buffered rather than
// applied immediately if a session is in progress.
type AddFile struct{ Path string }

func (AddFile) isMessage() {}

// BeginSession asks the runner to start emitting chunks onto Out. The
// session ends, and the runner returns to Waiting, once Done is closed by
// the caller (e.g. because the outbound transport connection dropped).
type BeginSession struct {
	Out  chan<- *wire.Chunk
	Done <-chan struct{}
}

func (BeginSession) isMessage() {}

// maintenanceSweep is an internal message the cron scheduler posts onto the
// same channel as every other event, so a sweep never races with a
// concurrent state transition. It is only acted on while Waiting; a sweep
// that arrives mid-session is buffered and runs once the session ends.
type maintenanceSweep struct{}

func (maintenanceSweep) isMessage() {}

// StopAndQuit shuts the runner down permanently.
type StopAndQuit struct{}

func (StopAndQuit) isMessage() {}

// chunkSendTimeout bounds how long the session state blocks trying to push
// a chunk onto the outbound channel before checking for new messages again.
const chunkSendTimeout = 100 * time.Millisecond

// idleSleep is how long the session state waits before re-polling for a
// chunk when the queue currently has nothing to send.
const idleSleep = 100 * time.Millisecond

// errorBackoff is how long the session state waits after an unexpected
// error reading the next chunk, to avoid spamming the logs.
const errorBackoff = 1 * time.Second

// Runner drives the Waiting/Session state machine from a single goroutine.
type Runner struct {
	messages chan Message
	sweeping atomic.Bool
	cron     *cron.Cron
	logger   *slog.Logger
	stopped  chan struct{}
}

// Config governs admission, eviction, and maintenance sweep behavior.
type Config struct {
	Storage storagemanager.Config

	// MaintenanceSweepSchedule, if non-empty, is a cron expression
	// (maintenance.eviction_sweep_schedule) that re-runs the disk-usage
	// check and opportunistic auto-split while the runner is idle.
	MaintenanceSweepSchedule string
}

// New loads the storage manager rooted at storagePath and starts the runner
// goroutine. The returned Runner must be stopped with Stop to release its
// goroutine (and cron scheduler, if configured).
func New(storagePath string, cfg Config, logger *slog.Logger) (*Runner, error) {
	storage, err := storagemanager.New(storagePath, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("backgroundrunner: loading storage: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{
		messages: make(chan Message, 64),
		logger:   logger,
		stopped:  make(chan struct{}),
	}

	if cfg.MaintenanceSweepSchedule != "" {
		r.cron = cron.New()
		if _, err := r.cron.AddFunc(cfg.MaintenanceSweepSchedule, func() {
			// Skip entirely if a sweep is already queued or running,
			// mirroring the teacher's BackupJob running-guard.
			if r.sweeping.CompareAndSwap(false, true) {
				r.messages <- maintenanceSweep{}
			} else {
				r.logger.Debug("maintenance sweep skipped: previous sweep still pending")
			}
		}); err != nil {
			return nil, fmt.Errorf("backgroundrunner: invalid maintenance sweep schedule: %w", err)
		}
		r.cron.Start()
	}

	waiting := &waitingState{runner: r, storage: storage}
	go r.run(waiting)

	return r, nil
}

// Send enqueues a message for the runner goroutine. Never blocks for long:
// the inbound channel is generously buffered, matching the teacher's
// fire-and-forget control-plane usage.
func (r *Runner) Send(msg Message) {
	r.messages <- msg
}

// Stop asks the runner to quit and waits for its goroutine to exit.
func (r *Runner) Stop(ctx context.Context) error {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	r.messages <- StopAndQuit{}
	select {
	case <-r.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) run(waiting *waitingState) {
	defer close(r.stopped)

	for {
		session := waiting.runUntilSwitched()
		if session == nil {
			return
		}

		nextWaiting := session.runUntilSwitched()
		if nextWaiting == nil {
			return
		}
		waiting = nextWaiting
	}
}

// waitingState owns the storage manager while idle: it can admit files and
// apply control messages, but cannot emit chunks.
type waitingState struct {
	runner  *Runner
	storage *storagemanager.Manager
}

func (w *waitingState) runUntilSwitched() *sessionState {
	for msg := range w.runner.messages {
		switch m := msg.(type) {
		case ControlMessage:
			if err := w.storage.ProcessControl(m.Control); err != nil {
				w.runner.logger.Error("error processing control message", "err", err)
			}

		case ConfirmChunkSent:
			if err := w.storage.ConfirmFileSent(m.FileId, m.PartId); err != nil {
				w.runner.logger.Error("error marking file part as sent", "file_id", m.FileId, "part_id", m.PartId, "err", err)
			}

		case AddFile:
			if err := w.storage.AddFileFromPath(m.Path); err != nil {
				w.runner.logger.Error("error adding file from path", "path", m.Path, "err", err)
			}

		case maintenanceSweep:
			if err := w.storage.RunMaintenanceSweep(); err != nil {
				w.runner.logger.Error("maintenance sweep failed", "err", err)
			}
			w.runner.sweeping.Store(false)

		case BeginSession:
			return w.transitionToSession(m)

		case StopAndQuit:
			return nil
		}
	}
	return nil
}

func (w *waitingState) transitionToSession(begin BeginSession) *sessionState {
	session := downlinksession.New(w.storage)
	return &sessionState{
		runner:  w.runner,
		session: session,
		out:     begin.Out,
		done:    begin.Done,
	}
}

// sessionState owns a downlink session and a bounded outbound chunk
// channel while actively sending. New files cannot be admitted mid-session;
// their paths (and any pending maintenance sweep) are buffered and applied
// once the session ends.
type sessionState struct {
	runner          *Runner
	session         *downlinksession.Session
	out             chan<- *wire.Chunk
	done            <-chan struct{}
	pendingNewFiles []string
	sweepPending    bool
}

func (s *sessionState) runUntilSwitched() *waitingState {
	var pendingChunk *wire.Chunk
	havePending := false

	for {
		if !havePending {
			chunk, err := s.session.NextChunk()
			switch {
			case err != nil:
				s.runner.logger.Error("error getting next chunk from downlink session", "err", err)
				time.Sleep(errorBackoff)
			case chunk == nil:
				time.Sleep(idleSleep)
			default:
				pendingChunk = chunk
				havePending = true
			}
		}

		if havePending {
			select {
			case <-s.done:
				return s.endSession()
			case s.out <- pendingChunk:
				havePending = false
				pendingChunk = nil
			case <-time.After(chunkSendTimeout):
				// Timed out; keep pendingChunk and go process messages.
			}
		}

		if s.drainMessages() {
			return nil
		}

		select {
		case <-s.done:
			return s.endSession()
		default:
		}
	}
}

// drainMessages processes every message currently queued without blocking,
// reporting whether StopAndQuit was received (in which case the whole
// runner, not just this session, should shut down).
func (s *sessionState) drainMessages() (stop bool) {
	for {
		select {
		case msg := <-s.runner.messages:
			switch m := msg.(type) {
			case ControlMessage:
				if err := s.session.ProcessControl(m.Control); err != nil {
					s.runner.logger.Error("error processing control message", "err", err)
				}

			case ConfirmChunkSent:
				if err := s.session.ConfirmFileSent(m.FileId, m.PartId); err != nil {
					s.runner.logger.Error("error marking file part as sent", "file_id", m.FileId, "part_id", m.PartId, "err", err)
				}

			case AddFile:
				s.pendingNewFiles = append(s.pendingNewFiles, m.Path)

			case maintenanceSweep:
				s.sweepPending = true

			case BeginSession:
				s.runner.logger.Error("received BeginSession while already in a downlink session")

			case StopAndQuit:
				return true
			}
		default:
			return false
		}
	}
}

func (s *sessionState) endSession() *waitingState {
	s.runner.logger.Info("chunk receiver disconnected, ending downlink session")
	return s.transitionToWaiting()
}

func (s *sessionState) transitionToWaiting() *waitingState {
	storage := s.session.IntoStorageManager()

	for _, path := range s.pendingNewFiles {
		if err := storage.AddFileFromPath(path); err != nil {
			s.runner.logger.Error("error adding buffered file", "path", path, "err", err)
		}
	}

	if s.sweepPending {
		if err := storage.RunMaintenanceSweep(); err != nil {
			s.runner.logger.Error("maintenance sweep failed", "err", err)
		}
		s.runner.sweeping.Store(false)
	}

	return &waitingState{runner: s.runner, storage: storage}
}
