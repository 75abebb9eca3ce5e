// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/leoftp-go/leoftp/internal/archive"
	"github.com/leoftp-go/leoftp/internal/auditlog"
	"github.com/leoftp-go/leoftp/internal/config"
	"github.com/leoftp-go/leoftp/internal/logging"
	"github.com/leoftp-go/leoftp/internal/pki"
	"github.com/leoftp-go/leoftp/internal/receiver"
	"github.com/leoftp-go/leoftp/internal/transport"
	"github.com/leoftp-go/leoftp/internal/wire"
)

// flushInterval bounds how often a connection checks for newly finished
// files and drains confirmations back to the sender.
const flushInterval = 100 * time.Millisecond

func main() {
	configPath := flag.String("config", "/etc/leoftp/receiver.yaml", "path to receiver config file")
	flag.Parse()

	cfg, err := config.LoadReceiverConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	r, err := receiver.New(cfg.Storage.WorkdirFolder, cfg.Storage.ResultFolder)
	if err != nil {
		logger.Error("starting receiver", "err", err)
		os.Exit(1)
	}

	if cfg.Archive.Enabled {
		uploader, err := archive.New(ctx, cfg.Archive.Bucket, cfg.Archive.Prefix, logger)
		if err != nil {
			logger.Error("configuring archival", "err", err)
			os.Exit(1)
		}
		r.SetArchiver(uploader)
	}

	var auditLog *auditlog.Log
	if cfg.AuditLog.Enabled {
		auditLog, err = auditlog.Open(cfg.AuditLog.Path, cfg.AuditLog.MaxLines)
		if err != nil {
			logger.Error("opening audit log", "err", err)
			os.Exit(1)
		}
		defer auditLog.Close()
	}

	tlsConfig, err := pki.NewServerTLSConfig(cfg.TLS.CACert, cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		logger.Error("configuring TLS", "err", err)
		os.Exit(1)
	}

	ln, err := transport.Listen(cfg.Listen, tlsConfig)
	if err != nil {
		logger.Error("listening", "err", err)
		os.Exit(1)
	}
	defer ln.Close()
	logger.Info("receiver listening", "address", cfg.Listen)

	var mu sync.Mutex
	if err := transport.Serve(ctx, ln, logger, func(ctx context.Context, conn net.Conn) {
		handleConnection(ctx, conn, r, &mu, auditLog, logger)
	}); err != nil {
		logger.Error("serve error", "err", err)
		os.Exit(1)
	}

	logger.Info("receiver shutdown complete")
}

// handleConnection absorbs every chunk a sender writes on conn, periodically
// checks for newly finished files, and streams confirmations back. r's
// public methods are not safe for concurrent use, so every access is
// serialized through mu (shared across every connection the receiver ever
// accepts — SPEC_FULL.md §5 describes the receiver as single-threaded
// within its own driver loop).
func handleConnection(ctx context.Context, conn net.Conn, r *receiver.Receiver, mu *sync.Mutex, auditLog *auditlog.Log, logger *slog.Logger) {
	defer conn.Close()

	sessionID := uuid.NewString()
	if auditLog != nil {
		if err := auditLog.SessionStarted(sessionID); err != nil {
			logger.Error("audit log: session started", "err", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outgoing := make(chan wire.ConfirmPart, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range outgoing {
			packet, err := wire.EncodePacket(msg)
			if err != nil {
				logger.Error("encoding confirmation", "err", err)
				continue
			}
			if _, err := conn.Write(packet); err != nil {
				logger.Error("writing confirmation", "err", err)
				conn.Close()
				return
			}
		}
	}()

	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				flushOnce(r, mu, outgoing, logger)
			case <-ctx.Done():
				return
			}
		}
	}()

	parser := wire.NewParser(conn)
	for {
		msg, err := parser.Next()
		if err != nil {
			logger.Info("connection ended", "session_id", sessionID, "err", err)
			break
		}

		var chunk wire.Chunk
		switch m := msg.(type) {
		case wire.HeaderChunk:
			chunk = wire.ChunkFromHeader(m)
		case wire.DataChunk:
			chunk = wire.ChunkFromData(m)
		default:
			logger.Warn("receiver got a non-chunk message; ignoring", "msg", msg)
			continue
		}

		mu.Lock()
		err = r.ReceiveChunk(chunk)
		mu.Unlock()
		if err != nil {
			logger.Error("receiving chunk", "err", err)
		}
	}

	cancel()
	<-flushDone
	close(outgoing)
	<-writerDone

	if auditLog != nil {
		if err := auditLog.SessionEnded(sessionID); err != nil {
			logger.Error("audit log: session ended", "err", err)
		}
	}
}

func flushOnce(r *receiver.Receiver, mu *sync.Mutex, outgoing chan<- wire.ConfirmPart, logger *slog.Logger) {
	mu.Lock()
	if err := r.OutputFinishedFiles(); err != nil {
		logger.Error("assembling finished files", "err", err)
	}
	msgs := r.IterControlMessages()
	mu.Unlock()

	for _, m := range msgs {
		outgoing <- m
	}
}
