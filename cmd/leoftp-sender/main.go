// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leoftp-go/leoftp/internal/backgroundrunner"
	"github.com/leoftp-go/leoftp/internal/config"
	"github.com/leoftp-go/leoftp/internal/inputpoller"
	"github.com/leoftp-go/leoftp/internal/logging"
	"github.com/leoftp-go/leoftp/internal/pki"
	"github.com/leoftp-go/leoftp/internal/storagemanager"
	"github.com/leoftp-go/leoftp/internal/throttle"
	"github.com/leoftp-go/leoftp/internal/transport"
	"github.com/leoftp-go/leoftp/internal/wire"
)

// reconnectBackoff bounds how long the sender waits between failed dial
// attempts to the receiver.
const reconnectBackoff = 5 * time.Second

func main() {
	configPath := flag.String("config", "/etc/leoftp/sender.yaml", "path to sender config file")
	flag.Parse()

	cfg, err := config.LoadSenderConfig(*configPath)
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

	runner, err := backgroundrunner.New(cfg.Storage.Workdir, backgroundrunner.Config{
		Storage: storagemanager.Config{
			NewFileChunkSize:        cfg.Downlink.NewFileChunkSize,
			MaxFolderSize:           cfg.Downlink.MaxFolderSize,
			SplitFileIfNChunksSaved: cfg.Downlink.SplitFileIfNChunksSaved,
			MinFreeBytes:            cfg.Downlink.MinFreeBytes,
		},
		MaintenanceSweepSchedule: cfg.Maintenance.EvictionSweepSchedule,
	}, logger)
	if err != nil {
		logger.Error("starting background runner", "err", err)
		os.Exit(1)
	}
	defer runner.Stop(context.Background())

	poller := inputpoller.New(cfg.Input.WatchDir, cfg.Input.StagingDir, cfg.Input.PollInterval.AsDuration(), logger)
	go func() {
		for path := range poller.Staged() {
			runner.Send(backgroundrunner.AddFile{Path: path})
		}
	}()
	go func() {
		if err := poller.Run(ctx); err != nil {
			logger.Error("input poller stopped", "err", err)
		}
	}()

	tlsConfig, err := pki.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		logger.Error("configuring TLS", "err", err)
		os.Exit(1)
	}

	dialLoop(ctx, cfg, tlsConfig, runner, logger)
	logger.Info("sender shutdown complete")
}

// dialLoop keeps a connection to the receiver established for as long as
// the process runs, reconnecting with a fixed backoff after every drop.
func dialLoop(ctx context.Context, cfg *config.SenderConfig, tlsConfig *tls.Config, runner *backgroundrunner.Runner, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := transport.Dial(ctx, cfg.Transport.ReceiverAddress, tlsConfig)
		if err != nil {
			logger.Error("dialing receiver", "address", cfg.Transport.ReceiverAddress, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectBackoff):
				continue
			}
		}

		logger.Info("connected to receiver", "address", cfg.Transport.ReceiverAddress)
		runSession(ctx, conn, cfg, runner, logger)
	}
}

// runSession drives one downlink session over conn until it drops or ctx is
// canceled, then returns so dialLoop can reconnect.
//
// chunkCh is never closed: the runner goroutine may still be attempting a send on it right up until
// it observes doneCh closed, so the consumer side signals "done" instead of
// closing the channel out from under that send.
func runSession(ctx context.Context, conn net.Conn, cfg *config.SenderConfig, runner *backgroundrunner.Runner, logger *slog.Logger) {
	defer conn.Close()

	chunkCh := make(chan *wire.Chunk, cfg.Transport.OutboundChannelCapacity)
	doneCh := make(chan struct{})
	runner.Send(backgroundrunner.BeginSession{Out: chunkCh, Done: doneCh})

	var outbound io.Writer = conn
	if cfg.Transport.OutboundRateBytesPerSec > 0 {
		outbound = throttle.NewWriter(ctx, conn, cfg.Transport.OutboundRateBytesPerSec)
	}

	quitWriter := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case chunk := <-chunkCh:
				packet, err := wire.EncodePacket(chunk.Message())
				if err != nil {
					logger.Error("encoding outbound chunk", "err", err)
					continue
				}
				if _, err := outbound.Write(packet); err != nil {
					logger.Error("writing outbound chunk", "err", err)
					conn.Close()
					return
				}
				runner.Send(backgroundrunner.ConfirmChunkSent{FileId: chunk.FileId(), PartId: chunk.PartIndex()})
			case <-quitWriter:
				return
			}
		}
	}()

	parser := wire.NewParser(conn)
	for {
		msg, err := parser.Next()
		if err != nil {
			logger.Info("session ended", "err", err)
			break
		}
		control, ok := msg.(wire.ControlMessage)
		if !ok {
			logger.Warn("sender received a non-control message; ignoring", "msg", msg)
			continue
		}
		runner.Send(backgroundrunner.ControlMessage{Control: control})
	}

	close(doneCh)
	close(quitWriter)
	<-writerDone
}
