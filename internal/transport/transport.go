// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package transport carries the downlink's data and control streams over
// mutual-TLS TCP: the receiver listens (§11.1), the sender dials out. Both
// directions are just net.Conn as far as the wire codec is concerned, so a
// single connection multiplexes header/data chunks one way and control
// messages the other.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// maxBackoff caps how long Serve sleeps after a run of consecutive Accept
// errors, matching the teacher's own accept-loop backoff ceiling.
const maxBackoff = 5 * time.Second

// Dial opens a mutual-TLS connection to addr. Used by the sender to reach
// the receiver's listener.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	dialer := &tls.Dialer{Config: tlsConfig}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", addr, err)
	}
	return conn, nil
}

// Listen opens a mutual-TLS listener on addr. Used by the receiver.
func Listen(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	ln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %s: %w", addr, err)
	}
	return ln, nil
}

// Serve runs ln's accept loop until ctx is canceled, dispatching each
// accepted connection to handle on its own goroutine. Consecutive Accept
// errors back off (capped at maxBackoff) rather than hot-looping, mirroring
// the teacher's server.Run/RunWithListener accept loop.
func Serve(ctx context.Context, ln net.Listener, logger *slog.Logger, handle func(ctx context.Context, conn net.Conn)) error {
	if logger == nil {
		logger = slog.Default()
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				consecutiveErrors++
				logger.Error("transport: accepting connection", "err", err, "consecutive_errors", consecutiveErrors)
				delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
				if delay > maxBackoff {
					delay = maxBackoff
				}
				time.Sleep(delay)
				continue
			}
		}

		consecutiveErrors = 0
		go handle(ctx, conn)
	}
}
