// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package throttle rate-limits the sender's outbound chunk stream (§11.2).
package throttle

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurstSize caps a single reservation so a high configured rate can't
// force one enormous wait; large writes are split into chunks of at most
// this size instead.
const maxBurstSize = 256 * 1024

// Writer rate-limits writes to an underlying io.Writer using a token bucket.
type Writer struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewWriter wraps w with a token-bucket limiter capped at bytesPerSec. If
// bytesPerSec <= 0, w is returned unwrapped (throttling disabled).
func NewWriter(ctx context.Context, w io.Writer, bytesPerSec uint64) io.Writer {
	if bytesPerSec == 0 {
		return w
	}

	burst := int(bytesPerSec)
	if burst <= 0 || burst > maxBurstSize {
		burst = maxBurstSize
	}

	return &Writer{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Write splits p into at-most-burst-sized chunks, waiting for tokens before
// each one, so a single chunk send is paced rather than let through in a
// single reservation.
func (tw *Writer) Write(p []byte) (int, error) {
	total := 0

	for len(p) > 0 {
		chunk := len(p)
		if chunk > tw.limiter.Burst() {
			chunk = tw.limiter.Burst()
		}

		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return total, err
		}

		n, err := tw.w.Write(p[:chunk])
		total += n
		if err != nil {
			return total, err
		}
		p = p[n:]
	}

	return total, nil
}
