// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package faultinject provides deterministic corruption-injecting io.Writer
// wrappers for tests: one flips bits in bytes passing through, the other
// inserts a junk sequence into the stream. No byte-deleting wrapper is
// provided.
package faultinject

import (
	"io"
	"math/rand"
)

// CorruptingWriter wraps an io.Writer and corrupts roughly one byte out of
// every rate bytes written, chosen deterministically from seed.
type CorruptingWriter struct {
	w    io.Writer
	rate int
	rng  *rand.Rand
	n    int
}

// NewCorruptingWriter builds a writer that corrupts approximately 1 byte in
// every rate bytes. rate <= 0 disables corruption entirely (passthrough).
func NewCorruptingWriter(w io.Writer, rate int, seed int64) *CorruptingWriter {
	return &CorruptingWriter{w: w, rate: rate, rng: rand.New(rand.NewSource(seed))}
}

// Write corrupts bytes in place (flip) before forwarding the buffer, so the
// total byte count and stream length are unaffected — only content changes.
func (c *CorruptingWriter) Write(p []byte) (int, error) {
	if c.rate <= 0 {
		return c.w.Write(p)
	}

	corrupted := make([]byte, len(p))
	copy(corrupted, p)

	for i := range corrupted {
		c.n++
		if c.n%c.rate == 0 {
			corrupted[i] ^= byte(1 << uint(c.rng.Intn(8)))
		}
	}

	return c.w.Write(corrupted)
}

// InsertionWriter wraps an io.Writer and inserts a literal junk sequence
// into the stream roughly once every rate bytes, used to exercise the
// tolerant parser's resync behavior against a signature-like false start.
type InsertionWriter struct {
	w    io.Writer
	junk []byte
	rate int
	n    int
}

// NewInsertionWriter builds a writer that inserts junk once every rate
// bytes written. rate <= 0 disables insertion entirely.
func NewInsertionWriter(w io.Writer, junk []byte, rate int) *InsertionWriter {
	return &InsertionWriter{w: w, junk: junk, rate: rate}
}

func (iw *InsertionWriter) Write(p []byte) (int, error) {
	if iw.rate <= 0 {
		return iw.w.Write(p)
	}

	written := 0
	for len(p) > 0 {
		chunk := len(p)
		remaining := iw.rate - (iw.n % iw.rate)
		if remaining < chunk {
			chunk = remaining
		}

		n, err := iw.w.Write(p[:chunk])
		written += n
		iw.n += n
		if err != nil {
			return written, err
		}
		p = p[chunk:]

		if iw.n%iw.rate == 0 && len(iw.junk) > 0 {
			if _, err := iw.w.Write(iw.junk); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}
