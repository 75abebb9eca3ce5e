// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import (
	"io"

	"github.com/cespare/xxhash/v2"
)

// checksum computes the 64-bit non-cryptographic hash of payload, seed 0,
// matching the algorithm both endpoints must agree on (SPEC_FULL.md §13).
// xxhash's streaming digest is independent of how the input is chunked
// across Write calls, so unlike the reference implementation this does not
// need to buffer writes into fixed 16-byte windows before hashing.
func checksum(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}

// hashedReader wraps an io.Reader, feeding every byte actually read through
// a running xxhash digest so the caller can compare it against the trailing
// checksum once the payload has been fully consumed.
type hashedReader struct {
	r      io.Reader
	digest *xxhash.Digest
}

func newHashedReader(r io.Reader) *hashedReader {
	return &hashedReader{r: r, digest: xxhash.New()}
}

func (h *hashedReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		h.digest.Write(p[:n])
	}
	return n, err
}

func (h *hashedReader) Sum64() uint64 {
	return h.digest.Sum64()
}
