// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import (
	"errors"
	"io"
)

// scanWindow is the scratch buffer size used while searching for the packet
// signature.
const scanWindow = 256

// Parser is the tolerant streaming parser described in SPEC_FULL.md §4.C: it
// yields one successfully decoded message at a time from a corruption-prone
// byte stream, silently skipping garbled or spurious signatures instead of
// failing the whole stream.
type Parser struct {
	stream  *checkpointStream
	errored bool
}

// NewParser wraps r for tolerant parsing.
func NewParser(r io.Reader) *Parser {
	return &Parser{stream: newCheckpointStream(r)}
}

// Next returns the next successfully decoded message, io.EOF once the
// underlying stream is exhausted, or any other error only after an
// unrecoverable I/O failure (the parser is then permanently done; every
// subsequent call returns io.EOF).
func (p *Parser) Next() (Message, error) {
	if p.errored {
		return nil, io.EOF
	}

	for {
		found, err := p.scanForSignature()
		if err != nil {
			p.errored = true
			return nil, err
		}
		if !found {
			return nil, io.EOF
		}

		p.stream.checkpoint()

		msg, err := decodePacketBody(p.stream)
		if err == nil {
			p.stream.checkpoint()
			return msg, nil
		}

		if isFatalParseError(err) {
			p.errored = true
			return nil, err
		}

		// Recoverable: a truncated, corrupt, or spurious "LFTP" sequence.
		// Roll back and keep scanning for the next real signature.
		p.stream.rollback()
		if errors.Is(err, ErrPayloadTooLarge) {
			// The declared length alone was implausible; also skip the tag
			// byte that follows this false signature before scanning again.
			if skipErr := p.stream.skipAndCheckpoint(1); skipErr != nil {
				p.errored = true
				return nil, skipErr
			}
		}
	}
}

// isFatalParseError distinguishes unrecoverable stream I/O errors (anything
// other than a short read or structural decode failure) from errors the
// tolerant parser should simply treat as "this wasn't a real packet".
func isFatalParseError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return false
	}
	if errors.Is(err, ErrPayloadTooLarge) || errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrInvalidMessage) {
		return false
	}
	return true
}

// scanForSignature advances the stream until it finds the literal bytes
// "LFTP", consuming the match and leaving the stream positioned right after
// it, ready for decodePacketBody. Reports false once the underlying stream
// is exhausted without a match.
func (p *Parser) scanForSignature() (bool, error) {
	buf := make([]byte, scanWindow)

	for {
		p.stream.checkpoint()

		n, err := p.stream.Read(buf)
		if n == 0 {
			if err == io.EOF || err == nil {
				return false, nil
			}
			return false, err
		}

		if idx, ok := indexOfSignature(buf[:n]); ok {
			// Roll back to just past the matched signature: decodePacketBody
			// picks up at the tag byte, not at "LFTP" itself.
			p.stream.rollbackN(n - idx - 4)
			return true, nil
		}

		if err != nil && err != io.EOF {
			return false, err
		}
		if err == io.EOF {
			// Nothing left to offer: whatever's unscanned in buf[:n] will
			// never gain a signature by waiting for more data that isn't
			// coming.
			return false, nil
		}

		keep := 3
		if n < keep {
			keep = n
		}
		p.stream.rollbackN(keep)
	}
}

func indexOfSignature(buf []byte) (int, bool) {
	if len(buf) < 4 {
		return 0, false
	}
	for i := 0; i <= len(buf)-4; i++ {
		if buf[i] == PacketSignature[0] && buf[i+1] == PacketSignature[1] &&
			buf[i+2] == PacketSignature[2] && buf[i+3] == PacketSignature[3] {
			return i, true
		}
	}
	return 0, false
}
