// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// PacketSignature is the 4-byte ASCII marker that opens every transport
// packet on the wire.
var PacketSignature = [4]byte{'L', 'F', 'T', 'P'}

// MaxPayloadLen bounds the scrambled payload length field; packets claiming
// more are rejected outright by the parser.
const MaxPayloadLen = 8 * 1024 * 1024 // 8 MiB

// ErrPayloadTooLarge is returned (and triggers a parser rollback) when a
// packet's declared length exceeds MaxPayloadLen.
var ErrPayloadTooLarge = errors.New("wire: payload length exceeds 8 MiB")

// ErrChecksumMismatch indicates the trailing checksum didn't match the
// unscrambled payload.
var ErrChecksumMismatch = errors.New("wire: checksum mismatch")

// EncodePacket frames msg as a complete transport packet:
// "LFTP" + tag + length + scrambled(payload) + checksum(payload).
func EncodePacket(msg Message) ([]byte, error) {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message body: %w", err)
	}
	if len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("wire: encoded payload of %d bytes exceeds %d: %w", len(payload), MaxPayloadLen, ErrPayloadTooLarge)
	}

	var out bytes.Buffer
	out.Write(PacketSignature[:])
	out.WriteByte(msg.Tag())

	if err := binary.Write(&out, binary.LittleEndian, uint32(len(payload))); err != nil {
		return nil, err
	}

	sw := newScramblingWriter(&out)
	if _, err := sw.Write(payload); err != nil {
		return nil, err
	}

	sum := checksum(payload)
	if err := binary.Write(&out, binary.LittleEndian, sum); err != nil {
		return nil, err
	}

	return out.Bytes(), nil
}

// decodePacketBody reads the tag, length, scrambled payload and checksum
// that follow a confirmed signature, validating the checksum and decoding
// the typed message. Returns ErrPayloadTooLarge or ErrChecksumMismatch (or
// an underlying io error) on any recoverable failure — callers are expected
// to roll back and keep scanning rather than treat these as fatal.
func decodePacketBody(r io.Reader) (Message, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, err
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length > MaxPayloadLen {
		return nil, fmt.Errorf("wire: declared payload length %d exceeds %d: %w", length, MaxPayloadLen, ErrPayloadTooLarge)
	}

	scrambled := make([]byte, length)
	if _, err := io.ReadFull(r, scrambled); err != nil {
		return nil, err
	}

	unscrambler := newUnscramblingReader(bytes.NewReader(scrambled))
	hashed := newHashedReader(unscrambler)
	payload := make([]byte, length)
	if _, err := io.ReadFull(hashed, payload); err != nil {
		return nil, err
	}
	computed := hashed.Sum64()

	var hashBuf [8]byte
	if _, err := io.ReadFull(r, hashBuf[:]); err != nil {
		return nil, err
	}
	declared := binary.LittleEndian.Uint64(hashBuf[:])

	if declared != computed {
		return nil, fmt.Errorf("wire: declared checksum %x != computed %x: %w", declared, computed, ErrChecksumMismatch)
	}

	msg, err := decodeMessage(tag[0], payload)
	if err != nil {
		return nil, err
	}
	return msg, nil
}
