// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package wire implements the binary codec for the downlink transport
// protocol: framing primitives, message types, the transport packet format,
// and the tolerant streaming parser.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// FileId uniquely identifies a file across the pipeline for its lifetime.
type FileId uuid.UUID

// NewFileId generates a fresh random FileId.
func NewFileId() FileId {
	return FileId(uuid.New())
}

// String renders the FileId in canonical UUID form.
func (id FileId) String() string {
	return uuid.UUID(id).String()
}

func (id FileId) writeTo(w io.Writer) error {
	b := uuid.UUID(id)
	_, err := w.Write(b[:])
	return err
}

func readFileId(r io.Reader) (FileId, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return FileId{}, err
	}
	return FileId(buf), nil
}

// PartKind distinguishes the header part from a body part within a FilePartId.
type PartKind int

const (
	PartKindHeader PartKind = iota
	PartKindBody
)

// FilePartId is the tagged union {Header, Part(u32)}. Header sorts before
// every Part; Part values compare by index. Part may never equal
// maxPartIndex (reserved by the wire encoding below).
type FilePartId struct {
	kind  PartKind
	index uint32
}

// Header is the distinguished metadata part of a file.
var Header = FilePartId{kind: PartKindHeader}

// maxPartIndex is reserved and must never be used as a Part index.
const maxPartIndex = ^uint32(0)

// Part constructs a FilePartId referring to body part i.
func Part(i uint32) FilePartId {
	return FilePartId{kind: PartKindBody, index: i}
}

// IsHeader reports whether this id names the header part.
func (id FilePartId) IsHeader() bool { return id.kind == PartKindHeader }

// Index returns the body part index. Only meaningful when !IsHeader().
func (id FilePartId) Index() uint32 { return id.index }

// IsValid reports whether the id satisfies the reserved-index invariant.
func (id FilePartId) IsValid() bool {
	return id.kind == PartKindHeader || id.index != maxPartIndex
}

func (id FilePartId) String() string {
	if id.kind == PartKindHeader {
		return "header"
	}
	return fmt.Sprintf("%d", id.index)
}

// Less reports whether id sorts strictly before other: Header first, then
// Part ascending by index.
func (id FilePartId) Less(other FilePartId) bool {
	if id.kind != other.kind {
		return id.kind == PartKindHeader
	}
	return id.index < other.index
}

// Equal reports value equality.
func (id FilePartId) Equal(other FilePartId) bool {
	return id.kind == other.kind && (id.kind == PartKindHeader || id.index == other.index)
}

// toWire encodes the id using the canonical encoding resolved in
// SPEC_FULL.md §13: Header = 0, Part(i) = i + 1.
func (id FilePartId) toWire() uint32 {
	if id.kind == PartKindHeader {
		return 0
	}
	return id.index + 1
}

// fromWire decodes the canonical wire encoding.
func filePartIdFromWire(v uint32) FilePartId {
	if v == 0 {
		return Header
	}
	return Part(v - 1)
}

// ToIndex exposes the canonical wire encoding (Header = 0, Part(i) = i + 1)
// for callers outside this package that need a stable on-disk or filename
// representation, such as managed file state persistence.
func (id FilePartId) ToIndex() uint32 {
	return id.toWire()
}

// FilePartIdFromIndex decodes the canonical wire encoding produced by
// ToIndex.
func FilePartIdFromIndex(v uint32) FilePartId {
	return filePartIdFromWire(v)
}

// FilePartIdFromString parses the filename-safe rendering produced by
// String(): "header" or a decimal part index. Returns false if s matches
// neither form.
func FilePartIdFromString(s string) (FilePartId, bool) {
	if s == "header" {
		return Header, true
	}
	var i uint32
	if _, err := fmt.Sscanf(s, "%d", &i); err != nil {
		return FilePartId{}, false
	}
	// Sscanf with %d accepts a leading sign and stops at the first
	// non-digit; reject anything that didn't consume the whole string.
	if s != fmt.Sprintf("%d", i) {
		return FilePartId{}, false
	}
	return Part(i), true
}

// FilePartIdRangeInclusive is an inclusive range {from, to} with from <= to
// under FilePartId's total order.
type FilePartIdRangeInclusive struct {
	From FilePartId
	To   FilePartId
}

// NewFilePartIdRange constructs an inclusive range. Panics if from > to,
// mirroring the assertion in the range this type is ported from.
func NewFilePartIdRange(from, to FilePartId) FilePartIdRangeInclusive {
	if to.Less(from) {
		panic("wire: invalid FilePartIdRangeInclusive: from > to")
	}
	return FilePartIdRangeInclusive{From: from, To: to}
}

// NewSingleFilePartIdRange builds a range containing exactly one id.
func NewSingleFilePartIdRange(id FilePartId) FilePartIdRangeInclusive {
	return FilePartIdRangeInclusive{From: id, To: id}
}

// Contains reports whether id falls within the inclusive range.
func (r FilePartIdRangeInclusive) Contains(id FilePartId) bool {
	return !id.Less(r.From) && !r.To.Less(id)
}

// IterParts yields every FilePartId from From through To inclusive, Header
// first when in range, then Part indices ascending.
func (r FilePartIdRangeInclusive) IterParts(yield func(FilePartId)) {
	if r.From.IsHeader() {
		yield(Header)
	}

	start := uint32(0)
	if !r.From.IsHeader() {
		start = r.From.index
	}

	end := uint32(0)
	if !r.To.IsHeader() {
		end = r.To.index + 1
	}

	for i := start; i < end; i++ {
		yield(Part(i))
	}
}

func (r FilePartIdRangeInclusive) writeTo(w io.Writer) error {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], r.From.toWire())
	binary.BigEndian.PutUint32(buf[4:8], r.To.toWire())
	_, err := w.Write(buf[:])
	return err
}

func readFilePartIdRange(r io.Reader) (FilePartIdRangeInclusive, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return FilePartIdRangeInclusive{}, err
	}
	from := filePartIdFromWire(binary.BigEndian.Uint32(buf[0:4]))
	to := filePartIdFromWire(binary.BigEndian.Uint32(buf[4:8]))
	if to.Less(from) {
		return FilePartIdRangeInclusive{}, fmt.Errorf("wire: invalid part range: from %v > to %v", from, to)
	}
	return FilePartIdRangeInclusive{From: from, To: to}, nil
}
