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

// MaxChunkDataLen is the largest payload a single DataChunk may carry.
const MaxChunkDataLen = 1024 * 1024 // 1 MiB

// MaxNameLen is the largest encodable HeaderChunk.Name, in UTF-8 bytes.
const MaxNameLen = 1024

// Type tags for the transport packet payload, per the wire format.
const (
	TagHeaderChunk      byte = 0
	TagDataChunk        byte = 1
	TagConfirmPart      byte = 128
	TagDeleteFile       byte = 129
	TagSetFilePriority  byte = 130
)

// ErrInvalidMessage is returned when a decoded message fails its validity
// predicate (oversized name/data, invalid part id, inverted range, ...).
var ErrInvalidMessage = errors.New("wire: invalid message")

// Message is the closed set of payloads a transport packet may carry.
// Tag returns the wire type tag; both the codec and the scheduler rely on
// exhaustive handling of every implementer.
type Message interface {
	Tag() byte
	encodeBody(w io.Writer) error
}

// HeaderChunk describes a file: its identity, name, size, and chunking.
type HeaderChunk struct {
	Id            FileId
	Name          string
	Date          int64 // nanoseconds since Unix epoch
	PartCount     uint32
	Size          uint64
	FilePartSize  uint32
}

func (h HeaderChunk) Tag() byte { return TagHeaderChunk }

func (h HeaderChunk) isValid() bool {
	if len(h.Name) > MaxNameLen {
		return false
	}
	if h.FilePartSize == 0 {
		return false
	}
	expected := uint32((h.Size + uint64(h.FilePartSize) - 1) / uint64(h.FilePartSize))
	if h.Size == 0 {
		expected = 0
	}
	return h.PartCount == expected
}

func (h HeaderChunk) encodeBody(w io.Writer) error {
	if len(h.Name) > MaxNameLen {
		return fmt.Errorf("wire: header name exceeds %d bytes: %w", MaxNameLen, ErrInvalidMessage)
	}

	if err := writeFileId(w, h.Id); err != nil {
		return err
	}

	nameBytes := []byte(h.Name)
	if err := binary.Write(w, binary.LittleEndian, uint16(len(nameBytes))); err != nil {
		return err
	}
	if _, err := w.Write(nameBytes); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, h.Date); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, h.PartCount); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, h.Size); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, h.FilePartSize)
}

func decodeHeaderChunk(r io.Reader) (HeaderChunk, error) {
	id, err := readFileId(r)
	if err != nil {
		return HeaderChunk{}, err
	}

	var nameLen uint16
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return HeaderChunk{}, err
	}
	if nameLen > MaxNameLen {
		return HeaderChunk{}, fmt.Errorf("wire: header name length %d exceeds %d: %w", nameLen, MaxNameLen, ErrInvalidMessage)
	}
	nameBuf := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBuf); err != nil {
		return HeaderChunk{}, err
	}

	var date int64
	var partCount uint32
	var size uint64
	var filePartSize uint32
	if err := binary.Read(r, binary.LittleEndian, &date); err != nil {
		return HeaderChunk{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &partCount); err != nil {
		return HeaderChunk{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return HeaderChunk{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &filePartSize); err != nil {
		return HeaderChunk{}, err
	}

	h := HeaderChunk{
		Id:           id,
		Name:         string(nameBuf),
		Date:         date,
		PartCount:    partCount,
		Size:         size,
		FilePartSize: filePartSize,
	}
	if !h.isValid() {
		return HeaderChunk{}, fmt.Errorf("wire: header chunk failed validity check: %w", ErrInvalidMessage)
	}
	return h, nil
}

// DataChunk carries one body slice of a file.
type DataChunk struct {
	FileId FileId
	Part   uint32
	Data   []byte
}

func (d DataChunk) Tag() byte { return TagDataChunk }

func (d DataChunk) isValid() bool {
	return len(d.Data) <= MaxChunkDataLen && Part(d.Part).IsValid()
}

func (d DataChunk) encodeBody(w io.Writer) error {
	if len(d.Data) > MaxChunkDataLen {
		return fmt.Errorf("wire: chunk data exceeds %d bytes: %w", MaxChunkDataLen, ErrInvalidMessage)
	}
	if err := writeFileId(w, d.FileId); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, d.Part); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(d.Data))); err != nil {
		return err
	}
	_, err := w.Write(d.Data)
	return err
}

func decodeDataChunk(r io.Reader) (DataChunk, error) {
	id, err := readFileId(r)
	if err != nil {
		return DataChunk{}, err
	}
	var part uint32
	if err := binary.Read(r, binary.LittleEndian, &part); err != nil {
		return DataChunk{}, err
	}
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return DataChunk{}, err
	}
	if length > MaxChunkDataLen {
		return DataChunk{}, fmt.Errorf("wire: chunk length %d exceeds %d: %w", length, MaxChunkDataLen, ErrInvalidMessage)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return DataChunk{}, err
	}
	d := DataChunk{FileId: id, Part: part, Data: data}
	if !d.isValid() {
		return DataChunk{}, fmt.Errorf("wire: data chunk failed validity check: %w", ErrInvalidMessage)
	}
	return d, nil
}

// Chunk is the Header(HeaderChunk) | Data(DataChunk) sum type.
type Chunk struct {
	Header *HeaderChunk
	Data   *DataChunk
}

// ChunkFromHeader wraps a HeaderChunk as a Chunk.
func ChunkFromHeader(h HeaderChunk) Chunk { return Chunk{Header: &h} }

// ChunkFromData wraps a DataChunk as a Chunk.
func ChunkFromData(d DataChunk) Chunk { return Chunk{Data: &d} }

// FileId returns the id of the file this chunk belongs to.
func (c Chunk) FileId() FileId {
	if c.Header != nil {
		return c.Header.Id
	}
	return c.Data.FileId
}

// PartIndex returns Header or Part(n) depending on which variant is set.
func (c Chunk) PartIndex() FilePartId {
	if c.Header != nil {
		return Header
	}
	return Part(c.Data.Part)
}

// Message adapts the chunk to the Message interface for framing.
func (c Chunk) Message() Message {
	if c.Header != nil {
		return *c.Header
	}
	return *c.Data
}

// ConfirmPart acknowledges that a range of a file's parts were received.
type ConfirmPart struct {
	FileId    FileId
	PartRange FilePartIdRangeInclusive
}

func (m ConfirmPart) Tag() byte { return TagConfirmPart }

func (m ConfirmPart) encodeBody(w io.Writer) error {
	if err := writeFileId(w, m.FileId); err != nil {
		return err
	}
	return m.PartRange.writeTo(w)
}

func decodeConfirmPart(r io.Reader) (ConfirmPart, error) {
	id, err := readFileId(r)
	if err != nil {
		return ConfirmPart{}, err
	}
	rng, err := readFilePartIdRange(r)
	if err != nil {
		return ConfirmPart{}, err
	}
	return ConfirmPart{FileId: id, PartRange: rng}, nil
}

// DeleteFile abandons a file; the sender drops all state for it.
type DeleteFile struct {
	FileId FileId
}

func (m DeleteFile) Tag() byte { return TagDeleteFile }

func (m DeleteFile) encodeBody(w io.Writer) error {
	return writeFileId(w, m.FileId)
}

func decodeDeleteFile(r io.Reader) (DeleteFile, error) {
	id, err := readFileId(r)
	if err != nil {
		return DeleteFile{}, err
	}
	return DeleteFile{FileId: id}, nil
}

// SetFilePriority resets every remaining part of a file to the given priority.
type SetFilePriority struct {
	FileId   FileId
	Priority int16
}

func (m SetFilePriority) Tag() byte { return TagSetFilePriority }

func (m SetFilePriority) encodeBody(w io.Writer) error {
	if err := writeFileId(w, m.FileId); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, m.Priority)
}

func decodeSetFilePriority(r io.Reader) (SetFilePriority, error) {
	id, err := readFileId(r)
	if err != nil {
		return SetFilePriority{}, err
	}
	var priority int16
	if err := binary.Read(r, binary.LittleEndian, &priority); err != nil {
		return SetFilePriority{}, err
	}
	return SetFilePriority{FileId: id, Priority: priority}, nil
}

// ControlMessage is the closed set of receiver-to-sender control payloads.
type ControlMessage interface {
	Message
	isControlMessage()
}

func (ConfirmPart) isControlMessage()     {}
func (DeleteFile) isControlMessage()      {}
func (SetFilePriority) isControlMessage() {}

func writeFileId(w io.Writer, id FileId) error {
	return id.writeTo(w)
}

// decodeMessage dispatches on the tag byte to the matching decoder. Used by
// the transport packet codec once a packet's payload has been validated.
func decodeMessage(tag byte, payload []byte) (Message, error) {
	r := bytes.NewReader(payload)
	var (
		msg Message
		err error
	)
	switch tag {
	case TagHeaderChunk:
		msg, err = decodeHeaderChunk(r)
	case TagDataChunk:
		msg, err = decodeDataChunk(r)
	case TagConfirmPart:
		msg, err = decodeConfirmPart(r)
	case TagDeleteFile:
		msg, err = decodeDeleteFile(r)
	case TagSetFilePriority:
		msg, err = decodeSetFilePriority(r)
	default:
		return nil, fmt.Errorf("wire: unknown message tag %d: %w", tag, ErrInvalidMessage)
	}
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("wire: trailing bytes after message body: %w", ErrInvalidMessage)
	}
	return msg, nil
}

// DecodeMessageBody decodes a message body previously produced by
// EncodeMessage, given its tag. Used by on-disk formats (managed file
// headers) that persist a message's raw body without the surrounding
// transport packet framing.
func DecodeMessageBody(tag byte, payload []byte) (Message, error) {
	return decodeMessage(tag, payload)
}

// EncodeMessage renders a message's own binary serialization (the bytes
// that get scrambled and hashed by the transport packet codec).
func EncodeMessage(m Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := m.encodeBody(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
