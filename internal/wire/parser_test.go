// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"io"
	"math/rand"
	"testing"
)

func TestParserResyncsAfterSpuriousSignature(t *testing.T) {
	first := DataChunk{FileId: NewFileId(), Part: 1, Data: []byte("first")}
	second := DataChunk{FileId: NewFileId(), Part: 2, Data: []byte("second")}

	firstEnc, err := EncodePacket(first)
	if err != nil {
		t.Fatalf("EncodePacket(first): %v", err)
	}
	secondEnc, err := EncodePacket(second)
	if err != nil {
		t.Fatalf("EncodePacket(second): %v", err)
	}

	var stream bytes.Buffer
	stream.Write(firstEnc)
	stream.Write(PacketSignature[:])
	junk := make([]byte, 100)
	rand.New(rand.NewSource(1)).Read(junk)
	stream.Write(junk)
	stream.Write(secondEnc)

	p := NewParser(&stream)

	got1, err := p.Next()
	if err != nil {
		t.Fatalf("first Next(): %v", err)
	}
	if d, ok := got1.(DataChunk); !ok || !bytes.Equal(d.Data, first.Data) {
		t.Fatalf("expected first chunk, got %+v", got1)
	}

	got2, err := p.Next()
	if err != nil {
		t.Fatalf("second Next(): %v", err)
	}
	if d, ok := got2.(DataChunk); !ok || !bytes.Equal(d.Data, second.Data) {
		t.Fatalf("expected second chunk, got %+v", got2)
	}

	if _, err := p.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF after both packets consumed, got %v", err)
	}
}

func TestParserSkipsCorruptedPacketWithoutFabricating(t *testing.T) {
	good := DataChunk{FileId: NewFileId(), Part: 0, Data: []byte("payload")}
	next := DataChunk{FileId: NewFileId(), Part: 1, Data: []byte("after corruption")}

	goodEnc, err := EncodePacket(good)
	if err != nil {
		t.Fatalf("EncodePacket(good): %v", err)
	}
	nextEnc, err := EncodePacket(next)
	if err != nil {
		t.Fatalf("EncodePacket(next): %v", err)
	}

	corrupted := append([]byte(nil), goodEnc...)
	corrupted[len(corrupted)-1] ^= 0xFF // corrupt the trailing checksum byte

	var stream bytes.Buffer
	stream.Write(corrupted)
	stream.Write(nextEnc)

	p := NewParser(&stream)

	msg, err := p.Next()
	if err != nil {
		t.Fatalf("Next(): %v", err)
	}
	d, ok := msg.(DataChunk)
	if !ok || !bytes.Equal(d.Data, next.Data) {
		t.Fatalf("expected the corrupted packet skipped and next chunk returned, got %+v", msg)
	}

	if _, err := p.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestParserEmptyStreamYieldsEOF(t *testing.T) {
	p := NewParser(bytes.NewReader(nil))
	if _, err := p.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF on empty stream, got %v", err)
	}
}

func TestParserRecoversFromTruncatedTrailingPacket(t *testing.T) {
	good := DataChunk{FileId: NewFileId(), Part: 4, Data: []byte("abc")}
	goodEnc, err := EncodePacket(good)
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}

	truncated := DataChunk{FileId: NewFileId(), Part: 5, Data: []byte("truncated tail")}
	truncatedEnc, err := EncodePacket(truncated)
	if err != nil {
		t.Fatalf("EncodePacket(truncated): %v", err)
	}
	truncatedEnc = truncatedEnc[:len(truncatedEnc)-3]

	var stream bytes.Buffer
	stream.Write(goodEnc)
	stream.Write(truncatedEnc)

	p := NewParser(&stream)

	msg, err := p.Next()
	if err != nil {
		t.Fatalf("Next(): %v", err)
	}
	if d, ok := msg.(DataChunk); !ok || !bytes.Equal(d.Data, good.Data) {
		t.Fatalf("expected the first complete chunk, got %+v", msg)
	}

	if _, err := p.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF after the truncated trailing packet, got %v", err)
	}
}
