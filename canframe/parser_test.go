// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package canframe

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"testing"

	"github.com/Abyteon/canp/mmap"
)

// buildFrame encodes one 24-byte frame.
func buildFrame(ts uint64, id uint32, dlc uint8, data []byte) []byte {
	b := make([]byte, FrameSize)
	binary.BigEndian.PutUint64(b[0:8], ts)
	binary.BigEndian.PutUint32(b[8:12], id)
	b[12] = dlc
	copy(b[16:24], data)
	return b
}

// buildSequence wraps frames in a 16-byte sequence header.
func buildSequence(busVersion uint32, ts uint64, frames ...[]byte) []byte {
	body := bytes.Join(frames, nil)
	b := make([]byte, SequenceHeaderSize)
	binary.BigEndian.PutUint32(b[0:4], busVersion)
	binary.BigEndian.PutUint64(b[4:12], ts)
	binary.BigEndian.PutUint32(b[12:16], uint32(len(body)))
	return append(b, body...)
}

// buildChunk wraps sequences in a 20-byte FRAM header.
func buildChunk(version, totalFrames, fileIndex uint32, seqs ...[]byte) []byte {
	body := bytes.Join(seqs, nil)
	b := make([]byte, ChunkHeaderSize)
	copy(b[0:4], ChunkTag[:])
	binary.BigEndian.PutUint32(b[4:8], version)
	binary.BigEndian.PutUint32(b[8:12], totalFrames)
	binary.BigEndian.PutUint32(b[12:16], fileIndex)
	binary.BigEndian.PutUint32(b[16:20], uint32(len(body)))
	return append(b, body...)
}

// buildBlock gzips the chunk payload behind a 35-byte file header.
func buildBlock(t *testing.T, serial string, payload []byte) []byte {
	t.Helper()
	var z bytes.Buffer
	zw := gzip.NewWriter(&z)
	if _, err := zw.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	b := make([]byte, FileHeaderSize)
	copy(b[:SerialSize], serial)
	binary.BigEndian.PutUint32(b[31:35], uint32(z.Len()))
	return append(b, z.Bytes()...)
}

func testParser() *Parser {
	return NewParser(mmap.NewPool([]int{64 << 10, 1 << 20}, 4))
}

func TestParseFileRoundTrip(t *testing.T) {
	f1 := buildFrame(100, 0x100, 2, []byte{0x34, 0x12})
	f2 := buildFrame(101, 0x200, 8, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	seq := buildSequence(7, 1_700_000_000, f1, f2)
	chunk := buildChunk(1, 2, 0, seq)
	file := buildBlock(t, "SER-0000000000-001", chunk)

	p := testParser()
	parsed, err := p.ParseFile(context.Background(), file)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed) != 1 {
		t.Fatalf("got %d chunks, want 1", len(parsed))
	}
	pfd := parsed[0]
	if string(pfd.Serial[:]) != "SER-0000000000-001" {
		t.Errorf("serial = %q", pfd.Serial)
	}
	if pfd.Chunk.TotalFrames != 2 || pfd.Chunk.FileIndex != 0 {
		t.Errorf("chunk header = %+v", pfd.Chunk)
	}
	if len(pfd.Sequences) != 1 {
		t.Fatalf("got %d sequences, want 1", len(pfd.Sequences))
	}
	sq := pfd.Sequences[0]
	if sq.Header.BusVersion != 7 || sq.Header.Timestamp != 1_700_000_000 {
		t.Errorf("sequence header = %+v", sq.Header)
	}
	if len(sq.Frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(sq.Frames))
	}
	if sq.Frames[0].ID != 0x100 || sq.Frames[0].DLC != 2 || sq.Frames[0].Data[0] != 0x34 {
		t.Errorf("frame 0 = %+v", sq.Frames[0])
	}
	if sq.Frames[1].ID != 0x200 || sq.Frames[1].EffectiveLen() != 8 {
		t.Errorf("frame 1 = %+v", sq.Frames[1])
	}
	s := p.Stats()
	if s.FramesParsed != 2 || s.SequencesParsed != 1 || s.InvalidFrames != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestOuterBlockAdvance(t *testing.T) {
	chunk := buildChunk(1, 0, 0)
	b1 := buildBlock(t, "SER-A-____________", chunk)
	b2 := buildBlock(t, "SER-B-____________", chunk)
	file := append(append([]byte{}, b1...), b2...)

	it := OuterBlocks(file)
	var n int
	for {
		blk, ok := it.Next()
		if !ok {
			break
		}
		n++
		if got := FileHeaderSize + len(blk.Compressed); got != len(b1) {
			t.Errorf("block %d spans %d bytes, want %d", n, got, len(b1))
		}
	}
	if n != 2 {
		t.Errorf("iterated %d blocks, want 2", n)
	}
}

func TestShortFile(t *testing.T) {
	p := testParser()
	parsed, err := p.ParseFile(context.Background(), make([]byte, 34))
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed) != 0 {
		t.Errorf("got %d chunks from a short file, want 0", len(parsed))
	}
}

func TestInvalidDLC(t *testing.T) {
	good := buildFrame(1, 0x100, 4, []byte{1, 2, 3, 4})
	bad := buildFrame(2, 0x101, 9, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	tail := buildFrame(3, 0x102, 0, nil)
	seq := buildSequence(1, 50, good, bad, tail)
	file := buildBlock(t, "SER-DLC-__________", buildChunk(1, 3, 0, seq))

	p := testParser()
	parsed, err := p.ParseFile(context.Background(), file)
	if err != nil {
		t.Fatal(err)
	}
	frames := parsed[0].Sequences[0].Frames
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if frames[1].Valid() {
		t.Error("DLC=9 frame reported valid")
	}
	if frames[1].EffectiveLen() != 8 {
		t.Errorf("DLC=9 effective length = %d, want 8", frames[1].EffectiveLen())
	}
	if !frames[2].Valid() || frames[2].EffectiveLen() != 0 {
		t.Errorf("DLC=0 frame = %+v", frames[2])
	}
	if s := p.Stats(); s.InvalidFrames != 1 {
		t.Errorf("invalid_frames = %d, want 1", s.InvalidFrames)
	}
}

func TestDecompressionFailureSkipsBlock(t *testing.T) {
	chunk := buildChunk(1, 0, 0)
	good := buildBlock(t, "SER-GOOD-_________", chunk)

	// declared length covers garbage that is not gzip
	bad := make([]byte, FileHeaderSize)
	copy(bad[:SerialSize], "SER-BAD-__________")
	garbage := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x11}
	binary.BigEndian.PutUint32(bad[31:35], uint32(len(garbage)))
	bad = append(bad, garbage...)

	file := append(append([]byte{}, bad...), good...)
	p := testParser()
	parsed, err := p.ParseFile(context.Background(), file)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed) != 1 {
		t.Fatalf("got %d chunks, want 1 (bad block skipped, good block parsed)", len(parsed))
	}
	if string(parsed[0].Serial[:]) != "SER-GOOD-_________" {
		t.Errorf("serial = %q", parsed[0].Serial)
	}
	if s := p.Stats(); s.ParseErrors == 0 {
		t.Error("parse_errors not incremented for failed decompression")
	}
}

func TestChunkPayloadOverflowStopsIteration(t *testing.T) {
	ok1 := buildChunk(1, 0, 0)
	// second chunk declares more payload than remains
	over := make([]byte, ChunkHeaderSize)
	copy(over[0:4], ChunkTag[:])
	binary.BigEndian.PutUint32(over[16:20], 9999)
	buf := append(append([]byte{}, ok1...), over...)

	it := DecompressedChunks(buf)
	var n int
	for {
		if _, ok := it.Next(); !ok {
			break
		}
		n++
	}
	if n != 1 {
		t.Errorf("iterated %d chunks, want 1", n)
	}
	if it.Err() == nil {
		t.Error("expected iterator error for overflowing chunk")
	}
}

func TestSequenceTrailingBytesTolerated(t *testing.T) {
	body := append(buildFrame(1, 0x42, 1, []byte{0xff}), 0xAA, 0xBB) // 2 stray bytes
	it := Frames(body)
	var n int
	for {
		if _, ok := it.Next(); !ok {
			break
		}
		n++
	}
	if n != 1 {
		t.Errorf("iterated %d frames, want 1 (trailing bytes ignored)", n)
	}
}
