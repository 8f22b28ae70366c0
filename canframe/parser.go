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
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"sync/atomic"

	"github.com/Abyteon/canp/mmap"
)

// Parser streams the four-layer container. It owns no bytes itself:
// outer iteration borrows the caller's (typically memory-mapped)
// input, and decompression borrows pooled buffers whose lifetime
// bounds the inner iterators.
type Parser struct {
	pool *mmap.Pool

	// Logger, if set, receives per-block parse warnings.
	Logger *log.Logger

	stats struct {
		filesProcessed  atomic.Int64
		bytesDecompd    atomic.Int64
		sequencesParsed atomic.Int64
		framesParsed    atomic.Int64
		invalidFrames   atomic.Int64
		parseErrors     atomic.Int64
	}
}

// NewParser builds a Parser drawing decompression buffers from pool.
func NewParser(pool *mmap.Pool) *Parser {
	return &Parser{pool: pool}
}

func (p *Parser) logf(f string, args ...any) {
	if p.Logger != nil {
		p.Logger.Printf(f, args...)
	}
}

// Stats is a snapshot of the parser counters.
type Stats struct {
	FilesProcessed    int64
	BytesDecompressed int64
	SequencesParsed   int64
	FramesParsed      int64
	InvalidFrames     int64
	ParseErrors       int64
}

// Stats snapshots the current counters.
func (p *Parser) Stats() Stats {
	return Stats{
		FilesProcessed:    p.stats.filesProcessed.Load(),
		BytesDecompressed: p.stats.bytesDecompd.Load(),
		SequencesParsed:   p.stats.sequencesParsed.Load(),
		FramesParsed:      p.stats.framesParsed.Load(),
		InvalidFrames:     p.stats.invalidFrames.Load(),
		ParseErrors:       p.stats.parseErrors.Load(),
	}
}

// Block is one outer block: its header and a zero-copy view of the
// compressed payload.
type Block struct {
	Header     FileHeader
	Compressed []byte
}

// BlockIter walks the outer blocks of a file. A file shorter than a
// header, or a declared payload extending past end-of-file, simply
// terminates iteration; BlockIter records no error, so callers detect
// a nothing-parsed file by the absence of yielded blocks.
type BlockIter struct {
	data []byte
	off  int
}

// OuterBlocks returns an iterator over the outer blocks of data.
func OuterBlocks(data []byte) *BlockIter {
	return &BlockIter{data: data}
}

// Next yields the next outer block, or ok=false at end of input.
func (it *BlockIter) Next() (Block, bool) {
	if len(it.data)-it.off < FileHeaderSize {
		return Block{}, false
	}
	h, err := parseFileHeader(it.data[it.off:])
	if err != nil {
		return Block{}, false
	}
	end := it.off + FileHeaderSize + int(h.CompressedLength)
	if end > len(it.data) {
		return Block{}, false
	}
	b := Block{Header: h, Compressed: it.data[it.off+FileHeaderSize : end]}
	it.off = end
	return b, true
}

// Chunk is one decompressed FRAM chunk: header plus a view of its
// body within the decompressed buffer.
type Chunk struct {
	Header ChunkHeader
	Body   []byte
}

// ChunkIter walks FRAM chunks over a decompressed buffer.
type ChunkIter struct {
	data []byte
	off  int
	err  error
}

// DecompressedChunks returns an iterator over the FRAM chunks of a
// decompressed payload.
func DecompressedChunks(data []byte) *ChunkIter {
	return &ChunkIter{data: data}
}

// Next yields the next chunk. Iteration stops at a bad tag or a
// payload length exceeding the buffer; Err reports the reason.
func (it *ChunkIter) Next() (Chunk, bool) {
	if len(it.data)-it.off < ChunkHeaderSize {
		return Chunk{}, false
	}
	h, err := parseChunkHeader(it.data[it.off:])
	if err != nil {
		it.err = err
		return Chunk{}, false
	}
	end := it.off + ChunkHeaderSize + int(h.PayloadLength)
	if end > len(it.data) {
		it.err = fmt.Errorf("%w: chunk payload %d exceeds %d remaining",
			ErrTruncated, h.PayloadLength, len(it.data)-it.off-ChunkHeaderSize)
		return Chunk{}, false
	}
	c := Chunk{Header: h, Body: it.data[it.off+ChunkHeaderSize : end]}
	it.off = end
	return c, true
}

// Err reports why iteration stopped early, if it did.
func (it *ChunkIter) Err() error { return it.err }

// SequenceView is one frame sequence: header plus a view of its body.
type SequenceView struct {
	Header SequenceHeader
	Body   []byte
}

// SequenceIter walks frame sequences over a chunk body.
type SequenceIter struct {
	data []byte
	off  int
}

// FrameSequences returns an iterator over the sequences of a chunk
// body.
func FrameSequences(body []byte) *SequenceIter {
	return &SequenceIter{data: body}
}

// Next yields the next sequence; on a length overflow it stops.
func (it *SequenceIter) Next() (SequenceView, bool) {
	if len(it.data)-it.off < SequenceHeaderSize {
		return SequenceView{}, false
	}
	h, err := parseSequenceHeader(it.data[it.off:])
	if err != nil {
		return SequenceView{}, false
	}
	end := it.off + SequenceHeaderSize + int(h.PayloadLength)
	if end > len(it.data) {
		return SequenceView{}, false
	}
	s := SequenceView{Header: h, Body: it.data[it.off+SequenceHeaderSize : end]}
	it.off = end
	return s, true
}

// FrameIter walks 24-byte frames over a sequence body, tolerating
// trailing bytes by stopping when fewer than a full frame remains.
type FrameIter struct {
	data []byte
	off  int
}

// Frames returns an iterator over the frames of a sequence body.
func Frames(body []byte) *FrameIter {
	return &FrameIter{data: body}
}

// Next yields the next frame, valid or not; callers check
// Frame.Valid.
func (it *FrameIter) Next() (Frame, bool) {
	if len(it.data)-it.off < FrameSize {
		return Frame{}, false
	}
	f, _ := parseFrame(it.data[it.off:])
	it.off += FrameSize
	return f, true
}

// Decompress inflates one outer block's gzip payload into a pooled
// buffer sized initially to 4x the compressed length (minimum 8 KiB),
// growing as needed. The caller owns the returned buffer and must
// Recycle (or Freeze and Close) it.
func (p *Parser) Decompress(ctx context.Context, b Block) (*mmap.PooledBuffer, error) {
	est := 4 * len(b.Compressed)
	if est < 8<<10 {
		est = 8 << 10
	}
	buf, err := p.pool.GetDecompressBuffer(ctx, est)
	if err != nil {
		return nil, err
	}
	if err := gunzipInto(buf, b.Compressed); err != nil {
		buf.Recycle()
		p.stats.parseErrors.Add(1)
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	p.stats.bytesDecompd.Add(int64(len(buf.Bytes())))
	return buf, nil
}

func gunzipInto(dst *mmap.PooledBuffer, src []byte) error {
	zr, err := gzip.NewReader(newByteReader(src))
	if err != nil {
		return err
	}
	defer zr.Close()
	var scratch [32 << 10]byte
	for {
		n, err := zr.Read(scratch[:])
		if n > 0 {
			dst.Append(scratch[:n])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// byteReader is a minimal io.Reader over a byte slice, equivalent to
// bytes.NewReader for this use; gunzipInto creates a fresh one (and a
// fresh gzip reader) for every block.
type byteReader struct {
	b   []byte
	off int
}

func newByteReader(b []byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.off >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.off:])
	r.off += n
	return n, nil
}

// ParseFile is the materializing mode: it walks every outer block of
// data and produces one ParsedFileData per FRAM chunk. Decompression
// failure skips the failing outer block (iteration continues at the
// next declared block boundary); a nil error with an empty result
// means the file held no parseable blocks.
func (p *Parser) ParseFile(ctx context.Context, data []byte) ([]ParsedFileData, error) {
	var out []ParsedFileData
	blocks := OuterBlocks(data)
	for {
		blk, ok := blocks.Next()
		if !ok {
			break
		}
		buf, err := p.Decompress(ctx, blk)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			p.logf("canframe: block serial %x: %v; skipping block", blk.Header.Serial, err)
			continue
		}
		chunks := DecompressedChunks(buf.Bytes())
		for {
			ch, ok := chunks.Next()
			if !ok {
				break
			}
			pfd := ParsedFileData{
				Serial: blk.Header.Serial,
				Header: blk.Header,
				Chunk:  ch.Header,
			}
			seqs := FrameSequences(ch.Body)
			for {
				sv, ok := seqs.Next()
				if !ok {
					break
				}
				seq := Sequence{Header: sv.Header}
				frames := Frames(sv.Body)
				for {
					f, ok := frames.Next()
					if !ok {
						break
					}
					if !f.Valid() {
						p.stats.invalidFrames.Add(1)
					}
					p.stats.framesParsed.Add(1)
					seq.Frames = append(seq.Frames, f)
				}
				p.stats.sequencesParsed.Add(1)
				pfd.Sequences = append(pfd.Sequences, seq)
			}
			out = append(out, pfd)
		}
		if err := chunks.Err(); err != nil {
			p.stats.parseErrors.Add(1)
			p.logf("canframe: block serial %x: %v", blk.Header.Serial, err)
		}
		buf.Recycle()
	}
	p.stats.filesProcessed.Add(1)
	return out, nil
}
