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

package columnar

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ErrUnsupportedCodec is returned for compression names that are
// recognized configuration values but have no wired implementation.
var ErrUnsupportedCodec = errors.New("columnar: unsupported compression codec")

// Codec compresses column chunks on write and inflates them on read.
// Decompress must be safe for concurrent use.
type Codec interface {
	// Name is the name of the compression algorithm.
	Name() string
	// Compress appends the compressed contents of src to dst.
	Compress(src, dst []byte) []byte
	// Decompress inflates src into a buffer of exactly rawSize bytes.
	Decompress(src []byte, rawSize int) ([]byte, error)
}

// ParseCodec maps a configuration name to a Codec. Brotli and LZO are
// accepted names but rejected with ErrUnsupportedCodec.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return noneCodec{}, nil
	case "snappy":
		return snappyCodec{}, nil
	case "gzip":
		return gzipCodec{}, nil
	case "lz4":
		return lz4Codec{}, nil
	case "zstd":
		return zstdCodec{}, nil
	case "brotli", "lzo":
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, name)
	default:
		return nil, fmt.Errorf("columnar: unknown compression %q", name)
	}
}

type noneCodec struct{}

func (noneCodec) Name() string { return "none" }

func (noneCodec) Compress(src, dst []byte) []byte { return append(dst, src...) }

func (noneCodec) Decompress(src []byte, rawSize int) ([]byte, error) {
	if len(src) != rawSize {
		return nil, fmt.Errorf("columnar: none codec: %d bytes, expected %d", len(src), rawSize)
	}
	return src, nil
}

type snappyCodec struct{}

func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Compress(src, dst []byte) []byte {
	return append(dst, s2.EncodeSnappy(nil, src)...)
}

func (snappyCodec) Decompress(src []byte, rawSize int) ([]byte, error) {
	// the s2 block decoder accepts snappy-format blocks
	out, err := s2.Decode(make([]byte, 0, rawSize), src)
	if err != nil {
		return nil, err
	}
	return out, nil
}

type gzipCodec struct{}

func (gzipCodec) Name() string { return "gzip" }

func (gzipCodec) Compress(src, dst []byte) []byte {
	var b bytes.Buffer
	w := gzip.NewWriter(&b)
	w.Write(src)
	w.Close()
	return append(dst, b.Bytes()...)
}

func (gzipCodec) Decompress(src []byte, rawSize int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]byte, 0, rawSize)
	buf := make([]byte, 32<<10)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Compress(src, dst []byte) []byte {
	scratch := make([]byte, lz4.CompressBlockBound(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, scratch)
	if err != nil || n == 0 || n >= len(src) {
		// incompressible blocks are stored raw with a zero marker,
		// matching the lz4 block convention of n==0
		return append(append(dst, 0), src...)
	}
	return append(append(dst, 1), scratch[:n]...)
}

func (lz4Codec) Decompress(src []byte, rawSize int) ([]byte, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("columnar: empty lz4 chunk")
	}
	if src[0] == 0 {
		return src[1:], nil
	}
	out := make([]byte, rawSize)
	n, err := lz4.UncompressBlock(src[1:], out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

var (
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
)

func init() {
	var err error
	zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(runtime.GOMAXPROCS(0)))
	if err != nil {
		panic(err)
	}
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(runtime.GOMAXPROCS(0)))
	if err != nil {
		panic(err)
	}
}

type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }

func (zstdCodec) Compress(src, dst []byte) []byte {
	return zstdEnc.EncodeAll(src, dst)
}

func (zstdCodec) Decompress(src []byte, rawSize int) ([]byte, error) {
	return zstdDec.DecodeAll(src, make([]byte, 0, rawSize))
}
