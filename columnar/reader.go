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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
)

// ReadFile opens a columnar data file, validates its trailer, and
// materializes every row group.
func ReadFile(path string) ([]Row, *fileFooter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	if len(data) < 16 {
		return nil, nil, fmt.Errorf("columnar: %q too short for trailer", path)
	}
	if [8]byte(data[len(data)-8:]) != magic {
		return nil, nil, fmt.Errorf("columnar: %q: bad trailing magic", path)
	}
	flen := binary.BigEndian.Uint64(data[len(data)-16 : len(data)-8])
	body := data[:len(data)-16]
	if flen > uint64(len(body)) {
		return nil, nil, fmt.Errorf("columnar: %q: footer length %d exceeds file", path, flen)
	}
	var ft fileFooter
	if err := json.Unmarshal(body[uint64(len(body))-flen:], &ft); err != nil {
		return nil, nil, fmt.Errorf("columnar: %q: footer: %w", path, err)
	}
	codec, err := ParseCodec(ft.Codec)
	if err != nil {
		return nil, nil, err
	}
	var out []Row
	for gi, g := range ft.Groups {
		rows := make([]Row, g.Rows)
		for _, cm := range g.Chunks {
			col, ok := lookupColumn(ft.Columns, cm.Column)
			if !ok {
				return nil, nil, fmt.Errorf("columnar: %q: chunk for unknown column %q", path, cm.Column)
			}
			if cm.Offset+cm.Size > int64(len(body)) {
				return nil, nil, fmt.Errorf("columnar: %q: group %d chunk out of range", path, gi)
			}
			raw, err := codec.Decompress(body[cm.Offset:cm.Offset+cm.Size], int(cm.RawSize))
			if err != nil {
				return nil, nil, fmt.Errorf("columnar: %q: column %q: %w", path, cm.Column, err)
			}
			if err := decodeChunk(raw, col, rows); err != nil {
				return nil, nil, err
			}
		}
		out = append(out, rows...)
	}
	return out, &ft, nil
}

func lookupColumn(cols []Column, name string) (Column, bool) {
	for _, c := range cols {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}
