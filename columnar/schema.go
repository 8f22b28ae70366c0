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

// Package columnar writes decoded signal rows as partitioned,
// batched, footer-indexed columnar files plus a _metadata.json
// sidecar describing the run.
package columnar

import (
	"encoding/binary"
	"fmt"
	"math"
)

func f64bits(f float64) uint64     { return math.Float64bits(f) }
func f64frombits(v uint64) float64 { return math.Float64frombits(v) }

// Kind is the physical type of a column.
type Kind string

const (
	KindString  Kind = "string"
	KindUint8   Kind = "uint8"
	KindUint32  Kind = "uint32"
	KindUint64  Kind = "uint64"
	KindFloat64 Kind = "float64"
	KindBinary  Kind = "binary"
)

// Column is one schema entry.
type Column struct {
	Name     string `json:"name"`
	Kind     Kind   `json:"type"`
	Nullable bool   `json:"nullable,omitempty"`
}

// Schema returns the logical schema; keepRaw appends the optional
// raw_data column.
func Schema(keepRaw bool) []Column {
	cols := []Column{
		{Name: "source_file", Kind: KindString},
		{Name: "file_index", Kind: KindUint32},
		{Name: "file_version", Kind: KindUint32},
		{Name: "file_timestamp", Kind: KindUint64},
		{Name: "message_timestamp", Kind: KindUint64},
		{Name: "can_id", Kind: KindUint32},
		{Name: "message_name", Kind: KindString, Nullable: true},
		{Name: "dlc", Kind: KindUint8},
		{Name: "sender", Kind: KindString, Nullable: true},
		{Name: "dbc_source", Kind: KindString, Nullable: true},
		{Name: "signal_name", Kind: KindString, Nullable: true},
		{Name: "signal_raw_value", Kind: KindUint64, Nullable: true},
		{Name: "signal_physical_value", Kind: KindFloat64, Nullable: true},
		{Name: "signal_unit", Kind: KindString, Nullable: true},
		{Name: "signal_description", Kind: KindString, Nullable: true},
	}
	if keepRaw {
		cols = append(cols, Column{Name: "raw_data", Kind: KindBinary, Nullable: true})
	}
	return cols
}

// Row is one flattened signal occurrence. Nil pointers encode null.
type Row struct {
	SourceFile        string
	FileIndex         uint32
	FileVersion       uint32
	FileTimestamp     uint64
	MessageTimestamp  uint64
	CanID             uint32
	MessageName       *string
	DLC               uint8
	Sender            *string
	DBCSource         *string
	SignalName        *string
	SignalRaw         *uint64
	SignalPhysical    *float64
	SignalUnit        *string
	SignalDescription *string
	RawData           []byte
}

// cell reads one column's value out of a row; present=false encodes
// null. Numeric kinds return via num (float64 payloads bit-cast),
// string/binary kinds via str.
func (r *Row) cell(name string) (num uint64, str string, present bool) {
	opt := func(p *string) (uint64, string, bool) {
		if p == nil {
			return 0, "", false
		}
		return 0, *p, true
	}
	switch name {
	case "source_file":
		return 0, r.SourceFile, true
	case "file_index":
		return uint64(r.FileIndex), "", true
	case "file_version":
		return uint64(r.FileVersion), "", true
	case "file_timestamp":
		return r.FileTimestamp, "", true
	case "message_timestamp":
		return r.MessageTimestamp, "", true
	case "can_id":
		return uint64(r.CanID), "", true
	case "message_name":
		return opt(r.MessageName)
	case "dlc":
		return uint64(r.DLC), "", true
	case "sender":
		return opt(r.Sender)
	case "dbc_source":
		return opt(r.DBCSource)
	case "signal_name":
		return opt(r.SignalName)
	case "signal_raw_value":
		if r.SignalRaw == nil {
			return 0, "", false
		}
		return *r.SignalRaw, "", true
	case "signal_physical_value":
		if r.SignalPhysical == nil {
			return 0, "", false
		}
		return f64bits(*r.SignalPhysical), "", true
	case "signal_unit":
		return opt(r.SignalUnit)
	case "signal_description":
		return opt(r.SignalDescription)
	case "raw_data":
		if r.RawData == nil {
			return 0, "", false
		}
		return 0, string(r.RawData), true
	}
	panic(fmt.Sprintf("columnar: unknown column %q", name))
}

func (k Kind) isString() bool { return k == KindString || k == KindBinary }

func (k Kind) width() int {
	switch k {
	case KindUint8:
		return 1
	case KindUint32:
		return 4
	default:
		return 8
	}
}

// encodeChunk serializes one column over rows: a uint32 row count, a
// null bitmap when the column is nullable, then the present values in
// row order. String columns optionally dictionary-encode. The layout
// mirrors a Parquet plain/dictionary page at much smaller complexity.
func encodeChunk(rows []Row, col Column, dict bool) []byte {
	out := binary.BigEndian.AppendUint32(nil, uint32(len(rows)))
	if col.Nullable {
		bitmap := make([]byte, (len(rows)+7)/8)
		for i := range rows {
			if _, _, ok := rows[i].cell(col.Name); ok {
				bitmap[i/8] |= 1 << uint(i%8)
			}
		}
		out = append(out, bitmap...)
	}
	if col.Kind.isString() {
		return encodeStrings(out, rows, col, dict && col.Kind == KindString)
	}
	for i := range rows {
		v, _, ok := rows[i].cell(col.Name)
		if !ok {
			continue
		}
		switch col.Kind.width() {
		case 1:
			out = append(out, byte(v))
		case 4:
			out = binary.BigEndian.AppendUint32(out, uint32(v))
		default:
			out = binary.BigEndian.AppendUint64(out, v)
		}
	}
	return out
}

func encodeStrings(out []byte, rows []Row, col Column, dict bool) []byte {
	var vals []string
	for i := range rows {
		_, s, ok := rows[i].cell(col.Name)
		if !ok {
			continue
		}
		vals = append(vals, s)
	}
	if !dict {
		out = append(out, 0) // plain marker
		for _, s := range vals {
			out = binary.BigEndian.AppendUint32(out, uint32(len(s)))
			out = append(out, s...)
		}
		return out
	}
	index := make(map[string]uint32)
	var entries []string
	for _, s := range vals {
		if _, ok := index[s]; !ok {
			index[s] = uint32(len(entries))
			entries = append(entries, s)
		}
	}
	out = append(out, 1) // dictionary marker
	out = binary.BigEndian.AppendUint32(out, uint32(len(entries)))
	for _, s := range entries {
		out = binary.BigEndian.AppendUint32(out, uint32(len(s)))
		out = append(out, s...)
	}
	for _, s := range vals {
		out = binary.BigEndian.AppendUint32(out, index[s])
	}
	return out
}

// decodeChunk is the inverse of encodeChunk; it writes decoded values
// back into rows (which must already have length equal to the encoded
// row count).
func decodeChunk(data []byte, col Column, rows []Row) error {
	if len(data) < 4 {
		return fmt.Errorf("columnar: chunk for %q too short", col.Name)
	}
	n := int(binary.BigEndian.Uint32(data))
	if n != len(rows) {
		return fmt.Errorf("columnar: chunk for %q has %d rows, expected %d", col.Name, n, len(rows))
	}
	data = data[4:]
	present := make([]bool, n)
	if col.Nullable {
		need := (n + 7) / 8
		if len(data) < need {
			return fmt.Errorf("columnar: truncated null bitmap for %q", col.Name)
		}
		for i := 0; i < n; i++ {
			present[i] = data[i/8]&(1<<uint(i%8)) != 0
		}
		data = data[need:]
	} else {
		for i := range present {
			present[i] = true
		}
	}
	if col.Kind.isString() {
		vals, err := decodeStrings(data, col)
		if err != nil {
			return err
		}
		j := 0
		for i := 0; i < n; i++ {
			if !present[i] {
				continue
			}
			if j >= len(vals) {
				return fmt.Errorf("columnar: too few values for %q", col.Name)
			}
			setString(&rows[i], col.Name, vals[j])
			j++
		}
		return nil
	}
	w := col.Kind.width()
	for i := 0; i < n; i++ {
		if !present[i] {
			continue
		}
		if len(data) < w {
			return fmt.Errorf("columnar: truncated values for %q", col.Name)
		}
		var v uint64
		switch w {
		case 1:
			v = uint64(data[0])
		case 4:
			v = uint64(binary.BigEndian.Uint32(data))
		default:
			v = binary.BigEndian.Uint64(data)
		}
		data = data[w:]
		setNum(&rows[i], col.Name, v)
	}
	return nil
}

func decodeStrings(data []byte, col Column) ([]string, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("columnar: missing encoding marker for %q", col.Name)
	}
	marker := data[0]
	data = data[1:]
	readStr := func() (string, error) {
		if len(data) < 4 {
			return "", fmt.Errorf("columnar: truncated string in %q", col.Name)
		}
		l := int(binary.BigEndian.Uint32(data))
		data = data[4:]
		if len(data) < l {
			return "", fmt.Errorf("columnar: truncated string in %q", col.Name)
		}
		s := string(data[:l])
		data = data[l:]
		return s, nil
	}
	if marker == 0 {
		var vals []string
		for len(data) > 0 {
			s, err := readStr()
			if err != nil {
				return nil, err
			}
			vals = append(vals, s)
		}
		return vals, nil
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("columnar: truncated dictionary for %q", col.Name)
	}
	dn := int(binary.BigEndian.Uint32(data))
	data = data[4:]
	entries := make([]string, dn)
	for i := 0; i < dn; i++ {
		s, err := readStr()
		if err != nil {
			return nil, err
		}
		entries[i] = s
	}
	var vals []string
	for len(data) >= 4 {
		idx := binary.BigEndian.Uint32(data)
		data = data[4:]
		if int(idx) >= dn {
			return nil, fmt.Errorf("columnar: dictionary index %d out of range for %q", idx, col.Name)
		}
		vals = append(vals, entries[idx])
	}
	return vals, nil
}

func setString(r *Row, name, v string) {
	s := v
	switch name {
	case "source_file":
		r.SourceFile = v
	case "message_name":
		r.MessageName = &s
	case "sender":
		r.Sender = &s
	case "dbc_source":
		r.DBCSource = &s
	case "signal_name":
		r.SignalName = &s
	case "signal_unit":
		r.SignalUnit = &s
	case "signal_description":
		r.SignalDescription = &s
	case "raw_data":
		r.RawData = []byte(v)
	}
}

func setNum(r *Row, name string, v uint64) {
	switch name {
	case "file_index":
		r.FileIndex = uint32(v)
	case "file_version":
		r.FileVersion = uint32(v)
	case "file_timestamp":
		r.FileTimestamp = v
	case "message_timestamp":
		r.MessageTimestamp = v
	case "can_id":
		r.CanID = uint32(v)
	case "dlc":
		r.DLC = uint8(v)
	case "signal_raw_value":
		u := v
		r.SignalRaw = &u
	case "signal_physical_value":
		f := f64frombits(v)
		r.SignalPhysical = &f
	}
}
