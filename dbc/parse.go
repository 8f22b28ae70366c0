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

package dbc

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Abyteon/canp/internal/bitfield"
)

// ErrParse is wrapped by every dictionary-text parse failure.
var ErrParse = errors.New("dbc: parse failed")

// Parse reads dictionary text and produces an immutable Dictionary.
// The grammar is line-oriented: VERSION, BO_ (message), SG_ (signal),
// VAL_ (value labels) and CM_ SG_ (signal comments) records are
// consumed; everything else is skipped. A malformed record is an
// error only when it is a BO_ or SG_ line, since those carry the
// decoding semantics; auxiliary records degrade to warnings collected
// in the returned warning list.
func Parse(text string) (*Dictionary, []string, error) {
	d := &Dictionary{Messages: make(map[uint32]*Message)}
	var warnings []string
	var current *Message

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "VERSION"):
			d.Version = unquote(strings.TrimSpace(strings.TrimPrefix(line, "VERSION")))
		case strings.HasPrefix(line, "BO_ "):
			m, err := parseMessage(line)
			if err != nil {
				return nil, warnings, fmt.Errorf("%w: line %d: %v", ErrParse, lineno, err)
			}
			d.Messages[m.ID] = m
			d.order = append(d.order, m.ID)
			current = m
		case strings.HasPrefix(line, "SG_ "):
			if current == nil {
				warnings = append(warnings, fmt.Sprintf("line %d: SG_ outside message", lineno))
				continue
			}
			s, err := parseSignal(line)
			if err != nil {
				return nil, warnings, fmt.Errorf("%w: line %d: %v", ErrParse, lineno, err)
			}
			current.Signals = append(current.Signals, s)
		case strings.HasPrefix(line, "VAL_ "):
			if err := parseValueTable(d, line); err != nil {
				warnings = append(warnings, fmt.Sprintf("line %d: %v", lineno, err))
			}
		case strings.HasPrefix(line, "CM_ SG_ "):
			if err := parseSignalComment(d, line); err != nil {
				warnings = append(warnings, fmt.Sprintf("line %d: %v", lineno, err))
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, warnings, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return d, warnings, nil
}

// parseMessage handles `BO_ <id> <name>: <size> <sender>`.
func parseMessage(line string) (*Message, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return nil, fmt.Errorf("short BO_ record %q", line)
	}
	id, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("message id %q: %v", fields[1], err)
	}
	name := strings.TrimSuffix(fields[2], ":")
	size, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, fmt.Errorf("message size %q: %v", fields[3], err)
	}
	m := &Message{ID: uint32(id), Name: name, Size: size}
	if len(fields) > 4 && fields[4] != "Vector__XXX" {
		m.Sender = fields[4]
	}
	return m, nil
}

// parseSignal handles
// `SG_ <name> : <start>|<size>@<endian><sign> (<factor>,<offset>) [<min>|<max>] "<unit>" <receivers>`.
// A multiplexer token between the name and the colon is skipped.
func parseSignal(line string) (Signal, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "SG_"))
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return Signal{}, fmt.Errorf("no colon in SG_ record %q", line)
	}
	nameFields := strings.Fields(rest[:colon])
	if len(nameFields) == 0 {
		return Signal{}, fmt.Errorf("no name in SG_ record %q", line)
	}
	s := Signal{Name: nameFields[0], Factor: 1}

	fields := strings.Fields(rest[colon+1:])
	if len(fields) == 0 {
		return Signal{}, fmt.Errorf("no bit spec in SG_ record %q", line)
	}
	// <start>|<size>@<endian><sign>
	spec := fields[0]
	at := strings.Index(spec, "@")
	bar := strings.Index(spec, "|")
	if at < 0 || bar < 0 || bar > at {
		return Signal{}, fmt.Errorf("bad bit spec %q", spec)
	}
	start, err := strconv.Atoi(spec[:bar])
	if err != nil {
		return Signal{}, fmt.Errorf("start bit %q: %v", spec[:bar], err)
	}
	length, err := strconv.Atoi(spec[bar+1 : at])
	if err != nil {
		return Signal{}, fmt.Errorf("bit length %q: %v", spec[bar+1:at], err)
	}
	if length <= 0 || length > 64 {
		return Signal{}, fmt.Errorf("bit length %d out of range", length)
	}
	s.StartBit, s.Length = start, length
	tail := spec[at+1:]
	if len(tail) < 2 {
		return Signal{}, fmt.Errorf("bad endian/sign %q", spec)
	}
	switch tail[0] {
	case '1':
		s.Endian = bitfield.LittleEndian
	case '0':
		s.Endian = bitfield.BigEndian
	default:
		return Signal{}, fmt.Errorf("bad endianness %q", tail)
	}
	s.Signed = tail[1] == '-'

	for _, f := range fields[1:] {
		switch {
		case strings.HasPrefix(f, "(") && strings.HasSuffix(f, ")"):
			inner := f[1 : len(f)-1]
			comma := strings.Index(inner, ",")
			if comma < 0 {
				return Signal{}, fmt.Errorf("bad scaling %q", f)
			}
			if s.Factor, err = strconv.ParseFloat(inner[:comma], 64); err != nil {
				return Signal{}, fmt.Errorf("factor %q: %v", inner[:comma], err)
			}
			if s.Offset, err = strconv.ParseFloat(inner[comma+1:], 64); err != nil {
				return Signal{}, fmt.Errorf("offset %q: %v", inner[comma+1:], err)
			}
		case strings.HasPrefix(f, "[") && strings.HasSuffix(f, "]"):
			inner := f[1 : len(f)-1]
			bar := strings.Index(inner, "|")
			if bar < 0 {
				continue
			}
			lo, err1 := strconv.ParseFloat(inner[:bar], 64)
			hi, err2 := strconv.ParseFloat(inner[bar+1:], 64)
			if err1 == nil && err2 == nil && !(lo == 0 && hi == 0) {
				s.Min, s.Max = &lo, &hi
			}
		case strings.HasPrefix(f, `"`):
			s.Unit = unquote(f)
		}
	}
	return s, nil
}

// parseValueTable handles `VAL_ <id> <signal> <v> "<label>" ... ;`.
func parseValueTable(d *Dictionary, line string) error {
	rest := strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(line, "VAL_")), ";")
	fields := splitQuoted(rest)
	if len(fields) < 2 {
		return fmt.Errorf("short VAL_ record")
	}
	id, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return fmt.Errorf("VAL_ message id %q: %v", fields[0], err)
	}
	sig := findSignal(d, uint32(id), fields[1])
	if sig == nil {
		return fmt.Errorf("VAL_ references unknown signal %s/%s", fields[0], fields[1])
	}
	labels := make(map[int64]string)
	for i := 2; i+1 < len(fields); i += 2 {
		v, err := strconv.ParseInt(fields[i], 10, 64)
		if err != nil {
			return fmt.Errorf("VAL_ raw value %q: %v", fields[i], err)
		}
		labels[v] = unquote(fields[i+1])
	}
	if len(labels) > 0 {
		sig.Labels = labels
	}
	return nil
}

// parseSignalComment handles `CM_ SG_ <id> <signal> "<text>";`.
func parseSignalComment(d *Dictionary, line string) error {
	rest := strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(line, "CM_ SG_")), ";")
	fields := splitQuoted(rest)
	if len(fields) < 3 {
		return fmt.Errorf("short CM_ SG_ record")
	}
	id, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return fmt.Errorf("CM_ message id %q: %v", fields[0], err)
	}
	sig := findSignal(d, uint32(id), fields[1])
	if sig == nil {
		return fmt.Errorf("CM_ references unknown signal %s/%s", fields[0], fields[1])
	}
	sig.Comment = unquote(fields[2])
	return nil
}

func findSignal(d *Dictionary, id uint32, name string) *Signal {
	m := d.Messages[id]
	if m == nil {
		return nil
	}
	for i := range m.Signals {
		if m.Signals[i].Name == name {
			return &m.Signals[i]
		}
	}
	return nil
}

// splitQuoted splits on whitespace but keeps double-quoted runs (which
// may contain spaces) as single fields, quotes included.
func splitQuoted(s string) []string {
	var out []string
	for len(s) > 0 {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			break
		}
		if s[0] == '"' {
			end := strings.Index(s[1:], `"`)
			if end < 0 {
				out = append(out, s)
				break
			}
			out = append(out, s[:end+2])
			s = s[end+2:]
			continue
		}
		i := strings.IndexAny(s, " \t")
		if i < 0 {
			out = append(out, s)
			break
		}
		out = append(out, s[:i])
		s = s[i:]
	}
	return out
}

func unquote(s string) string {
	return strings.Trim(s, `"`)
}
