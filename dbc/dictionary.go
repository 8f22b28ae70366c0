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

// Package dbc loads and manages signal dictionaries in the standard
// CAN database text format and resolves raw frames into decoded,
// physically scaled messages.
package dbc

import (
	"github.com/Abyteon/canp/internal/bitfield"
)

// Signal is one signal definition inside a message: a bit window over
// the frame's 8 data bytes plus the linear scaling that converts the
// raw integer into a physical quantity.
type Signal struct {
	Name     string
	StartBit int
	Length   int
	Endian   bitfield.Endian
	Signed   bool
	Factor   float64
	Offset   float64
	Unit     string
	Min      *float64
	Max      *float64

	// Labels maps raw values to human-readable names parsed from
	// VAL_ records; nil when the dictionary defines none.
	Labels map[int64]string

	// Comment is the CM_ SG_ text attached to this signal, if any.
	Comment string
}

// Message is one BO_ record: a frame identifier with its ordered
// signal list. Size is informational only.
type Message struct {
	ID      uint32
	Name    string
	Size    int
	Sender  string
	Signals []Signal
}

// Dictionary is an immutable parsed signal dictionary keyed by
// message identifier.
type Dictionary struct {
	Version  string
	Messages map[uint32]*Message

	// order preserves encounter order for deterministic statistics.
	order []uint32
}

// MessageCount returns the number of message definitions.
func (d *Dictionary) MessageCount() int { return len(d.Messages) }

// SignalCount returns the total signal definitions across messages.
func (d *Dictionary) SignalCount() int {
	n := 0
	for _, m := range d.Messages {
		n += len(m.Signals)
	}
	return n
}

// Lookup returns the message definition for id, or nil.
func (d *Dictionary) Lookup(id uint32) *Message {
	return d.Messages[id]
}
