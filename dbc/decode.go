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
	"github.com/Abyteon/canp/canframe"
	"github.com/Abyteon/canp/internal/bitfield"
)

// DecodedSignal is one signal occurrence pulled out of a frame: the
// raw bit window plus its physically scaled value.
type DecodedSignal struct {
	Name        string
	Raw         uint64
	Physical    float64
	Unit        string
	Description string
	Min         *float64
	Max         *float64
	Label       string // matching value-label for Raw, if the table has one
	Source      string // path of the dictionary that decoded it
}

// DecodedMessage is the result of resolving one frame against a
// dictionary: the message identity plus its decoded signals, ordered
// as in the dictionary.
type DecodedMessage struct {
	CanID     uint32
	Name      string
	DLC       uint8
	Sender    string
	Signals   []DecodedSignal
	Timestamp uint64
	Source    string

	// Data preserves the frame's meaningful payload bytes for
	// consumers that keep raw data alongside decoded signals.
	Data []byte
}

// decodeMessage applies every signal definition of def to the frame
// data. Signal-level failures (bit window outside the 8 data bytes)
// are skipped and counted; they never fail the enclosing message.
func decodeMessage(def *Message, f *canframe.Frame, source string) (DecodedMessage, int) {
	out := DecodedMessage{
		CanID:     f.ID,
		Name:      def.Name,
		DLC:       f.DLC,
		Sender:    def.Sender,
		Timestamp: f.Timestamp,
		Source:    source,
		Signals:   make([]DecodedSignal, 0, len(def.Signals)),
		Data:      append([]byte(nil), f.Data[:f.EffectiveLen()]...),
	}
	failures := 0
	for i := range def.Signals {
		sig := &def.Signals[i]
		raw, err := bitfield.Extract(f.Data[:], sig.StartBit, sig.Length, sig.Endian)
		if err != nil {
			failures++
			continue
		}
		signed := int64(raw)
		if sig.Signed {
			signed = bitfield.SignExtend(raw, sig.Length)
		}
		ds := DecodedSignal{
			Name:        sig.Name,
			Raw:         raw,
			Physical:    float64(signed)*sig.Factor + sig.Offset,
			Unit:        sig.Unit,
			Description: sig.Comment,
			Min:         sig.Min,
			Max:         sig.Max,
			Source:      source,
		}
		if sig.Labels != nil {
			ds.Label = sig.Labels[signed]
		}
		out.Signals = append(out.Signals, ds)
	}
	return out, failures
}
