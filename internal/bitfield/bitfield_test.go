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

package bitfield

import "testing"

func TestExtractBigEndianSignedSample(t *testing.T) {
	// data bytes: FF F0 00 00 00 00 00 00
	data := []byte{0xFF, 0xF0, 0, 0, 0, 0, 0, 0}
	raw, err := Extract(data, 0, 16, BigEndian)
	if err != nil {
		t.Fatal(err)
	}
	if raw != 0xFFF0 {
		t.Fatalf("raw = %#x, want 0xfff0", raw)
	}
	signed := SignExtend(raw, 16)
	if signed != -16 {
		t.Fatalf("signed = %d, want -16", signed)
	}
}

func TestExtractLittleEndianRoundTrip(t *testing.T) {
	data := []byte{0b10110010, 0b00000001, 0, 0, 0, 0, 0, 0}
	raw, err := Extract(data, 0, 9, LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	want := uint64(0b110110010)
	if raw != want {
		t.Fatalf("raw = %#b, want %#b", raw, want)
	}
}

func TestExtractOutOfRange(t *testing.T) {
	data := make([]byte, MaxBytes)
	if _, err := Extract(data, 60, 16, LittleEndian); err == nil {
		t.Fatal("expected error for out-of-range window")
	}
	if _, err := Extract(data, 0, 65, LittleEndian); err == nil {
		t.Fatal("expected error for length > 64")
	}
}

func TestAdjacentExtractionsConcatenate(t *testing.T) {
	data := []byte{0xAB, 0xCD, 0xEF, 0x01, 0x23, 0x45, 0x67, 0x89}
	whole, err := Extract(data, 4, 20, LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	lo, err := Extract(data, 4, 10, LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	hi, err := Extract(data, 14, 10, LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	combined := lo | (hi << 10)
	if combined != whole {
		t.Fatalf("combined = %#x, whole = %#x", combined, whole)
	}
}

func TestSignExtendUnsigned(t *testing.T) {
	if SignExtend(0x7F, 8) != 0x7F {
		t.Fatal("positive value should be unchanged")
	}
	if SignExtend(0xFF, 8) != -1 {
		t.Fatal("all-ones 8-bit value should sign-extend to -1")
	}
}
