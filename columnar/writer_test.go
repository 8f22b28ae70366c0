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
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Abyteon/canp/canframe"
	"github.com/Abyteon/canp/dbc"
)

func testPFD(seqTS uint64, ids ...uint32) *canframe.ParsedFileData {
	pfd := &canframe.ParsedFileData{
		Chunk: canframe.ChunkHeader{Version: 2, FileIndex: 5},
	}
	seq := canframe.Sequence{
		Header: canframe.SequenceHeader{Timestamp: seqTS},
	}
	for _, id := range ids {
		seq.Frames = append(seq.Frames, canframe.Frame{ID: id, DLC: 8})
	}
	pfd.Sequences = append(pfd.Sequences, seq)
	copy(pfd.Serial[:], "SER-TEST-000000001")
	return pfd
}

func testMessage(id uint32, ts uint64, signals ...string) dbc.DecodedMessage {
	m := dbc.DecodedMessage{
		CanID:     id,
		Name:      "TestMsg",
		DLC:       8,
		Sender:    "ECU",
		Timestamp: ts,
		Source:    "test.dbc",
		Data:      []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	for i, name := range signals {
		raw := uint64(i + 1)
		phys := float64(i+1) * 0.5
		m.Signals = append(m.Signals, dbc.DecodedSignal{
			Name:     name,
			Raw:      raw,
			Physical: phys,
			Unit:     "u",
			Source:   "test.dbc",
		})
	}
	return m
}

func TestWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Config{
		OutputDir:        dir,
		Compression:      "zstd",
		Strategy:         PartitionNone,
		BatchSize:        1, // flush on every write
		EnableDictionary: true,
		EnableStatistics: true,
		KeepRawData:      true,
	})
	if err != nil {
		t.Fatal(err)
	}
	pfd := testPFD(1_700_000_000, 0x100)
	msgs := []dbc.DecodedMessage{testMessage(0x100, 77, "A", "B", "C")}
	if err := w.Write(pfd, msgs, "/in/file.bin"); err != nil {
		t.Fatal(err)
	}
	if err := w.Finish("run-1"); err != nil {
		t.Fatal(err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "default", "data_*"+FileExt))
	if err != nil || len(files) != 1 {
		t.Fatalf("output files = %v (err %v), want exactly 1", files, err)
	}
	rows, ft, err := ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if ft.Codec != "zstd" || !ft.Dictionary || !ft.Statistics {
		t.Errorf("footer = %+v", ft)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3 (one per signal)", len(rows))
	}
	r := rows[1]
	if r.SourceFile != "/in/file.bin" || r.CanID != 0x100 || r.DLC != 8 {
		t.Errorf("row = %+v", r)
	}
	if r.FileIndex != 5 || r.FileVersion != 2 || r.FileTimestamp != 1_700_000_000 {
		t.Errorf("file fields = %+v", r)
	}
	if r.MessageTimestamp != 77 {
		t.Errorf("message_timestamp = %d", r.MessageTimestamp)
	}
	if r.MessageName == nil || *r.MessageName != "TestMsg" {
		t.Errorf("message_name = %v", r.MessageName)
	}
	if r.SignalName == nil || *r.SignalName != "B" {
		t.Errorf("signal_name = %v", r.SignalName)
	}
	if r.SignalRaw == nil || *r.SignalRaw != 2 {
		t.Errorf("signal_raw = %v", r.SignalRaw)
	}
	if r.SignalPhysical == nil || *r.SignalPhysical != 1.0 {
		t.Errorf("signal_physical = %v", r.SignalPhysical)
	}
	if string(r.RawData) != string([]byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("raw_data = %v", r.RawData)
	}

	// sidecar
	buf, err := os.ReadFile(filepath.Join(dir, "_metadata.json"))
	if err != nil {
		t.Fatal(err)
	}
	var meta map[string]any
	if err := json.Unmarshal(buf, &meta); err != nil {
		t.Fatal(err)
	}
	if meta["compression"] != "zstd" || meta["partitioning"] != "none" {
		t.Errorf("sidecar = %v", meta)
	}
	if meta["run_id"] != "run-1" {
		t.Errorf("run_id = %v", meta["run_id"])
	}
}

func TestAllCodecsRoundTrip(t *testing.T) {
	for _, name := range []string{"none", "snappy", "gzip", "lz4", "zstd"} {
		name := name
		t.Run(name, func(t *testing.T) {
			codec, err := ParseCodec(name)
			if err != nil {
				t.Fatal(err)
			}
			src := []byte("columnar chunk payload, columnar chunk payload, xyz")
			comp := codec.Compress(src, nil)
			out, err := codec.Decompress(comp, len(src))
			if err != nil {
				t.Fatal(err)
			}
			if string(out) != string(src) {
				t.Errorf("round trip mismatch: %q", out)
			}
		})
	}
}

func TestUnsupportedCodecs(t *testing.T) {
	for _, name := range []string{"brotli", "lzo"} {
		if _, err := ParseCodec(name); err == nil {
			t.Errorf("codec %q unexpectedly accepted", name)
		}
	}
	if _, err := ParseCodec("xz"); err == nil {
		t.Error("unknown codec name accepted")
	}
}

func TestPartitionKeys(t *testing.T) {
	// 1_700_000_000 is 2023-11-14T22:13:20Z
	ts := uint64(1_700_000_000)
	single := testPFD(ts, 0x1A2B)
	mixed := testPFD(ts, 0x100, 0x200)
	empty := &canframe.ParsedFileData{}

	wantHour := "hour=" + time.Unix(int64(ts), 0).UTC().Format("2006010215")
	if got := PartitionHourly.Key(single); got != wantHour {
		t.Errorf("hourly key = %q, want %q", got, wantHour)
	}
	if got := PartitionDaily.Key(single); got != "day=20231114" {
		t.Errorf("daily key = %q", got)
	}
	if got := PartitionByFile.Key(single); got != "file=5" {
		t.Errorf("by-file key = %q", got)
	}
	if got := PartitionByCanID.Key(single); got != "can_id=00001A2B" {
		t.Errorf("by-can-id key = %q", got)
	}
	if got := PartitionByCanID.Key(mixed); got != "mixed_can_ids" {
		t.Errorf("mixed key = %q", got)
	}
	if got := PartitionByCanID.Key(empty); got != "mixed_can_ids" {
		t.Errorf("empty chunk key = %q", got)
	}
	if got := PartitionNone.Key(single); got != "default" {
		t.Errorf("none key = %q", got)
	}
	custom := PartitionCustom(func(p *canframe.ParsedFileData) string {
		return "serial=" + string(p.Serial[:3])
	})
	if got := custom.Key(single); got != "serial=SER" {
		t.Errorf("custom key = %q", got)
	}
}

func TestHourlyPartitionsSplit(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Config{
		OutputDir:   dir,
		Compression: "none",
		Strategy:    PartitionHourly,
		BatchSize:   1,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, ts := range []uint64{1_700_000_000, 1_700_003_600} {
		pfd := testPFD(ts, 0x100)
		msgs := []dbc.DecodedMessage{testMessage(0x100, ts, "S")}
		if err := w.Write(pfd, msgs, "/in/two-blocks.bin"); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Finish(""); err != nil {
		t.Fatal(err)
	}
	parts, err := filepath.Glob(filepath.Join(dir, "hour=*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 2 {
		t.Errorf("got partitions %v, want 2 distinct hours", parts)
	}
}

func TestRowGroupRotation(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Config{
		OutputDir:    dir,
		Compression:  "none",
		Strategy:     PartitionNone,
		BatchSize:    10,
		RowGroupSize: 4,
		MaxFileSize:  1, // rotate after every flush
	})
	if err != nil {
		t.Fatal(err)
	}
	pfd := testPFD(1_700_000_000, 0x100)
	msgs := []dbc.DecodedMessage{
		testMessage(0x100, 1, "A", "B", "C", "D", "E"),
		testMessage(0x100, 2, "A", "B", "C", "D", "E"),
	}
	if err := w.Write(pfd, msgs, "/in/big.bin"); err != nil {
		t.Fatal(err)
	}
	if err := w.Finish(""); err != nil {
		t.Fatal(err)
	}
	files, err := filepath.Glob(filepath.Join(dir, "default", "data_*"+FileExt))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) < 2 {
		t.Fatalf("expected rotation to produce multiple files, got %v", files)
	}
	total := 0
	for _, f := range files {
		rows, _, err := ReadFile(f)
		if err != nil {
			t.Fatal(err)
		}
		total += len(rows)
	}
	if total != 10 {
		t.Errorf("total rows across rotated files = %d, want 10", total)
	}
	if s := w.Stats(); s.RowsWritten != 10 || s.OutputFiles < 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestUnknownMessagesProduceNoRows(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Config{OutputDir: dir, Strategy: PartitionNone, BatchSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	pfd := testPFD(1_700_000_000, 0x100)
	if err := w.Write(pfd, nil, "/in/unknown.bin"); err != nil {
		t.Fatal(err)
	}
	if err := w.Finish(""); err != nil {
		t.Fatal(err)
	}
	if s := w.Stats(); s.RowsWritten != 0 {
		t.Errorf("rows_written = %d, want 0", s.RowsWritten)
	}
}
