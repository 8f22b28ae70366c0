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

package pipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/Abyteon/canp/canframe"
	"github.com/Abyteon/canp/columnar"
)

// encodeCapture builds one well-formed capture file: a single outer
// block holding one FRAM chunk with one sequence of the given frames.
func encodeCapture(t *testing.T, serial string, seqTS uint64, frames ...[24]byte) []byte {
	t.Helper()
	var body bytes.Buffer
	for _, f := range frames {
		body.Write(f[:])
	}
	seq := make([]byte, canframe.SequenceHeaderSize)
	binary.BigEndian.PutUint32(seq[0:4], 1)
	binary.BigEndian.PutUint64(seq[4:12], seqTS)
	binary.BigEndian.PutUint32(seq[12:16], uint32(body.Len()))
	seq = append(seq, body.Bytes()...)

	chunk := make([]byte, canframe.ChunkHeaderSize)
	copy(chunk[0:4], canframe.ChunkTag[:])
	binary.BigEndian.PutUint32(chunk[4:8], 1)                    // version
	binary.BigEndian.PutUint32(chunk[8:12], uint32(len(frames))) // total frames
	binary.BigEndian.PutUint32(chunk[12:16], 0)                  // file index
	binary.BigEndian.PutUint32(chunk[16:20], uint32(len(seq)))
	chunk = append(chunk, seq...)

	var z bytes.Buffer
	zw := gzip.NewWriter(&z)
	if _, err := zw.Write(chunk); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	hdr := make([]byte, canframe.FileHeaderSize)
	copy(hdr[:canframe.SerialSize], serial)
	binary.BigEndian.PutUint32(hdr[31:35], uint32(z.Len()))
	return append(hdr, z.Bytes()...)
}

func encodeFrame(ts uint64, id uint32, dlc uint8, data []byte) [24]byte {
	var f [24]byte
	binary.BigEndian.PutUint64(f[0:8], ts)
	binary.BigEndian.PutUint32(f[8:12], id)
	f[12] = dlc
	copy(f[16:24], data)
	return f
}

const testDict = `BO_ 256 Speed: 8 ECU
 SG_ Velocity : 0|16@1+ (0.1,0) [0|6500] "km/h" Vector__XXX
`

func testConfig(out string) Config {
	return Config{
		Writer: WriterConfig{
			OutputDir:         out,
			Compression:       "zstd",
			PartitionStrategy: "by_can_id",
			BatchSize:         1,
		},
		Orchestrator: OrchestratorConfig{
			BatchSize:          4,
			MaxConcurrentFiles: 2,
		},
	}
}

func TestEndToEnd(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")

	// one frame with a known dictionary entry, one without
	capture := encodeCapture(t, "SER-E2E-0000000001", 1_700_000_000,
		encodeFrame(10, 0x100, 2, []byte{0xE8, 0x03}), // 1000 raw -> 100.0 km/h
		encodeFrame(11, 0x200, 8, []byte{1, 2, 3, 4, 5, 6, 7, 8}),
	)
	input := filepath.Join(dir, "capture.bin")
	if err := os.WriteFile(input, capture, 0644); err != nil {
		t.Fatal(err)
	}
	dictPath := filepath.Join(dir, "speed.dbc")
	if err := os.WriteFile(dictPath, []byte(testDict), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := New(testConfig(out))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if err := p.LoadDictionaries(dictPath); err != nil {
		t.Fatal(err)
	}
	batches, err := p.ProcessFiles(context.Background(), []string{input})
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 || batches[0].Successes != 1 || batches[0].Failures != 0 {
		t.Fatalf("batches = %+v", batches)
	}

	// can_ids 0x100 and 0x200 mix, so the chunk partitions as mixed
	files, err := filepath.Glob(filepath.Join(out, "mixed_can_ids", "data_*"+columnar.FileExt))
	if err != nil || len(files) != 1 {
		t.Fatalf("output files = %v (err %v)", files, err)
	}
	rows, _, err := columnar.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1 (only the dictionary-known message)", len(rows))
	}
	r := rows[0]
	if r.CanID != 0x100 || r.MessageTimestamp != 10 {
		t.Errorf("row = %+v", r)
	}
	if r.SignalName == nil || *r.SignalName != "Velocity" {
		t.Errorf("signal = %v", r.SignalName)
	}
	if r.SignalRaw == nil || *r.SignalRaw != 1000 {
		t.Errorf("raw = %v", r.SignalRaw)
	}
	if r.SignalPhysical == nil || *r.SignalPhysical != 100 {
		t.Errorf("physical = %v", r.SignalPhysical)
	}
	if r.FileTimestamp != 1_700_000_000 {
		t.Errorf("file_timestamp = %d", r.FileTimestamp)
	}

	if _, err := os.Stat(filepath.Join(out, "_metadata.json")); err != nil {
		t.Errorf("sidecar missing: %v", err)
	}

	s := p.Stats()
	if s.FilesProcessed != 1 || s.FilesSucceeded != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.Parser.FramesParsed != 2 {
		t.Errorf("frames parsed = %d, want 2", s.Parser.FramesParsed)
	}
	if s.Dictionary.UnknownMessages != 1 {
		t.Errorf("unknown messages = %d, want 1", s.Dictionary.UnknownMessages)
	}
	if s.SignalsDecoded != 1 {
		t.Errorf("signals = %d, want 1", s.SignalsDecoded)
	}
}

func TestCorruptFileRetriesAndContinues(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")

	var inputs []string
	for i := 0; i < 5; i++ {
		capture := encodeCapture(t, "SER-OK-00000000001", 1_700_000_000,
			encodeFrame(1, 0x100, 2, []byte{0x10, 0x00}),
		)
		path := filepath.Join(dir, "good"+string(rune('a'+i))+".bin")
		if err := os.WriteFile(path, capture, 0644); err != nil {
			t.Fatal(err)
		}
		inputs = append(inputs, path)
	}
	// a file that cannot be mapped at all
	missing := filepath.Join(dir, "missing.bin")
	inputs = append(inputs, missing)

	cfg := testConfig(out)
	cfg.Orchestrator.EnableErrorRecovery = true
	cfg.Orchestrator.MaxRetries = 1
	p, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	dictPath := filepath.Join(dir, "speed.dbc")
	if err := os.WriteFile(dictPath, []byte(testDict), 0644); err != nil {
		t.Fatal(err)
	}
	if err := p.LoadDictionaries(dictPath); err != nil {
		t.Fatal(err)
	}

	batches, err := p.ProcessFiles(context.Background(), inputs)
	if err != nil {
		t.Fatal(err)
	}
	var succ, fail int
	for _, b := range batches {
		succ += b.Successes
		fail += b.Failures
	}
	if succ != 5 || fail != 1 {
		t.Errorf("successes=%d failures=%d, want 5/1", succ, fail)
	}
	s := p.Stats()
	if s.RetriedFiles < 1 {
		t.Errorf("retried_files = %d, want >= 1", s.RetriedFiles)
	}
	var found bool
	for _, b := range batches {
		for _, r := range b.Results {
			if r.Path == missing && !r.Success && r.Error != "" && r.Attempts == 2 {
				found = true
			}
		}
	}
	if !found {
		t.Error("missing-file result not recorded with error and retry attempts")
	}
}

func TestEmptyFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	empty := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(empty, nil, 0644); err != nil {
		t.Fatal(err)
	}
	p, err := New(testConfig(out))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	batches, err := p.ProcessFiles(context.Background(), []string{empty})
	if err != nil {
		t.Fatal(err)
	}
	if batches[0].Failures != 0 {
		t.Errorf("empty file counted as failure: %+v", batches[0])
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("missing output_dir accepted")
	}
	bad := testConfig(t.TempDir())
	bad.Orchestrator.MemoryPressureThreshold = 1.5
	if _, err := New(bad); err == nil {
		t.Error("out-of-range threshold accepted")
	}
	bad2 := testConfig(t.TempDir())
	bad2.Writer.Compression = "lzo"
	if _, err := New(bad2); err == nil {
		t.Error("unsupported codec accepted at init")
	}
}

func TestLoadConfigYAML(t *testing.T) {
	dir := t.TempDir()
	text := `
writer:
  output_dir: ` + filepath.Join(dir, "out") + `
  compression: lz4
  partition_strategy: hourly
pipeline:
  batch_size: 16
  max_concurrent_files: 4
  enable_error_recovery: true
  max_retries: 2
executor:
  io_worker_count: 2
  cpu_worker_count: 2
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Writer.Compression != "lz4" || cfg.Orchestrator.MaxRetries != 2 {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.Executor.IOWorkerCount != 2 {
		t.Errorf("executor config = %+v", cfg.Executor)
	}

	// unknown keys are rejected
	if err := os.WriteFile(path, []byte("writer:\n  output_dir: x\n  no_such_knob: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("unknown configuration key accepted")
	}
}
