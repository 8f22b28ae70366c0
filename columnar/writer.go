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
	"path/filepath"
	"sync"
	"time"

	"github.com/Abyteon/canp/canframe"
	"github.com/Abyteon/canp/dbc"
)

// FileExt is the extension of the columnar data files.
const FileExt = ".ccol"

// magic closes every data file; a reader seeks here first.
var magic = [8]byte{'C', 'A', 'N', 'P', 'C', 'O', 'L', '1'}

// Config holds the writer tunables.
type Config struct {
	OutputDir        string
	Compression      string
	RowGroupSize     int
	PageSize         int
	EnableDictionary bool
	EnableStatistics bool
	Strategy         Strategy
	BatchSize        int
	MaxFileSize      int64
	KeepRawData      bool
}

func (c *Config) fill() {
	if c.RowGroupSize <= 0 {
		c.RowGroupSize = 1 << 16
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1 << 14
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 256 << 20
	}
}

// chunkMeta locates one compressed column chunk within a data file.
type chunkMeta struct {
	Column  string   `json:"column"`
	Offset  int64    `json:"offset"`
	Size    int64    `json:"size"`
	RawSize int64    `json:"raw_size"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
}

// groupMeta describes one row group.
type groupMeta struct {
	Rows   int         `json:"rows"`
	Chunks []chunkMeta `json:"chunks"`
}

// fileFooter is the JSON trailer indexing a data file.
type fileFooter struct {
	Version    int         `json:"version"`
	Codec      string      `json:"codec"`
	Columns    []Column    `json:"columns"`
	Groups     []groupMeta `json:"groups"`
	TotalRows  int64       `json:"total_rows"`
	Dictionary bool        `json:"dictionary"`
	Statistics bool        `json:"statistics"`
}

// partitionWriter owns one partition's current output file and its
// pending row buffer. It is exclusively mutated through Writer, which
// the orchestrator serializes.
type partitionWriter struct {
	key     string
	path    string
	f       *os.File
	written int64
	footer  fileFooter
	pending []Row
	seq     int // rotation counter, disambiguates same-timestamp files
}

// Writer batches decoded rows, partitions them by policy, and emits
// footer-indexed columnar files plus a _metadata.json sidecar on
// Finish.
type Writer struct {
	cfg    Config
	codec  Codec
	cols   []Column
	create time.Time

	mu         sync.Mutex
	partitions map[string]*partitionWriter
	serials    map[string]string // source path -> outer-block serial

	stats struct {
		filesProcessed int64
		rowsWritten    int64
		bytesWritten   int64
		outputFiles    int64
		compressed     int64
		raw            int64
		writeTime      time.Duration
	}
}

// NewWriter validates the configuration, creates the output
// directory, and returns a ready Writer.
func NewWriter(cfg Config) (*Writer, error) {
	cfg.fill()
	codec, err := ParseCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.OutputDir, 0750); err != nil {
		return nil, fmt.Errorf("columnar: create output dir: %w", err)
	}
	return &Writer{
		cfg:        cfg,
		codec:      codec,
		cols:       Schema(cfg.KeepRawData),
		create:     time.Now(),
		partitions: make(map[string]*partitionWriter),
		serials:    make(map[string]string),
	}, nil
}

// Write flattens (message x signal) into rows for one parsed chunk,
// appends them to the chunk's partition, and flushes when the batch
// or file-size thresholds are hit. Messages without signals produce
// no rows.
func (w *Writer) Write(pfd *canframe.ParsedFileData, msgs []dbc.DecodedMessage, sourcePath string) error {
	start := time.Now()
	key := w.cfg.Strategy.Key(pfd)
	fileTS := fileTimestamp(pfd)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.serials[sourcePath] = fmt.Sprintf("%x", pfd.Serial)

	pw := w.partitions[key]
	if pw == nil {
		pw = &partitionWriter{key: key}
		w.partitions[key] = pw
	}
	for i := range msgs {
		msg := &msgs[i]
		for j := range msg.Signals {
			sig := &msg.Signals[j]
			raw, phys := sig.Raw, sig.Physical
			row := Row{
				SourceFile:       sourcePath,
				FileIndex:        pfd.Chunk.FileIndex,
				FileVersion:      pfd.Chunk.Version,
				FileTimestamp:    fileTS,
				MessageTimestamp: msg.Timestamp,
				CanID:            msg.CanID,
				MessageName:      strptr(msg.Name),
				DLC:              msg.DLC,
				Sender:           strptr(msg.Sender),
				DBCSource:        strptr(msg.Source),
				SignalName:       strptr(sig.Name),
				SignalRaw:        &raw,
				SignalPhysical:   &phys,
				SignalUnit:       strptr(sig.Unit),
			}
			if sig.Description != "" {
				row.SignalDescription = &sig.Description
			}
			if w.cfg.KeepRawData {
				row.RawData = msg.Data
			}
			pw.pending = append(pw.pending, row)
			w.stats.rowsWritten++
		}
	}
	w.stats.filesProcessed++

	var err error
	if len(pw.pending) >= w.cfg.BatchSize {
		err = w.flushLocked(pw)
	}
	w.stats.writeTime += time.Since(start)
	return err
}

func strptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// flushLocked drains pw.pending into row groups on disk, rotating to
// a fresh file when the current one crosses MaxFileSize. Callers hold
// w.mu.
func (w *Writer) flushLocked(pw *partitionWriter) error {
	for len(pw.pending) > 0 {
		if pw.f == nil {
			if err := w.openFileLocked(pw); err != nil {
				return err
			}
		}
		n := w.cfg.RowGroupSize
		if n > len(pw.pending) {
			n = len(pw.pending)
		}
		if err := w.writeGroupLocked(pw, pw.pending[:n]); err != nil {
			return err
		}
		pw.pending = pw.pending[n:]
		if pw.written >= w.cfg.MaxFileSize {
			if err := w.closeFileLocked(pw); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) openFileLocked(pw *partitionWriter) error {
	dir := filepath.Join(w.cfg.OutputDir, pw.key)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("columnar: partition %q: %w", pw.key, err)
	}
	pw.seq++
	name := fmt.Sprintf("data_%d_%04d%s", time.Now().UnixNano(), pw.seq, FileExt)
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("columnar: partition %q: %w", pw.key, err)
	}
	pw.f, pw.path, pw.written = f, path, 0
	pw.footer = fileFooter{
		Version:    1,
		Codec:      w.codec.Name(),
		Columns:    w.cols,
		Dictionary: w.cfg.EnableDictionary,
		Statistics: w.cfg.EnableStatistics,
	}
	w.stats.outputFiles++
	return nil
}

func (w *Writer) writeGroupLocked(pw *partitionWriter, rows []Row) error {
	g := groupMeta{Rows: len(rows)}
	for _, col := range w.cols {
		raw := encodeChunk(rows, col, w.cfg.EnableDictionary)
		comp := w.codec.Compress(raw, nil)
		cm := chunkMeta{
			Column:  col.Name,
			Offset:  pw.written,
			Size:    int64(len(comp)),
			RawSize: int64(len(raw)),
		}
		if w.cfg.EnableStatistics {
			cm.Min, cm.Max = columnStats(rows, col)
		}
		if _, err := pw.f.Write(comp); err != nil {
			return fmt.Errorf("columnar: write %q: %w", pw.path, err)
		}
		pw.written += int64(len(comp))
		w.stats.compressed += int64(len(comp))
		w.stats.raw += int64(len(raw))
		w.stats.bytesWritten += int64(len(comp))
		g.Chunks = append(g.Chunks, cm)
	}
	pw.footer.Groups = append(pw.footer.Groups, g)
	pw.footer.TotalRows += int64(len(rows))
	return nil
}

// columnStats computes min/max over a numeric column; string columns
// report none.
func columnStats(rows []Row, col Column) (*float64, *float64) {
	if col.Kind.isString() {
		return nil, nil
	}
	var lo, hi float64
	seen := false
	for i := range rows {
		v, _, ok := rows[i].cell(col.Name)
		if !ok {
			continue
		}
		f := float64(v)
		if col.Kind == KindFloat64 {
			f = f64frombits(v)
		}
		if !seen {
			lo, hi, seen = f, f, true
			continue
		}
		if f < lo {
			lo = f
		}
		if f > hi {
			hi = f
		}
	}
	if !seen {
		return nil, nil
	}
	return &lo, &hi
}

func (w *Writer) closeFileLocked(pw *partitionWriter) error {
	if pw.f == nil {
		return nil
	}
	fj, err := json.Marshal(&pw.footer)
	if err != nil {
		return err
	}
	trailer := binary.BigEndian.AppendUint64(fj, uint64(len(fj)))
	trailer = append(trailer, magic[:]...)
	if _, err := pw.f.Write(trailer); err != nil {
		return fmt.Errorf("columnar: finalize %q: %w", pw.path, err)
	}
	w.stats.bytesWritten += int64(len(trailer))
	err = pw.f.Close()
	pw.f = nil
	if err != nil {
		return fmt.Errorf("columnar: close %q: %w", pw.path, err)
	}
	return nil
}

// sidecar is the _metadata.json record written at Finish.
type sidecar struct {
	CreatedAt    time.Time         `json:"created_at"`
	FinishedAt   time.Time         `json:"finished_at"`
	RunID        string            `json:"run_id,omitempty"`
	Compression  string            `json:"compression"`
	Partitioning string            `json:"partitioning"`
	RowGroupSize int               `json:"row_group_size"`
	PageSize     int               `json:"page_size,omitempty"`
	BatchSize    int               `json:"batch_size"`
	Columns      []Column          `json:"columns"`
	Serials      map[string]string `json:"source_serials"`
	Stats        Stats             `json:"stats"`
}

// Finish flushes every open partition, closes all data files, and
// writes the _metadata.json sidecar. runID, when non-empty, is
// stamped into the sidecar so runs against the same output directory
// can be told apart.
func (w *Writer) Finish(runID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, pw := range w.partitions {
		if err := w.flushLocked(pw); err != nil {
			return err
		}
		if err := w.closeFileLocked(pw); err != nil {
			return err
		}
	}
	meta := sidecar{
		CreatedAt:    w.create,
		FinishedAt:   time.Now(),
		RunID:        runID,
		Compression:  w.codec.Name(),
		Partitioning: w.cfg.Strategy.Name(),
		RowGroupSize: w.cfg.RowGroupSize,
		PageSize:     w.cfg.PageSize,
		BatchSize:    w.cfg.BatchSize,
		Columns:      w.cols,
		Serials:      w.serials,
		Stats:        w.statsLocked(),
	}
	buf, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(w.cfg.OutputDir, "_metadata.json")
	if err := os.WriteFile(path, buf, 0640); err != nil {
		return fmt.Errorf("columnar: write sidecar: %w", err)
	}
	return nil
}

// Stats is a snapshot of the writer counters.
type Stats struct {
	FilesProcessed int64         `json:"files_processed"`
	RowsWritten    int64         `json:"rows_written"`
	BytesWritten   int64         `json:"bytes_written"`
	OutputFiles    int64         `json:"output_files"`
	CompressedSize int64         `json:"compressed_size"`
	RawSize        int64         `json:"raw_size"`
	AvgCompression float64       `json:"avg_compression_ratio"`
	WriteTime      time.Duration `json:"write_time_ns"`
}

func (w *Writer) statsLocked() Stats {
	s := Stats{
		FilesProcessed: w.stats.filesProcessed,
		RowsWritten:    w.stats.rowsWritten,
		BytesWritten:   w.stats.bytesWritten,
		OutputFiles:    w.stats.outputFiles,
		CompressedSize: w.stats.compressed,
		RawSize:        w.stats.raw,
		WriteTime:      w.stats.writeTime,
	}
	if s.CompressedSize > 0 {
		s.AvgCompression = float64(s.RawSize) / float64(s.CompressedSize)
	}
	return s
}

// Stats snapshots the current counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.statsLocked()
}
