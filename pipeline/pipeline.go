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
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Abyteon/canp/canframe"
	"github.com/Abyteon/canp/columnar"
	"github.com/Abyteon/canp/dbc"
	"github.com/Abyteon/canp/mmap"
	"github.com/Abyteon/canp/texec"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Pipeline owns the processing subsystems for one run.
type Pipeline struct {
	cfg   Config
	runID string

	pool   *mmap.Pool
	exec   *texec.Executor
	parser *canframe.Parser
	dict   *dbc.Manager

	// writerMu serializes every call into the single-owner writer.
	writerMu sync.Mutex
	writer   *columnar.Writer

	sem *semaphore.Weighted

	// Logger receives warnings and the final summary; defaults to the
	// standard logger.
	Logger *log.Logger

	started time.Time

	processed atomic.Int64 // files finished (either way), for progress
	total     atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	bytes     atomic.Int64
	signals   atomic.Int64
	messages  atomic.Int64
}

// New validates cfg, builds every subsystem, and returns a ready
// Pipeline. Fatal initialization errors (bad configuration, unusable
// output directory) are reported here, before any input is touched.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.fill()

	if cfg.Memory.MaxMemoryUsage > 0 {
		mmap.SetMaxMemoryUsage(cfg.Memory.MaxMemoryUsage)
	}
	pool := mmap.NewPool(cfg.Memory.DecompressBufferSizes, cfg.Memory.BufferSlotsPerTier)
	if cfg.Memory.PrewarmPerTier > 0 {
		pool.Prewarm(cfg.Memory.PrewarmPerTier)
	}

	strategy, err := columnar.ParseStrategy(cfg.Writer.PartitionStrategy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	writer, err := columnar.NewWriter(columnar.Config{
		OutputDir:        cfg.Writer.OutputDir,
		Compression:      cfg.Writer.Compression,
		RowGroupSize:     cfg.Writer.RowGroupSize,
		PageSize:         cfg.Writer.PageSize,
		EnableDictionary: cfg.Writer.EnableDictionary,
		EnableStatistics: cfg.Writer.EnableStatistics,
		Strategy:         strategy,
		BatchSize:        cfg.Writer.BatchSize,
		MaxFileSize:      cfg.Writer.MaxFileSize,
		KeepRawData:      cfg.Writer.KeepRawData,
	})
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:   cfg,
		runID: uuid.NewString(),
		pool:  pool,
		exec: texec.New(texec.Config{
			IOWorkers:           cfg.Executor.IOWorkerCount,
			CPUWorkers:          cfg.Executor.CPUWorkerCount,
			MaxQueueLength:      cfg.Executor.MaxQueueLength,
			TaskTimeout:         time.Duration(cfg.Executor.TaskTimeout) * time.Second,
			StatsUpdateInterval: time.Duration(cfg.Executor.StatsUpdateInterval) * time.Second,
			DisableWorkStealing: cfg.Executor.EnableWorkStealing != nil && !*cfg.Executor.EnableWorkStealing,
			CPUBatchSize:        cfg.Executor.CPUBatchSize,
			BoundedQueue:        cfg.Executor.BoundedQueue,
			QueueCapacity:       cfg.Executor.QueueCapacity,
		}),
		parser: canframe.NewParser(pool),
		dict: dbc.NewManager(dbc.Config{
			MaxCachedFiles:      cfg.Dictionary.MaxCachedFiles,
			CacheExpireSeconds:  cfg.Dictionary.CacheExpireSeconds,
			AutoReload:          cfg.Dictionary.AutoReload,
			ReloadCheckInterval: time.Duration(cfg.Dictionary.ReloadCheckInterval) * time.Second,
			DefaultPriority:     cfg.Dictionary.DefaultPriority,
			ParallelLoading:     cfg.Dictionary.ParallelLoading,
			MaxLoadThreads:      cfg.Dictionary.MaxLoadThreads,
		}),
		writer:  writer,
		sem:     semaphore.NewWeighted(int64(cfg.Orchestrator.MaxConcurrentFiles)),
		Logger:  log.Default(),
		started: time.Now(),
	}
	p.parser.Logger = p.Logger
	p.dict.Logger = p.Logger
	return p, nil
}

// RunID identifies this pipeline run in logs and sidecar metadata.
func (p *Pipeline) RunID() string { return p.runID }

// LoadDictionaries loads individual dictionary files in order;
// earlier paths receive higher lookup priority.
func (p *Pipeline) LoadDictionaries(paths ...string) error {
	for i, path := range paths {
		prio := p.cfg.Dictionary.DefaultPriority + len(paths) - i
		if err := p.dict.LoadFile(path, prio); err != nil {
			return err
		}
	}
	return nil
}

// LoadDictionaryDir loads every *.dbc under dir; it returns the
// number loaded.
func (p *Pipeline) LoadDictionaryDir(ctx context.Context, dir string) (int, error) {
	return p.dict.LoadDirectory(ctx, dir)
}

// FileResult is the outcome of processing one input file.
type FileResult struct {
	Path     string
	Success  bool
	Error    string
	Attempts int
	Bytes    int64
	Frames   int64
	Signals  int64
	Elapsed  time.Duration
}

// BatchResult aggregates one chunk of files.
type BatchResult struct {
	Index     int
	Successes int
	Failures  int
	Bytes     int64
	Elapsed   time.Duration
	MBPerSec  float64
	Results   []FileResult
}

// ProcessFiles drives the full run: it partitions paths into chunks
// of pipeline.batch_size, processes each chunk with bounded per-file
// concurrency, then finalizes the writer and logs a summary. Per-file
// errors are contained; the returned error reports only fatal
// conditions (context cancellation, writer finalization failure).
func (p *Pipeline) ProcessFiles(ctx context.Context, paths []string) ([]BatchResult, error) {
	p.total.Store(int64(len(paths)))
	stopProgress := p.startProgress(ctx)
	defer stopProgress()

	var batches []BatchResult
	bs := p.cfg.Orchestrator.BatchSize
	for i := 0; i < len(paths); i += bs {
		if ctx.Err() != nil {
			return batches, ctx.Err()
		}
		end := i + bs
		if end > len(paths) {
			end = len(paths)
		}
		batch, err := p.processBatch(ctx, i/bs, paths[i:end])
		batches = append(batches, batch)
		if err != nil {
			return batches, err
		}
		p.checkMemoryPressure()
	}

	p.writerMu.Lock()
	err := p.writer.Finish(p.runID)
	p.writerMu.Unlock()
	if err != nil {
		return batches, err
	}
	p.logSummary()
	return batches, nil
}

func (p *Pipeline) processBatch(ctx context.Context, index int, paths []string) (BatchResult, error) {
	start := time.Now()
	results := make([]FileResult, len(paths))
	var wg sync.WaitGroup
	for i, path := range paths {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return BatchResult{Index: index, Results: results[:i]}, err
		}
		wg.Add(1)
		i, path := i, path
		desc := fmt.Sprintf("process %s", path)
		_, err := p.exec.SubmitIO(ctx, desc, texec.Normal, func(taskCtx context.Context) error {
			defer wg.Done()
			defer p.sem.Release(1)
			results[i] = p.processFile(taskCtx, path)
			return nil
		})
		if err != nil {
			// admission failed; run inline so the batch still completes
			func() {
				defer wg.Done()
				defer p.sem.Release(1)
				results[i] = p.processFile(ctx, path)
			}()
		}
	}
	wg.Wait()

	b := BatchResult{Index: index, Results: results, Elapsed: time.Since(start)}
	for i := range results {
		if results[i].Success {
			b.Successes++
		} else {
			b.Failures++
		}
		b.Bytes += results[i].Bytes
	}
	if secs := b.Elapsed.Seconds(); secs > 0 {
		b.MBPerSec = float64(b.Bytes) / (1 << 20) / secs
	}
	return b, nil
}

// processFile runs the per-file algorithm with the retry policy: on
// any error, when error recovery is enabled and attempts remain,
// sleep an exponentially growing backoff and try again.
func (p *Pipeline) processFile(ctx context.Context, path string) FileResult {
	start := time.Now()
	res := FileResult{Path: path}
	maxAttempts := 1
	if p.cfg.Orchestrator.EnableErrorRecovery {
		maxAttempts = p.cfg.Orchestrator.MaxRetries + 1
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			p.retried.Add(1)
			select {
			case <-time.After(retryBackoff(attempt - 1)):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
		}
		res.Attempts = attempt + 1
		bytes, frames, sigs, err := p.processOnce(ctx, path)
		if err == nil {
			res.Success = true
			res.Bytes, res.Frames, res.Signals = bytes, frames, sigs
			break
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	res.Elapsed = time.Since(start)
	p.processed.Add(1)
	if res.Success {
		p.succeeded.Add(1)
		p.bytes.Add(res.Bytes)
		p.signals.Add(res.Signals)
	} else {
		p.failed.Add(1)
		res.Error = lastErr.Error()
		p.Logger.Printf("pipeline: %s failed after %d attempts: %v", path, res.Attempts, lastErr)
	}
	return res
}

// processOnce is one attempt at the per-file algorithm: map, parse,
// decode, write.
func (p *Pipeline) processOnce(ctx context.Context, path string) (bytes, frames, sigs int64, err error) {
	w, err := mmap.Map(path)
	if err != nil {
		return 0, 0, 0, err
	}
	defer w.Close()
	bytes = int64(w.Len())
	if bytes == 0 {
		p.Logger.Printf("pipeline: %s is empty", path)
		return 0, 0, 0, nil
	}

	parsed, err := p.parser.ParseFile(ctx, w.Bytes())
	if err != nil {
		return bytes, 0, 0, err
	}
	for i := range parsed {
		pfd := &parsed[i]
		var msgs []dbc.DecodedMessage
		for s := range pfd.Sequences {
			for f := range pfd.Sequences[s].Frames {
				frame := &pfd.Sequences[s].Frames[f]
				frames++
				if !frame.Valid() {
					continue
				}
				msg, ok := p.dict.Decode(frame)
				if !ok {
					continue
				}
				sigs += int64(len(msg.Signals))
				msgs = append(msgs, msg)
			}
		}
		p.messages.Add(int64(len(msgs)))
		p.writerMu.Lock()
		werr := p.writer.Write(pfd, msgs, path)
		p.writerMu.Unlock()
		if werr != nil {
			return bytes, frames, sigs, werr
		}
	}
	return bytes, frames, sigs, nil
}

// checkMemoryPressure samples memory usage between batches; above the
// threshold it logs a warning and yields the scheduler once. It never
// blocks.
func (p *Pipeline) checkMemoryPressure() {
	frac, ok := memoryUsage()
	if !ok {
		return
	}
	if frac > p.cfg.Orchestrator.MemoryPressureThreshold {
		p.Logger.Printf("pipeline: memory pressure %.0f%% above threshold %.0f%%",
			frac*100, p.cfg.Orchestrator.MemoryPressureThreshold*100)
		runtime.Gosched()
	}
}

// startProgress launches the periodic progress reporter when enabled;
// the returned func stops it.
func (p *Pipeline) startProgress(ctx context.Context) func() {
	if !p.cfg.Orchestrator.EnableProgressReporting {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		interval := time.Duration(p.cfg.Orchestrator.ProgressReportInterval) * time.Second
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				total := p.total.Load()
				if total == 0 {
					continue
				}
				proc := p.processed.Load()
				p.Logger.Printf("pipeline: %d/%d files (%.1f%%), %d ok, %d failed",
					proc, total, float64(proc)*100/float64(total),
					p.succeeded.Load(), p.failed.Load())
			}
		}
	}()
	return func() { close(done) }
}

func (p *Pipeline) logSummary() {
	s := p.Stats()
	p.Logger.Printf("pipeline: run %s done: %d files (%d ok, %d failed, %d retries), %d bytes, %d frames, %d signals in %s",
		p.runID, s.FilesProcessed, s.FilesSucceeded, s.FilesFailed, s.RetriedFiles,
		s.BytesProcessed, s.Parser.FramesParsed, s.SignalsDecoded, s.Elapsed)
}

// Close shuts down the executor and the dictionary watcher. The
// writer is finalized by ProcessFiles; Close does not flush it.
func (p *Pipeline) Close() error {
	p.exec.Shutdown()
	return p.dict.Close()
}

// PipelineStats is the merged view of orchestrator counters and
// subsystem statistics.
type PipelineStats struct {
	RunID           string
	FilesProcessed  int64
	FilesSucceeded  int64
	FilesFailed     int64
	RetriedFiles    int64
	BytesProcessed  int64
	MessagesDecoded int64
	SignalsDecoded  int64
	Elapsed         time.Duration

	Executor   texec.Stats
	Parser     canframe.Stats
	Dictionary dbc.Stats
	Writer     columnar.Stats
}

// Stats snapshots the orchestrator and every subsystem.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		RunID:           p.runID,
		FilesProcessed:  p.processed.Load(),
		FilesSucceeded:  p.succeeded.Load(),
		FilesFailed:     p.failed.Load(),
		RetriedFiles:    p.retried.Load(),
		BytesProcessed:  p.bytes.Load(),
		MessagesDecoded: p.messages.Load(),
		SignalsDecoded:  p.signals.Load(),
		Elapsed:         time.Since(p.started),
		Executor:        p.exec.Stats(),
		Parser:          p.parser.Stats(),
		Dictionary:      p.dict.Stats(),
		Writer:          p.writer.Stats(),
	}
}
