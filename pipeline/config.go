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

// Package pipeline drives end-to-end capture processing: it maps
// input files, streams them through the four-layer parser, resolves
// frames against the dictionary manager, and feeds decoded rows to
// the columnar writer, with batching, bounded concurrency, retries
// and memory-pressure gating.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

// ErrConfig wraps configuration validation failures detected at
// startup.
var ErrConfig = errors.New("pipeline: invalid configuration")

// MemoryConfig tunes the mmap buffer pool.
type MemoryConfig struct {
	DecompressBufferSizes []int `json:"decompress_buffer_sizes,omitempty"`
	MaxMemoryUsage        int64 `json:"max_memory_usage,omitempty"`
	PrewarmPerTier        int   `json:"prewarm_per_tier,omitempty"`
	BufferSlotsPerTier    int   `json:"buffer_slots_per_tier,omitempty"`
}

// ExecutorConfig tunes the task executor. EnableWorkStealing defaults
// to true when unset.
type ExecutorConfig struct {
	IOWorkerCount       int   `json:"io_worker_count,omitempty"`
	CPUWorkerCount      int   `json:"cpu_worker_count,omitempty"`
	MaxQueueLength      int64 `json:"max_queue_length,omitempty"`
	TaskTimeout         int   `json:"task_timeout,omitempty"` // seconds, 0 = per-type defaults
	StatsUpdateInterval int   `json:"stats_update_interval,omitempty"`
	EnableWorkStealing  *bool `json:"enable_work_stealing,omitempty"`
	CPUBatchSize        int   `json:"cpu_batch_size,omitempty"`
	BoundedQueue        bool  `json:"bounded_queue,omitempty"`
	QueueCapacity       int   `json:"queue_capacity,omitempty"`
}

// DictionaryConfig tunes the dictionary manager.
type DictionaryConfig struct {
	MaxCachedFiles      int  `json:"max_cached_files,omitempty"`
	CacheExpireSeconds  int  `json:"cache_expire_seconds,omitempty"`
	AutoReload          bool `json:"auto_reload,omitempty"`
	ReloadCheckInterval int  `json:"reload_check_interval,omitempty"` // seconds
	DefaultPriority     int  `json:"default_priority,omitempty"`
	ParallelLoading     bool `json:"parallel_loading,omitempty"`
	MaxLoadThreads      int  `json:"max_load_threads,omitempty"`
}

// WriterConfig tunes the columnar writer.
type WriterConfig struct {
	OutputDir         string `json:"output_dir"`
	Compression       string `json:"compression,omitempty"`
	RowGroupSize      int    `json:"row_group_size,omitempty"`
	PageSize          int    `json:"page_size,omitempty"`
	EnableDictionary  bool   `json:"enable_dictionary,omitempty"`
	EnableStatistics  bool   `json:"enable_statistics,omitempty"`
	PartitionStrategy string `json:"partition_strategy,omitempty"`
	BatchSize         int    `json:"batch_size,omitempty"`
	MaxFileSize       int64  `json:"max_file_size,omitempty"`
	KeepRawData       bool   `json:"keep_raw_data,omitempty"`
}

// OrchestratorConfig tunes the per-batch flow.
type OrchestratorConfig struct {
	BatchSize                int     `json:"batch_size,omitempty"`
	MaxConcurrentFiles       int     `json:"max_concurrent_files,omitempty"`
	EnableErrorRecovery      bool    `json:"enable_error_recovery,omitempty"`
	MaxRetries               int     `json:"max_retries,omitempty"`
	ProcessingTimeoutSeconds int     `json:"processing_timeout_seconds,omitempty"`
	MemoryPressureThreshold  float64 `json:"memory_pressure_threshold,omitempty"`
	EnableProgressReporting  bool    `json:"enable_progress_reporting,omitempty"`
	ProgressReportInterval   int     `json:"progress_report_interval,omitempty"` // seconds
}

// Config is the complete pipeline configuration; YAML-loadable, with
// the json tags doubling as the field names in both YAML and the
// sidecar metadata.
type Config struct {
	Memory       MemoryConfig       `json:"memory,omitempty"`
	Executor     ExecutorConfig     `json:"executor,omitempty"`
	Dictionary   DictionaryConfig   `json:"dictionary,omitempty"`
	Writer       WriterConfig       `json:"writer"`
	Orchestrator OrchestratorConfig `json:"pipeline,omitempty"`
}

// LoadConfig reads a YAML (or JSON) configuration file.
func LoadConfig(path string) (Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("pipeline: read config: %w", err)
	}
	var c Config
	if err := yaml.UnmarshalStrict(buf, &c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.Writer.OutputDir == "" {
		return fmt.Errorf("%w: writer.output_dir is required", ErrConfig)
	}
	if t := c.Orchestrator.MemoryPressureThreshold; t < 0 || t > 1 {
		return fmt.Errorf("%w: memory_pressure_threshold %v outside [0,1]", ErrConfig, t)
	}
	for _, sz := range c.Memory.DecompressBufferSizes {
		if sz <= 0 {
			return fmt.Errorf("%w: decompress buffer tier %d", ErrConfig, sz)
		}
	}
	return nil
}

func (c *Config) fill() {
	if len(c.Memory.DecompressBufferSizes) == 0 {
		c.Memory.DecompressBufferSizes = []int{64 << 10, 1 << 20, 16 << 20}
	}
	if c.Memory.BufferSlotsPerTier <= 0 {
		c.Memory.BufferSlotsPerTier = 8
	}
	if c.Orchestrator.BatchSize <= 0 {
		c.Orchestrator.BatchSize = 32
	}
	if c.Orchestrator.MaxConcurrentFiles <= 0 {
		c.Orchestrator.MaxConcurrentFiles = 8
	}
	if c.Orchestrator.MemoryPressureThreshold == 0 {
		c.Orchestrator.MemoryPressureThreshold = 0.85
	}
	if c.Orchestrator.ProgressReportInterval <= 0 {
		c.Orchestrator.ProgressReportInterval = 10
	}
	if c.Orchestrator.ProcessingTimeoutSeconds <= 0 {
		c.Orchestrator.ProcessingTimeoutSeconds = 300
	}
}

// retryBackoff is the sleep before retry attempt (0-based), an
// exponential series capped at 10s.
func retryBackoff(attempt int) time.Duration {
	d := time.Second << uint(attempt)
	if d > 10*time.Second {
		return 10 * time.Second
	}
	return d
}
