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

package texec

import (
	"sync"
	"sync/atomic"
	"time"
)

// statsInner holds the executor's live counters. Counters are atomics;
// the moving averages take a short mutex since they need a
// read-modify-write over two fields.
type statsInner struct {
	nextID atomic.Uint64

	totalTasks     atomic.Int64
	completedTasks atomic.Int64
	failedTasks    atomic.Int64
	ioTasks        atomic.Int64
	cpuTasks       atomic.Int64
	priorityTasks  atomic.Int64
	timeoutTasks   atomic.Int64

	queueFullRejections atomic.Int64
	workerRestarts      atomic.Int64

	mu          sync.Mutex
	ioSamples   int64
	ioTotal     time.Duration
	cpuSamples  int64
	cpuTotal    time.Duration
	cpuBatchAvg time.Duration // exponential moving average over batches

	snap   Stats // rate-limited snapshot, see Executor.Stats
	snapAt time.Time
}

func (s *statsInner) observeIO(d time.Duration) {
	s.mu.Lock()
	s.ioSamples++
	s.ioTotal += d
	s.mu.Unlock()
}

// finishBatch applies the aggregated outcome of one CPU batch in a
// single critical section, per the once-per-batch contract.
func (s *statsInner) finishBatch(completed, failed, timeouts int64, elapsed time.Duration) {
	s.completedTasks.Add(completed)
	s.failedTasks.Add(failed)
	s.timeoutTasks.Add(timeouts)
	n := completed + failed
	if n == 0 {
		return
	}
	s.mu.Lock()
	s.cpuSamples += n
	s.cpuTotal += elapsed
	per := elapsed / time.Duration(n)
	if s.cpuBatchAvg == 0 {
		s.cpuBatchAvg = per
	} else {
		// weight new batches 1/8th, matching a shallow EMA
		s.cpuBatchAvg += (per - s.cpuBatchAvg) / 8
	}
	s.mu.Unlock()
}

// Stats is a point-in-time snapshot of the executor counters.
type Stats struct {
	TotalTasks     int64
	CompletedTasks int64
	FailedTasks    int64
	IOTasks        int64
	CPUTasks       int64
	PriorityTasks  int64
	TimeoutTasks   int64

	QueueFullRejections int64
	WorkerRestarts      int64

	AvgIOTime   time.Duration
	AvgCPUTime  time.Duration
	TotalIOTime time.Duration
	TotalCPU    time.Duration
}

// Stats snapshots the current counters. With StatsUpdateInterval
// configured, snapshots within the interval return the cached copy.
func (e *Executor) Stats() Stats {
	if iv := e.cfg.StatsUpdateInterval; iv > 0 {
		e.stats.mu.Lock()
		if !e.stats.snapAt.IsZero() && time.Since(e.stats.snapAt) < iv {
			s := e.stats.snap
			e.stats.mu.Unlock()
			return s
		}
		e.stats.mu.Unlock()
	}
	s := Stats{
		TotalTasks:          e.stats.totalTasks.Load(),
		CompletedTasks:      e.stats.completedTasks.Load(),
		FailedTasks:         e.stats.failedTasks.Load(),
		IOTasks:             e.stats.ioTasks.Load(),
		CPUTasks:            e.stats.cpuTasks.Load(),
		PriorityTasks:       e.stats.priorityTasks.Load(),
		TimeoutTasks:        e.stats.timeoutTasks.Load(),
		QueueFullRejections: e.stats.queueFullRejections.Load(),
		WorkerRestarts:      e.stats.workerRestarts.Load(),
	}
	e.stats.mu.Lock()
	if e.stats.ioSamples > 0 {
		s.AvgIOTime = e.stats.ioTotal / time.Duration(e.stats.ioSamples)
	}
	s.TotalIOTime = e.stats.ioTotal
	s.AvgCPUTime = e.stats.cpuBatchAvg
	s.TotalCPU = e.stats.cpuTotal
	e.stats.snap, e.stats.snapAt = s, time.Now()
	e.stats.mu.Unlock()
	return s
}
