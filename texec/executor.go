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

// Package texec schedules two classes of work (I/O-bound asynchronous
// tasks and CPU-bound blocking tasks) plus a priority lane for short,
// latency-critical items, enforcing backpressure with a counting
// semaphore and executing CPU work in batches on a shared worker pool.
package texec

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Priority orders task admission; High and above route to the
// dedicated priority lane.
type Priority uint8

const (
	Low Priority = iota
	Normal
	High
	Critical
)

// Type classifies a task for deadline selection.
type Type uint8

const (
	TypeHighPriority Type = iota
	TypeIO
	TypeCPU
	TypeMixed
	TypeCustom
)

// Deadline returns the execution deadline applied to tasks of this
// type.
func (t Type) Deadline() time.Duration {
	switch t {
	case TypeHighPriority:
		return 60 * time.Second
	case TypeIO:
		return 300 * time.Second
	case TypeCPU:
		return 600 * time.Second
	case TypeMixed:
		return 450 * time.Second
	default:
		return 300 * time.Second
	}
}

// ErrQueueFull is returned by Submit* when the target lane is bounded
// and cannot accept another task.
var ErrQueueFull = errors.New("texec: queue full")

// ErrShutdown is returned by Submit* after Shutdown has been called.
var ErrShutdown = errors.New("texec: executor shut down")

// Config holds the executor tunables. Zero values select sane
// defaults (see New).
type Config struct {
	IOWorkers      int   // goroutines servicing the I/O lane
	CPUWorkers     int   // consumer tasks and pool threads for the CPU lane
	MaxQueueLength int64 // backpressure semaphore permits
	CPUBatchSize   int   // max tasks drained per CPU batch
	BoundedQueue   bool  // reject rather than wait when a lane is full
	QueueCapacity  int   // lane capacity when BoundedQueue is set

	// TaskTimeout, when non-zero, overrides the per-type deadlines.
	TaskTimeout time.Duration
	// StatsUpdateInterval rate-limits Stats snapshots; zero means
	// every call recomputes.
	StatsUpdateInterval time.Duration
	// DisableWorkStealing pins each CPU batch to its dispatcher
	// instead of fanning into the shared pool.
	DisableWorkStealing bool
}

func (c *Config) fill() {
	if c.IOWorkers <= 0 {
		c.IOWorkers = 4
	}
	if c.CPUWorkers <= 0 {
		c.CPUWorkers = runtime.GOMAXPROCS(0)
	}
	if c.MaxQueueLength <= 0 {
		c.MaxQueueLength = 1024
	}
	if c.CPUBatchSize <= 0 {
		c.CPUBatchSize = 16
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = int(c.MaxQueueLength)
	}
}

// task is one unit of admitted work. IO tasks run directly on their
// lane worker; CPU tasks are collected into batches and dispatched to
// the shared pool.
type task struct {
	id   uint64
	uid  uuid.UUID
	desc string
	typ  Type
	run  func(ctx context.Context) error
}

// Executor is the mixed IO/CPU task scheduler. All methods are safe
// for concurrent use.
type Executor struct {
	cfg Config

	ioq  chan *task
	cpuq chan *task
	priq chan *task

	// pool is the shared channel the CPU batch dispatchers fan work
	// into; CPUWorkers goroutines drain it, so independent batches
	// steal capacity from each other instead of queueing behind a
	// single dispatcher.
	pool chan func()

	backpressure *semaphore.Weighted

	quit     chan struct{}
	wg       sync.WaitGroup
	poolWG   sync.WaitGroup
	shutOnce sync.Once

	stats statsInner
}

// New builds and starts an Executor with the given configuration.
func New(cfg Config) *Executor {
	cfg.fill()
	lane := func(capacity int) chan *task {
		if cfg.BoundedQueue {
			return make(chan *task, capacity)
		}
		// The backpressure semaphore already bounds admitted tasks to
		// MaxQueueLength, so this lane can never block a sender.
		return make(chan *task, cfg.MaxQueueLength)
	}
	pricap := cfg.QueueCapacity / 4
	if pricap < 1 {
		pricap = 1
	}
	e := &Executor{
		cfg:          cfg,
		ioq:          lane(cfg.QueueCapacity),
		cpuq:         lane(cfg.QueueCapacity),
		priq:         lane(pricap),
		pool:         make(chan func()),
		backpressure: semaphore.NewWeighted(cfg.MaxQueueLength),
		quit:         make(chan struct{}),
	}
	for i := 0; i < cfg.IOWorkers; i++ {
		e.spawn(func() { e.ioWorker(e.ioq) })
	}
	// single dedicated consumer for the priority lane
	e.spawn(func() { e.ioWorker(e.priq) })
	for i := 0; i < cfg.CPUWorkers; i++ {
		e.spawn(func() { e.cpuDispatcher() })
	}
	for i := 0; i < cfg.CPUWorkers; i++ {
		e.poolWG.Add(1)
		go e.poolWorker()
	}
	return e
}

// spawn runs fn on a worker goroutine, restarting it if it panics.
func (e *Executor) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			if e.runGuarded(fn) {
				return
			}
			select {
			case <-e.quit:
				return
			default:
				e.stats.workerRestarts.Add(1)
			}
		}
	}()
}

// runGuarded reports true when fn returned normally and false when it
// panicked and the worker should be restarted.
func (e *Executor) runGuarded(fn func()) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			done = false
		}
	}()
	fn()
	return true
}

func (e *Executor) poolWorker() {
	defer e.poolWG.Done()
	for fn := range e.pool {
		fn()
	}
}

// SubmitIO admits a future-style task. Tasks with priority >= High
// route to the priority lane, everything else to the I/O lane. The
// returned id increases monotonically across all lanes.
func (e *Executor) SubmitIO(ctx context.Context, desc string, pri Priority, fn func(ctx context.Context) error) (uint64, error) {
	typ := TypeIO
	q := e.ioq
	if pri >= High {
		typ = TypeHighPriority
		q = e.priq
	}
	return e.submit(ctx, q, desc, typ, fn)
}

// SubmitCPU admits a blocking callable, always routed to the CPU lane.
func (e *Executor) SubmitCPU(ctx context.Context, desc string, pri Priority, fn func() error) (uint64, error) {
	_ = pri // priority selects no lane for CPU work; kept for API symmetry
	return e.submit(ctx, e.cpuq, desc, TypeCPU, func(context.Context) error { return fn() })
}

// SubmitIOBatch admits each fn under the same description and
// priority and returns the ids in order. The first admission error
// stops the batch.
func (e *Executor) SubmitIOBatch(ctx context.Context, desc string, pri Priority, fns []func(ctx context.Context) error) ([]uint64, error) {
	ids := make([]uint64, 0, len(fns))
	for _, fn := range fns {
		id, err := e.SubmitIO(ctx, desc, pri, fn)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// SubmitCPUBatch is the CPU-lane analog of SubmitIOBatch.
func (e *Executor) SubmitCPUBatch(ctx context.Context, desc string, pri Priority, fns []func() error) ([]uint64, error) {
	ids := make([]uint64, 0, len(fns))
	for _, fn := range fns {
		id, err := e.SubmitCPU(ctx, desc, pri, fn)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *Executor) submit(ctx context.Context, q chan *task, desc string, typ Type, fn func(ctx context.Context) error) (uint64, error) {
	select {
	case <-e.quit:
		return 0, ErrShutdown
	default:
	}
	if err := e.backpressure.Acquire(ctx, 1); err != nil {
		return 0, fmt.Errorf("texec: admit %q: %w", desc, err)
	}
	t := &task{
		id:   e.stats.nextID.Add(1),
		uid:  uuid.New(),
		desc: desc,
		typ:  typ,
		run:  fn,
	}
	if e.cfg.BoundedQueue {
		select {
		case q <- t:
		default:
			e.backpressure.Release(1)
			e.stats.queueFullRejections.Add(1)
			return 0, fmt.Errorf("texec: admit %q: %w", desc, ErrQueueFull)
		}
	} else {
		select {
		case q <- t:
		case <-e.quit:
			e.backpressure.Release(1)
			return 0, ErrShutdown
		}
	}
	e.stats.totalTasks.Add(1)
	switch typ {
	case TypeCPU:
		e.stats.cpuTasks.Add(1)
	case TypeHighPriority:
		e.stats.priorityTasks.Add(1)
	default:
		e.stats.ioTasks.Add(1)
	}
	return t.id, nil
}

// ioWorker services one lane, running tasks inline under their
// deadline.
func (e *Executor) ioWorker(q chan *task) {
	for {
		select {
		case <-e.quit:
			// drain whatever is still queued so permits are released
			for {
				select {
				case t := <-q:
					e.execute(t)
				default:
					return
				}
			}
		case t := <-q:
			e.execute(t)
		}
	}
}

// cpuDispatcher collects up to CPUBatchSize tasks from the CPU lane
// (one blocking receive plus a non-blocking drain), fans the batch
// into the shared pool, and folds the results into the statistics
// once per batch.
func (e *Executor) cpuDispatcher() {
	for {
		var first *task
		select {
		case <-e.quit:
			for {
				select {
				case t := <-e.cpuq:
					e.execute(t)
				default:
					return
				}
			}
		case first = <-e.cpuq:
		}
		batch := []*task{first}
		for len(batch) < e.cfg.CPUBatchSize {
			select {
			case t := <-e.cpuq:
				batch = append(batch, t)
			default:
				goto collected
			}
		}
	collected:
		results := make(chan taskResult, len(batch))
		if e.cfg.DisableWorkStealing {
			for _, t := range batch {
				results <- e.executeRaw(t)
			}
		} else {
			for _, t := range batch {
				t := t
				e.pool <- func() { results <- e.executeRaw(t) }
			}
		}
		var completed, failed, timeouts int64
		var elapsed time.Duration
		for range batch {
			r := <-results
			if r.err != nil {
				failed++
				if errors.Is(r.err, context.DeadlineExceeded) {
					timeouts++
				}
			} else {
				completed++
			}
			elapsed += r.elapsed
		}
		e.stats.finishBatch(completed, failed, timeouts, elapsed)
		for range batch {
			e.backpressure.Release(1)
		}
	}
}

type taskResult struct {
	err     error
	elapsed time.Duration
}

// execute runs a single task and updates statistics and backpressure
// immediately (used by the IO and priority lanes).
func (e *Executor) execute(t *task) {
	r := e.executeRaw(t)
	if r.err != nil {
		if errors.Is(r.err, context.DeadlineExceeded) {
			e.stats.timeoutTasks.Add(1)
		}
		e.stats.failedTasks.Add(1)
	} else {
		e.stats.completedTasks.Add(1)
	}
	e.stats.observeIO(r.elapsed)
	e.backpressure.Release(1)
}

// executeRaw runs t under its type deadline and returns the outcome
// without touching counters. A panic inside the task body is converted
// to an error rather than killing the worker.
func (e *Executor) executeRaw(t *task) (res taskResult) {
	deadline := t.typ.Deadline()
	if e.cfg.TaskTimeout > 0 {
		deadline = e.cfg.TaskTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("texec: task %q (%s) panicked: %v", t.desc, t.uid, r)
			}
		}()
		done <- t.run(ctx)
	}()
	select {
	case err := <-done:
		res = taskResult{err: err, elapsed: time.Since(start)}
	case <-ctx.Done():
		res = taskResult{err: ctx.Err(), elapsed: time.Since(start)}
	}
	return res
}

// WaitForCompletion blocks until every admitted task has completed or
// failed, or until timeout elapses; it reports whether the counters
// converged in time.
func (e *Executor) WaitForCompletion(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		// raw counters, not Stats(): the snapshot may be rate-limited
		done := e.stats.completedTasks.Load() + e.stats.failedTasks.Load()
		if done >= e.stats.totalTasks.Load() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Shutdown broadcasts the shutdown signal, lets workers drain queued
// tasks, and joins them. It is idempotent.
func (e *Executor) Shutdown() {
	e.shutOnce.Do(func() {
		close(e.quit)
		e.wg.Wait()
		close(e.pool)
		e.poolWG.Wait()
	})
}
