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
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Abyteon/canp/canframe"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/dchest/siphash"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/semaphore"
)

// MaxFileSize bounds a single dictionary file read; anything larger
// is rejected as malformed.
const MaxFileSize = 64 << 20

var (
	ErrTooLarge  = errors.New("dbc: dictionary file too large")
	ErrNotLoaded = errors.New("dbc: dictionary not loaded")
)

// Config holds the manager tunables.
type Config struct {
	MaxCachedFiles      int
	CacheExpireSeconds  int
	AutoReload          bool
	ReloadCheckInterval time.Duration
	DefaultPriority     int
	ParallelLoading     bool
	MaxLoadThreads      int
}

func (c *Config) fill() {
	if c.MaxCachedFiles <= 0 {
		c.MaxCachedFiles = 256
	}
	if c.CacheExpireSeconds <= 0 {
		c.CacheExpireSeconds = 3600
	}
	if c.ReloadCheckInterval <= 0 {
		c.ReloadCheckInterval = 30 * time.Second
	}
	if c.MaxLoadThreads <= 0 {
		c.MaxLoadThreads = 4
	}
}

// LoadedDictionary is one managed dictionary entry.
type LoadedDictionary struct {
	Dict         *Dictionary
	Path         string
	ModTime      time.Time
	LoadedAt     time.Time
	Size         int64
	Version      string
	MessageCount int
	SignalCount  int
	Enabled      bool
	Priority     int

	lastAccess int64  // unix nanos, accessed atomically under the shared lock
	digest     uint64 // siphash of the file text, detects touch-without-change
	inUse      int
}

// Manager owns the loaded-dictionary set. Loading writes under the
// exclusive lock; Decode reads under the shared lock.
type Manager struct {
	cfg Config

	// Logger, if set, receives per-file load warnings.
	Logger *log.Logger

	mu      sync.RWMutex
	entries map[string]*LoadedDictionary
	sorted  []*LoadedDictionary // descending priority, rebuilt on mutation

	watcher   *fsnotify.Watcher
	watchOnce sync.Once
	watchDone chan struct{}

	stats struct {
		sync.Mutex
		loadedFiles        int64
		totalMessages      int64
		totalSignals       int64
		parsedFrames       int64
		successfulMessages int64
		unknownMessages    int64
		parseErrors        int64
		signalFailures     int64
		decodeTime         time.Duration
	}
}

// NewManager builds a Manager with the given configuration.
func NewManager(cfg Config) *Manager {
	cfg.fill()
	return &Manager{
		cfg:     cfg,
		entries: make(map[string]*LoadedDictionary),
	}
}

func (m *Manager) logf(f string, args ...any) {
	if m.Logger != nil {
		m.Logger.Printf(f, args...)
	}
}

// LoadFile loads (or reloads) one dictionary file. A duplicate load
// with an unchanged mtime is a no-op; a newer mtime replaces the
// entry in place, keeping its priority and enabled flag.
func (m *Manager) LoadFile(path string, priority int) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("dbc: stat %q: %w", path, err)
	}
	if info.Size() > MaxFileSize {
		return fmt.Errorf("dbc: %q: %w (%d bytes)", path, ErrTooLarge, info.Size())
	}

	m.mu.Lock()
	if prev, ok := m.entries[path]; ok {
		if prev.ModTime.Equal(info.ModTime()) {
			m.mu.Unlock()
			return nil
		}
		priority = prev.Priority
	}
	m.mu.Unlock()

	text, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("dbc: read %q: %w", path, err)
	}
	digest := siphash.Hash(0x63616e70, 0x64626321, text)
	m.mu.Lock()
	if prev, ok := m.entries[path]; ok && prev.digest == digest {
		// mtime moved but the bytes did not; refresh the stamp only
		prev.ModTime = info.ModTime()
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	dict, warnings, err := Parse(string(text))
	if err != nil {
		m.stats.Lock()
		m.stats.parseErrors++
		m.stats.Unlock()
		return fmt.Errorf("dbc: %q: %w", path, err)
	}
	for _, w := range warnings {
		m.logf("dbc: %s: %s", path, w)
	}

	now := time.Now()
	entry := &LoadedDictionary{
		Dict:         dict,
		Path:         path,
		ModTime:      info.ModTime(),
		LoadedAt:     now,
		Size:         info.Size(),
		Version:      dict.Version,
		MessageCount: dict.MessageCount(),
		SignalCount:  dict.SignalCount(),
		Enabled:      true,
		Priority:     priority,
		lastAccess:   now.UnixNano(),
		digest:       digest,
	}

	m.mu.Lock()
	prev, replacing := m.entries[path]
	if replacing {
		entry.Enabled = prev.Enabled
	}
	m.entries[path] = entry
	evicted := m.evictOverCapLocked()
	m.resort()
	m.mu.Unlock()
	for _, e := range evicted {
		m.logf("dbc: evicted %q (cache over %d entries)", e.Path, m.cfg.MaxCachedFiles)
	}

	m.stats.Lock()
	if !replacing {
		m.stats.loadedFiles++
		m.stats.totalMessages += int64(entry.MessageCount)
		m.stats.totalSignals += int64(entry.SignalCount)
	} else {
		m.stats.totalMessages += int64(entry.MessageCount - prev.MessageCount)
		m.stats.totalSignals += int64(entry.SignalCount - prev.SignalCount)
	}
	m.stats.Unlock()

	if m.cfg.AutoReload {
		m.watch(filepath.Dir(path))
	}
	return nil
}

// LoadDirectory loads every *.dbc file under dir (recursively).
// Priority follows encounter order: earlier files win lookups.
// Per-file failures are logged and counted; the successful count is
// returned.
func (m *Manager) LoadDirectory(ctx context.Context, dir string) (int, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), "**/*.dbc")
	if err != nil {
		return 0, fmt.Errorf("dbc: glob %q: %w", dir, err)
	}
	slices.Sort(matches)

	var (
		loaded int
		mu     sync.Mutex
	)
	loadOne := func(i int, rel string) {
		path := filepath.Join(dir, rel)
		// encounter order maps to descending priority
		prio := m.cfg.DefaultPriority + len(matches) - i
		if err := m.LoadFile(path, prio); err != nil {
			m.logf("dbc: %v", err)
			return
		}
		mu.Lock()
		loaded++
		mu.Unlock()
	}

	if !m.cfg.ParallelLoading {
		for i, rel := range matches {
			if ctx.Err() != nil {
				return loaded, ctx.Err()
			}
			loadOne(i, rel)
		}
		return loaded, nil
	}

	sem := semaphore.NewWeighted(int64(m.cfg.MaxLoadThreads))
	var wg sync.WaitGroup
	for i, rel := range matches {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		i, rel := i, rel
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			loadOne(i, rel)
		}()
	}
	wg.Wait()
	return loaded, ctx.Err()
}

// SetEnabled toggles a loaded dictionary's participation in lookups.
func (m *Manager) SetEnabled(path string, flag bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[path]
	if !ok {
		return fmt.Errorf("dbc: %q: %w", path, ErrNotLoaded)
	}
	e.Enabled = flag
	return nil
}

// Unload removes a loaded dictionary.
func (m *Manager) Unload(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[path]
	if !ok {
		return fmt.Errorf("dbc: %q: %w", path, ErrNotLoaded)
	}
	delete(m.entries, path)
	m.resort()
	m.stats.Lock()
	m.stats.loadedFiles--
	m.stats.totalMessages -= int64(e.MessageCount)
	m.stats.totalSignals -= int64(e.SignalCount)
	m.stats.Unlock()
	return nil
}

// evictOverCapLocked drops least-recently-accessed idle entries until
// the cache fits max_cached_files; callers hold mu.
func (m *Manager) evictOverCapLocked() []*LoadedDictionary {
	var evicted []*LoadedDictionary
	for len(m.entries) > m.cfg.MaxCachedFiles {
		var victim *LoadedDictionary
		for _, e := range m.entries {
			if e.inUse != 0 {
				continue
			}
			if victim == nil || atomic.LoadInt64(&e.lastAccess) < atomic.LoadInt64(&victim.lastAccess) {
				victim = e
			}
		}
		if victim == nil {
			break
		}
		delete(m.entries, victim.Path)
		evicted = append(evicted, victim)
		m.stats.Lock()
		m.stats.loadedFiles--
		m.stats.totalMessages -= int64(victim.MessageCount)
		m.stats.totalSignals -= int64(victim.SignalCount)
		m.stats.Unlock()
	}
	return evicted
}

// resort rebuilds the priority-ordered view; callers hold mu.
func (m *Manager) resort() {
	m.sorted = m.sorted[:0]
	for _, e := range m.entries {
		m.sorted = append(m.sorted, e)
	}
	slices.SortFunc(m.sorted, func(a, b *LoadedDictionary) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		// stable tiebreak so equal priorities resolve deterministically
		if a.Path < b.Path {
			return -1
		}
		if a.Path > b.Path {
			return 1
		}
		return 0
	})
}

// Decode resolves a frame against the enabled dictionaries in
// descending priority order, returning the first match. ok=false
// means no enabled dictionary defines the frame's identifier.
func (m *Manager) Decode(f *canframe.Frame) (DecodedMessage, bool) {
	start := time.Now()

	m.mu.RLock()
	var (
		def    *Message
		source string
		entry  *LoadedDictionary
	)
	for _, e := range m.sorted {
		if !e.Enabled {
			continue
		}
		if d := e.Dict.Lookup(f.ID); d != nil {
			def, source, entry = d, e.Path, e
			break
		}
	}
	if entry != nil {
		atomic.StoreInt64(&entry.lastAccess, start.UnixNano())
	}
	m.mu.RUnlock()

	m.stats.Lock()
	m.stats.parsedFrames++
	m.stats.Unlock()

	if def == nil {
		m.stats.Lock()
		m.stats.unknownMessages++
		m.stats.Unlock()
		return DecodedMessage{}, false
	}
	msg, failures := decodeMessage(def, f, source)
	m.stats.Lock()
	m.stats.successfulMessages++
	m.stats.signalFailures += int64(failures)
	m.stats.decodeTime += time.Since(start)
	m.stats.Unlock()
	return msg, true
}

// Entries snapshots the loaded entries in priority order.
func (m *Manager) Entries() []LoadedDictionary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]LoadedDictionary, len(m.sorted))
	for i, e := range m.sorted {
		out[i] = *e
	}
	return out
}

// CleanupExpired removes entries whose last access is older than
// cache_expire_seconds and which have no in-flight use. It returns
// the number removed.
func (m *Manager) CleanupExpired() int {
	cutoff := time.Now().Add(-time.Duration(m.cfg.CacheExpireSeconds) * time.Second).UnixNano()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for path, e := range m.entries {
		if e.inUse == 0 && atomic.LoadInt64(&e.lastAccess) < cutoff {
			delete(m.entries, path)
			removed++
			m.stats.Lock()
			m.stats.loadedFiles--
			m.stats.totalMessages -= int64(e.MessageCount)
			m.stats.totalSignals -= int64(e.SignalCount)
			m.stats.Unlock()
		}
	}
	if removed > 0 {
		m.resort()
	}
	return removed
}

// watch registers dir with the fsnotify watcher, starting the
// watcher loop on first use. The loop handles both fsnotify events and
// the periodic reload_check_interval re-check; the mtime comparison in
// LoadFile stays authoritative for both. Where the watcher cannot be
// created, no loop runs, so neither event-driven nor periodic reloads
// happen; explicit LoadFile calls still compare mtime and digest.
func (m *Manager) watch(dir string) {
	m.watchOnce.Do(func() {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			m.logf("dbc: fsnotify unavailable: %v; automatic reload disabled", err)
			return
		}
		m.watcher = w
		m.watchDone = make(chan struct{})
		go m.watchLoop()
	})
	if m.watcher != nil {
		if err := m.watcher.Add(dir); err != nil {
			m.logf("dbc: watch %q: %v", dir, err)
		}
	}
}

func (m *Manager) watchLoop() {
	ticker := time.NewTicker(m.cfg.ReloadCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.watchDone:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 && filepath.Ext(ev.Name) == ".dbc" {
				m.recheck(ev.Name)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logf("dbc: watcher: %v", err)
		case <-ticker.C:
			m.recheckAll()
		}
	}
}

// recheck reloads path if it is a managed entry whose mtime moved.
func (m *Manager) recheck(path string) {
	m.mu.RLock()
	_, managed := m.entries[path]
	m.mu.RUnlock()
	if !managed {
		return
	}
	if err := m.LoadFile(path, m.cfg.DefaultPriority); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logf("dbc: reload %q: %v", path, err)
	}
}

func (m *Manager) recheckAll() {
	m.mu.RLock()
	paths := make([]string, 0, len(m.entries))
	for p := range m.entries {
		paths = append(paths, p)
	}
	m.mu.RUnlock()
	for _, p := range paths {
		m.recheck(p)
	}
}

// Close stops the reload watcher, if one was started.
func (m *Manager) Close() error {
	if m.watcher == nil {
		return nil
	}
	close(m.watchDone)
	return m.watcher.Close()
}

// Stats is a snapshot of the manager counters.
type Stats struct {
	LoadedFiles        int64
	TotalMessages      int64
	TotalSignals       int64
	ParsedFrames       int64
	SuccessfulMessages int64
	UnknownMessages    int64
	ParseErrors        int64
	SignalFailures     int64
	AvgParseTime       time.Duration
}

// Stats snapshots the current counters.
func (m *Manager) Stats() Stats {
	m.stats.Lock()
	defer m.stats.Unlock()
	s := Stats{
		LoadedFiles:        m.stats.loadedFiles,
		TotalMessages:      m.stats.totalMessages,
		TotalSignals:       m.stats.totalSignals,
		ParsedFrames:       m.stats.parsedFrames,
		SuccessfulMessages: m.stats.successfulMessages,
		UnknownMessages:    m.stats.unknownMessages,
		ParseErrors:        m.stats.parseErrors,
		SignalFailures:     m.stats.signalFailures,
	}
	if m.stats.successfulMessages > 0 {
		s.AvgParseTime = m.stats.decodeTime / time.Duration(m.stats.successfulMessages)
	}
	return s
}
