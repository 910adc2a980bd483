// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pcapfsnotify watches a JSON configuration file for timeout/
// recycle-interval edits and applies them to one or more live
// flowcore.Manager instances via Reconfigure, without ever rebuilding
// their tables or arenas.
package pcapfsnotify

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/avast/retry-go/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// ReloadableConfig is the subset of flowcore.Config the watcher is allowed
// to hot-apply. Kept separate from flowcore.Config so this package never
// needs to import flowcore for anything beyond this shape.
type ReloadableConfig struct {
	TimeoutSeconds         uint32  `json:"timeout_seconds"`
	RecycleIntervalSeconds float64 `json:"recycle_interval_seconds"`
}

// Applier is satisfied by *flowcore.Manager; kept as an interface here so
// tests can substitute a fake without constructing a real Manager.
type Applier interface {
	Reconfigure(timeoutSeconds uint32, recycleIntervalSeconds float64)
}

// Watcher watches one config file on disk and fans every successfully
// parsed revision out to every registered Applier (one per worker's
// Manager, typically). It never blocks a caller's packet path: reads,
// retries and applies all happen on the watcher's own goroutine.
type Watcher struct {
	path     string
	log      *zap.Logger
	appliers []Applier

	// revisions dedupes back-to-back fsnotify events that resolve to the
	// same file content (editors commonly emit Write+Chmod for one save):
	// keyed by path, it holds the mtime (unix nanos) last applied. haxmap gives lock-free reads
	// from the event-dispatch goroutine without adding a second mutex
	// alongside fsWatcher's own internal one.
	revisions *haxmap.Map[string, int64]

	fsWatcher *fsnotify.Watcher
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New builds a Watcher over path. The file need not exist yet: a later
// Create event is handled the same as a Write. Call Start to begin
// watching and Stop to release the underlying inotify/kqueue handle.
func New(path string, log *zap.Logger, appliers ...Applier) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:      path,
		log:       log,
		appliers:  appliers,
		revisions: haxmap.New[string, int64](),
		fsWatcher: fsw,
		stop:      make(chan struct{}),
	}
	return w, nil
}

// Start loads the file once (if present) and then watches its parent
// directory for further changes, applying every new revision to every
// registered Applier. Watching the directory rather than the file itself
// survives editors that save via rename-into-place, a case a direct
// file watch on most platforms misses.
func (w *Watcher) Start(ctx context.Context) error {
	dir := parentDir(w.path)
	if err := w.fsWatcher.Add(dir); err != nil {
		return err
	}

	if cfg, ok := w.tryLoad(); ok {
		w.apply(cfg)
	}

	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Stop halts the watch goroutine and releases the fsnotify handle.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	w.wg.Wait()
	_ = w.fsWatcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if cfg, ok := w.tryLoad(); ok {
				w.apply(cfg)
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("pcap-fsnotify: watch error", zap.Error(err))
		}
	}
}

// tryLoad reads and parses the config file, retrying a handful of times
// with short backoff: a fresh Write event can race a multi-step editor
// save (truncate, then write, then close), so the first read after the
// event sometimes observes a half-written or momentarily-locked file.
func (w *Watcher) tryLoad() (ReloadableConfig, bool) {
	var cfg ReloadableConfig
	err := retry.Do(
		func() error { return w.readLocked(&cfg) },
		retry.Attempts(5),
		retry.Delay(20*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		w.log.Warn("pcap-fsnotify: giving up on config reload",
			zap.String("path", w.path), zap.Error(err))
		return ReloadableConfig{}, false
	}

	info, statErr := os.Stat(w.path)
	if statErr == nil {
		rev := info.ModTime().UnixNano()
		key := w.path
		if last, ok := w.revisions.Get(key); ok && last == rev {
			return ReloadableConfig{}, false // already applied this exact revision
		}
		w.revisions.Set(key, rev)
	}

	return cfg, true
}

// readLocked takes a shared flock on the file before reading it, so a
// concurrent writer using the same advisory-lock convention (e.g. another
// process rewriting the file atomically) cannot be observed mid-write.
// flock.TryRLock returning false is treated as retryable, not fatal.
func (w *Watcher) readLocked(out *ReloadableConfig) error {
	lock := flock.New(w.path)
	locked, err := lock.TryRLock()
	if err != nil {
		return err
	}
	if !locked {
		return errors.New("pcap-fsnotify: config file is locked")
	}
	defer lock.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (w *Watcher) apply(cfg ReloadableConfig) {
	w.log.Info("pcap-fsnotify: applying reloaded config",
		zap.Uint32("timeout_seconds", cfg.TimeoutSeconds),
		zap.Float64("recycle_interval_seconds", cfg.RecycleIntervalSeconds))
	for _, a := range w.appliers {
		a.Reconfigure(cfg.TimeoutSeconds, cfg.RecycleIntervalSeconds)
	}
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
