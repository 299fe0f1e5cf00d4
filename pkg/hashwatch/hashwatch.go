/*
Copyright 2026 The Codeguard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package hashwatch implements the File Hasher & Watcher component
// (C4): stable content fingerprints for the Object Store's Snapshot
// File dedup check, and a debounced filesystem watcher that enqueues
// incremental crawl work as files change on disk.
package hashwatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// HashFile returns the hex-encoded SHA-256 of a file's contents. This
// is the "content hash" every Object Store operation keys snapshots
// and fingerprint dedup on.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes hashes an in-memory file body, used when the crawler
// already has the content loaded (e.g. from a webhook diff) and
// doesn't want a second disk read.
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ChangeEvent is one debounced filesystem change, already collapsed
// from possibly many raw fsnotify events on the same path.
type ChangeEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher wraps fsnotify.Watcher with debouncing: bursts of writes to
// the same path within the debounce window (editors and `git checkout`
// both fire several raw events per logical save) collapse into a
// single ChangeEvent, matching spec.md's "emits debounced change
// events".
type Watcher struct {
	fsw    *fsnotify.Watcher
	logger logr.Logger
	window time.Duration

	mu      sync.Mutex
	pending map[string]fsnotify.Op
	timer   *time.Timer

	events chan ChangeEvent
	errors chan error
}

// New opens an fsnotify watcher and begins debouncing into Events().
// Call Add for each directory to watch, then Run to start emitting.
func New(logger logr.Logger, debounceWindow time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounceWindow <= 0 {
		debounceWindow = 500 * time.Millisecond
	}
	return &Watcher{
		fsw:     fsw,
		logger:  logger,
		window:  debounceWindow,
		pending: map[string]fsnotify.Op{},
		events:  make(chan ChangeEvent, 256),
		errors:  make(chan error, 16),
	}, nil
}

// Add recursively watches dir and its subdirectories. fsnotify has no
// native recursive mode, so this walks the tree once at startup;
// directories created later are picked up via their parent's Create
// event in Run.
func (w *Watcher) Add(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

// Events returns the channel of debounced change events.
func (w *Watcher) Events() <-chan ChangeEvent { return w.events }

// Errors returns the channel of watcher errors (e.g. an inotify
// instance limit reached).
func (w *Watcher) Errors() <-chan error { return w.errors }

// Run pumps raw fsnotify events into the debouncer until ctx is
// canceled. It blocks; callers run it in its own goroutine.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.fsw.Close()
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.fsw.Add(ev.Name); err != nil {
						w.logger.V(1).Info("failed to watch new directory", "path", ev.Name, "error", err)
					}
				}
			}
			w.debounce(ev.Name, ev.Op)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
				w.logger.V(1).Info("dropping watcher error, channel full", "error", err)
			}
		}
	}
}

func (w *Watcher) debounce(path string, op fsnotify.Op) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] |= op
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.window, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = map[string]fsnotify.Op{}
	w.mu.Unlock()

	for path, op := range pending {
		select {
		case w.events <- ChangeEvent{Path: path, Op: op}:
		default:
			w.logger.V(1).Info("dropping debounced change event, channel full", "path", path)
		}
	}
}
