// PicoLink Core
// Copyright (c) 2026 The PicoLink Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of PicoLink Core.
//
// PicoLink Core is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// PicoLink Core is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with PicoLink Core.  If not, see <http://www.gnu.org/licenses/>.


// Package outbox uploads files dropped into a watched folder to the device
// and moves each one to a "sent" subfolder once the device confirms it.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/picolink/picolink-core/pkg/config"
	"github.com/picolink/picolink-core/pkg/helpers"
	"github.com/picolink/picolink-core/pkg/helpers/syncutil"
	"github.com/picolink/picolink-core/pkg/session"
	"github.com/picolink/picolink-core/pkg/transfer"
	"github.com/picolink/picolink-core/pkg/transport"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval = 500 * time.Millisecond
	// DefaultSettle is how long a file must go unmodified before it is
	// considered fully written.
	DefaultSettle = time.Second
)

type Uploader interface {
	Upload(ctx context.Context, path string) (transfer.Record, error)
	Ready() bool
}

type Option func(*Watcher)

func WithClock(c clockwork.Clock) Option {
	return func(w *Watcher) {
		w.clock = c
	}
}

func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithSettle(d time.Duration) Option {
	return func(w *Watcher) {
		w.settle = d
	}
}

type Watcher struct {
	up       Uploader
	clock    clockwork.Clock
	pending  map[string]struct{}
	failed   map[string]time.Time
	dir      string
	sentDir  string
	interval time.Duration
	settle   time.Duration
	mu       syncutil.Mutex
}

func New(dir string, up Uploader, opts ...Option) *Watcher {
	w := &Watcher{
		up:       up,
		dir:      dir,
		sentDir:  filepath.Join(dir, config.SentFolder),
		clock:    clockwork.NewRealClock(),
		interval: DefaultInterval,
		settle:   DefaultSettle,
		pending:  make(map[string]struct{}),
		failed:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watcher) Dir() string {
	return w.dir
}

// Pending returns the queued file paths in name order.
func (w *Watcher) Pending() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Run watches the folder until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.sentDir, 0o750); err != nil {
		return fmt.Errorf("failed to create outbox folder: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create outbox watcher: %w", err)
	}
	defer func() {
		if cerr := fw.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("error closing outbox watcher")
		}
	}()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch outbox folder %s: %w", w.dir, err)
	}

	if err := w.scan(); err != nil {
		log.Warn().Err(err).Str("dir", w.dir).Msg("failed to scan outbox folder")
	}
	log.Info().Str("dir", w.dir).Msg("watching outbox folder")

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case watchErr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(watchErr).Msg("outbox watcher error")
		case <-ticker.Chan():
			w.drain(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if helpers.PathHasPrefix(event.Name, w.sentDir) {
		return
	}
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		w.queue(event.Name)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.mu.Lock()
		delete(w.pending, event.Name)
		delete(w.failed, event.Name)
		w.mu.Unlock()
	}
}

func (w *Watcher) scan() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read outbox folder: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		w.queue(filepath.Join(w.dir, e.Name()))
	}
	return nil
}

func (w *Watcher) queue(path string) {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[path] = struct{}{}
}

// drain uploads settled files one at a time while the device is ready.
func (w *Watcher) drain(ctx context.Context) {
	for _, path := range w.Pending() {
		if ctx.Err() != nil || !w.up.Ready() {
			return
		}

		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			w.drop(path)
			continue
		}
		if w.settle > 0 && w.clock.Since(info.ModTime()) < w.settle {
			continue
		}
		w.mu.Lock()
		failedAt, failed := w.failed[path]
		w.mu.Unlock()
		if failed && !info.ModTime().After(failedAt) {
			w.drop(path)
			continue
		}

		_, err = w.up.Upload(ctx, path)
		switch {
		case err == nil:
			w.drop(path)
			w.markSent(path)
		case errors.Is(err, session.ErrSessionActive), errors.Is(err, transport.ErrNotConnected):
			return
		default:
			log.Warn().Err(err).Str("path", path).Msg("outbox upload failed")
			w.mu.Lock()
			delete(w.pending, path)
			w.failed[path] = info.ModTime()
			w.mu.Unlock()
		}
	}
}

func (w *Watcher) drop(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, path)
}

func (w *Watcher) markSent(path string) {
	w.mu.Lock()
	delete(w.failed, path)
	w.mu.Unlock()

	dest := uniquePath(w.sentDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to move sent file")
		return
	}
	log.Debug().Str("from", path).Str("to", dest).Msg("moved sent file")
}

// uniquePath returns dir/name, or dir/name-N.ext when that already exists.
func uniquePath(dir, name string) string {
	dest := filepath.Join(dir, name)
	if _, err := os.Stat(dest); errors.Is(err, os.ErrNotExist) {
		return dest
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		dest = filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, i, ext))
		if _, err := os.Stat(dest); errors.Is(err, os.ErrNotExist) {
			return dest
		}
	}
}
