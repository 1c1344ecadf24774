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

// Package history keeps the most recent transfer sessions in memory and
// appends every finished session to a CSV log on disk.
package history

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/picolink/picolink-core/pkg/helpers/syncutil"
	"github.com/picolink/picolink-core/pkg/transfer"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const DefaultLimit = 50

type History struct {
	fs      afero.Fs
	path    string
	records []transfer.Record
	limit   int
	mu      syncutil.RWMutex
}

// New creates a history persisted at path. An empty path keeps it in
// memory only. Existing entries are loaded, keeping the newest limit.
func New(fs afero.Fs, path string, limit int) *History {
	if limit <= 0 {
		limit = DefaultLimit
	}
	h := &History{
		fs:    fs,
		path:  path,
		limit: limit,
	}
	if path != "" {
		if err := h.load(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to load transfer history")
		}
	}
	return h
}

func (h *History) load() error {
	f, err := h.fs.Open(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var records []transfer.Record
	if err := gocsv.Unmarshal(f, &records); err != nil {
		if errors.Is(err, gocsv.ErrEmptyCSVFile) {
			return nil
		}
		return fmt.Errorf("failed to parse history: %w", err)
	}
	if len(records) > h.limit {
		records = records[len(records)-h.limit:]
	}

	h.mu.Lock()
	h.records = records
	h.mu.Unlock()
	return nil
}

// Add records a finished session. It is used as the engines' reporter.
func (h *History) Add(rec transfer.Record) {
	h.mu.Lock()
	h.records = append(h.records, rec)
	if len(h.records) > h.limit {
		h.records = append([]transfer.Record(nil), h.records[len(h.records)-h.limit:]...)
	}
	h.mu.Unlock()

	if h.path == "" {
		return
	}
	if err := h.appendToFile(rec); err != nil {
		log.Warn().Err(err).Str("path", h.path).Msg("failed to persist transfer history")
	}
}

func (h *History) appendToFile(rec transfer.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	info, statErr := h.fs.Stat(h.path)
	empty := statErr != nil || info.Size() == 0

	f, err := h.fs.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	rows := []transfer.Record{rec}
	if empty {
		err = gocsv.Marshal(rows, f)
	} else {
		err = gocsv.MarshalWithoutHeaders(rows, f)
	}
	if err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return nil
}

// List returns the retained sessions, newest first.
func (h *History) List() []transfer.Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]transfer.Record, len(h.records))
	for i, r := range h.records {
		out[len(h.records)-1-i] = r
	}
	return out
}

// WriteCSV writes the retained sessions, oldest first, as CSV.
func (h *History) WriteCSV(w io.Writer) error {
	h.mu.RLock()
	records := append([]transfer.Record(nil), h.records...)
	h.mu.RUnlock()
	if err := gocsv.Marshal(records, w); err != nil {
		return fmt.Errorf("failed to export history: %w", err)
	}
	return nil
}
