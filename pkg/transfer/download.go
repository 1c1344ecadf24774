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

package transfer

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/picolink/picolink-core/pkg/session"
	"github.com/rs/zerolog/log"
)

// DirResolver returns the folder downloads are written to.
type DirResolver func() (string, error)

type Downloader struct {
	dir DirResolver
	engine
}

func NewDownloader(coord *session.Coordinator, dir DirResolver, opts ...Option) *Downloader {
	return &Downloader{
		engine: newEngine(coord, opts),
		dir:    dir,
	}
}

// Receive writes the payload announced by req into the download folder.
// The caller hands over a lease already claimed for the download; it is
// released when Receive returns.
func (d *Downloader) Receive(ctx context.Context, lease *session.Lease, req Request) (rec Record, err error) {
	defer lease.Release()

	rec = newRecord(DirectionDownload, req.Name, d.clock.Now())
	rec.Size = req.Size
	defer func() {
		d.finish(&rec, err)
	}()

	d.logLine("Receiving file %s (%d bytes)...", req.Name, req.Size)

	if err = ValidateFileName(req.Name); err != nil {
		d.logLine("ERROR: %v", err)
		return rec, err
	}

	dir, err := d.dir()
	if err != nil {
		d.logLine("FATAL ERROR: Could not resolve the download folder.")
		return rec, fmt.Errorf("%w: resolving download folder: %w", ErrIO, err)
	}
	if err = d.fs.MkdirAll(dir, 0o750); err != nil {
		d.logLine("FATAL ERROR: Could not create the download folder.")
		return rec, fmt.Errorf("%w: creating %s: %w", ErrIO, dir, err)
	}

	rec.Path = filepath.Join(dir, req.Name)
	f, err := d.fs.OpenFile(rec.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		d.logLine("ERROR: Failed to create file: %s", rec.Path)
		return rec, fmt.Errorf("%w: %w", ErrIO, err)
	}

	err = d.copyPayload(ctx, &rec, f)
	if cerr := f.Close(); cerr != nil && err == nil {
		d.logLine("ERROR: Failed to finalise file: %s", rec.Path)
		err = fmt.Errorf("%w: closing %s: %w", ErrIO, rec.Path, cerr)
	}
	if err != nil {
		return rec, err
	}

	if d.consumeEndMarker(ctx) {
		log.Debug().Str("file", req.Name).Msg("consumed END trailer")
	}
	d.logLine("SUCCESS: File saved to: %s", rec.Path)
	return rec, nil
}

type writer interface {
	Write(p []byte) (int, error)
}

func (d *Downloader) copyPayload(ctx context.Context, rec *Record, f writer) error {
	start := d.clock.Now()
	for rec.Transferred < rec.Size {
		elapsed := d.clock.Since(start)
		if elapsed >= d.cfg.Timeouts.Download {
			d.logLine("ERROR: Timeout. Received %d of %d bytes.", rec.Transferred, rec.Size)
			return &TimeoutError{
				Kind:     TimeoutDownload,
				Elapsed:  elapsed,
				Received: rec.Transferred,
				Expected: rec.Size,
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("receiving %s: %w", rec.Name, ctx.Err())
		case <-d.clock.After(d.cfg.DownloadPoll):
		}

		remaining := rec.Size - rec.Transferred
		chunk := d.coord.Take(int(min(remaining, math.MaxInt32)))
		if len(chunk) == 0 {
			continue
		}
		if _, err := f.Write(chunk); err != nil {
			d.logLine("ERROR: Failed to write to file: %s", rec.Path)
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
		rec.Transferred += int64(len(chunk))
	}
	return nil
}

// consumeEndMarker strips an END trailer sitting at the head of the
// buffer, waiting briefly if only part of it has arrived.
func (d *Downloader) consumeEndMarker(ctx context.Context) bool {
	marker := []byte(EndMarker)
	start := d.clock.Now()
	for {
		cut, pending := d.coord.CutPrefix(marker)
		if cut {
			return true
		}
		if !pending || d.clock.Since(start) >= d.cfg.Timeouts.EndGrace {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-d.clock.After(d.cfg.DownloadPoll):
		}
	}
}
