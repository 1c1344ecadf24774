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
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/picolink/picolink-core/pkg/session"
	"github.com/picolink/picolink-core/pkg/transport"
	"github.com/rs/zerolog/log"
)

// Sender writes to the device.
type Sender interface {
	Write(p []byte) error
}

// Purger is implemented by senders that can discard pending OS-level
// buffers before a session starts.
type Purger interface {
	Purge() error
}

type Uploader struct {
	tx Sender
	engine
}

func NewUploader(coord *session.Coordinator, tx Sender, opts ...Option) *Uploader {
	return &Uploader{
		engine: newEngine(coord, opts),
		tx:     tx,
	}
}

// Job is an upload that already owns the link. Run must be called exactly
// once; it releases the link when it returns.
type Job struct {
	u     *Uploader
	lease *session.Lease
	path  string
	rec   Record
}

// Prepare claims the link for an upload of path. It fails with
// session.ErrSessionActive while another session owns the link.
func (u *Uploader) Prepare(path string) (*Job, error) {
	name := filepath.Base(path)
	lease, err := u.coord.Claim(session.OwnerUpload)
	if err != nil {
		u.logLine("ERROR: Cannot upload %s, a %s session is in progress.", name, u.coord.Owner())
		return nil, fmt.Errorf("upload %s: %w", name, err)
	}
	rec := newRecord(DirectionUpload, name, u.clock.Now())
	rec.Path = path
	return &Job{u: u, lease: lease, path: path, rec: rec}, nil
}

func (j *Job) ID() string {
	return j.rec.ID
}

// Discard gives the link back without running the upload.
func (j *Job) Discard() {
	j.lease.Release()
}

// Upload sends the file at path to the device. The link is released on
// every exit path.
func (u *Uploader) Upload(ctx context.Context, path string) (Record, error) {
	job, err := u.Prepare(path)
	if err != nil {
		rec := newRecord(DirectionUpload, filepath.Base(path), u.clock.Now())
		rec.Path = path
		rec.finish(u.clock.Now(), err)
		rec.Outcome = OutcomeRefused
		return rec, err
	}
	return job.Run(ctx)
}

// Run performs the upload.
func (j *Job) Run(ctx context.Context) (rec Record, err error) {
	u, path := j.u, j.path
	rec = j.rec
	name := rec.Name
	defer j.lease.Release()
	defer func() {
		u.finish(&rec, err)
	}()

	if p, ok := u.tx.(Purger); ok {
		if perr := p.Purge(); perr != nil {
			log.Warn().Err(perr).Msg("failed to purge port buffers before upload")
		}
	}
	u.coord.Clear()

	if err = ValidateFileName(name); err != nil {
		u.logLine("ERROR: %v", err)
		return rec, err
	}

	f, err := u.fs.Open(path)
	if err != nil {
		u.logLine("ERROR: Failed to open file: %s", path)
		return rec, fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer func(f io.Closer) {
		if cerr := f.Close(); cerr != nil {
			log.Warn().Err(cerr).Str("path", path).Msg("failed to close upload source")
		}
	}(f)

	info, err := f.Stat()
	if err != nil {
		u.logLine("ERROR: Failed to read file size: %s", path)
		return rec, fmt.Errorf("%w: %w", ErrIO, err)
	}
	if info.IsDir() {
		u.logLine("ERROR: %s is a directory", path)
		return rec, fmt.Errorf("%w: %s is a directory", ErrIO, path)
	}
	rec.Size = info.Size()

	header := FormatUploadHeader(name, rec.Size)
	if err = u.tx.Write(header); err != nil {
		u.logLine("ERROR: Failed to send upload command.")
		return rec, err
	}
	u.logLine("Sent upload command: %s", strings.TrimSpace(string(header)))

	to := u.cfg.Timeouts
	if err = u.wait(ctx, TokenReady, to.Ready, 0); err != nil {
		u.logLine("Upload aborted due to missing READY message.")
		return rec, err
	}
	u.logLine("Device READY received, sending file with ACK flow control...")

	block := make([]byte, BlockSize)
	for rec.Transferred < rec.Size {
		want := min(rec.Size-rec.Transferred, BlockSize)
		n, rerr := io.ReadFull(f, block[:want])
		if rerr != nil {
			u.logLine("ERROR: Failed to read file content.")
			err = fmt.Errorf("%w: reading block %d: %w", ErrIO, rec.Blocks+1, rerr)
			return rec, err
		}

		rec.Blocks++
		if err = u.tx.Write(block[:n]); err != nil {
			if errors.Is(err, transport.ErrPartialWrite) {
				u.logLine("WARNING: Block %d was only partially written, aborting upload.", rec.Blocks)
			} else {
				u.logLine("ERROR: Failed to write block %d.", rec.Blocks)
			}
			err = fmt.Errorf("%w: block %d: %w", ErrAborted, rec.Blocks, err)
			return rec, err
		}
		rec.Transferred += int64(n)

		if rec.Transferred < rec.Size {
			if err = u.wait(ctx, TokenAck, to.Ack, rec.Blocks); err != nil {
				return rec, err
			}
		}
	}

	if err = u.wait(ctx, TokenUploadOK, to.UploadOK, 0); err != nil {
		return rec, err
	}
	u.logLine("SUCCESS: File transfer complete. Total bytes sent: %d", rec.Transferred)
	return rec, nil
}

func (u *Uploader) wait(ctx context.Context, token string, timeout time.Duration, block int) error {
	err := WaitForToken(ctx, u.coord, u.clock, token, timeout, u.cfg.TokenPoll)
	var te *TimeoutError
	if errors.As(err, &te) {
		te.Block = block
		switch te.Kind {
		case TimeoutAck:
			u.logLine("ERROR: Timeout waiting for ACK after block %d. Buffer: %q", block, te.Buffer)
		default:
			u.logLine("ERROR: Device did not send %s (timeout after %s). Current buffer: %q",
				token, timeout, te.Buffer)
		}
	}
	return err
}
