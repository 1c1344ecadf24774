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
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/picolink/picolink-core/pkg/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// Timeouts bounds every wait a transfer performs.
type Timeouts struct {
	Ready    time.Duration
	Ack      time.Duration
	UploadOK time.Duration
	Download time.Duration
	// EndGrace is how long a finished download waits for the END trailer.
	EndGrace time.Duration
}

type Config struct {
	Timeouts     Timeouts
	TokenPoll    time.Duration
	DownloadPoll time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeouts: Timeouts{
			Ready:    10 * time.Second,
			Ack:      5 * time.Second,
			UploadOK: 100 * time.Second,
			Download: 30 * time.Second,
			EndGrace: 50 * time.Millisecond,
		},
		TokenPoll:    10 * time.Millisecond,
		DownloadPoll: 5 * time.Millisecond,
	}
}

// LogFunc appends a line to the user-visible transfer log.
type LogFunc func(line string)

type engine struct {
	coord  *session.Coordinator
	fs     afero.Fs
	clock  clockwork.Clock
	logf   LogFunc
	report Reporter
	cfg    Config
}

type Option func(*engine)

func WithFs(fs afero.Fs) Option {
	return func(e *engine) {
		e.fs = fs
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(e *engine) {
		e.clock = c
	}
}

func WithLog(fn LogFunc) Option {
	return func(e *engine) {
		e.logf = fn
	}
}

func WithReporter(fn Reporter) Option {
	return func(e *engine) {
		e.report = fn
	}
}

func WithConfig(cfg Config) Option {
	return func(e *engine) {
		e.cfg = cfg
	}
}

func newEngine(coord *session.Coordinator, opts []Option) engine {
	e := engine{
		coord: coord,
		fs:    afero.NewOsFs(),
		clock: clockwork.NewRealClock(),
		cfg:   DefaultConfig(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

func (e *engine) logLine(format string, args ...any) {
	if e.logf == nil {
		return
	}
	e.logf(fmt.Sprintf(format, args...))
}

func (e *engine) finish(rec *Record, err error) {
	rec.finish(e.clock.Now(), err)
	if err != nil {
		log.Warn().Err(err).
			Str("session", rec.ID).
			Str("direction", string(rec.Direction)).
			Str("file", rec.Name).
			Int64("transferred", rec.Transferred).
			Msg("transfer ended without success")
	} else {
		log.Info().
			Str("session", rec.ID).
			Str("direction", string(rec.Direction)).
			Str("file", rec.Name).
			Int64("bytes", rec.Transferred).
			Msg("transfer complete")
	}
	if e.report != nil {
		e.report(*rec)
	}
}

// WaitForToken polls the receive buffer until token appears, consuming the
// buffer through the end of the line carrying it. On timeout the buffer is
// left untouched and a *TimeoutError with a snapshot of it is returned.
func WaitForToken(
	ctx context.Context,
	coord *session.Coordinator,
	clock clockwork.Clock,
	token string,
	timeout time.Duration,
	poll time.Duration,
) error {
	needle := []byte(token)
	start := clock.Now()
	for {
		if coord.CutThrough(needle) {
			return nil
		}
		elapsed := clock.Since(start)
		if elapsed >= timeout {
			return &TimeoutError{
				Kind:    TimeoutKind(token),
				Elapsed: elapsed,
				Buffer:  coord.Snapshot(),
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", token, ctx.Err())
		case <-clock.After(poll):
		}
	}
}
