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


package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/picolink/picolink-core/internal/telemetry"
	"github.com/picolink/picolink-core/pkg/config"
	"github.com/picolink/picolink-core/pkg/helpers"
	"github.com/picolink/picolink-core/pkg/transfer"
	"github.com/rs/zerolog/log"
)

const (
	DefaultWait = 30 * time.Second
	readyPoll   = 100 * time.Millisecond
)

var ErrDeviceNotReady = errors.New("device not ready")

type Flags struct {
	Version   *bool
	Upload    *string
	Wait      *time.Duration
	Daemon    *bool
	ConfigDir *string
	ListPorts *bool
	History   *bool
}

// SetupFlags defines every CLI flag on fs.
func SetupFlags(fs *flag.FlagSet) *Flags {
	return &Flags{
		Version: fs.Bool(
			"version",
			false,
			"print version and exit",
		),
		Upload: fs.String(
			"upload",
			"",
			"upload a file to the device and exit",
		),
		Wait: fs.Duration(
			"wait",
			DefaultWait,
			"how long -upload waits for the device to connect",
		),
		Daemon: fs.Bool(
			"daemon",
			false,
			"run in the foreground, logging to stderr",
		),
		ConfigDir: fs.String(
			"config-dir",
			"",
			"use this folder for config, history and logs",
		),
		ListPorts: fs.Bool(
			"list-ports",
			false,
			"list USB serial ports and exit",
		),
		History: fs.Bool(
			"history",
			false,
			"print recent transfers and exit",
		),
	}
}

// Setup creates the working folders, then initializes logging, the user
// config and error reporting.
//
//nolint:gocritic // config struct copied for immutability
func Setup(
	configDir string,
	defaults config.Values,
	writers []io.Writer,
) (*config.Instance, helpers.Dirs, error) {
	dirs := helpers.DefaultDirs(configDir)
	if err := helpers.EnsureDirectories(dirs); err != nil {
		return nil, dirs, fmt.Errorf("error creating directories: %w", err)
	}

	if err := helpers.InitLogging(dirs.Log, writers); err != nil {
		return nil, dirs, fmt.Errorf("error initializing logging: %w", err)
	}

	cfg, err := config.NewConfig(dirs.Config, defaults)
	if err != nil {
		return nil, dirs, fmt.Errorf("error loading config: %w", err)
	}

	if err := telemetry.Init(
		cfg.ErrorReportingDSN(),
		cfg.InstallID(),
		config.AppVersion,
	); err != nil {
		log.Warn().Err(err).Msg("failed to initialize error reporting")
	}

	return cfg, dirs, nil
}

type Uploader interface {
	Ready() bool
	Upload(ctx context.Context, path string) (transfer.Record, error)
}

// UploadOnce waits up to wait for the device to be ready, then uploads
// path.
func UploadOnce(
	ctx context.Context,
	clock clockwork.Clock,
	up Uploader,
	path string,
	wait time.Duration,
) (transfer.Record, error) {
	deadline := clock.Now().Add(wait)
	for !up.Ready() {
		if !clock.Now().Before(deadline) {
			return transfer.Record{}, fmt.Errorf("%w after %s", ErrDeviceNotReady, wait)
		}
		select {
		case <-ctx.Done():
			return transfer.Record{}, fmt.Errorf("waiting for device: %w", ctx.Err())
		case <-clock.After(readyPoll):
		}
	}
	return up.Upload(ctx, path)
}

// Follow copies log lines to w until ctx is cancelled or lines closes.
func Follow(ctx context.Context, w io.Writer, lines <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			_, _ = fmt.Fprintln(w, line)
		}
	}
}

// PrintHistory writes records as an aligned table, newest first.
func PrintHistory(w io.Writer, records []transfer.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No transfers yet.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STARTED\tDIRECTION\tNAME\tBYTES\tOUTCOME")
	for i := range records {
		r := &records[i]
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n",
			r.StartedAt.Local().Format(time.DateTime),
			r.Direction,
			r.Name,
			r.Transferred,
			r.Size,
			r.Outcome,
		)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return nil
}
