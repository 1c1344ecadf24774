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


package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/picolink/picolink-core/internal/telemetry"
	"github.com/picolink/picolink-core/pkg/cli"
	"github.com/picolink/picolink-core/pkg/config"
	"github.com/picolink/picolink-core/pkg/discovery"
	"github.com/picolink/picolink-core/pkg/service"
	"github.com/picolink/picolink-core/pkg/service/history"
	"github.com/picolink/picolink-core/pkg/transfer"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := cli.SetupFlags(flag.CommandLine)
	flag.Parse()

	if *flags.Version {
		_, _ = fmt.Printf("PicoLink v%s\n", config.AppVersion)
		return nil
	}

	var logWriters []io.Writer
	if *flags.Daemon {
		logWriters = []io.Writer{os.Stderr}
	}

	cfg, dirs, err := cli.Setup(*flags.ConfigDir, config.BaseDefaults, logWriters)
	if err != nil {
		return err
	}
	defer telemetry.Close()

	defer func() {
		if err := recover(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Panic: %s\n", err)
			log.Fatal().Msgf("panic: %v", err)
		}
	}()

	switch {
	case *flags.ListPorts:
		vid, pid := cfg.DeviceIDs()
		return cli.ListPorts(os.Stdout, discovery.DefaultLister, discovery.NewSignature(vid, pid), cfg.PortOverride())
	case *flags.History:
		h := history.New(afero.NewOsFs(), filepath.Join(dirs.Data, config.HistoryFile), history.DefaultLimit)
		return cli.PrintHistory(os.Stdout, h.List())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.Start(cfg, service.Options{Dirs: dirs})
	if err != nil {
		log.Error().Msgf("error starting service: %s", err)
		return fmt.Errorf("error starting service: %w", err)
	}
	defer func() {
		if err := svc.Stop(); err != nil {
			log.Error().Msgf("error stopping service: %s", err)
		}
	}()

	if !*flags.Daemon {
		lines, cancel := svc.SubscribeLogs()
		defer cancel()
		go cli.Follow(ctx, os.Stdout, lines)
	}

	if *flags.Upload != "" {
		rec, err := cli.UploadOnce(ctx, clockwork.NewRealClock(), svc, *flags.Upload, *flags.Wait)
		if err != nil {
			return err
		}
		if rec.Outcome != transfer.OutcomeSuccess {
			return errors.New(rec.Error)
		}
		return nil
	}

	if *flags.Daemon {
		log.Info().Msg("started in daemon mode")
	}

	select {
	case <-ctx.Done():
	case <-svc.Done():
	}
	return nil
}
