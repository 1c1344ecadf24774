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


// Package service wires the link, the transfer engines and the optional
// outbox and API into one running core.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/picolink/picolink-core/pkg/api"
	"github.com/picolink/picolink-core/pkg/api/models"
	"github.com/picolink/picolink-core/pkg/config"
	"github.com/picolink/picolink-core/pkg/demux"
	"github.com/picolink/picolink-core/pkg/discovery"
	"github.com/picolink/picolink-core/pkg/helpers"
	"github.com/picolink/picolink-core/pkg/helpers/syncutil"
	"github.com/picolink/picolink-core/pkg/logpane"
	"github.com/picolink/picolink-core/pkg/service/history"
	"github.com/picolink/picolink-core/pkg/service/outbox"
	"github.com/picolink/picolink-core/pkg/session"
	"github.com/picolink/picolink-core/pkg/supervisor"
	"github.com/picolink/picolink-core/pkg/transfer"
	"github.com/picolink/picolink-core/pkg/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const recentSessions = 10

// Options replaces the real hardware and filesystem. Zero values use the
// defaults.
type Options struct {
	Fs          afero.Fs
	Clock       clockwork.Clock
	PortFactory transport.PortFactory
	Lister      discovery.Lister
	Dirs        helpers.Dirs
}

type Service struct {
	ctx        context.Context //nolint:containedctx // cancelled by Stop
	cfg        *config.Instance
	pane       *logpane.Pane
	coord      *session.Coordinator
	link       *transport.Transport
	sup        *supervisor.Supervisor
	uploader   *transfer.Uploader
	downloader *transfer.Downloader
	history    *history.History
	outbox     *outbox.Watcher
	cancel     context.CancelFunc
	done       chan struct{}
	err        error
	uploads    sync.WaitGroup
	mu         syncutil.Mutex
	stopping   bool
}

// Start builds the core and runs it in the background until Stop.
func Start(cfg *config.Instance, opts Options) (*Service, error) {
	log.Info().Msgf("version: %s", config.AppVersion)

	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.PortFactory == nil {
		opts.PortFactory = transport.DefaultPortFactory
	}
	if opts.Lister == nil {
		opts.Lister = discovery.DefaultLister
	}
	if opts.Dirs.Data == "" {
		opts.Dirs = helpers.DefaultDirs(filepath.Dir(cfg.Path()))
	}

	s := &Service{
		cfg:   cfg,
		pane:  logpane.New(logpane.DefaultCapacity, logpane.WithClock(opts.Clock)),
		coord: session.NewCoordinator(),
		done:  make(chan struct{}),
	}

	log.Info().Msg("loading transfer history")
	s.history = history.New(opts.Fs, filepath.Join(opts.Dirs.Data, config.HistoryFile), history.DefaultLimit)

	s.link = transport.New(
		transport.Config{BaudRate: cfg.BaudRate(), WriteTimeout: cfg.WriteTimeout()},
		transport.WithPortFactory(opts.PortFactory),
		transport.WithClock(opts.Clock),
	)

	vid, pid := cfg.DeviceIDs()
	finder := discovery.NewFinder(
		discovery.NewSignature(vid, pid),
		discovery.WithLister(opts.Lister),
		discovery.WithPortOverride(cfg.PortOverride()),
	)
	log.Info().Str("signature", finder.Signature().String()).Msg("device signature")

	engineOpts := []transfer.Option{
		transfer.WithFs(opts.Fs),
		transfer.WithClock(opts.Clock),
		transfer.WithLog(s.pane.Log),
		transfer.WithReporter(s.history.Add),
		transfer.WithConfig(cfg.TransferConfig()),
	}
	s.uploader = transfer.NewUploader(s.coord, s.link, engineOpts...)
	s.downloader = transfer.NewDownloader(s.coord, helpers.DownloadDirResolver(cfg.DownloadDir()), engineOpts...)

	dmx := demux.New(s.coord, s.pane.Log, s.startDownload)
	s.coord.OnRelease(dmx.Flush)

	s.sup = supervisor.New(s.link, finder, s.coord,
		supervisor.WithClock(opts.Clock),
		supervisor.WithPollInterval(cfg.PollInterval()),
		supervisor.WithLog(s.pane.Log),
		supervisor.WithDemux(dmx),
		supervisor.WithObserver(func(st supervisor.Status) {
			log.Debug().Str("state", st.State.String()).Str("port", st.Port).Msg("link state changed")
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s.ctx = ctx
	s.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)

	log.Info().Msg("starting connection supervisor")
	g.Go(func() error {
		return s.sup.Run(gctx)
	})

	if cfg.OutboxEnabled() {
		dir := helpers.OutboxDir(opts.Dirs, cfg.OutboxDir())
		log.Info().Str("dir", dir).Msg("starting outbox watcher")
		s.outbox = outbox.New(dir, s, outbox.WithClock(opts.Clock))
		g.Go(func() error {
			if err := s.outbox.Run(gctx); err != nil {
				log.Error().Err(err).Msg("outbox watcher failed (continuing without outbox)")
			}
			return nil
		})
	}

	if cfg.APIEnabled() {
		log.Info().Str("listen", cfg.APIListen()).Msg("starting API service")
		g.Go(func() error {
			if err := api.Serve(gctx, cfg.APIListen(), s, cfg.AllowedOrigins()); err != nil {
				log.Error().Err(err).Msg("API server failed (continuing without API)")
			}
			return nil
		})
	}

	go func() {
		err := g.Wait()
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()
		s.uploads.Wait()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		log.Info().Msg("service cleanup completed")
		close(s.done)
	}()

	return s, nil
}

// startDownload runs a device-initiated download as a supervisor task.
func (s *Service) startDownload(lease *session.Lease, req transfer.Request) {
	ok := s.sup.Go(func(ctx context.Context) {
		if _, err := s.downloader.Receive(ctx, lease, req); err != nil {
			log.Debug().Err(err).Str("name", req.Name).Msg("download ended with error")
		}
	})
	if !ok {
		lease.Release()
	}
}

func (s *Service) Connected() bool {
	return s.sup.Status().State == supervisor.StateConnected
}

// Ready reports whether an upload could start right now.
func (s *Service) Ready() bool {
	return s.Connected() && s.coord.Owner() == session.OwnerIdle
}

// Upload sends the file at path and waits for the outcome.
func (s *Service) Upload(ctx context.Context, path string) (transfer.Record, error) {
	if !s.Connected() {
		s.pane.Log("ERROR: Cannot send data, serial not connected.")
		return transfer.Record{}, fmt.Errorf("upload %s: %w", filepath.Base(path), transport.ErrNotConnected)
	}
	return s.uploader.Upload(ctx, path)
}

// StartUpload claims the link for path and runs the upload in the
// background. The claim happens before it returns, so a busy link is
// reported synchronously.
func (s *Service) StartUpload(path string) (string, error) {
	if !s.Connected() {
		s.pane.Log("ERROR: Cannot send data, serial not connected.")
		return "", fmt.Errorf("upload %s: %w", filepath.Base(path), transport.ErrNotConnected)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return "", api.ErrUnavailable
	}

	job, err := s.uploader.Prepare(path)
	if err != nil {
		return "", err
	}
	s.uploads.Add(1)
	go func() {
		defer s.uploads.Done()
		if _, runErr := job.Run(s.ctx); runErr != nil {
			log.Debug().Err(runErr).Str("path", path).Msg("upload ended with error")
		}
	}()
	return job.ID(), nil
}

func (s *Service) Status() models.Status {
	st := s.sup.Status()
	recs := s.history.List()
	if len(recs) > recentSessions {
		recs = recs[:recentSessions]
	}
	recent := make([]models.Session, 0, len(recs))
	for i := range recs {
		recent = append(recent, toSession(&recs[i]))
	}
	return models.Status{
		Connected: st.State == supervisor.StateConnected,
		Port:      st.Port,
		Session:   s.coord.Owner().String(),
		Version:   config.AppVersion,
		Recent:    recent,
	}
}

func toSession(r *transfer.Record) models.Session {
	out := models.Session{
		StartedAt:   r.StartedAt,
		ID:          r.ID,
		Direction:   string(r.Direction),
		Name:        r.Name,
		Outcome:     string(r.Outcome),
		Error:       r.Error,
		Size:        r.Size,
		Transferred: r.Transferred,
	}
	if !r.FinishedAt.IsZero() {
		finished := r.FinishedAt
		out.FinishedAt = &finished
	}
	return out
}

func (s *Service) Logs(limit int) []string {
	return s.pane.Lines(limit)
}

func (s *Service) SubscribeLogs() (<-chan string, func()) {
	return s.pane.Subscribe()
}

func (s *Service) History() []transfer.Record {
	return s.history.List()
}

func (s *Service) WriteHistoryCSV(w io.Writer) error {
	return s.history.WriteCSV(w)
}

// Log appends a line to the log pane.
func (s *Service) Log(line string) {
	s.pane.Log(line)
}

// Done is closed once the service has fully stopped.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Stop cancels every task, waits for them and closes the link.
func (s *Service) Stop() error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	s.cancel()
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil && !errors.Is(s.err, context.Canceled) {
		return s.err
	}
	return nil
}
