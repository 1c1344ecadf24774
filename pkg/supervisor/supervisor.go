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

// Package supervisor keeps the serial link alive: it discovers the device,
// opens it, probes it every cycle and feeds received bytes into the session
// coordinator. Download sessions started from its cycle run as tracked
// tasks so Run never blocks on a transfer and never leaks one on shutdown.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/picolink/picolink-core/pkg/helpers/syncutil"
	"github.com/picolink/picolink-core/pkg/session"
	"github.com/picolink/picolink-core/pkg/transfer"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultPollInterval = 20 * time.Millisecond
	readChunkSize       = 512
	searchReminderEvery = time.Minute
)

type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// Link is the connection the supervisor manages.
type Link interface {
	Open(name string) error
	Close() error
	IsOpen() bool
	Probe() error
	Read(p []byte) (int, error)
}

type PortFinder interface {
	Find() (string, bool)
}

// Stepper classifies buffered bytes after each read.
type Stepper interface {
	Step() (logged int, triggered bool)
}

type Status struct {
	Port  string
	State State
}

type Observer func(Status)

type Option func(*Supervisor)

func WithClock(c clockwork.Clock) Option {
	return func(s *Supervisor) {
		s.clock = c
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithLog(fn transfer.LogFunc) Option {
	return func(s *Supervisor) {
		s.logf = fn
	}
}

func WithDemux(d Stepper) Option {
	return func(s *Supervisor) {
		s.demux = d
	}
}

func WithObserver(fn Observer) Option {
	return func(s *Supervisor) {
		s.observer = fn
	}
}

type Supervisor struct {
	link     Link
	finder   PortFinder
	clock    clockwork.Clock
	demux    Stepper
	tasksCtx context.Context //nolint:containedctx // scoped to a single Run
	coord    *session.Coordinator
	logf     transfer.LogFunc
	observer Observer
	tasks    *errgroup.Group
	lastErr  error
	status   Status
	reminder rate.Sometimes
	buf      []byte
	interval time.Duration
	mu       syncutil.Mutex
	stepMu   syncutil.Mutex
	running  bool
	search   bool
}

func New(link Link, finder PortFinder, coord *session.Coordinator, opts ...Option) *Supervisor {
	s := &Supervisor{
		link:     link,
		finder:   finder,
		coord:    coord,
		clock:    clockwork.NewRealClock(),
		interval: DefaultPollInterval,
		buf:      make([]byte, readChunkSize),
		reminder: rate.Sometimes{Interval: searchReminderEvery},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Go runs fn as a task tracked by the current Run. It returns false when no
// Run is active, in which case fn is not started.
func (s *Supervisor) Go(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks == nil {
		return false
	}
	ctx := s.tasksCtx
	s.tasks.Go(func() error {
		fn(ctx)
		return nil
	})
	return true
}

// Run polls until ctx is cancelled, then waits for tracked tasks and closes
// the link.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}
	g, gctx := errgroup.WithContext(ctx)
	s.running = true
	s.tasks = g
	s.tasksCtx = gctx
	s.mu.Unlock()

	log.Info().Dur("interval", s.interval).Msg("starting connection supervisor")

	ticker := s.clock.NewTicker(s.interval)
loop:
	for {
		s.Step()
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.Chan():
		}
	}
	ticker.Stop()

	s.mu.Lock()
	s.tasks = nil
	s.tasksCtx = nil
	s.mu.Unlock()

	err := g.Wait()
	if cerr := s.link.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("error closing link on shutdown")
	}
	s.setState(StateDisconnected, "")

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	log.Info().Msg("connection supervisor stopped")
	return err
}

// Step runs one poll cycle: health check, connect if needed, read, then
// hand the buffer to the demultiplexer.
func (s *Supervisor) Step() {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()

	if s.link.IsOpen() {
		if err := s.link.Probe(); err != nil {
			s.lost(err)
		}
	}

	if !s.link.IsOpen() {
		s.connect()
	}

	if s.link.IsOpen() {
		s.read()
	}

	if s.demux != nil {
		s.demux.Step()
	}
}

func (s *Supervisor) connect() {
	port, ok := s.finder.Find()
	if !ok {
		if !s.search {
			s.search = true
			s.emit("Searching for device...")
		}
		s.reminder.Do(func() {
			log.Debug().Msg("device still not found")
		})
		return
	}

	if err := s.link.Open(port); err != nil {
		if s.lastErr == nil || s.lastErr.Error() != err.Error() {
			log.Warn().Err(err).Str("port", port).Msg("failed to open device port")
			s.emit("ERROR: Could not open " + port + ": " + err.Error())
		}
		s.lastErr = err
		return
	}

	s.lastErr = nil
	s.search = false
	if s.setState(StateConnected, port) {
		log.Info().Str("port", port).Msg("device connected")
		s.emit("Pico detected on " + port)
	}
}

func (s *Supervisor) read() {
	n, err := s.link.Read(s.buf)
	if n > 0 {
		chunk := s.buf[:n]
		log.Debug().Int("bytes", n).Str("owner", s.coord.Owner().String()).
			Msgf("RAW RECV: %q", chunk)
		s.coord.Append(chunk)
	}
	if err != nil {
		s.lost(err)
	}
}

func (s *Supervisor) lost(err error) {
	if cerr := s.link.Close(); cerr != nil {
		log.Debug().Err(cerr).Msg("error closing lost link")
	}
	port := s.Status().Port
	if s.setState(StateDisconnected, "") {
		log.Warn().Err(err).Str("port", port).Msg("device disconnected")
		s.emit("Pico disconnected.")
	}
}

func (s *Supervisor) setState(st State, port string) bool {
	s.mu.Lock()
	next := Status{State: st, Port: port}
	changed := s.status != next
	s.status = next
	obs := s.observer
	s.mu.Unlock()

	if changed && obs != nil {
		obs(next)
	}
	return changed
}

func (s *Supervisor) emit(line string) {
	if s.logf != nil {
		s.logf(line)
	}
}
