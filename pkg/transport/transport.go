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

// Package transport owns the physical serial connection to the device.
package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/picolink/picolink-core/pkg/helpers/syncutil"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

const (
	DefaultBaudRate     = 115200
	DefaultWriteTimeout = 50 * time.Millisecond
)

var (
	ErrNotFound       = errors.New("serial port not found")
	ErrBusy           = errors.New("serial port busy")
	ErrConfigFailed   = errors.New("serial port configuration failed")
	ErrNotConnected   = errors.New("serial port not connected")
	ErrConnectionLost = errors.New("serial connection lost")
	ErrPartialWrite   = errors.New("partial write to serial port")
)

// Port is the subset of serial.Port the transport depends on.
type Port interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
	SetReadTimeout(t time.Duration) error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
	GetModemStatusBits() (*serial.ModemStatusBits, error)
}

// PortFactory opens a serial port. Tests swap it for a scripted port.
type PortFactory func(name string, mode *serial.Mode) (Port, error)

// DefaultPortFactory opens real serial ports through go.bug.st/serial.
func DefaultPortFactory(name string, mode *serial.Mode) (Port, error) {
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}
	return port, nil
}

type Config struct {
	BaudRate     int
	WriteTimeout time.Duration
}

type Option func(*Transport)

func WithPortFactory(f PortFactory) Option {
	return func(t *Transport) {
		t.factory = f
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(t *Transport) {
		t.clock = c
	}
}

// Transport holds at most one live connection. Every call is serialized by
// the connection mutex, so a read in the supervisor never interleaves with
// a write from a transfer engine.
type Transport struct {
	port    Port
	factory PortFactory
	clock   clockwork.Clock
	name    string
	cfg     Config
	mu      syncutil.Mutex
}

func New(cfg Config, opts ...Option) *Transport {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	t := &Transport{
		cfg:     cfg,
		factory: DefaultPortFactory,
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open connects to the named port as 8-N-1 with DTR and RTS asserted and
// reads set to return immediately. An already open port is closed first.
func (t *Transport) Open(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port != nil {
		t.closeLocked()
	}

	mode := &serial.Mode{
		BaudRate: t.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
		InitialStatusBits: &serial.ModemOutputBits{
			DTR: true,
			RTS: true,
		},
	}

	port, err := t.factory(name, mode)
	if err != nil {
		return classifyOpenError(name, err)
	}

	if err := configure(port); err != nil {
		if closeErr := port.Close(); closeErr != nil {
			log.Debug().Err(closeErr).Str("port", name).Msg("close after failed configure")
		}
		return fmt.Errorf("%w: %s: %w", ErrConfigFailed, name, err)
	}

	// stale bytes from before the open are never part of a session
	if err := purge(port); err != nil {
		log.Warn().Err(err).Str("port", name).Msg("failed to purge port after open")
	}

	t.port = port
	t.name = name
	log.Debug().Str("port", name).Int("baud", t.cfg.BaudRate).Msg("serial port opened")
	return nil
}

func configure(port Port) error {
	// zero timeout: Read returns whatever the OS has buffered, possibly nothing
	if err := port.SetReadTimeout(0); err != nil {
		return fmt.Errorf("set read timeout: %w", err)
	}
	if err := port.SetDTR(true); err != nil {
		return fmt.Errorf("set DTR: %w", err)
	}
	if err := port.SetRTS(true); err != nil {
		return fmt.Errorf("set RTS: %w", err)
	}
	return nil
}

func purge(port Port) error {
	return errors.Join(port.ResetInputBuffer(), port.ResetOutputBuffer())
}

func classifyOpenError(name string, err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound:
			return fmt.Errorf("%w: %s: %w", ErrNotFound, name, err)
		case serial.PortBusy, serial.PermissionDenied:
			return fmt.Errorf("%w: %s: %w", ErrBusy, name, err)
		case serial.InvalidSpeed, serial.InvalidDataBits, serial.InvalidParity,
			serial.InvalidStopBits, serial.InvalidTimeoutValue:
			return fmt.Errorf("%w: %s: %w", ErrConfigFailed, name, err)
		default:
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrNotFound, name, err)
}

// Close is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *Transport) closeLocked() error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	log.Debug().Str("port", t.name).Msg("serial port closed")
	t.port = nil
	t.name = ""
	if err != nil {
		return fmt.Errorf("failed to close serial port: %w", err)
	}
	return nil
}

func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// PortName returns the name of the open port, or "" when closed.
func (t *Transport) PortName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// Probe checks the connection is still alive. A failed probe closes the
// port.
func (t *Transport) Probe() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return ErrNotConnected
	}
	if _, err := t.port.GetModemStatusBits(); err != nil {
		_ = t.closeLocked()
		return fmt.Errorf("%w: probe: %w", ErrConnectionLost, err)
	}
	return nil
}

// Purge discards everything buffered by the OS in both directions.
func (t *Transport) Purge() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return ErrNotConnected
	}
	if err := purge(t.port); err != nil {
		return fmt.Errorf("failed to purge serial port: %w", err)
	}
	return nil
}

// Read never blocks. It returns the bytes the OS has buffered, which may
// be none. A read error closes the port.
func (t *Transport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return 0, ErrNotConnected
	}
	n, err := t.port.Read(p)
	if err != nil {
		_ = t.closeLocked()
		return n, fmt.Errorf("%w: read: %w", ErrConnectionLost, err)
	}
	return n, nil
}

type writeResult struct {
	err error
	n   int
}

// Write sends p in a single call bounded by the write timeout. A timed out
// or failed write closes the port. A short write is reported, not retried.
func (t *Transport) Write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return ErrNotConnected
	}

	port := t.port
	done := make(chan writeResult, 1)
	go func() {
		n, err := port.Write(p)
		done <- writeResult{n: n, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			_ = t.closeLocked()
			return fmt.Errorf("%w: write: %w", ErrConnectionLost, res.err)
		}
		if res.n != len(p) {
			return fmt.Errorf("%w: wrote %d of %d bytes", ErrPartialWrite, res.n, len(p))
		}
		return nil
	case <-t.clock.After(t.cfg.WriteTimeout):
		// closing unblocks the pending write so the goroutine exits
		_ = t.closeLocked()
		return fmt.Errorf("%w: write timed out after %s", ErrConnectionLost, t.cfg.WriteTimeout)
	}
}
